package store

import (
	"context"
	"errors"

	"github.com/trustline/escrow/internal/models"
)

// Sentinel errors returned by Store implementations. Callers translate these
// into their own error taxonomy.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionMismatch indicates a conditional update lost the race: the
	// stored version no longer matches the version the caller read.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrDuplicate indicates a uniqueness violation (e.g. email already
	// registered).
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the minimal document-store contract the rest of the system is
// written against. Two implementations exist: Postgres for production and
// Memory for tests and local development.
//
// UpdateTransactionIfVersion is the only synchronized mutation in the
// system: it commits tx only if the stored version still equals
// expectedVersion, and increments the version on success. Everything else is
// either append-only or touches independently-owned records.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, uid string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateUserProfile(ctx context.Context, uid, username, walletAddress string) error

	// Transactions
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	UpdateTransactionIfVersion(ctx context.Context, tx *models.Transaction, expectedVersion int64) error
	DeleteTransaction(ctx context.Context, id string) error
	ListTransactionsByParticipant(ctx context.Context, uid string) ([]models.Transaction, error)
	ListAllTransactions(ctx context.Context) ([]models.Transaction, error)

	// Audit (append-only child collection of a transaction; removed only by
	// the parent's deletion cascade)
	AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, txID string) ([]models.AuditEntry, error)

	// Notifications (owned by the recipient, independent of any transaction)
	AppendNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, recipientUID string) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientUID, id string) error
	CountUnreadNotifications(ctx context.Context, recipientUID string) (int, error)

	Close(ctx context.Context) error
}
