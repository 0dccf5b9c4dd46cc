package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trustline/escrow/internal/models"
)

// Postgres is the production Store backed by a pgx connection pool. Schema
// lives in migrations/001_init.sql.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres initializes a new database connection pool.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Postgres{Pool: pool}, nil
}

// Close closes the database connection pool.
func (p *Postgres) Close(ctx context.Context) error {
	p.Pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO users (id, email, username, password_hash, wallet_address, is_arbitrator, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.WalletAddress, u.IsArbitrator, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const userColumns = "id, email, username, password_hash, wallet_address, is_arbitrator, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.WalletAddress, &u.IsArbitrator, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, uid string) (*models.User, error) {
	return scanUser(p.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", uid))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(p.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", email))
}

func (p *Postgres) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := p.Pool.Query(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.WalletAddress, &u.IsArbitrator, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) UpdateUserProfile(ctx context.Context, uid, username, walletAddress string) error {
	tag, err := p.Pool.Exec(ctx,
		"UPDATE users SET username = $1, wallet_address = $2 WHERE id = $3",
		username, walletAddress, uid)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const txColumns = `id, creator_uid, creator_role, invited_uid, invited_role, amount, currency, terms,
	status, escrow_wallet_address, seller_wallet_address, buyer_wallet_address,
	payment_sent, payment_received, goods_released, buyer_approved, completed, version, created_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := row.Scan(&tx.ID, &tx.CreatorUID, &tx.CreatorRole, &tx.InvitedUID, &tx.InvitedRole,
		&tx.Amount, &tx.Currency, &tx.Terms, &tx.Status,
		&tx.EscrowWalletAddress, &tx.SellerWalletAddress, &tx.BuyerWalletAddress,
		&tx.PaymentSent, &tx.PaymentReceived, &tx.GoodsReleased, &tx.BuyerApproved, &tx.Completed,
		&tx.Version, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return tx, nil
}

func (p *Postgres) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO transactions (`+txColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		tx.ID, tx.CreatorUID, tx.CreatorRole, tx.InvitedUID, tx.InvitedRole,
		tx.Amount, tx.Currency, tx.Terms, tx.Status,
		tx.EscrowWalletAddress, tx.SellerWalletAddress, tx.BuyerWalletAddress,
		tx.PaymentSent, tx.PaymentReceived, tx.GoodsReleased, tx.BuyerApproved, tx.Completed,
		tx.Version, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (p *Postgres) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return scanTransaction(p.Pool.QueryRow(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE id = $1", id))
}

// UpdateTransactionIfVersion commits tx only if the stored row still carries
// expectedVersion. Zero rows affected means either the row is gone or a
// concurrent writer got there first; a follow-up existence check tells the
// two apart.
func (p *Postgres) UpdateTransactionIfVersion(ctx context.Context, tx *models.Transaction, expectedVersion int64) error {
	tag, err := p.Pool.Exec(ctx,
		`UPDATE transactions SET
			status = $1, escrow_wallet_address = $2, seller_wallet_address = $3, buyer_wallet_address = $4,
			payment_sent = $5, payment_received = $6, goods_released = $7, buyer_approved = $8, completed = $9,
			version = version + 1
		 WHERE id = $10 AND version = $11`,
		tx.Status, tx.EscrowWalletAddress, tx.SellerWalletAddress, tx.BuyerWalletAddress,
		tx.PaymentSent, tx.PaymentReceived, tx.GoodsReleased, tx.BuyerApproved, tx.Completed,
		tx.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", tx.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transaction existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionMismatch
	}
	tx.Version = expectedVersion + 1
	return nil
}

// DeleteTransaction removes the row; audit entries go with it via the
// ON DELETE CASCADE foreign key. Notifications reference transactions by a
// plain column and are untouched.
func (p *Postgres) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := p.Pool.Exec(ctx, "DELETE FROM transactions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) listTransactions(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.CreatorUID, &tx.CreatorRole, &tx.InvitedUID, &tx.InvitedRole,
			&tx.Amount, &tx.Currency, &tx.Terms, &tx.Status,
			&tx.EscrowWalletAddress, &tx.SellerWalletAddress, &tx.BuyerWalletAddress,
			&tx.PaymentSent, &tx.PaymentReceived, &tx.GoodsReleased, &tx.BuyerApproved, &tx.Completed,
			&tx.Version, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (p *Postgres) ListTransactionsByParticipant(ctx context.Context, uid string) ([]models.Transaction, error) {
	return p.listTransactions(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE creator_uid = $1 OR invited_uid = $1", uid)
}

func (p *Postgres) ListAllTransactions(ctx context.Context) ([]models.Transaction, error) {
	return p.listTransactions(ctx,
		"SELECT "+txColumns+" FROM transactions ORDER BY created_at DESC")
}

func (p *Postgres) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	err = p.Pool.QueryRow(ctx,
		`INSERT INTO audit_entries (id, tx_id, actor_uid, action, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		e.ID, e.TxID, e.ActorUID, e.Action, metadata, e.CreatedAt).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (p *Postgres) ListAuditEntries(ctx context.Context, txID string) ([]models.AuditEntry, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, tx_id, actor_uid, action, metadata, seq, created_at
		 FROM audit_entries WHERE tx_id = $1
		 ORDER BY created_at DESC, seq DESC`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.TxID, &e.ActorUID, &e.Action, &metadata, &e.Seq, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) AppendNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO notifications (id, recipient_uid, message, related_tx_id, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.RecipientUID, n.Message, n.RelatedTxID, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

func (p *Postgres) ListNotifications(ctx context.Context, recipientUID string) ([]models.Notification, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, recipient_uid, message, related_tx_id, read, created_at
		 FROM notifications WHERE recipient_uid = $1
		 ORDER BY created_at DESC`, recipientUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var ns []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.RecipientUID, &n.Message, &n.RelatedTxID, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		ns = append(ns, n)
	}
	return ns, rows.Err()
}

// MarkNotificationRead is idempotent: marking an already-read notification
// affects the row again and still succeeds.
func (p *Postgres) MarkNotificationRead(ctx context.Context, recipientUID, id string) error {
	tag, err := p.Pool.Exec(ctx,
		"UPDATE notifications SET read = TRUE WHERE id = $1 AND recipient_uid = $2",
		id, recipientUID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CountUnreadNotifications(ctx context.Context, recipientUID string) (int, error) {
	var count int
	err := p.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM notifications WHERE recipient_uid = $1 AND read = FALSE",
		recipientUID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}
