// Package audit maintains the append-only per-transaction audit trail.
// Entries are never edited or removed once written; they disappear only when
// their parent transaction is deleted.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/store"
)

// Log appends and reads audit entries through the backing store.
type Log struct {
	store store.Store
}

// New creates a new audit log over the given store.
func New(s store.Store) *Log {
	return &Log{store: s}
}

// Record appends one entry for an action against a transaction. actorUID is
// empty for system-originated entries.
func (l *Log) Record(ctx context.Context, txID, actorUID string, action models.Action, metadata map[string]string) error {
	entry := &models.AuditEntry{
		ID:        uuid.NewString(),
		TxID:      txID,
		ActorUID:  actorUID,
		Action:    action,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	return l.store.AppendAuditEntry(ctx, entry)
}

// Snapshot returns a point-in-time ordered view of a transaction's trail,
// newest first. Callers are responsible for restricting access to
// arbitrators.
func (l *Log) Snapshot(ctx context.Context, txID string) ([]models.AuditEntry, error) {
	return l.store.ListAuditEntries(ctx, txID)
}
