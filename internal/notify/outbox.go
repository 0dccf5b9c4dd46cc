// Package notify implements the per-user notification outbox. Enqueues are
// fire-and-forget from the caller's point of view: the transition that
// triggered them is already committed and stays committed whatever happens
// here.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/store"
)

// Outbox appends and reads notifications through the backing store.
type Outbox struct {
	store store.Store
}

// New creates a new outbox over the given store.
func New(s store.Store) *Outbox {
	return &Outbox{store: s}
}

// Enqueue appends one message to the recipient's outbox.
func (o *Outbox) Enqueue(ctx context.Context, recipientUID, message, relatedTxID string) error {
	n := &models.Notification{
		ID:           uuid.NewString(),
		RecipientUID: recipientUID,
		Message:      message,
		RelatedTxID:  relatedTxID,
		CreatedAt:    time.Now().UTC(),
	}
	return o.store.AppendNotification(ctx, n)
}

// List returns the recipient's notifications newest first, along with the
// unread count.
func (o *Outbox) List(ctx context.Context, recipientUID string) ([]models.Notification, int, error) {
	ns, err := o.store.ListNotifications(ctx, recipientUID)
	if err != nil {
		return nil, 0, err
	}
	unread := 0
	for _, n := range ns {
		if !n.Read {
			unread++
		}
	}
	return ns, unread, nil
}

// MarkRead sets the read flag on one notification. Marking an already-read
// notification is a no-op, not an error. Only the recipient's own
// notifications are reachable.
func (o *Outbox) MarkRead(ctx context.Context, recipientUID, id string) error {
	return o.store.MarkNotificationRead(ctx, recipientUID, id)
}

// MarkAllRead marks every unread notification as read, as a batch of
// independent idempotent updates. A partial failure leaves a subset marked;
// the caller can safely re-issue the call.
func (o *Outbox) MarkAllRead(ctx context.Context, recipientUID string) error {
	ns, err := o.store.ListNotifications(ctx, recipientUID)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range ns {
		if n.Read {
			continue
		}
		if err := o.store.MarkNotificationRead(ctx, recipientUID, n.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
