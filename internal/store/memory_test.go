package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/escrow/internal/models"
)

func testUser(email string) *models.User {
	return &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Username:  email,
		CreatedAt: time.Now().UTC(),
	}
}

func testTransaction(creator, invited string) *models.Transaction {
	return &models.Transaction{
		ID:          uuid.NewString(),
		CreatorUID:  creator,
		CreatorRole: models.RoleSeller,
		InvitedUID:  invited,
		InvitedRole: models.RoleBuyer,
		Amount:      1,
		Currency:    "BTC",
		Status:      models.StatusPendingAcceptance,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemory_UserUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	u := testUser("alice@example.com")
	require.NoError(t, m.CreateUser(ctx, u))

	dup := testUser("Alice@Example.com")
	assert.Equal(t, ErrDuplicate, m.CreateUser(ctx, dup), "emails are case-insensitive")

	found, err := m.GetUserByEmail(ctx, "ALICE@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	_, err = m.GetUserByEmail(ctx, "nobody@example.com")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemory_UpdateTransactionIfVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tx := testTransaction("u1", "u2")
	require.NoError(t, m.CreateTransaction(ctx, tx))

	t.Run("Success", func(t *testing.T) {
		update := *tx
		update.Status = models.StatusWaitingPayment
		require.NoError(t, m.UpdateTransactionIfVersion(ctx, &update, 0))
		assert.EqualValues(t, 1, update.Version, "version advances on commit")

		stored, err := m.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaitingPayment, stored.Status)
		assert.EqualValues(t, 1, stored.Version)
	})

	t.Run("StaleVersion", func(t *testing.T) {
		update := *tx
		update.Status = models.StatusRejected
		err := m.UpdateTransactionIfVersion(ctx, &update, 0)
		assert.Equal(t, ErrVersionMismatch, err)

		stored, err := m.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaitingPayment, stored.Status, "losing write left no trace")
	})

	t.Run("UnknownID", func(t *testing.T) {
		ghost := testTransaction("u1", "u2")
		assert.Equal(t, ErrNotFound, m.UpdateTransactionIfVersion(ctx, ghost, 0))
	})
}

func TestMemory_ConcurrentConditionalUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tx := testTransaction("u1", "u2")
	require.NoError(t, m.CreateTransaction(ctx, tx))

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			update := *tx
			update.Status = models.StatusWaitingPayment
			if err := m.UpdateTransactionIfVersion(ctx, &update, 0); err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount, "exactly one writer wins the version race")

	stored, err := m.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Version)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tx := testTransaction("u1", "u2")
	require.NoError(t, m.CreateTransaction(ctx, tx))

	got, err := m.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	got.Status = models.StatusCompleted

	again, err := m.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingAcceptance, again.Status,
		"mutating a returned snapshot must not leak into the store")
}

func TestMemory_AuditOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	txID := uuid.NewString()
	now := time.Now().UTC()

	// Same timestamp on purpose: seq must break the tie.
	for _, action := range []models.Action{models.ActionAccept, models.ActionMarkPaymentSent, models.ActionConfirmPayment} {
		require.NoError(t, m.AppendAuditEntry(ctx, &models.AuditEntry{
			ID:        uuid.NewString(),
			TxID:      txID,
			Action:    action,
			CreatedAt: now,
		}))
	}

	entries, err := m.ListAuditEntries(ctx, txID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.ActionConfirmPayment, entries[0].Action, "newest first")
	assert.Equal(t, models.ActionAccept, entries[2].Action)
	assert.Greater(t, entries[0].Seq, entries[1].Seq)
}

func TestMemory_DeleteCascade(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tx := testTransaction("u1", "u2")
	require.NoError(t, m.CreateTransaction(ctx, tx))
	require.NoError(t, m.AppendAuditEntry(ctx, &models.AuditEntry{
		ID: uuid.NewString(), TxID: tx.ID, Action: models.ActionAccept, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, m.AppendNotification(ctx, &models.Notification{
		ID: uuid.NewString(), RecipientUID: "u2", Message: "invited", RelatedTxID: tx.ID, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, m.DeleteTransaction(ctx, tx.ID))

	_, err := m.GetTransaction(ctx, tx.ID)
	assert.Equal(t, ErrNotFound, err)

	entries, err := m.ListAuditEntries(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "audit entries cascade with the transaction")

	ns, err := m.ListNotifications(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, ns, 1, "notifications survive the deletion")

	assert.Equal(t, ErrNotFound, m.DeleteTransaction(ctx, tx.ID))
}

func TestMemory_MarkNotificationRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n := &models.Notification{
		ID: uuid.NewString(), RecipientUID: "u1", Message: "hello", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.AppendNotification(ctx, n))

	count, err := m.CountUnreadNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, m.MarkNotificationRead(ctx, "u1", n.ID))
	// Idempotent: second call is a no-op, not an error.
	require.NoError(t, m.MarkNotificationRead(ctx, "u1", n.ID))

	count, err = m.CountUnreadNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Another user's notification is unreachable.
	assert.Equal(t, ErrNotFound, m.MarkNotificationRead(ctx, "u2", n.ID))
}

func TestMemory_ListTransactionsByParticipant(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := testTransaction("u1", "u2")
	second := testTransaction("u2", "u3")
	third := testTransaction("u3", "u4")
	for _, tx := range []*models.Transaction{first, second, third} {
		require.NoError(t, m.CreateTransaction(ctx, tx))
	}

	txs, err := m.ListTransactionsByParticipant(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	txs, err = m.ListTransactionsByParticipant(ctx, "u5")
	require.NoError(t, err)
	assert.Empty(t, txs)

	all, err := m.ListAllTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
