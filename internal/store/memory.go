package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/trustline/escrow/internal/models"
)

// Memory is an in-memory Store used by tests and by the server when no
// database is configured. All methods copy records on the way in and out so
// callers never share memory with the store.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]models.User
	transactions  map[string]models.Transaction
	audit         map[string][]models.AuditEntry // keyed by tx id
	auditSeq      map[string]int64
	notifications map[string][]models.Notification // keyed by recipient uid
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]models.User),
		transactions:  make(map[string]models.Transaction),
		audit:         make(map[string][]models.AuditEntry),
		auditSeq:      make(map[string]int64),
		notifications: make(map[string][]models.Notification),
	}
}

func (m *Memory) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrDuplicate
		}
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) GetUser(ctx context.Context, uid string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			user := u
			return &user, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListUsers(ctx context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (m *Memory) UpdateUserProfile(ctx context.Context, uid, username, walletAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[uid]
	if !ok {
		return ErrNotFound
	}
	u.Username = username
	u.WalletAddress = walletAddress
	m.users[uid] = u
	return nil
}

func (m *Memory) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return ErrDuplicate
	}
	m.transactions[tx.ID] = *tx
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (m *Memory) UpdateTransactionIfVersion(ctx context.Context, tx *models.Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[tx.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}
	tx.Version = expectedVersion + 1
	m.transactions[tx.ID] = *tx
	return nil
}

func (m *Memory) DeleteTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[id]; !ok {
		return ErrNotFound
	}
	delete(m.transactions, id)
	// Audit entries are owned by the transaction and go with it.
	// Notifications are owned by their recipients and stay.
	delete(m.audit, id)
	delete(m.auditSeq, id)
	return nil
}

func (m *Memory) ListTransactionsByParticipant(ctx context.Context, uid string) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var txs []models.Transaction
	for _, tx := range m.transactions {
		if tx.IsParticipant(uid) {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (m *Memory) ListAllTransactions(ctx context.Context) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := make([]models.Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
	return txs, nil
}

func (m *Memory) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auditSeq[e.TxID]++
	e.Seq = m.auditSeq[e.TxID]

	entry := *e
	if e.Metadata != nil {
		entry.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			entry.Metadata[k] = v
		}
	}
	m.audit[e.TxID] = append(m.audit[e.TxID], entry)
	return nil
}

func (m *Memory) ListAuditEntries(ctx context.Context, txID string) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]models.AuditEntry, len(m.audit[txID]))
	copy(entries, m.audit[txID])
	// Newest first; seq breaks timestamp ties.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Seq > entries[j].Seq
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (m *Memory) AppendNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifications[n.RecipientUID] = append(m.notifications[n.RecipientUID], *n)
	return nil
}

func (m *Memory) ListNotifications(ctx context.Context, recipientUID string) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns := make([]models.Notification, len(m.notifications[recipientUID]))
	copy(ns, m.notifications[recipientUID])
	sort.Slice(ns, func(i, j int) bool {
		return ns[i].CreatedAt.After(ns[j].CreatedAt)
	})
	return ns, nil
}

func (m *Memory) MarkNotificationRead(ctx context.Context, recipientUID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, n := range m.notifications[recipientUID] {
		if n.ID == id {
			// Setting read twice is a no-op, not an error.
			m.notifications[recipientUID][i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) CountUnreadNotifications(ctx context.Context, recipientUID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.notifications[recipientUID] {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}
