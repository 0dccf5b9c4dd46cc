package directory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/store"
)

func seed(t *testing.T, st store.Store, email string, isArb bool) *models.User {
	t.Helper()
	u := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     email,
		IsArbitrator: isArb,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func TestDirectory_Lookup(t *testing.T) {
	st := store.NewMemory()
	d := New(st)
	ctx := context.Background()

	alice := seed(t, st, "alice@example.com", false)

	found, err := d.LookupByEmail(ctx, "Alice@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, found.ID, "email lookup is case-insensitive")

	_, err = d.LookupByEmail(ctx, "nobody@example.com")
	assert.Equal(t, store.ErrNotFound, err)

	got, err := d.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.Email, got.Email)
}

func TestDirectory_Arbitrators(t *testing.T) {
	st := store.NewMemory()
	d := New(st)
	ctx := context.Background()

	seed(t, st, "alice@example.com", false)
	judge := seed(t, st, "judge@example.com", true)
	judge2 := seed(t, st, "judge2@example.com", true)

	isArb, err := d.IsArbitrator(ctx, judge.ID)
	require.NoError(t, err)
	assert.True(t, isArb)

	isArb, err = d.IsArbitrator(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, isArb, "unknown uid is simply not an arbitrator")

	arbs, err := d.Arbitrators(ctx)
	require.NoError(t, err)
	require.Len(t, arbs, 2)
	ids := []string{arbs[0].ID, arbs[1].ID}
	assert.Contains(t, ids, judge.ID)
	assert.Contains(t, ids, judge2.ID)
}

func TestDirectory_UpdateProfile(t *testing.T) {
	st := store.NewMemory()
	d := New(st)
	ctx := context.Background()

	alice := seed(t, st, "alice@example.com", false)

	require.NoError(t, d.UpdateProfile(ctx, alice.ID, "alice-renamed", "w-new"))

	got, err := d.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice-renamed", got.Username)
	assert.Equal(t, "w-new", got.WalletAddress)
	assert.Equal(t, "alice@example.com", got.Email, "email is not self-service editable")
}
