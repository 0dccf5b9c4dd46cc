package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/escrow/internal/store"
)

func newTestService() *AuthService {
	return NewAuthService(store.NewMemory(), "test-secret")
}

func TestAuthService_Register(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	tests := []struct {
		name        string
		email       string
		username    string
		password    string
		expectError bool
	}{
		{"Success", "alice@example.com", "alice", "hunter22", false},
		{"MissingEmail", "", "alice", "hunter22", true},
		{"BogusEmail", "not-an-email", "alice", "hunter22", true},
		{"MissingUsername", "bob@example.com", "", "hunter22", true},
		{"MissingPassword", "bob@example.com", "bob", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := s.Register(ctx, tt.email, tt.username, tt.password, "wallet-1")
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, user.ID)
			assert.Equal(t, tt.email, user.Email)
			assert.NotEqual(t, tt.password, user.PasswordHash, "password is hashed")
			assert.False(t, user.IsArbitrator, "arbitrator is never self-service")
		})
	}

	t.Run("DuplicateEmail", func(t *testing.T) {
		_, err := s.Register(ctx, "alice@example.com", "alice2", "hunter22", "")
		assert.Error(t, err)
	})
}

func TestAuthService_LoginAndIdentity(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	user, err := s.Register(ctx, "alice@example.com", "alice", "hunter22", "")
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		token, err := s.Login(ctx, "alice@example.com", "hunter22")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		identity, err := s.IdentityFromToken(token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, identity.UID)
		assert.Equal(t, "alice@example.com", identity.Email)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, err := s.Login(ctx, "alice@example.com", "wrong")
		assert.Error(t, err)
	})

	t.Run("UnknownEmail", func(t *testing.T) {
		_, err := s.Login(ctx, "ghost@example.com", "hunter22")
		assert.Error(t, err)
	})

	t.Run("GarbageToken", func(t *testing.T) {
		_, err := s.IdentityFromToken("not.a.token")
		assert.Error(t, err)
	})

	t.Run("ForeignSecret", func(t *testing.T) {
		other := NewAuthService(store.NewMemory(), "different-secret")
		_, err := other.Register(ctx, "alice@example.com", "alice", "hunter22", "")
		require.NoError(t, err)
		token, err := other.Login(ctx, "alice@example.com", "hunter22")
		require.NoError(t, err)

		_, err = s.IdentityFromToken(token)
		assert.Error(t, err, "tokens from another signer are rejected")
	})
}
