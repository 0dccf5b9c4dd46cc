// Package directory provides read-only access to the registered-user
// directory: resolving invite emails, fetching profiles and computing the
// arbitrator set for notification fan-out.
package directory

import (
	"context"
	"fmt"

	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/store"
)

// Directory reads users from the backing store.
type Directory struct {
	store store.Store
}

// New creates a new directory over the given store.
func New(s store.Store) *Directory {
	return &Directory{store: s}
}

// Get returns the user with the given uid.
func (d *Directory) Get(ctx context.Context, uid string) (*models.User, error) {
	return d.store.GetUser(ctx, uid)
}

// LookupByEmail resolves an email address to a user. Matching is
// case-insensitive.
func (d *Directory) LookupByEmail(ctx context.Context, email string) (*models.User, error) {
	return d.store.GetUserByEmail(ctx, email)
}

// ListAll returns every registered user.
func (d *Directory) ListAll(ctx context.Context) ([]models.User, error) {
	return d.store.ListUsers(ctx)
}

// IsArbitrator reports whether uid belongs to the arbitrator set.
func (d *Directory) IsArbitrator(ctx context.Context, uid string) (bool, error) {
	u, err := d.store.GetUser(ctx, uid)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve arbitrator role: %w", err)
	}
	return u.IsArbitrator, nil
}

// UpdateProfile writes the two self-service profile fields, username and
// wallet address. Profile edits sit outside the transaction lifecycle, so
// this is the one write the directory carries.
func (d *Directory) UpdateProfile(ctx context.Context, uid, username, walletAddress string) error {
	return d.store.UpdateUserProfile(ctx, uid, username, walletAddress)
}

// Arbitrators returns every user holding the arbitrator role.
func (d *Directory) Arbitrators(ctx context.Context) ([]models.User, error) {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var arbs []models.User
	for _, u := range users {
		if u.IsArbitrator {
			arbs = append(arbs, u)
		}
	}
	return arbs, nil
}
