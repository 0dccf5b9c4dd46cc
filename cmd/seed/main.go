package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/trustline/escrow/internal/audit"
	"github.com/trustline/escrow/internal/auth"
	"github.com/trustline/escrow/internal/config"
	"github.com/trustline/escrow/internal/directory"
	"github.com/trustline/escrow/internal/escrow"
	"github.com/trustline/escrow/internal/logging"
	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/notify"
	"github.com/trustline/escrow/internal/store"
	"github.com/trustline/escrow/internal/stream"
)

// Seed the database with demo users and transactions.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL must be set to seed")
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pg.Close(ctx)

	// Already seeded?
	existing, err := pg.ListAllTransactions(ctx)
	if err != nil {
		log.Fatalf("failed to check transactions: %v", err)
	}
	if len(existing) > 0 {
		fmt.Printf("Database already has %d transactions. No need to seed.\n", len(existing))
		os.Exit(0)
	}

	logger := logging.New(cfg.Logging)
	dir := directory.New(pg)
	engine := escrow.New(pg, dir, audit.New(pg), notify.New(pg), stream.NewHub(), logger, cfg.Escrow.WalletAddress)
	authService := auth.NewAuthService(pg, cfg.JWTSecret)

	seller := mustUser(ctx, pg, authService, "alice@example.com", "alice", "bc1-alice-wallet")
	buyer := mustUser(ctx, pg, authService, "bob@example.com", "bob", "bc1-bob-wallet")
	arb := mustUser(ctx, pg, authService, "judge@example.com", "judge", "")

	// The arbitrator flag is not self-service; flip it directly.
	if _, err := pg.Pool.Exec(ctx, "UPDATE users SET is_arbitrator = TRUE WHERE id = $1", arb.ID); err != nil {
		log.Fatalf("failed to promote arbitrator: %v", err)
	}

	// One fresh invite.
	if _, err := engine.Create(ctx, seller.ID, escrow.CreateParams{
		CreatorRole: models.RoleSeller,
		InviteEmail: buyer.Email,
		Amount:      0.25,
		Currency:    "BTC",
		Terms:       "500 units, shipped on confirmation",
	}); err != nil {
		log.Fatalf("failed to create pending deal: %v", err)
	}

	// One deal walked through to completion.
	tx, err := engine.Create(ctx, buyer.ID, escrow.CreateParams{
		CreatorRole: models.RoleBuyer,
		InviteEmail: seller.Email,
		Amount:      3.5,
		Currency:    "ETH",
		Terms:       "consulting retainer, March",
	})
	if err != nil {
		log.Fatalf("failed to create deal: %v", err)
	}
	steps := []struct {
		name string
		run  func() error
	}{
		{"accept", func() error { _, err := engine.Accept(ctx, seller.ID, tx.ID); return err }},
		{"mark payment sent", func() error { _, err := engine.MarkPaymentSent(ctx, seller.ID, tx.ID); return err }},
		{"confirm payment", func() error { _, err := engine.ConfirmPayment(ctx, arb.ID, tx.ID); return err }},
		{"release goods", func() error { _, err := engine.ReleaseGoods(ctx, seller.ID, tx.ID); return err }},
		{"approve release", func() error { _, err := engine.ApproveRelease(ctx, buyer.ID, tx.ID); return err }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			log.Fatalf("failed to %s: %v", step.name, err)
		}
	}

	fmt.Println("Successfully seeded the database with demo escrow deals!")
}

func mustUser(ctx context.Context, pg *store.Postgres, authService *auth.AuthService, email, username, wallet string) *models.User {
	if u, err := pg.GetUserByEmail(ctx, email); err == nil {
		return u
	}
	u, err := authService.Register(ctx, email, username, "password123", wallet)
	if err != nil {
		log.Fatalf("failed to create user %s: %v", username, err)
	}
	return u
}
