// Package escrow implements the transaction lifecycle engine: the state
// machine over escrow deals, the role gate on every transition, and the
// side-effect fan-out (audit trail, notifications, live stream) that follows
// each committed transition.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trustline/escrow/internal/audit"
	"github.com/trustline/escrow/internal/directory"
	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/notify"
	"github.com/trustline/escrow/internal/store"
	"github.com/trustline/escrow/internal/stream"
)

// Engine coordinates every state transition on escrow transactions.
//
// Each transition is a single conditional update against the store: the
// write commits only if the record's version still matches the version the
// engine read, so concurrent actors racing on the same deal resolve to
// exactly one winner. The losers get a ConflictError and must re-fetch.
// The engine itself never retries; whether to retry is caller policy.
//
// Audit and notification writes happen strictly after the commit and are
// best-effort: their failures are logged and swallowed, never unwinding the
// committed transition.
type Engine struct {
	store        store.Store
	directory    *directory.Directory
	audit        *audit.Log
	outbox       *notify.Outbox
	hub          *stream.Hub
	logger       *slog.Logger
	escrowWallet string
}

// New creates an engine. escrowWallet is the address sellers are instructed
// to pay into; it is stamped onto every new transaction.
func New(s store.Store, dir *directory.Directory, log *audit.Log, outbox *notify.Outbox, hub *stream.Hub, logger *slog.Logger, escrowWallet string) *Engine {
	return &Engine{
		store:        s,
		directory:    dir,
		audit:        log,
		outbox:       outbox,
		hub:          hub,
		logger:       logger,
		escrowWallet: escrowWallet,
	}
}

// CreateParams describes a new escrow deal.
type CreateParams struct {
	CreatorRole models.Role
	InviteEmail string
	Amount      float64
	Currency    string
	Terms       string
}

// note is one pending notification produced by a transition.
type note struct {
	recipientUID string
	message      string
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Create validates the deal parameters, resolves the invited party by email
// and stores the new transaction in pending_acceptance. The invited party is
// notified.
func (e *Engine) Create(ctx context.Context, actorUID string, p CreateParams) (*models.Transaction, error) {
	if !p.CreatorRole.Valid() {
		return nil, &ValidationError{Field: "role", Reason: "must be seller or buyer"}
	}
	if p.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !models.SupportedCurrencies[p.Currency] {
		return nil, &ValidationError{Field: "currency", Reason: fmt.Sprintf("%q is not supported", p.Currency)}
	}

	creator, err := e.directory.Get(ctx, actorUID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, &NotFoundError{Kind: "user", Key: actorUID}
		}
		return nil, err
	}
	invited, err := e.directory.LookupByEmail(ctx, p.InviteEmail)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, &NotFoundError{Kind: "invite email", Key: p.InviteEmail}
		}
		return nil, err
	}
	if invited.ID == actorUID {
		return nil, &ValidationError{Field: "invite_email", Reason: "cannot invite yourself"}
	}

	tx := &models.Transaction{
		ID:                  uuid.NewString(),
		CreatorUID:          creator.ID,
		CreatorRole:         p.CreatorRole,
		InvitedUID:          invited.ID,
		InvitedRole:         p.CreatorRole.Complement(),
		Amount:              p.Amount,
		Currency:            p.Currency,
		Terms:               p.Terms,
		Status:              models.StatusPendingAcceptance,
		EscrowWalletAddress: e.escrowWallet,
		CreatedAt:           time.Now().UTC(),
	}
	if p.CreatorRole == models.RoleSeller {
		tx.SellerWalletAddress = creator.WalletAddress
	} else {
		tx.BuyerWalletAddress = creator.WalletAddress
	}

	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}

	// The audit trail records transitions; creation itself is fully
	// described by the record, so only the invite notification goes out.
	if err := e.outbox.Enqueue(ctx, invited.ID,
		fmt.Sprintf("%s invited you to escrow deal %s (%g %s)", creator.Username, shortID(tx.ID), p.Amount, p.Currency),
		tx.ID); err != nil {
		e.logger.Warn("failed to enqueue notification",
			"tx_id", tx.ID, "recipient", invited.ID, "error", err)
	}
	e.hub.Publish(tx)
	return tx, nil
}

// Accept moves a pending deal to waiting_payment and fills in the invited
// party's wallet address. Only the invited party may accept.
func (e *Engine) Accept(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorUID != tx.InvitedUID {
		return nil, &PermissionError{Action: models.ActionAccept, ActorUID: actorUID, Required: "invited party"}
	}
	if tx.Status != models.StatusPendingAcceptance {
		return nil, &InvalidStateError{Action: models.ActionAccept, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusPendingAcceptance}}
	}

	invited, err := e.directory.Get(ctx, tx.InvitedUID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve invited party: %w", err)
	}

	expected := tx.Version
	tx.Status = models.StatusWaitingPayment
	if tx.InvitedRole == models.RoleSeller {
		tx.SellerWalletAddress = invited.WalletAddress
	} else {
		tx.BuyerWalletAddress = invited.WalletAddress
	}

	if err := e.commit(ctx, models.ActionAccept, tx, expected); err != nil {
		return nil, err
	}
	e.sideEffects(ctx, models.ActionAccept, tx, actorUID, nil,
		[]note{{tx.CreatorUID, fmt.Sprintf("Your escrow deal %s was accepted", shortID(tx.ID))}})
	return tx, nil
}

// Reject declines a pending deal; rejected is terminal. Only the invited
// party may reject.
func (e *Engine) Reject(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorUID != tx.InvitedUID {
		return nil, &PermissionError{Action: models.ActionReject, ActorUID: actorUID, Required: "invited party"}
	}
	if tx.Status != models.StatusPendingAcceptance {
		return nil, &InvalidStateError{Action: models.ActionReject, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusPendingAcceptance}}
	}

	expected := tx.Version
	tx.Status = models.StatusRejected

	if err := e.commit(ctx, models.ActionReject, tx, expected); err != nil {
		return nil, err
	}
	e.sideEffects(ctx, models.ActionReject, tx, actorUID, nil,
		[]note{{tx.CreatorUID, fmt.Sprintf("Your escrow deal %s was rejected", shortID(tx.ID))}})
	return tx, nil
}

// MarkPaymentSent records the seller's attestation that funds left their
// wallet. The counterparty and every arbitrator are notified so confirmation
// can follow.
func (e *Engine) MarkPaymentSent(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorUID != tx.SellerUID() {
		return nil, &PermissionError{Action: models.ActionMarkPaymentSent, ActorUID: actorUID, Required: "seller"}
	}
	if tx.Status != models.StatusWaitingPayment || tx.PaymentSent {
		return nil, &InvalidStateError{Action: models.ActionMarkPaymentSent, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusWaitingPayment}}
	}

	expected := tx.Version
	tx.PaymentSent = true
	tx.Status = models.StatusAwaitingConfirmation

	if err := e.commit(ctx, models.ActionMarkPaymentSent, tx, expected); err != nil {
		return nil, err
	}

	notes := []note{{tx.Counterparty(actorUID), fmt.Sprintf("Payment reported sent for escrow deal %s", shortID(tx.ID))}}
	notes = append(notes, e.arbitratorNotes(ctx, tx, fmt.Sprintf("Escrow deal %s awaits payment confirmation", shortID(tx.ID)))...)
	e.sideEffects(ctx, models.ActionMarkPaymentSent, tx, actorUID, nil, notes)
	return tx, nil
}

// ConfirmPayment is the arbitrator's attestation that funds arrived in the
// escrow wallet. Both participants are notified.
func (e *Engine) ConfirmPayment(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := e.requireArbitrator(ctx, models.ActionConfirmPayment, actorUID); err != nil {
		return nil, err
	}
	if tx.Status != models.StatusAwaitingConfirmation || !tx.PaymentSent || tx.PaymentReceived {
		return nil, &InvalidStateError{Action: models.ActionConfirmPayment, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusAwaitingConfirmation}}
	}

	expected := tx.Version
	tx.PaymentReceived = true
	tx.Status = models.StatusPaymentReceived

	if err := e.commit(ctx, models.ActionConfirmPayment, tx, expected); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Payment confirmed in escrow for deal %s", shortID(tx.ID))
	e.sideEffects(ctx, models.ActionConfirmPayment, tx, actorUID, nil,
		[]note{{tx.CreatorUID, msg}, {tx.InvitedUID, msg}})
	return tx, nil
}

// ReleaseGoods records the seller's attestation that the goods were handed
// over. The buyer is notified to approve.
func (e *Engine) ReleaseGoods(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorUID != tx.SellerUID() {
		return nil, &PermissionError{Action: models.ActionReleaseGoods, ActorUID: actorUID, Required: "seller"}
	}
	if tx.Status != models.StatusPaymentReceived || tx.GoodsReleased {
		return nil, &InvalidStateError{Action: models.ActionReleaseGoods, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusPaymentReceived}}
	}

	expected := tx.Version
	tx.GoodsReleased = true
	tx.Status = models.StatusGoodsReleased

	if err := e.commit(ctx, models.ActionReleaseGoods, tx, expected); err != nil {
		return nil, err
	}
	e.sideEffects(ctx, models.ActionReleaseGoods, tx, actorUID, nil,
		[]note{{tx.BuyerUID(), fmt.Sprintf("Goods released for escrow deal %s", shortID(tx.ID))}})
	return tx, nil
}

// ApproveRelease is the buyer's final sign-off; the deal completes.
func (e *Engine) ApproveRelease(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorUID != tx.BuyerUID() {
		return nil, &PermissionError{Action: models.ActionApproveRelease, ActorUID: actorUID, Required: "buyer"}
	}
	if tx.Status != models.StatusGoodsReleased || tx.BuyerApproved {
		return nil, &InvalidStateError{Action: models.ActionApproveRelease, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusGoodsReleased}}
	}

	expected := tx.Version
	tx.BuyerApproved = true
	tx.Completed = true
	tx.Status = models.StatusCompleted

	if err := e.commit(ctx, models.ActionApproveRelease, tx, expected); err != nil {
		return nil, err
	}
	e.sideEffects(ctx, models.ActionApproveRelease, tx, actorUID, nil,
		[]note{{tx.SellerUID(), fmt.Sprintf("Escrow deal %s completed", shortID(tx.ID))}})
	return tx, nil
}

// MarkUnderReview pulls a live deal into arbitration. Reachable from any
// non-terminal status.
func (e *Engine) MarkUnderReview(ctx context.Context, actorUID, txID, reason string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := e.requireArbitrator(ctx, models.ActionMarkUnderReview, actorUID); err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return nil, &InvalidStateError{Action: models.ActionMarkUnderReview, TxID: txID, Status: tx.Status}
	}

	expected := tx.Version
	tx.Status = models.StatusUnderReview

	if err := e.commit(ctx, models.ActionMarkUnderReview, tx, expected); err != nil {
		return nil, err
	}
	var metadata map[string]string
	if reason != "" {
		metadata = map[string]string{"reason": reason}
	}
	msg := fmt.Sprintf("Escrow deal %s placed under review", shortID(tx.ID))
	e.sideEffects(ctx, models.ActionMarkUnderReview, tx, actorUID, metadata,
		[]note{{tx.CreatorUID, msg}, {tx.InvitedUID, msg}})
	return tx, nil
}

// MarkRefunded is the arbitrator's terminal resolution returning funds to
// the buyer. It clears the completed flag even on a completed deal, the one
// sanctioned exception to flag monotonicity.
func (e *Engine) MarkRefunded(ctx context.Context, actorUID, txID, reason string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := e.requireArbitrator(ctx, models.ActionMarkRefunded, actorUID); err != nil {
		return nil, err
	}
	if tx.Status == models.StatusRejected || tx.Status == models.StatusRefunded {
		return nil, &InvalidStateError{Action: models.ActionMarkRefunded, TxID: txID, Status: tx.Status}
	}

	expected := tx.Version
	tx.Status = models.StatusRefunded
	tx.Completed = false

	if err := e.commit(ctx, models.ActionMarkRefunded, tx, expected); err != nil {
		return nil, err
	}
	var metadata map[string]string
	if reason != "" {
		metadata = map[string]string{"reason": reason}
	}
	msg := fmt.Sprintf("Escrow deal %s refunded", shortID(tx.ID))
	e.sideEffects(ctx, models.ActionMarkRefunded, tx, actorUID, metadata,
		[]note{{tx.CreatorUID, msg}, {tx.InvitedUID, msg}})
	return tx, nil
}

// ResolveReview moves a deal out of under_review to the status the
// arbitrator chooses. Any status except pending_acceptance and under_review
// itself is a valid target; completed and refunded targets adjust the
// completed flag accordingly.
func (e *Engine) ResolveReview(ctx context.Context, actorUID, txID string, target models.TxStatus) (*models.Transaction, error) {
	if !target.Valid() || target == models.StatusPendingAcceptance || target == models.StatusUnderReview {
		return nil, &ValidationError{Field: "target", Reason: fmt.Sprintf("%q is not a valid review resolution", target)}
	}
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := e.requireArbitrator(ctx, models.ActionResolveReview, actorUID); err != nil {
		return nil, err
	}
	if tx.Status != models.StatusUnderReview {
		return nil, &InvalidStateError{Action: models.ActionResolveReview, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusUnderReview}}
	}

	expected := tx.Version
	tx.Status = target
	switch target {
	case models.StatusCompleted:
		tx.Completed = true
	case models.StatusRefunded:
		tx.Completed = false
	}

	if err := e.commit(ctx, models.ActionResolveReview, tx, expected); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Review of escrow deal %s resolved: %s", shortID(tx.ID), target)
	e.sideEffects(ctx, models.ActionResolveReview, tx, actorUID,
		map[string]string{"target": string(target)},
		[]note{{tx.CreatorUID, msg}, {tx.InvitedUID, msg}})
	return tx, nil
}

// Delete removes a never-consummated deal. Only a participant may delete,
// and only while the status is in the deletable set. The audit trail goes
// with the record; notifications already delivered stay with their owners.
func (e *Engine) Delete(ctx context.Context, actorUID, txID string) error {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return err
	}
	if !tx.IsParticipant(actorUID) {
		return &PermissionError{Action: models.ActionDelete, ActorUID: actorUID, Required: "participant"}
	}
	if !models.DeletableStatuses[tx.Status] {
		return &InvalidStateError{Action: models.ActionDelete, TxID: txID, Status: tx.Status,
			Allowed: []models.TxStatus{models.StatusRejected, models.StatusPendingAcceptance,
				models.StatusWaitingPayment, models.StatusAwaitingConfirmation}}
	}
	if err := e.store.DeleteTransaction(ctx, txID); err != nil {
		if err == store.ErrNotFound {
			return &NotFoundError{Kind: "transaction", Key: txID}
		}
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}

// Get returns one transaction, visible to its participants and to
// arbitrators.
func (e *Engine) Get(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
	tx, err := e.getTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !tx.IsParticipant(actorUID) {
		isArb, err := e.directory.IsArbitrator(ctx, actorUID)
		if err != nil {
			return nil, err
		}
		if !isArb {
			return nil, &PermissionError{Action: "view", ActorUID: actorUID, Required: "participant or arbitrator"}
		}
	}
	return tx, nil
}

// ListMine returns the caller's transactions newest first. The sort happens
// here rather than in the store so records with heterogeneous timestamp
// provenance still order consistently.
func (e *Engine) ListMine(ctx context.Context, actorUID string) ([]models.Transaction, error) {
	txs, err := e.store.ListTransactionsByParticipant(ctx, actorUID)
	if err != nil {
		return nil, err
	}
	sortByCreatedDesc(txs)
	return txs, nil
}

// ListAll returns every transaction newest first. Arbitrators only.
func (e *Engine) ListAll(ctx context.Context, actorUID string) ([]models.Transaction, error) {
	if err := e.requireArbitrator(ctx, "list_all", actorUID); err != nil {
		return nil, err
	}
	txs, err := e.store.ListAllTransactions(ctx)
	if err != nil {
		return nil, err
	}
	sortByCreatedDesc(txs)
	return txs, nil
}

// AuditTrail returns a transaction's audit entries newest first.
// Arbitrators only.
func (e *Engine) AuditTrail(ctx context.Context, actorUID, txID string) ([]models.AuditEntry, error) {
	if err := e.requireArbitrator(ctx, "view_audit", actorUID); err != nil {
		return nil, err
	}
	if _, err := e.getTx(ctx, txID); err != nil {
		return nil, err
	}
	return e.audit.Snapshot(ctx, txID)
}

func (e *Engine) getTx(ctx context.Context, txID string) (*models.Transaction, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, &NotFoundError{Kind: "transaction", Key: txID}
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return tx, nil
}

func (e *Engine) requireArbitrator(ctx context.Context, action models.Action, actorUID string) error {
	isArb, err := e.directory.IsArbitrator(ctx, actorUID)
	if err != nil {
		return err
	}
	if !isArb {
		return &PermissionError{Action: action, ActorUID: actorUID, Required: "arbitrator"}
	}
	return nil
}

// commit performs the conditional update that makes the transition durable.
// A version mismatch means a concurrent actor won the race.
func (e *Engine) commit(ctx context.Context, action models.Action, tx *models.Transaction, expectedVersion int64) error {
	err := e.store.UpdateTransactionIfVersion(ctx, tx, expectedVersion)
	switch err {
	case nil:
		return nil
	case store.ErrVersionMismatch:
		return &ConflictError{Action: action, TxID: tx.ID}
	case store.ErrNotFound:
		return &NotFoundError{Kind: "transaction", Key: tx.ID}
	default:
		return fmt.Errorf("failed to commit %s: %w", action, err)
	}
}

// arbitratorNotes builds one note per arbitrator. A directory failure here
// costs fan-out breadth, not the transition.
func (e *Engine) arbitratorNotes(ctx context.Context, tx *models.Transaction, message string) []note {
	arbs, err := e.directory.Arbitrators(ctx)
	if err != nil {
		e.logger.Warn("failed to resolve arbitrator set for notification",
			"tx_id", tx.ID, "error", err)
		return nil
	}
	var notes []note
	for _, arb := range arbs {
		notes = append(notes, note{arb.ID, message})
	}
	return notes
}

// sideEffects runs after a committed transition: audit append, notification
// fan-out, live-stream publish. Failures are logged and swallowed: the
// committed state change is the unit of durability, these are advisory.
func (e *Engine) sideEffects(ctx context.Context, action models.Action, tx *models.Transaction, actorUID string, metadata map[string]string, notes []note) {
	if err := e.audit.Record(ctx, tx.ID, actorUID, action, metadata); err != nil {
		e.logger.Warn("failed to append audit entry",
			"tx_id", tx.ID, "action", action, "error", err)
	}
	for _, n := range notes {
		if err := e.outbox.Enqueue(ctx, n.recipientUID, n.message, tx.ID); err != nil {
			e.logger.Warn("failed to enqueue notification",
				"tx_id", tx.ID, "recipient", n.recipientUID, "error", err)
		}
	}
	e.hub.Publish(tx)
}

func sortByCreatedDesc(txs []models.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}
