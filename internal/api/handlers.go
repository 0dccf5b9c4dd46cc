package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/trustline/escrow/internal/auth"
	"github.com/trustline/escrow/internal/directory"
	"github.com/trustline/escrow/internal/escrow"
	"github.com/trustline/escrow/internal/models"
	"github.com/trustline/escrow/internal/notify"
	"github.com/trustline/escrow/internal/stream"
)

type ctxKey int

const identityKey ctxKey = 0

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Engine      *escrow.Engine
	Directory   *directory.Directory
	Outbox      *notify.Outbox
	Hub         *stream.Hub
	AuthService *auth.AuthService
	Logger      *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(engine *escrow.Engine, dir *directory.Directory, outbox *notify.Outbox, hub *stream.Hub, authService *auth.AuthService, logger *slog.Logger) *Handler {
	return &Handler{
		Engine:      engine,
		Directory:   dir,
		Outbox:      outbox,
		Hub:         hub,
		AuthService: authService,
		Logger:      logger,
	}
}

// Routes assembles the full route table.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/ws", h.Watch)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Get("/me", h.Me)
		r.Put("/me", h.UpdateMe)

		r.Post("/transactions", h.CreateTransaction)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Delete("/transactions/{id}", h.DeleteTransaction)
		r.Get("/transactions/{id}/audit", h.GetAuditTrail)

		r.Post("/transactions/{id}/accept", h.Accept)
		r.Post("/transactions/{id}/reject", h.Reject)
		r.Post("/transactions/{id}/payment-sent", h.MarkPaymentSent)
		r.Post("/transactions/{id}/confirm-payment", h.ConfirmPayment)
		r.Post("/transactions/{id}/release-goods", h.ReleaseGoods)
		r.Post("/transactions/{id}/approve-release", h.ApproveRelease)
		r.Post("/transactions/{id}/review", h.MarkUnderReview)
		r.Post("/transactions/{id}/refund", h.MarkRefunded)
		r.Post("/transactions/{id}/resolve", h.ResolveReview)

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{id}/read", h.MarkNotificationRead)
		r.Post("/notifications/read-all", h.MarkAllNotificationsRead)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses. The
// body always carries the engine's message so the client can render which
// precondition failed.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case escrow.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case escrow.IsPermission(err):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	case escrow.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case escrow.IsInvalidState(err):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case escrow.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "retry": true})
	default:
		h.Logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email         string `json:"email"`
		Username      string `json:"username"`
		Password      string `json:"password"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Email, req.Username, req.Password, req.WalletAddress)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// Login handles user login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies bearer tokens and stamps the caller identity
// into the request context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authorization header required"})
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		identity, err := h.AuthService.IdentityFromToken(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) (auth.Identity, bool) {
	id, ok := r.Context().Value(identityKey).(auth.Identity)
	return id, ok
}

// Me returns the caller's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	user, err := h.Directory.Get(r.Context(), id.UID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateMe edits the caller's username and wallet address, the only
// self-service mutable profile fields.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var req struct {
		Username      string `json:"username"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "username cannot be empty"})
		return
	}
	if err := h.Directory.UpdateProfile(r.Context(), id.UID, req.Username, req.WalletAddress); err != nil {
		h.writeEngineError(w, err)
		return
	}
	user, err := h.Directory.Get(r.Context(), id.UID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// CreateTransaction opens a new escrow deal.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var req struct {
		Role        string  `json:"role"`
		InviteEmail string  `json:"invite_email"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
		Terms       string  `json:"terms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	tx, err := h.Engine.Create(r.Context(), id.UID, escrow.CreateParams{
		CreatorRole: models.Role(req.Role),
		InviteEmail: req.InviteEmail,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Terms:       req.Terms,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// ListTransactions returns the caller's deals, or every deal when an
// arbitrator asks for view=all.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	var (
		txs []models.Transaction
		err error
	)
	if r.URL.Query().Get("view") == "all" {
		txs, err = h.Engine.ListAll(r.Context(), id.UID)
	} else {
		txs, err = h.Engine.ListMine(r.Context(), id.UID)
	}
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetTransaction returns one deal, visible to participants and arbitrators.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	tx, err := h.Engine.Get(r.Context(), id.UID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// DeleteTransaction removes a never-consummated deal.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	if err := h.Engine.Delete(r.Context(), id.UID, chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "transaction deleted"})
}

// GetAuditTrail returns a deal's audit entries, newest first. Arbitrators
// only.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	entries, err := h.Engine.AuditTrail(r.Context(), id.UID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// action wraps the common shape of the transition endpoints.
func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actorUID, txID string) (*models.Transaction, error)) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	tx, err := fn(r.Context(), id.UID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Accept handles the invited party accepting a deal.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.Engine.Accept)
}

// Reject handles the invited party declining a deal.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.Engine.Reject)
}

// MarkPaymentSent handles the seller's payment attestation.
func (h *Handler) MarkPaymentSent(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.Engine.MarkPaymentSent)
}

// ConfirmPayment handles the arbitrator's receipt attestation.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.Engine.ConfirmPayment)
}

// ReleaseGoods handles the seller's goods handover attestation.
func (h *Handler) ReleaseGoods(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.Engine.ReleaseGoods)
}

// ApproveRelease handles the buyer's final sign-off.
func (h *Handler) ApproveRelease(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.Engine.ApproveRelease)
}

func decodeReason(r *http.Request) string {
	var req struct {
		Reason string `json:"reason"`
	}
	// An empty or absent body is fine; reason is optional.
	json.NewDecoder(r.Body).Decode(&req)
	return req.Reason
}

// MarkUnderReview pulls a deal into arbitration.
func (h *Handler) MarkUnderReview(w http.ResponseWriter, r *http.Request) {
	reason := decodeReason(r)
	h.action(w, r, func(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
		return h.Engine.MarkUnderReview(ctx, actorUID, txID, reason)
	})
}

// MarkRefunded resolves a deal by refunding the buyer.
func (h *Handler) MarkRefunded(w http.ResponseWriter, r *http.Request) {
	reason := decodeReason(r)
	h.action(w, r, func(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
		return h.Engine.MarkRefunded(ctx, actorUID, txID, reason)
	})
}

// ResolveReview moves a deal out of under_review to the arbitrator's chosen
// status.
func (h *Handler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	h.action(w, r, func(ctx context.Context, actorUID, txID string) (*models.Transaction, error) {
		return h.Engine.ResolveReview(ctx, actorUID, txID, models.TxStatus(req.Target))
	})
}

// ListNotifications returns the caller's notifications with the unread
// count.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	ns, unread, err := h.Outbox.List(r.Context(), id.UID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if ns == nil {
		ns = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": ns,
		"unread":        unread,
	})
}

// MarkNotificationRead sets the read flag on one of the caller's
// notifications. Idempotent.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	if err := h.Outbox.MarkRead(r.Context(), id.UID, chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "notification not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "marked read"})
}

// MarkAllNotificationsRead marks everything in the caller's outbox read.
// Safe to re-issue after a partial failure.
func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	if err := h.Outbox.MarkAllRead(r.Context(), id.UID); err != nil {
		h.Logger.Warn("mark-all-read partially failed", "uid", id.UID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "some notifications could not be marked, retry"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "all marked read"})
}
