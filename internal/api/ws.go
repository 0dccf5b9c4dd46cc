package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/trustline/escrow/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are filtered by the CORS layer
	},
}

// Watch upgrades the connection and streams live transaction snapshots the
// caller is allowed to see: their own deals, or every deal for arbitrators.
// The token travels as a query parameter because browsers cannot set headers
// on websocket dials.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	identity, err := h.AuthService.IdentityFromToken(r.URL.Query().Get("token"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid or expired token"})
		return
	}

	isArb, err := h.Directory.IsArbitrator(r.Context(), identity.UID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	uid := identity.UID
	sub := h.Hub.Subscribe(func(tx *models.Transaction) bool {
		return isArb || tx.IsParticipant(uid)
	})
	defer h.Hub.Unsubscribe(sub)

	// Drain the read side so closes and pings are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.sendInitial(r, conn, uid, isArb); err != nil {
		return
	}

	for {
		select {
		case tx, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(tx); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// sendInitial pushes the current visible set so the client starts from a
// full picture rather than deltas only.
func (h *Handler) sendInitial(r *http.Request, conn *websocket.Conn, uid string, isArb bool) error {
	var (
		txs []models.Transaction
		err error
	)
	if isArb {
		txs, err = h.Engine.ListAll(r.Context(), uid)
	} else {
		txs, err = h.Engine.ListMine(r.Context(), uid)
	}
	if err != nil {
		h.Logger.Warn("failed to load initial snapshot set", "uid", uid, "error", err)
		return err
	}
	for i := range txs {
		if err := conn.WriteJSON(txs[i]); err != nil {
			return err
		}
	}
	return nil
}
