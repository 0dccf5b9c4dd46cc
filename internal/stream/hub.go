// Package stream fans committed transaction snapshots out to live
// subscribers. The engine publishes after every committed transition;
// websocket handlers subscribe with a visibility predicate.
package stream

import (
	"sync"

	"github.com/trustline/escrow/internal/models"
)

// subscriberBuffer bounds how far a subscriber may fall behind before
// updates are dropped for it.
const subscriberBuffer = 16

// Predicate decides whether a subscriber may see a given snapshot.
type Predicate func(*models.Transaction) bool

// Subscriber receives snapshots matching its predicate on C.
type Subscriber struct {
	ch   chan models.Transaction
	pred Predicate
}

// C is the subscriber's snapshot channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan models.Transaction {
	return s.ch
}

// Hub distributes snapshots to the current subscriber set.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]bool)}
}

// Subscribe registers a new subscriber whose predicate filters the stream.
func (h *Hub) Subscribe(pred Predicate) *Subscriber {
	sub := &Subscriber{
		ch:   make(chan models.Transaction, subscriberBuffer),
		pred: pred,
	}
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers a snapshot to every subscriber whose predicate matches.
// Delivery never blocks: a subscriber whose buffer is full misses this
// update and catches up from a later one.
func (h *Hub) Publish(tx *models.Transaction) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.pred(tx) {
			continue
		}
		select {
		case sub.ch <- *tx:
		default:
		}
	}
}
