// Package notify fans status-change facts out to every interested observer.
// The hub is not authoritative: both delivery modes read the receipt store as
// the source of truth, the hub only wakes observers when it changes.
package notify

import (
	"log/slog"
	"sync"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

// Event is one status-change fact about a receipt.
type Event struct {
	ReceiptID    string         `json:"id"`
	AccountID    string         `json:"-"`
	Status       receipt.Status `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	StoreName    *string        `json:"store_name,omitempty"`
	Total        float64        `json:"total"`
	Currency     string         `json:"currency,omitempty"`
	ImagePath    string         `json:"image_path,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. A consumer that falls
// further behind than this misses events and converges through the pull
// interface instead.
const subscriberBuffer = 16

// Subscription is one observer's view of the event stream. Close it when the
// consumer disconnects; closing is idempotent.
type Subscription struct {
	hub       *Hub
	ids       map[string]struct{} // empty means all receipts the filter allows
	accountID string              // empty means no account filter
	ch        chan Event
	last      map[string]receipt.Status // guarded by hub.mu
	closeOnce sync.Once
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the hub and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(ev Event) bool {
	if len(s.ids) > 0 {
		_, ok := s.ids[ev.ReceiptID]
		return ok
	}
	if s.accountID != "" {
		return ev.AccountID == s.accountID
	}
	return true
}

// Hub delivers each published event to every matching subscription exactly
// once per status change: an event repeating a receipt's last seen status is
// suppressed per subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers an observer for the given receipt IDs. An empty id list
// means all receipts owned by accountID, or every receipt when accountID is
// also empty.
func (h *Hub) Subscribe(ids []string, accountID string) *Subscription {
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	sub := &Subscription{
		hub:       h,
		ids:       idSet,
		accountID: accountID,
		ch:        make(chan Event, subscriberBuffer),
		last:      make(map[string]receipt.Status),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every matching subscriber. Sends never block: a
// subscriber whose buffer is full misses the event and must converge through
// a pull, which is why delivery is at-least-once across both modes rather
// than exactly-once in this one.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		if last, ok := sub.last[ev.ReceiptID]; ok && last == ev.Status {
			continue // unchanged status, suppress the duplicate
		}
		sub.last[ev.ReceiptID] = ev.Status

		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Dropping status event for slow subscriber",
				"receipt_id", ev.ReceiptID,
				"status", ev.Status,
			)
		}
	}
}
