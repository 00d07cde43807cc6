package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

// streamSentinel is the terminal event emitted once every watched receipt has
// reached a terminal state.
var streamSentinel = []byte(`{"type":"complete"}`)

// handleStream is the push mode: a long-lived server-sent-events stream that
// emits one event per status change for the watched receipts, then a terminal
// sentinel, then closes. The store stays the source of truth: the handler
// snapshots it first and uses hub events only as wake-ups, so a consumer that
// missed a transient event still converges.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}

	ids := splitIDs(r.URL.Query().Get("ids"))
	accountID := r.URL.Query().Get("account_id")

	// Subscribe before snapshotting so no transition between the two is lost.
	sub := s.hub.Subscribe(ids, accountID)
	defer sub.Close()

	watched, err := s.snapshot(ids, accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}
	if len(watched) == 0 && len(ids) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "nothing to watch")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Unknown ids are omitted rather than errored, matching the pull mode.
	// When nothing in the request resolves to a receipt there is nothing to
	// converge on, so the stream closes immediately instead of hanging.
	if len(watched) == 0 {
		s.writeSentinel(w, flusher)
		return
	}

	// last tracks the most recent status written per receipt so an event that
	// repeats the snapshot is suppressed.
	last := make(map[string]receipt.Status, len(watched))
	for _, rec := range watched {
		s.writeEvent(w, flusher, eventFor(rec))
		last[rec.ID] = rec.Status
	}
	if allTerminal(last) {
		s.writeSentinel(w, flusher)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if prev, seen := last[ev.ReceiptID]; seen && prev == ev.Status {
				continue
			}
			last[ev.ReceiptID] = ev.Status
			s.writeEvent(w, flusher, ev)
			if allTerminal(last) {
				s.writeSentinel(w, flusher)
				return
			}
		}
	}
}

// snapshot loads the current state of the watched receipts from the store.
func (s *Server) snapshot(ids []string, accountID string) ([]*receipt.Receipt, error) {
	if len(ids) > 0 {
		receipts := make([]*receipt.Receipt, 0, len(ids))
		for _, id := range ids {
			rec, err := s.db.GetReceipt(id)
			if err != nil {
				if errors.Is(err, receipt.ErrNotFound) {
					continue
				}
				return nil, err
			}
			receipts = append(receipts, rec)
		}
		return receipts, nil
	}
	if accountID != "" {
		return s.db.ListReceiptsByAccount(accountID)
	}
	return s.db.ListReceipts()
}

func eventFor(rec *receipt.Receipt) notify.Event {
	return notify.Event{
		ReceiptID:    rec.ID,
		AccountID:    rec.AccountID,
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
		StoreName:    rec.StoreName,
		Total:        rec.Total,
		Currency:     rec.Currency,
		ImagePath:    rec.ImagePath,
	}
}

func allTerminal(statuses map[string]receipt.Status) bool {
	for _, status := range statuses {
		if !status.Terminal() {
			return false
		}
	}
	return len(statuses) > 0
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev notify.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Error encoding stream event", "receipt_id", ev.ReceiptID, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (s *Server) writeSentinel(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprintf(w, "data: %s\n\n", streamSentinel)
	flusher.Flush()
}
