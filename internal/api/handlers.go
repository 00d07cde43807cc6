package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/workflow"
)

// maxFormSize bounds multipart uploads; 50MB handles high-resolution phone
// photos.
const maxFormSize = int64(50 << 20)

// handleSubmitBatch accepts a multipart batch of receipt images and queues
// one extraction job per image. The response returns as soon as every pending
// record is durable; extraction itself is observed via the status interfaces.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			msg = "File is too large. Maximum size is 50MB."
		}
		writeError(w, http.StatusBadRequest, codeInvalidRequest, msg)
		return
	}

	accountID := r.FormValue("account_id")
	files := r.MultipartForm.File["files"]

	uploads := make([]workflow.Upload, 0, len(files))
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("opening %s: %v", header.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "Error reading file. Please try again.")
			return
		}
		uploads = append(uploads, workflow.Upload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	queued, err := s.gateway.SubmitBatch(r.Context(), accountID, uploads)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			writeError(w, http.StatusPaymentRequired, codeInsufficientCredits, "Not enough credits to process this batch. Each image costs one credit.")
		case errors.Is(err, workflow.ErrEmptyBatch),
			errors.Is(err, workflow.ErrBatchTooLarge),
			errors.Is(err, workflow.ErrAccountRequired):
			writeError(w, http.StatusBadRequest, codeInvalidBatch, err.Error())
		default:
			slog.Error("Error submitting batch", "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":  queued,
		"message": fmt.Sprintf("%d receipt(s) queued for extraction", len(queued)),
	})
}

// handleQueryStatus is the pull mode: current status for a set of receipt
// IDs in one stateless call. Unknown IDs are omitted, not errored.
func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "ids query parameter is required")
		return
	}

	views := make([]receipt.StatusView, 0, len(ids))
	for _, id := range ids {
		rec, err := s.db.GetReceipt(id)
		if err != nil {
			if errors.Is(err, receipt.ErrNotFound) {
				continue
			}
			slog.Error("Error loading receipt status", "receipt_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
			return
		}
		views = append(views, rec.View())
	}

	writeJSON(w, http.StatusOK, views)
}

// handleRerun starts a fresh extraction cycle on an existing receipt.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	queued, err := s.gateway.Rerun(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, receipt.ErrNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, "Receipt not found")
		case errors.Is(err, ledger.ErrInsufficientCredits):
			writeError(w, http.StatusPaymentRequired, codeInsufficientCredits, "Not enough credits to re-run extraction.")
		case errors.Is(err, workflow.ErrNoImage), errors.Is(err, workflow.ErrJobInFlight):
			writeError(w, http.StatusConflict, codeInvalidRequest, err.Error())
		default:
			slog.Error("Error re-running extraction", "receipt_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, queued)
}

// handleListReceipts returns all receipts, optionally filtered by account
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	var receipts []*receipt.Receipt
	var err error
	if accountID := r.URL.Query().Get("account_id"); accountID != "" {
		receipts, err = s.db.ListReceiptsByAccount(accountID)
	} else {
		receipts, err = s.db.ListReceipts()
	}
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Receipt not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleGetReceiptFile returns the stored image for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Receipt not found")
		return
	}

	data, err := s.storage.Get(r.Context(), rec.ImagePath)
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt, its items, and its image
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.db.GetReceipt(id)
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "Receipt not found")
		return
	}

	if err := s.storage.Delete(r.Context(), rec.ImagePath); err != nil {
		// Continue with the database deletion; an orphan file beats a
		// receipt that cannot be removed.
		slog.Warn("Failed to delete image", "path", rec.ImagePath, "error", err)
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		slog.Error("Error deleting receipt", "receipt_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Error deleting receipt")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetItems returns a receipt's line items in sort order
func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.db.GetItems(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Receipt not found")
			return
		}
		slog.Error("Error loading items", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, items)
}

// handleReplaceItems wholesale-replaces a receipt's line items (manual edit).
func (s *Server) handleReplaceItems(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var items []receipt.Item
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	for i := range items {
		if strings.TrimSpace(items[i].Name) == "" {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("item %d has no name", i))
			return
		}
		if items[i].Quantity <= 0 {
			items[i].Quantity = 1
		}
		if items[i].TotalPrice < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("item %d has a negative total price", i))
			return
		}
		if err := items[i].BoundingBox.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
	}

	if err := s.db.ReplaceItems(id, items); err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Receipt not found")
			return
		}
		slog.Error("Error replacing items", "receipt_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}

	items, err := s.db.GetItems(id)
	if err != nil {
		slog.Error("Error reloading items", "receipt_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateAccount creates a credit account, granting the configured
// signup bonus.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "account id is required")
		return
	}

	account, err := s.ledger.CreateAccount(req.ID, s.signupBonus)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			writeError(w, http.StatusConflict, codeInvalidRequest, "Account already exists")
			return
		}
		slog.Error("Error creating account", "account_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}
	if s.signupBonus > 0 {
		metrics.CreditsAdded.WithLabelValues(string(ledger.TypeSignupBonus)).Add(float64(s.signupBonus))
	}

	writeJSON(w, http.StatusCreated, account)
}

// handleGetBalance returns an account's current credit balance
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	balance, err := s.ledger.GetBalance(id)
	if err != nil {
		slog.Error("Error loading balance", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "balance": balance})
}

// handleListTransactions returns an account's ledger entries oldest first
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	transactions, err := s.ledger.ListTransactions(id)
	if err != nil {
		slog.Error("Error listing transactions", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, transactions)
}

// handleAddCredits credits an account after an external purchase completed.
// The checkout flow itself is out of scope; only its reference lands here.
func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Amount      int     `json:"amount"`
		ExternalRef *string `json:"external_ref"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "amount must be positive")
		return
	}

	if err := s.ledger.Add(id, req.Amount, ledger.TypePurchase, req.ExternalRef, req.Description); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Account not found")
			return
		}
		slog.Error("Error adding credits", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}
	metrics.CreditsAdded.WithLabelValues(string(ledger.TypePurchase)).Add(float64(req.Amount))

	balance, err := s.ledger.GetBalance(id)
	if err != nil {
		slog.Error("Error loading balance", "account_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "balance": balance})
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// splitIDs parses a comma-separated id list, dropping empty segments.
func splitIDs(raw string) []string {
	ids := make([]string, 0)
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
