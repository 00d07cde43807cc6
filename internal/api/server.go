// Package api exposes the HTTP surface: batch submission, status pull and
// push, re-extraction, line items, and the credit endpoints.
package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/notify"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/workflow"
)

// Stable machine-readable error codes.
const (
	codeInsufficientCredits = "insufficient_credits"
	codeInvalidBatch        = "invalid_batch"
	codeInvalidRequest      = "invalid_request"
	codeNotFound            = "not_found"
	codeInternal            = "internal_error"
)

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Server handles HTTP requests for receipts and credits
type Server struct {
	db          receipt.DB
	storage     receipt.Storage
	ledger      ledger.Ledger
	gateway     *workflow.Gateway
	hub         *notify.Hub
	basicAuth   BasicAuth
	signupBonus int
	mux         *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(db receipt.DB, storage receipt.Storage, ledg ledger.Ledger, gateway *workflow.Gateway, hub *notify.Hub, basicAuth BasicAuth, signupBonus int) *Server {
	return NewServerWithMux(db, storage, ledg, gateway, hub, basicAuth, signupBonus, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(db receipt.DB, storage receipt.Storage, ledg ledger.Ledger, gateway *workflow.Gateway, hub *notify.Hub, basicAuth BasicAuth, signupBonus int, mux *http.ServeMux) *Server {
	s := &Server{
		db:          db,
		storage:     storage,
		ledger:      ledg,
		gateway:     gateway,
		hub:         hub,
		basicAuth:   basicAuth,
		signupBonus: signupBonus,
		mux:         mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Ledger"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a structured error with a stable machine-readable code
// plus a human message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	setCORSHeaders(w)
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// registerRoutes registers all API routes on the server's mux.
// Routes must be registered from most specific to least specific.
func (s *Server) registerRoutes() {
	// Receipts
	s.mux.HandleFunc("GET /api/receipts/status", s.requireAuth(s.handleQueryStatus))
	s.mux.HandleFunc("GET /api/receipts/stream", s.requireAuth(s.handleStream))
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}/items", s.requireAuth(s.handleGetItems))
	s.mux.HandleFunc("PUT /api/receipts/{id}/items", s.requireAuth(s.handleReplaceItems))
	s.mux.HandleFunc("POST /api/receipts/{id}/rerun", s.requireAuth(s.handleRerun))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleSubmitBatch))

	// Accounts and credits
	s.mux.HandleFunc("GET /api/accounts/{id}/balance", s.requireAuth(s.handleGetBalance))
	s.mux.HandleFunc("GET /api/accounts/{id}/transactions", s.requireAuth(s.handleListTransactions))
	s.mux.HandleFunc("POST /api/accounts/{id}/credits", s.requireAuth(s.handleAddCredits))
	s.mux.HandleFunc("POST /api/accounts", s.requireAuth(s.handleCreateAccount))

	// Operational endpoints
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
