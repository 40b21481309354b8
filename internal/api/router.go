package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/baitline-ai/baitline/internal/auth"
	"github.com/baitline-ai/baitline/internal/engage"
	"github.com/baitline-ai/baitline/internal/store"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Engine *engage.Engine
	Auth   auth.Authenticator
	Store  store.Store // nil when running without persistence
	Logger *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Message ingestion (auth required via Bearer ebk_ token)
	mux.HandleFunc("POST /v1/baitline/messages", deps.authMiddleware(deps.handleMessage))

	// Session and report inspection (no auth — dashboard auth added later)
	mux.HandleFunc("GET /api/baitline/sessions", deps.handleListSessions)
	mux.HandleFunc("GET /api/baitline/sessions/{session_id}", deps.handleGetSession)
	mux.HandleFunc("GET /api/baitline/sessions/{session_id}/report", deps.handleGetReport)
	mux.HandleFunc("GET /api/baitline/reports", deps.handleListReports)

	// API key management (no auth)
	mux.HandleFunc("POST /api/baitline/keys", deps.handleCreateKey)
	mux.HandleFunc("DELETE /api/baitline/keys/{key_id}", deps.handleRevokeKey)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
