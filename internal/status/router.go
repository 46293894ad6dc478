// Package status provides the bridge's local status/control HTTP API: a
// liveness probe plus read-only history, statistics, and audit-trail
// endpoints backed by internal/ledger and internal/audit. Adapted from the
// teacher's dashboard REST layer (internal/server/rest), narrowed to a
// single operator audience.
package status

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the status API.
//
// Route layout:
//
//	GET /healthz              – liveness probe (no authentication required)
//	GET /api/v1/history       – reading history, optionally filtered by user_slot
//	GET /api/v1/statistics    – per-user aggregate statistics
//	GET /api/v1/audit         – tamper-evident audit log, hash-chain verified
//
// hmacSecret enables Bearer-token auth on every /api/v1 route when
// non-nil; pass nil to leave the API unauthenticated (suitable for binding
// only to 127.0.0.1).
func NewRouter(srv *Server, hmacSecret []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if hmacSecret != nil {
			r.Use(BearerMiddleware(hmacSecret))
		}

		r.Get("/history", srv.handleHistory)
		r.Get("/statistics", srv.handleStatistics)
		r.Get("/audit", srv.handleAudit)
	})

	return r
}
