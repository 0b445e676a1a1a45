package api

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the trace control API.
//
// Route layout:
//
//	GET  /healthz        – liveness probe (no authentication required)
//	GET  /v1/session      – current lifecycle state and thread count (JWT required)
//	POST /v1/finish        – request an early flush (JWT required)
//	POST /v1/disable       – suspend recording (JWT required)
//	POST /v1/enable        – resume recording (JWT required)
//
// pubKey verifies RS256 Bearer tokens on every /v1 route. Pass nil to
// disable JWT validation, useful in tests that cover only request parsing
// and response formatting.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/session", srv.handleGetSession)
		r.Post("/finish", srv.handleFinish)
		r.Post("/disable", srv.handleDisable)
		r.Post("/enable", srv.handleEnable)
	})

	return r
}
