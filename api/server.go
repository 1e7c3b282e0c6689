/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       HS256 bearer tokens on /api, only when a secret is set

ROUTE GROUPS:
  /api/wallets/*        Wallet ledger
  /api/transactions     Ledger log queries
  /api/users/*          User directory
  /api/bf/*             Funds (by id or group), members, cases, contributions
  /api/ws/wallets/*     Websocket balance stream
  /metrics              Prometheus
  /healthz              Liveness + database ping

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/twezimbe/bf-ledger/metrics"
)

// RouterOptions configures cross-cutting middleware.
type RouterOptions struct {
	AllowedOrigins []string
	// JWTSecret enables bearer auth on /api when non-empty.
	JWTSecret string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(Authenticator([]byte(opts.JWTSecret)))
		}

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.CreateWallet)
			r.Post("/transfer", h.Transfer)
			r.Get("/{address}", h.GetWallet)
			r.Get("/{address}/transactions", h.GetWalletTransactions)
		})
		r.Get("/transactions", h.ListTransactions)

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
		})

		// Fund routes
		r.Route("/bf", func(r chi.Router) {
			r.Post("/", h.CreateFund)
			r.Put("/update-wallet-balance", h.UpdateWalletBalance)
			r.Post("/contribute", h.Contribute)

			r.Post("/members", h.AddMember)
			r.Get("/members/{fundId}", h.ListMembers)

			r.Post("/cases/{fundId}", h.FileCase)
			r.Get("/cases/{fundId}", h.ListCases)
			r.Get("/case/{caseId}", h.GetCase)
			r.Post("/case/{caseId}/close", h.CloseCase)

			r.Get("/group/{groupId}", h.GetGroupFund)
			r.Get("/{fundId}", h.GetFund)
			r.Delete("/{fundId}", h.DeleteFund)
		})

		if h.Hub != nil {
			r.Get("/ws/wallets/{address}", h.WalletStream)
		}
	})

	return r
}
