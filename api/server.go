/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the feed client

ROUTE GROUPS:
  /api/subjects/*       Subjects, reactions, history, audit
  /api/aggregates       Batch read for a feed page
  /api/audit/*          Scheduled audit results
  /api/scenarios/*      Demo scenarios
  /api/ws               Live tally stream
  /healthz              Liveness and store reachability
  /                     Endpoint index

SECURITY NOTE:
  Voter identity is trusted from X-Voter-ID. The service is meant to run
  behind the layer that authenticates sessions and sets that header.

SEE ALSO:
  - handlers.go: Handler implementations
  - hub.go: Websocket stream
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. origins lists
// the allowed CORS origins.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderVoterID, HeaderIdempotencyKey},
		ExposedHeaders:   []string{HeaderReplayed},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/subjects", func(r chi.Router) {
			r.Get("/", h.ListSubjects)
			r.Post("/", h.CreateSubject)
			r.Get("/{id}", h.GetSubject)
			r.Get("/{id}/reactions", h.ListReactions)
			r.Post("/{id}/reactions", h.SubmitReaction)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/audit", h.GetAudit)
		})

		r.Get("/aggregates", h.GetAggregates)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/last", h.GetLastAudit)
			r.Post("/run", h.TriggerAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		if h.Hub != nil {
			r.Get("/ws", h.Hub.ServeWS)
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexPage))
	})

	return r
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>Reaction Ledger</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Reaction Ledger API</h1>
<p>Send <code>X-Voter-ID</code> to vote. Each click needs an <code>Idempotency-Key</code>.</p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/subjects">/api/subjects</a> - List subjects</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
<li><a href="/api/audit/last">/api/audit/last</a> - Last audit run</li>
<li><a href="/healthz">/healthz</a> - Health</li>
</ul>
</body>
</html>`
