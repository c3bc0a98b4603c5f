// Package gatewayapi implements the Gateway's HTTP surface (§4.8): the
// cross-service entry point the Panel and every Kiosk executor talk to —
// enqueue, poll, claim, cancel, heartbeat ingestion, and kiosk listing.
// Grounded on the teacher's internal/api package shape (chi router,
// middleware.ApplyStack-style composition, httprate backpressure) adapted
// to the locker domain's own queue-depth backpressure rule instead of the
// teacher's generic per-IP limiter alone.
package gatewayapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/lockerfleet/locker-control/internal/bus"
	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/heartbeat"
	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/store"
)

// Server wires the State Store, Bus, and Heartbeat Monitor into an HTTP
// surface. It holds no locker-state-machine logic itself — RFID/self-
// service flows never reach the Gateway; only staff-originated commands
// enter through here, per §2's dataflow diagram.
type Server struct {
	Store     *store.Store
	Bus       bus.Bus
	Heartbeat *heartbeat.Monitor
	Config    *config.Holder
}

// NewServer constructs a Server. cfgHolder may be nil in tests that don't
// exercise queue-depth backpressure or bulk-batch inflation; cfg()
// falls back to config.Default() in that case.
func NewServer(st *store.Store, b bus.Bus, hb *heartbeat.Monitor, cfgHolder *config.Holder) *Server {
	return &Server{Store: st, Bus: b, Heartbeat: hb, Config: cfgHolder}
}

func (s *Server) cfg() config.Config {
	if s.Config == nil {
		return config.Default()
	}
	return s.Config.Get()
}

// Router builds the chi mux for the Gateway process. Middleware order
// mirrors the teacher's ApplyStack: outermost panic recovery first, then
// request correlation/logging, then backpressure — each state-modifying
// write handler additionally requires a CSRF token per §4.8 (auth/session
// verification itself is out of scope and left to the deployment's
// reverse proxy).
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			600, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Code:    "rate_limited",
					Message: "too many requests",
				})
			}),
		))

		r.Post("/commands", s.requireCSRF(s.handleEnqueue))
		r.Get("/commands/{command_id}", s.handleGetCommand)
		r.Post("/commands/{command_id}/cancel", s.requireCSRF(s.handleCancel))

		// claim and heartbeat are service-to-service calls from the
		// Kiosk process, not browser-originated panel requests, so the
		// CSRF requirement (a browser/session concept) does not apply.
		r.Get("/kiosks/{kiosk_id}/commands", s.handleListPending)
		r.Post("/kiosks/{kiosk_id}/commands/claim", s.handleClaim)
		r.Post("/kiosks/{kiosk_id}/heartbeat", s.handleHeartbeat)

		r.Get("/kiosks", s.handleListKiosks)
	})

	return r
}

// requireCSRF enforces §4.8's "all state-modifying endpoints require a
// CSRF token" rule at the one point the in-scope core can: presence of
// the header. Full session/auth verification is explicitly out of scope
// (§1) and is the deployment's reverse-proxy responsibility.
func (s *Server) requireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") == "" {
			badRequest(w, "missing X-CSRF-Token header")
			return
		}
		next(w, r)
	}
}

// newCommandID generates an idempotency key when the caller did not
// supply one, satisfying §4.3's "command_id may be supplied by caller or
// generated; both behaviors MUST be idempotent".
func newCommandID() string {
	return uuid.NewString()
}
