// Package panelapi implements the Panel's HTTP surface (§4.9): the thin
// set of routes the out-of-scope admin UI calls, each of which proxies
// into the Gateway rather than touching the State Store directly — the
// Panel is a separate, out-of-process service on its own port (§6) and
// is never a second writer against the shared database file, unlike the
// Kiosk Executor which shares it in-process.
package panelapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/log"
)

// dedupWindow is §4.9's "duplicate within 2s for same (kiosk_id,
// locker_id) returns 409" rule for single-locker opens.
const dedupWindow = 2 * time.Second

// gatewayTimeout is §5's "staff HTTP timeout 10s".
const gatewayTimeout = 10 * time.Second

type recentOpen struct {
	commandID string
	expires   time.Time
}

// Server proxies staff-facing panel routes to the Gateway API.
type Server struct {
	GatewayBaseURL string
	Client         *http.Client
	Config         *config.Holder

	mu     sync.Mutex
	recent map[string]recentOpen // key: kiosk_id + "/" + locker_id
}

// NewServer constructs a Server pointed at the given Gateway base URL
// (e.g. "http://localhost:3000").
func NewServer(gatewayBaseURL string, cfgHolder *config.Holder) *Server {
	return &Server{
		GatewayBaseURL: gatewayBaseURL,
		Client:         &http.Client{Timeout: gatewayTimeout},
		Config:         cfgHolder,
		recent:         make(map[string]recentOpen),
	}
}

func (s *Server) cfg() config.Config {
	if s.Config == nil {
		return config.Default()
	}
	return s.Config.Get()
}

// Router builds the chi mux for the Panel process.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())

	r.Post("/api/lockers/{kiosk_id}/{locker_id}/open", s.handleOpen)
	r.Post("/api/lockers/bulk-open", s.handleBulkOpen)
	r.Post("/api/lockers/{kiosk_id}/{locker_id}/block", s.handleBlock)
	r.Post("/api/lockers/{kiosk_id}/{locker_id}/unblock", s.handleUnblock)
	r.Get("/api/lockers/commands/{command_id}", s.handleGetCommand)

	go s.sweepRecentOpens()
	return r
}

// sweepRecentOpens periodically drops expired dedup entries so the map
// doesn't grow unbounded under sustained traffic. It has no ctx/shutdown
// hook since it only touches an in-process map; the Panel's normal
// process exit reclaims it.
func (s *Server) sweepRecentOpens() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for k, v := range s.recent {
			if now.After(v.expires) {
				delete(s.recent, k)
			}
		}
		s.mu.Unlock()
	}
}
