// Package status serves a read-only JSON view of the running engine: tracked
// orders, trade counts, journal statistics and recent notifications.
package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/condorbot/internal/journal"
	"github.com/eddiefleurent/condorbot/internal/models"
	"github.com/eddiefleurent/condorbot/internal/notify"
)

// CountSource reports today's trade counts per symbol.
type CountSource interface {
	Snapshot() map[string]int
}

// StatsSource summarises the submission journal.
type StatsSource interface {
	Statistics() *journal.Statistics
}

// Registry tracks order handles for the status endpoint.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]*models.OrderHandle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{orders: make(map[string]*models.OrderHandle)}
}

// Track adds a handle. Nil handles are ignored.
func (r *Registry) Track(h *models.OrderHandle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[h.ID] = h
}

// Get returns a snapshot of one tracked order.
func (r *Registry) Get(id string) (models.OrderSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.orders[id]
	if !ok {
		return models.OrderSnapshot{}, false
	}
	return h.Snapshot(), true
}

// Snapshots returns every tracked order, oldest first.
func (r *Registry) Snapshots() []models.OrderSnapshot {
	r.mu.RLock()
	out := make([]models.OrderSnapshot, 0, len(r.orders))
	for _, h := range r.orders {
		out = append(out, h.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Config holds the listener settings.
type Config struct {
	AuthToken string
	Port      int
}

// Sources are the read-only views the server exposes. Any of them may be nil.
type Sources struct {
	Orders        *Registry
	Counts        CountSource
	Journal       StatsSource
	Notifications *notify.Recorder
	// Breaker reports the gateway circuit breaker state
	Breaker func() string
}

// Server is the status HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	src       Sources
	logger    logrus.FieldLogger
	started   time.Time
	authToken string
	port      int
}

// NewServer builds the router. A nil logger discards output.
func NewServer(cfg Config, src Sources, logger logrus.FieldLogger) *Server {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if src.Orders == nil {
		src.Orders = NewRegistry()
	}
	s := &Server{
		router:    chi.NewRouter(),
		src:       src,
		logger:    logger,
		started:   time.Now(),
		authToken: cfg.AuthToken,
		port:      cfg.Port,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/orders", s.handleGetOrders)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Get("/counts", s.handleGetCounts)
		r.Get("/stats", s.handleGetStats)
		r.Get("/notifications", s.handleGetNotifications)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Starting status server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if s.src.Breaker != nil {
		state := s.src.Breaker()
		health["breaker"] = state
		if state == "open" {
			health["status"] = "degraded"
		}
	}
	s.writeJSON(w, health)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.src.Orders.Snapshots()
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if o.Symbol == symbol {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	s.writeJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.src.Orders.Get(id)
	if !ok {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleGetCounts(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	if s.src.Counts != nil {
		counts = s.src.Counts.Snapshot()
	}
	s.writeJSON(w, counts)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.src.Journal == nil {
		http.Error(w, "Journal disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.src.Journal.Statistics())
}

func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	msgs := []notify.Message{}
	if s.src.Notifications != nil {
		msgs = s.src.Notifications.Messages()
	}
	s.writeJSON(w, msgs)
}
