package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/acctbroker/internal/broker"
	"github.com/dukerupert/acctbroker/internal/handler"
	"github.com/dukerupert/acctbroker/internal/metrics"
	"github.com/dukerupert/acctbroker/internal/middleware"
	ws "github.com/dukerupert/acctbroker/internal/websocket"
)

type Config struct {
	AdminTokenHash      string
	EventOrigins        []string
	PublicRatePerMinute float64
	PublicRateBurst     int
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	metrics     *metrics.Metrics
	licenseH    *handler.LicenseHandler
	adminH      *handler.AdminHandler
	rateLimiter *middleware.RateLimiter
	cfg         Config
	logger      *slog.Logger
}

func New(db *sql.DB, b *broker.Broker, hub *ws.Hub, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		db:          db,
		hub:         hub,
		metrics:     m,
		licenseH:    handler.NewLicenseHandler(b, logger.With("component", "license_handler")),
		adminH:      handler.NewAdminHandler(b, logger.With("component", "admin_handler")),
		rateLimiter: middleware.NewRateLimiter(cfg.PublicRatePerMinute, cfg.PublicRateBurst),
		cfg:         cfg,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("POST /api/license/validate", s.rateLimitedHandler(s.licenseH.Validate))
	mux.HandleFunc("POST /api/account/swap", s.rateLimitedHandler(s.licenseH.Swap))
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Operator routes
	adminMux := http.NewServeMux()
	s.registerAdminRoutes(adminMux)
	mux.Handle("/admin/", middleware.RequireAdmin(s.cfg.AdminTokenHash)(adminMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/licenses", s.adminH.IssueLicense)
	mux.HandleFunc("POST /admin/licenses/{code}/deactivate", s.adminH.DeactivateLicense)
	mux.HandleFunc("POST /admin/licenses/{code}/release", s.adminH.ReleaseLicense)
	mux.HandleFunc("GET /admin/licenses/{code}/accounts", s.adminH.LicenseAccounts)

	mux.HandleFunc("POST /admin/accounts", s.adminH.AddAccount)
	mux.HandleFunc("POST /admin/accounts/sweep", s.adminH.Sweep)
	mux.HandleFunc("POST /admin/accounts/{handle}/verify", s.adminH.VerifyAccount)

	mux.HandleFunc("GET /admin/events", ws.Handle(s.hub, s.cfg.EventOrigins, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"status": status, "event_listeners": s.hub.ClientCount()})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP)
	return rl(h).ServeHTTP
}
