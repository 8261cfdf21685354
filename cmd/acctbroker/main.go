package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/acctbroker/internal/allocator"
	"github.com/dukerupert/acctbroker/internal/broker"
	"github.com/dukerupert/acctbroker/internal/config"
	"github.com/dukerupert/acctbroker/internal/database"
	"github.com/dukerupert/acctbroker/internal/keylock"
	"github.com/dukerupert/acctbroker/internal/ledger"
	"github.com/dukerupert/acctbroker/internal/logging"
	"github.com/dukerupert/acctbroker/internal/metrics"
	"github.com/dukerupert/acctbroker/internal/server"
	"github.com/dukerupert/acctbroker/internal/store"
	"github.com/dukerupert/acctbroker/internal/verifier"
	ws "github.com/dukerupert/acctbroker/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var locks keylock.Locker = keylock.NewMemory()
	if cfg.RedisURL != "" {
		client, err := keylock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		locks = keylock.NewRedis(client, "acctbroker:lock:", cfg.RedisLockTTL, logger.With("component", "keylock"))
		slog.Info("using redis license locks")
	}

	m := metrics.New()
	hub := ws.NewHub(logger.With("component", "websocket"))

	l := ledger.New(
		store.NewLicenseStore(db),
		store.NewBindingStore(db),
		cfg.Limiter(),
		cfg.Location(),
		logger.With("component", "ledger"),
	)
	alloc := allocator.New(
		store.NewAccountStore(db),
		verifier.NewClient(cfg.Verifier(), m),
		cfg.AllocatorOptions(),
		logger.With("component", "allocator"),
		m,
	)
	b := broker.New(l, alloc, locks, hub, m, logger.With("component", "broker"))

	if cfg.AdminTokenHash == "" {
		slog.Warn("BROKER_ADMIN_TOKEN_HASH not set, admin endpoints are disabled")
	}
	srv := server.New(db, b, hub, m, server.Config{
		AdminTokenHash:      cfg.AdminTokenHash,
		EventOrigins:        cfg.EventOrigins,
		PublicRatePerMinute: cfg.PublicRatePerMinute,
		PublicRateBurst:     cfg.PublicRateBurst,
	}, logger)

	var sweeper *allocator.Sweeper
	if cfg.SweepInterval > 0 {
		sweeper = allocator.NewSweeper(alloc, hub, cfg.SweepInterval)
		sweeper.Start(ctx)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Swaps wait on the license lock and up to MaxCandidates verifier calls.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("account broker starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down")
	if sweeper != nil {
		sweeper.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
