package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/share-settlement/internal/config"
	"github.com/atmx/share-settlement/internal/cycle"
	"github.com/atmx/share-settlement/internal/events"
	"github.com/atmx/share-settlement/internal/lock"
	"github.com/atmx/share-settlement/internal/metrics"
	"github.com/atmx/share-settlement/internal/settlement"
	"github.com/atmx/share-settlement/internal/store"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var (
		st   store.Store
		pool *pgxpool.Pool
		rdb  *redis.Client
	)
	if cfg.Database.URL != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		// Caching an in-memory store gains nothing.
		if pool != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	}

	// --- Account lock ---
	var locker lock.Locker
	switch cfg.Lock.Backend {
	case config.LockRedis:
		locker = lock.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, cfg.Lock.TTL, cfg.Lock.WaitTimeout)
	case config.LockPostgres:
		lockPool, err := lock.NewLockPool(ctx, cfg.Database.URL, cfg.Lock.PoolSize)
		if err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		cleanup = append(cleanup, lockPool.Close)
		locker = lock.NewPostgresLocker(lockPool, cfg.Lock.WaitTimeout)
	default:
		locker = lock.NewMemoryLocker(cfg.Lock.WaitTimeout)
	}
	slog.Info("account lock backend", "backend", cfg.Lock.Backend)

	// --- Event sinks ---
	wsHub := settlement.NewWSHub()
	go wsHub.Run(ctx)
	opts := []settlement.Option{settlement.WithPublisher(wsHub)}

	if cfg.NATS.URL != "" {
		nc, js, err := events.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js, cfg.NATS.StreamMaxAge); err != nil {
			return err
		}
		opts = append(opts, settlement.WithPublisher(events.NewNATSPublisher(js, cfg.NATS.PublishTimeout)))
		slog.Info("NATS event publishing enabled", "stream", events.StreamName)
	}

	// --- Settlement service ---
	svc := settlement.NewService(st, locker, cycle.NewManager(cfg.Cycle.ReductionThresholdPercent), opts...)
	h := settlement.NewHandler(svc)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(h, wsHub, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("share-settlement listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down share-settlement...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("share-settlement stopped")
	return nil
}

func newRouter(h *settlement.Handler, wsHub *settlement.WSHub, requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"share-settlement"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement events. Long-lived, so it sits
		// outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			// Accounts.
			r.Get("/accounts", h.ListAccounts)
			r.Post("/accounts", h.CreateAccount)
			r.Get("/accounts/{accountID}", h.GetAccount)
			r.Post("/accounts/{accountID}/funding", h.AddFunding)
			r.Post("/accounts/{accountID}/balance", h.UpdateBalance)
			r.Get("/accounts/{accountID}/ledger", h.GetLedger)

			// Settlements.
			r.Get("/accounts/{accountID}/pending", h.GetPending)
			r.Post("/accounts/{accountID}/settlements", h.RecordSettlement)
			r.Get("/accounts/{accountID}/settlements", h.ListSettlements)
			r.Get("/pending", h.GetPendingSummary)
		})
	})

	return r
}
