package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/escrow-engine/internal/catalog"
	"github.com/atmx/escrow-engine/internal/config"
	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/gateway"
	"github.com/atmx/escrow-engine/internal/idempotency"
	"github.com/atmx/escrow-engine/internal/market"
	"github.com/atmx/escrow-engine/internal/metrics"
	"github.com/atmx/escrow-engine/internal/store"
	"github.com/atmx/escrow-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var idem idempotency.Store = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			idem = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Payment gateway ---
	var gw gateway.Gateway
	var sandbox *gateway.Sandbox
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewaySecret)
		slog.Info("payment gateway configured", "url", cfg.GatewayURL)
	} else {
		sandbox = gateway.NewSandbox(cfg.SandboxDelay)
		gw = sandbox
		slog.Warn("GATEWAY_URL not set, using sandbox payment gateway")
	}

	// --- Components ---
	engine := escrow.New(st, gw, escrow.WithCaptureWindow(cfg.CaptureWindow))
	if sandbox != nil {
		sandbox.OnCapture(func(ctx context.Context, res gateway.CaptureResult) {
			if _, err := engine.HandleCaptureResult(ctx, res); err != nil {
				slog.Warn("sandbox capture result rejected", "transaction_id", res.TransactionID, "err", err)
			}
		})
	}

	auth := market.NewAuthenticator(cfg.JWTSecret)
	wsHub := market.NewWSHub(auth)
	go wsHub.Run()
	engine.Subscribe(wsHub.Publish)

	svc := market.NewService(catalog.New(st), wallet.New(st), engine, cfg.GatewaySecret)
	limiter := market.NewRateLimiter(cfg.PurchaseRatePerMin, cfg.PurchaseBurst)

	// --- Background workers ---
	go escrow.NewSweeper(engine, cfg.SweepInterval).Run(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune(10 * time.Minute)
			}
		}
	}()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"escrow-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Routes(r, auth, limiter, idem, wsHub)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("escrow-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down escrow-engine...")
	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	engine.Wait()
	if sandbox != nil {
		sandbox.Wait()
	}
	fmt.Println("escrow-engine stopped")
}
