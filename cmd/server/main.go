package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/api"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/correlation"
	"github.com/atmx/risk-engine/internal/engine"
	"github.com/atmx/risk-engine/internal/events"
	"github.com/atmx/risk-engine/internal/ingest"
	"github.com/atmx/risk-engine/internal/market"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.App.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
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
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
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

	// --- Correlation model ---
	corr, err := correlation.ParseMatrix(cfg.Engine.Correlations, decimal.NewFromFloat(cfg.Engine.DefaultCorrelation))
	if err != nil {
		slog.Error("invalid ENGINE_CORRELATIONS", "err", err)
		os.Exit(1)
	}

	// --- Event fan-out ---
	hub := events.NewHub(cfg.App.AllowedOrigins...)
	if len(cfg.App.AllowedOrigins) == 0 {
		slog.Warn("WS_ALLOWED_ORIGINS not set, accepting event stream connections from any origin")
	}
	go hub.Run(ctx)

	pub := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		cleanup = append(cleanup, func() { kp.Close() })
		pub = append(pub, kp)
	}

	// --- Engine ---
	eng, err := engine.New(engine.Options{
		Store:                st,
		Correlation:          corr,
		Publisher:            pub,
		ScoringWorkers:       cfg.Engine.ScoringWorkers,
		MaxPositionsPerCycle: cfg.Engine.MaxPositionsPerCycle,
		KeeperRewardBudget:   cfg.Engine.KeeperRewardBudget,
	})
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	for _, id := range cfg.Engine.Markets {
		if _, err := market.Parse(id); err != nil {
			slog.Error("invalid ENGINE_MARKETS entry", "err", err)
			os.Exit(1)
		}
	}
	eng.Track(cfg.Engine.Markets...)
	if err := eng.Restore(ctx); err != nil {
		slog.Error("restore failed", "err", err)
		os.Exit(1)
	}

	// --- Price feed ---
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.PricesTopic, cfg.Kafka.GroupID, eng)
		cleanup = append(cleanup, func() { consumer.Close() })
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("price consumer stopped", "err", err)
			}
		}()
	} else {
		slog.Warn("KAFKA_BROKERS not set, cycles run only via POST /api/v1/cycles")
	}

	// --- HTTP router ---
	h := api.NewHandler(eng, st, cfg.Engine.ManualCyclesPerMinute)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q,"last_cycle":%d}`, cfg.App.Name, eng.LastCycle())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Event stream; kept outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			h.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.App.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "port", cfg.App.Port, "markets", len(cfg.Engine.Markets))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down risk-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("risk-engine stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
