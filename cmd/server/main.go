package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/airxtech/newfinal-sub000/internal/accounting"
	"github.com/airxtech/newfinal-sub000/internal/config"
	"github.com/airxtech/newfinal-sub000/internal/ledger"
	"github.com/airxtech/newfinal-sub000/internal/metrics"
	"github.com/airxtech/newfinal-sub000/internal/notify"
	"github.com/airxtech/newfinal-sub000/internal/payment"
	"github.com/airxtech/newfinal-sub000/internal/quote"
	"github.com/airxtech/newfinal-sub000/internal/store"
	"github.com/airxtech/newfinal-sub000/internal/store/migrations"
	"github.com/airxtech/newfinal-sub000/internal/token"
	"github.com/airxtech/newfinal-sub000/internal/trade"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := migrations.Apply(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Notifiers ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)
	notifiers := notify.Multi{wsHub}

	if cfg.NATS.URL != "" {
		pub, err := notify.NewNATSPublisher(notify.NATSConfig{
			URL:            cfg.NATS.URL,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		})
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pub.Close)
		notifiers = append(notifiers, pub)
		slog.Info("NATS publishing enabled", "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	// --- Engine ---
	var book quote.Book = quote.NewMemoryBook()
	if rdb != nil {
		book = quote.NewRedisBook(rdb)
	}
	engine := quote.NewEngine(st, quote.Config{
		FeeRate:            cfg.Trading.FeeRate,
		ValidityWindow:     cfg.Trading.QuoteValidity,
		DefaultSlippagePct: cfg.Trading.DefaultSlippagePct,
	}, quote.WithBook(book))

	l := ledger.New(st, ledger.Config{
		FeeRate:              cfg.Trading.FeeRate,
		MaxRetries:           cfg.Trading.MaxRetries,
		RetryInitialInterval: cfg.Trading.RetryInitialInterval,
		RetryMaxInterval:     cfg.Trading.RetryMaxInterval,
		QuoteValidity:        cfg.Trading.QuoteValidity,
	}, ledger.WithNotifier(notifiers))

	// --- Payments ---
	var recOpts []payment.Option
	if cfg.Source.BaseURL != "" {
		recOpts = append(recOpts, payment.WithSource(payment.NewHTTPSource(payment.HTTPSourceConfig{
			BaseURL:   cfg.Source.BaseURL,
			APIKey:    cfg.Source.APIKey,
			RateLimit: cfg.Source.RateLimit,
			Timeout:   cfg.Source.Timeout,
		})))
	} else {
		slog.Warn("payment source not configured, confirmations arrive by push only")
	}
	reconciler := payment.NewReconciler(payment.Config{
		Recipient:       cfg.Payment.Recipient,
		PaymentTTL:      cfg.Payment.TTL,
		AmountTolerance: cfg.Payment.AmountTolerance,
		RecencyWindow:   cfg.Payment.RecencyWindow,
		ClockSkew:       cfg.Payment.ClockSkew,
		PollInterval:    cfg.Payment.PollInterval,
		CycleTimeout:    cfg.Payment.CycleTimeout,
		BackoffCap:      cfg.Payment.BackoffCap,
		Workers:         cfg.Payment.Workers,
		ActionTimeout:   cfg.Payment.ActionTimeout,
	}, st, engine, l, recOpts...)

	go func() {
		if err := reconciler.Start(ctx); err != nil {
			slog.Error("payment reconciler failed", "err", err)
		}
	}()

	tokens := token.NewService(st, reconciler, token.Defaults{
		TotalSupply:    cfg.Curve.TotalSupply,
		InitialPrice:   cfg.Curve.InitialPrice,
		FinalPrice:     cfg.Curve.FinalPrice,
		TargetFraction: cfg.Curve.TargetFraction,
		CreationFee:    cfg.Curve.CreationFee,
	})

	// --- Trade service ---
	tradeSvc := trade.NewService(trade.Deps{
		Store:         st,
		Quotes:        engine,
		Ledger:        l,
		Tokens:        tokens,
		Payments:      reconciler,
		Accounting:    accounting.NewView(st, cfg.Trading.ListingProfit),
		AllowDeposits: cfg.Server.AllowDeposits,
	})

	// --- HTTP router ---
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
		w.Write([]byte(`{"status":"ok","service":"launchpad-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price and balance updates.
		// Registered outside the timeout middleware: the connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("launchpad-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down launchpad-engine...")
	if err := reconciler.Stop(shutdownCtx); err != nil {
		slog.Error("reconciler shutdown error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("launchpad-engine stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
