package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/spf13/cobra"

	"github.com/alecgard/agentpay/internal/activity"
	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/api"
	"github.com/alecgard/agentpay/internal/auth"
	"github.com/alecgard/agentpay/internal/config"
	"github.com/alecgard/agentpay/internal/ledger"
	"github.com/alecgard/agentpay/internal/ledger/memstore"
	"github.com/alecgard/agentpay/internal/metrics"
	"github.com/alecgard/agentpay/internal/ratelimit"
	"github.com/alecgard/agentpay/internal/topup"
	"github.com/alecgard/agentpay/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AgentPay ledger server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backend is the set of stores the server runs on. The Postgres and memory
// drivers both fill every field except pool and db.
type backend struct {
	agents interface {
		api.AgentStore
		usage.AgentLookup
	}
	ledger interface {
		usage.Store
		topup.Store
	}
	activity interface {
		activity.BatchInserter
		api.ActivityLister
	}
	pool *pgxpool.Pool
	db   api.Pinger
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.Store.Driver == config.DriverMemory {
		slog.Warn("using the in-memory store; balances are lost on restart")
		mem := memstore.New()
		return &backend{agents: mem, ledger: mem, activity: mem}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("connected to database")

	return &backend{
		agents:   agent.NewStore(pool),
		ledger:   ledger.NewStore(pool),
		activity: activity.NewStore(pool),
		pool:     pool,
		db:       pool,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	if be.pool != nil {
		defer be.pool.Close()
	}

	m := metrics.New()
	if be.pool != nil {
		pool := be.pool
		m.RegisterDBPoolCollector(func() metrics.PoolStats {
			s := pool.Stat()
			return metrics.PoolStats{
				Total:           s.TotalConns(),
				Idle:            s.IdleConns(),
				Acquired:        s.AcquiredConns(),
				Max:             s.MaxConns(),
				EmptyAcquires:   s.EmptyAcquireCount(),
				AcquireDuration: s.AcquireDuration(),
			}
		})
	}

	collector := activity.NewCollector(be.activity, cfg.Activity.BatchSize, cfg.Activity.FlushInterval)
	collector.SetObserver(m)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		collector.Start(ctx)
	}()

	usageSvc := usage.NewService(be.ledger, be.agents)
	usageSvc.SetRecorder(collector)
	usageSvc.SetObserver(m)

	reconciler := topup.NewReconciler(be.ledger, be.agents, cfg.TopUp.ConfirmationDelay)
	reconciler.SetRecorder(collector)
	reconciler.SetObserver(m)

	var (
		riverClient *river.Client[pgx.Tx]
		local       *topup.LocalScheduler
	)
	if cfg.UsesRiver() {
		workers := river.NewWorkers()
		river.AddWorker(workers, topup.NewConfirmTopUpWorker(reconciler))

		riverClient, err = river.NewClient(riverpgxv5.New(be.pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: cfg.TopUp.Workers},
			},
			Workers: workers,
		})
		if err != nil {
			return fmt.Errorf("creating river client: %w", err)
		}
		if err := riverClient.Start(ctx); err != nil {
			return fmt.Errorf("starting river client: %w", err)
		}
		reconciler.SetScheduler(topup.NewRiverScheduler(riverClient, cfg.TopUp.MaxAttempts))
		slog.Info("top-up confirmations scheduled through river", "workers", cfg.TopUp.Workers)
	} else {
		local = topup.NewLocalScheduler(reconciler)
		reconciler.SetScheduler(local)
	}

	if n, err := reconciler.ResumePending(ctx); err != nil {
		slog.Error("resuming pending top-ups", "error", err)
	} else if n > 0 {
		slog.Info("rescheduled pending top-ups", "count", n)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Public > 0 {
		limiter = ratelimit.New(cfg.RateLimit.Public, cfg.RateLimit.Window)
		go pruneLimiter(ctx, limiter, cfg.RateLimit.Window)
	}

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterDeps{
		Usage:          usageSvc,
		TopUps:         reconciler,
		Agents:         be.agents,
		Activity:       be.activity,
		Verifier:       verifier,
		Limiter:        limiter,
		Metrics:        m,
		DB:             be.db,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-serveErr:
		slog.Error("server error", "error", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	if riverClient != nil {
		if stopErr := riverClient.Stop(shutdownCtx); stopErr != nil {
			slog.Error("stopping river client", "error", stopErr)
		}
	}
	if local != nil {
		local.Stop()
	}
	collector.Stop()
	<-collectorDone

	return err
}

// pruneLimiter drops idle buckets so the limiter does not grow with every
// client IP ever seen.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(2 * window); n > 0 {
				slog.Debug("pruned rate limit buckets", "count", n)
			}
		}
	}
}
