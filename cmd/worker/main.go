// Package main implements the ingestq reference worker.
//
// The worker claims tasks, runs them through the workflow registered for
// their type and reports completion or failure. Alongside the pollers it
// runs the maintenance jobs on cron schedules:
//   - sweep: fail tasks whose worker stopped reporting (stuck claims)
//   - reconcile: re-index durable pending tasks into Redis
//   - dlq: replay dead letters (disabled unless a schedule is set)
//
// Prometheus metrics are exposed on the configured metrics address.
//
// Usage:
//
//	go run ./cmd/worker --config ingestq.yaml --concurrency 8
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/ingestq/pkg/bootstrap"
	"github.com/guido-cesarano/ingestq/pkg/config"
	"github.com/guido-cesarano/ingestq/pkg/logger"
	"github.com/guido-cesarano/ingestq/pkg/metrics"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	cfgFile := fs.String("config", "", "path to a YAML config file")
	fs.String("worker-id", "", "worker id prefix (default: hostname-based)")
	fs.Int("concurrency", 4, "number of pollers")
	fs.Duration("poll-interval", time.Second, "wait between empty claims")
	fs.String("metrics-addr", ":8080", "Prometheus listen address; empty disables it")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "console", "log format (console|json)")
	fs.String("db-driver", "sqlite", "durable store driver (pgx|sqlite)")
	fs.String("db-dsn", "", "durable store DSN")
	fs.String("redis-addr", "", "Redis address; empty disables the fast store")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgFile, fs)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open queue backends")
	}
	defer stack.Close()

	if cfg.Worker.MetricsAddr != "" {
		go serveMetrics(cfg.Worker.MetricsAddr, log)
	}
	var depths metrics.DepthSource
	if stack.Fast != nil {
		depths = stack.Fast
	}
	go metrics.Collect(ctx, 5*time.Second, stack.Registry, depths, log)

	c, err := scheduleMaintenance(ctx, stack.Registry, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid maintenance schedule")
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	w := &Worker{
		reg:          stack.Registry,
		dispatcher:   defaultDispatcher(log),
		log:          log,
		ID:           workerID(cfg.Worker.ID),
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		Rate:         cfg.Worker.RateLimit,
		Burst:        cfg.Worker.RateBurst,
	}
	if stack.Limiter != nil {
		w.limiter = stack.Limiter
	}

	log.Info().Str("worker_id", w.ID).Int("concurrency", w.Concurrency).Msg("Worker started. Waiting for tasks...")
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Worker stopped")
	}
	log.Info().Msg("Shutting down worker...")
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}

func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// scheduleMaintenance registers the sweep, reconcile and DLQ jobs. An empty
// schedule disables a job. Runs of the same job never overlap.
func scheduleMaintenance(ctx context.Context, reg *queue.Registry, cfg *config.Config, log zerolog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"sweep", cfg.Worker.SweepSchedule, func(ctx context.Context) error {
			_, err := reg.SweepStuck(ctx, cfg.Queue.StuckAfter)
			return err
		}},
		{"reconcile", cfg.Worker.ReconcileSchedule, func(ctx context.Context) error {
			_, err := reg.Reconcile(ctx)
			return err
		}},
		{"dlq", cfg.Worker.DLQSchedule, func(ctx context.Context) error {
			ids, err := reg.ReprocessDeadLetters(ctx, cfg.Worker.DLQBatchSize)
			if len(ids) > 0 {
				log.Info().Int("replayed", len(ids)).Msg("Dead letters reprocessed")
			}
			return err
		}},
	}

	for _, job := range jobs {
		if job.spec == "" {
			log.Info().Str("job", job.name).Msg("Maintenance job disabled")
			continue
		}
		if job.name == "reconcile" && !reg.Tiered() {
			continue
		}
		run := job.run
		name := job.name
		if _, err := c.AddFunc(job.spec, func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("job", name).Msg("Maintenance job failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
	}
	return c, nil
}
