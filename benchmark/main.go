// Package main measures ingestq throughput: it enqueues tasks from several
// producers, then drains them with concurrent claim/complete loops.
//
// Usage:
//
//	go run ./benchmark --tasks 20000 --workers 16 --redis-addr localhost:6379
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/bootstrap"
	"github.com/guido-cesarano/ingestq/pkg/config"
	"github.com/guido-cesarano/ingestq/pkg/logger"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	fs := pflag.NewFlagSet("benchmark", pflag.ExitOnError)
	numTasks := fs.Int("tasks", 10000, "Number of tasks to enqueue")
	numWorkers := fs.Int("workers", 10, "Number of concurrent producers and consumers")
	cfgFile := fs.String("config", "", "path to a YAML config file")
	fs.String("db-driver", "sqlite", "durable store driver (pgx|sqlite)")
	fs.String("db-dsn", "file:ingestq-bench.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", "durable store DSN")
	fs.String("redis-addr", "", "Redis address; empty benchmarks the durable store alone")
	fs.String("log-level", "warn", "log level")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgFile, fs)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	stack, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open queue backends")
	}
	defer stack.Close()
	reg := stack.Registry

	fmt.Printf("ingestq Benchmark\n")
	fmt.Printf("=================\n")
	fmt.Printf("Durable store: %s, tiered: %v\n", stack.Durable.Name(), reg.Tiered())
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent workers: %d\n\n", *numWorkers)

	fmt.Printf("Starting enqueue phase...\n")
	enqueued, enqueueTime, err := enqueue(ctx, reg, *numTasks, *numWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("Enqueue phase failed")
	}
	fmt.Printf("✓ Enqueued %d tasks in %s\n", enqueued, enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued)/enqueueTime.Seconds())

	fmt.Printf("Draining with claim/complete...\n")
	drained, drainTime, err := drain(ctx, reg, *numWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("Drain phase failed")
	}
	fmt.Printf("✓ Completed %d tasks in %s\n", drained, drainTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(drained)/drainTime.Seconds())

	totalTime := enqueueTime + drainTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(drained)/totalTime.Seconds())
}

func enqueue(ctx context.Context, reg *queue.Registry, n, workers int) (int64, time.Duration, error) {
	start := time.Now()
	var enqueued atomic.Int64
	perWorker := n / workers

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				p := tasks.Priority((i + j) % tasks.NumPriorities)
				_, err := reg.Enqueue(ctx, tasks.TypeText,
					map[string]any{"producer": i, "item": j},
					queue.WithPriority(p))
				if err != nil {
					return err
				}
				enqueued.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return enqueued.Load(), time.Since(start), err
}

// drain claims and completes until every consumer sees an empty queue.
func drain(ctx context.Context, reg *queue.Registry, workers int) (int64, time.Duration, error) {
	start := time.Now()
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("bench-%d", i)
		g.Go(func() error {
			for {
				t, err := reg.Claim(ctx, workerID)
				if err != nil {
					return err
				}
				if t == nil {
					return nil
				}
				if _, err := reg.Complete(ctx, t.ID, nil); err != nil {
					return err
				}
				done.Add(1)
			}
		})
	}
	err := g.Wait()
	return done.Load(), time.Since(start), err
}
