// Package bootstrap wires configuration into a ready Registry: it connects
// the durable store (retrying while the database comes up), applies
// migrations and attaches Redis when one is configured.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guido-cesarano/ingestq/pkg/config"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/guido-cesarano/ingestq/pkg/redisstore"
	"github.com/guido-cesarano/ingestq/pkg/sqlstore"
	"github.com/rs/zerolog"
)

// Stack is everything a process needs to drive the queue.
type Stack struct {
	Config   *config.Config
	Registry *queue.Registry
	Durable  *sqlstore.Store

	// Fast and Limiter are nil when no Redis address is configured.
	Fast    *redisstore.Store
	Limiter *redisstore.Limiter

	closers []func() error
}

// Open connects the configured backends and builds the registry.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Stack, error) {
	s := &Stack{Config: cfg}

	var durable *sqlstore.Store
	err := retry(ctx, cfg.Database.ConnectRetry, log, "connect "+cfg.Database.Driver, func() error {
		var err error
		durable, err = sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, sqlstore.Options{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			Logger:       &log,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("durable store: %w", err)
	}
	s.Durable = durable
	s.closers = append(s.closers, durable.Close)

	if cfg.Database.AutoMigrate {
		if err := durable.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	opts := []queue.Option{
		queue.WithLogger(log),
		queue.WithDefaultMaxRetries(cfg.Queue.DefaultMaxRetries),
		queue.WithBackoff(queue.Backoff{Base: cfg.Queue.BackoffBase, Cap: cfg.Queue.BackoffCap}),
	}

	if cfg.Redis.Enabled() {
		rdb := redisstore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		s.closers = append(s.closers, rdb.Close)
		s.Fast = redisstore.New(rdb, redisstore.Options{
			Namespace: cfg.Redis.Namespace,
			RecordTTL: cfg.Redis.RecordTTL,
		})
		s.Limiter = redisstore.NewLimiter(rdb, cfg.Redis.Namespace)
		opts = append(opts, queue.WithFastStore(s.Fast))

		// Redis being down at startup is not fatal; claims fall back to the
		// durable store until it returns.
		if err := s.Fast.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable; serving from the durable store")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		}
	}

	s.Registry = queue.New(durable, opts...)
	log.Info().
		Str("durable", durable.Name()).
		Bool("tiered", s.Registry.Tiered()).
		Msg("Queue ready")
	return s, nil
}

// retry runs op with exponential backoff until it succeeds or maxElapsed
// passes. A zero maxElapsed tries once.
func retry(ctx context.Context, maxElapsed time.Duration, log zerolog.Logger, opName string, op func() error) error {
	if maxElapsed <= 0 {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	notify := func(err error, d time.Duration) {
		log.Warn().Err(err).Dur("retry_in", d).Msgf("Retrying %s", opName)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Close releases every backend connection.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
