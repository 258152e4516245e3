// Command devstack runs a throwaway local backend for ingestq: an in-memory
// Redis (miniredis) and a migrated SQLite database. It prints the
// environment the server and worker need and runs until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/ingestq/pkg/logger"
	"github.com/guido-cesarano/ingestq/pkg/sqlstore"
	"github.com/spf13/pflag"
)

type stack struct {
	redis *miniredis.Miniredis
	dsn   string
}

// start launches miniredis on redisAddr and migrates the SQLite database at
// dbPath.
func start(ctx context.Context, redisAddr, dbPath string) (*stack, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)"
	store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, sqlstore.Options{Logger: &logger.Log})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(redisAddr); err != nil {
		return nil, fmt.Errorf("start miniredis: %w", err)
	}
	return &stack{redis: s, dsn: dsn}, nil
}

// env is the configuration the other binaries read.
func (s *stack) env() []string {
	return []string{
		"INGESTQ_DATABASE_DRIVER=" + sqlstore.DriverSQLite,
		"INGESTQ_DATABASE_DSN=" + s.dsn,
		"INGESTQ_REDIS_ADDR=" + s.redis.Addr(),
	}
}

func main() {
	redisAddr := pflag.String("redis-addr", "127.0.0.1:6379", "address for the in-memory Redis")
	dbPath := pflag.String("db", "ingestq-dev.db", "SQLite database file")
	pflag.Parse()

	log := logger.Log
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := start(ctx, *redisAddr, *dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start dev stack")
	}
	defer s.redis.Close()

	log.Info().Str("redis", s.redis.Addr()).Str("db", *dbPath).Msg("Dev stack started")
	for _, kv := range s.env() {
		fmt.Fprintf(os.Stdout, "export %s\n", kv)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down dev stack...")
}
