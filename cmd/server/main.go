// Package main implements the ingestq HTTP API server.
//
// Producers enqueue tasks and batches, workers claim tasks and report
// results, and operators inspect stats and reprocess the dead letter queue:
//
//	POST /tasks                 enqueue one task
//	GET  /tasks                 list tasks (?status=&batch_id=&limit=&offset=)
//	GET  /tasks/{id}            task status
//	POST /tasks/{id}/complete   record success
//	POST /tasks/{id}/fail       record failure (retry or dead-letter)
//	POST /claims                claim the next task (204 when none)
//	POST /batches               enqueue a batch atomically
//	GET  /batches/{id}          batch progress
//	GET  /stats                 queue health snapshot
//	GET  /healthz               backend probes
//	GET  /dlq                   list dead letters
//	POST /dlq/claim             claim dead letters for reprocessing
//	POST /dlq/{id}/replay       enqueue a new task from a claimed entry
//	POST /dlq/{id}/resolve      mark a claimed entry resolved
//	POST /dlq/{id}/release      return a claimed entry to pending
//	GET  /metrics               Prometheus
//
// Usage:
//
//	go run ./cmd/server --config ingestq.yaml
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guido-cesarano/ingestq/pkg/bootstrap"
	"github.com/guido-cesarano/ingestq/pkg/config"
	"github.com/guido-cesarano/ingestq/pkg/logger"
	"github.com/guido-cesarano/ingestq/pkg/metrics"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// authMiddleware enforces API key authentication. An empty key disables it.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != requiredKey {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// enableCORS adds CORS headers and answers preflight requests before auth
// runs.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request and counts it by route pattern.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()

			ev := log.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("method", r.Method).
				Str("route", route).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request handled")
		})
	}
}

// setupRouter builds the API. CORS runs before auth so preflight requests
// never need a key.
func setupRouter(reg *queue.Registry, apiKey string, log zerolog.Logger) http.Handler {
	h := newHandler(reg, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(enableCORS)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(apiKey))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.Enqueue)
			r.Get("/", h.ListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Post("/complete", h.Complete)
				r.Post("/fail", h.Fail)
			})
		})
		r.Post("/claims", h.Claim)

		r.Post("/batches", h.EnqueueBatch)
		r.Get("/batches/{id}", h.GetBatch)

		r.Get("/stats", h.Stats)
		r.Get("/healthz", h.Health)

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", h.ListDeadLetters)
			r.Post("/claim", h.ClaimDeadLetters)
			r.Post("/{id}/replay", h.ReplayDeadLetter)
			r.Post("/{id}/resolve", h.ResolveDeadLetter)
			r.Post("/{id}/release", h.ReleaseDeadLetter)
		})
	})
	return r
}

func main() {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	cfgFile := fs.String("config", "", "path to a YAML config file")
	fs.String("addr", ":8081", "listen address")
	fs.String("api-key", "", "require this X-API-Key on every request")
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

	if cfg.Server.APIKey == "" {
		log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		log.Info().Msg("API authentication enabled.")
	}

	go metrics.Collect(ctx, 15*time.Second, stack.Registry, nil, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           setupRouter(stack.Registry, cfg.Server.APIKey, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
