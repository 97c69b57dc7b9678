package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowstate/engine/internal/bus"
	"github.com/flowstate/engine/internal/config"
	"github.com/flowstate/engine/internal/logging"
	"github.com/flowstate/engine/internal/statefn"
	"github.com/flowstate/engine/internal/store"
	"github.com/flowstate/engine/internal/telemetry"
)

// serveCmd brings up the durable backends and observability surface a
// Stateful Operator needs, then blocks until signaled. Registering
// FunctionType handlers (internal/operator.Handler) and wiring them to
// internal/operator.Worker loops is left to the embedding program: class
// registration is a deploy-time concern, not a daemon-flag-time one.
func serveCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator infrastructure: state store, message bus, tracing, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Daemon.LogLevel)
			log := logging.Op()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tp, err := telemetry.Init(ctx, telemetry.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tp.Shutdown(context.Background())

			stateStore, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			defer stateStore.Close()

			messageBus, err := openBus(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open message bus: %w", err)
			}
			defer messageBus.Close()

			log.Info("operator infrastructure ready",
				"store_backend", cfg.Store.Backend,
				"bus_backend", cfg.Bus.Backend,
				"tracing_enabled", tp.Enabled(),
			)

			if cfg.Daemon.HTTPAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					if err := stateStore.Ping(r.Context()); err != nil {
						http.Error(w, err.Error(), http.StatusServiceUnavailable)
						return
					}
					w.WriteHeader(http.StatusOK)
				})
				srv := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("http server exited", "err", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "Address to serve /healthz and /metrics on")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (statefn.StateStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	case "redis":
		return store.NewRedisStore(newRedisClient(cfg), "dataflow:state:"), nil
	case "memory":
		return store.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openBus(ctx context.Context, cfg *config.Config) (bus.MessageBus, error) {
	switch cfg.Bus.Backend {
	case "postgres":
		return bus.NewPostgresBus(ctx, cfg.Postgres.DSN)
	case "redis":
		return bus.NewRedisBus(newRedisClient(cfg), cfg.Bus.ConsumerGroup), nil
	case "memory":
		return bus.NewInMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
