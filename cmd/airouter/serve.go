package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coder/airouter"
	"github.com/coder/airouter/config"
	"github.com/coder/airouter/envelope"
	"github.com/coder/airouter/envelope/sqlitestore"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

			cfg, err := airouter.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "airouter.yaml", "Path to the configuration file.")
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on; overrides the configuration file.")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "One of debug, info, warn, error.")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger slog.Logger) error {
	var store envelope.Store = envelope.NopStore{}
	if cfg.LogStore != "" {
		s, err := sqlitestore.Open(ctx, cfg.LogStore)
		if err != nil {
			return fmt.Errorf("open log store: %w", err)
		}
		defer s.Close()
		store = s
		logger.Info(ctx, "logging envelopes", slog.F("path", cfg.LogStore))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, gw, err := newHandler(cfg, store, logger, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", slog.F("addr", cfg.Listen), slog.F("providers", len(cfg.Providers)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = gw.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The gateway rejects new requests and cancels inflight ones if the
	// deadline passes, which lets the server drain its connections.
	var errs error
	if err := gw.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("shutdown gateway: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	return errs
}

// newHandler mounts the gateway alongside the operational endpoints.
func newHandler(cfg *config.Config, store envelope.Store, logger slog.Logger, reg *prometheus.Registry) (http.Handler, *airouter.Gateway, error) {
	gw, err := airouter.NewGateway(cfg, store, logger.Named("gateway"), airouter.NewMetrics(prometheus.WrapRegistererWithPrefix("airouter_", reg)), nil)
	if err != nil {
		return nil, nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/*", gw)

	return r, gw, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
