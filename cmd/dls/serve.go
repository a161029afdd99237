package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/cli"
	"github.com/pthm/dls/internal/httpapi"
	"github.com/pthm/dls/internal/telemetry"
)

var (
	serveDB      string
	serveAddr    string
	serveMemory  bool
	servePrivate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the permission API",
	Long:  `Serve the HTTP permission API with health and metrics endpoints.`,
	Example: `  # Serve against PostgreSQL
  dls serve --db postgres://localhost/dls

  # Serve from memory, including the private routes
  dls serve --memory --private`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveDB, "db", "", "database URL")
	f.StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
	f.BoolVar(&serveMemory, "memory", false, "use the in-memory store instead of PostgreSQL")
	f.BoolVar(&servePrivate, "private", false, "mount node creation and group membership routes")
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:     cfg.Tracing.Endpoint,
		ServiceName:  cfg.Tracing.ServiceName,
		SamplerRatio: cfg.Tracing.SamplerRatio,
		Insecure:     cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return cli.ConfigError("tracing", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	metrics := dls.NewMetrics()
	a, err := newApp(ctx, logger, appOptions{dsn: serveDB, memory: serveMemory, metrics: metrics})
	if err != nil {
		return err
	}
	defer a.Close()

	hc := httpapi.Config{
		Public:       a.svc.Public(),
		Logger:       logger,
		Gatherer:     newRegistry(metrics),
		Ready:        a.ready,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ServiceName:  cfg.Tracing.ServiceName,
	}
	if resolveBool(servePrivate, cfg.Server.Private) {
		p := a.svc.Private()
		hc.Private = &p
	}

	server := &http.Server{
		Addr:              resolveString(serveAddr, cfg.Server.Addr),
		Handler:           httpapi.NewHandler(hc),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving", zap.String("addr", server.Addr), zap.Bool("private", hc.Private != nil))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return cli.GeneralError("serving", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return cli.GeneralError("shutting down", err)
	}
	return nil
}
