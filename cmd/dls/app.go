package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/audit"
	"github.com/pthm/dls/internal/cli"
	"github.com/pthm/dls/internal/memstore"
	"github.com/pthm/dls/internal/pgstore"
	"github.com/pthm/dls/internal/rediscache"
)

// newLogger builds the process logger. Each -v lowers the configured
// level by one step.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, cli.ConfigError("log.level", err)
	}
	level -= zapcore.Level(verbose)
	if level < zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}
	if quiet && level < zapcore.WarnLevel {
		level = zapcore.WarnLevel
	}

	var zc zap.Config
	switch cfg.Log.Format {
	case "json", "":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, cli.ConfigError("log.format", fmt.Errorf("unknown format %q (want json or console)", cfg.Log.Format))
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// loadScopes returns the scope registry from scopes_file and
// custom_scopes.
func loadScopes() (dls.Scopes, error) {
	if cfg.ScopesFile == "" {
		return dls.Scopes{CustomEnabled: cfg.CustomScopes}, nil
	}
	scopes, err := dls.LoadScopes(fs, cfg.ScopesFile)
	if err != nil {
		return dls.Scopes{}, cli.ScopesError("loading scopes", err)
	}
	scopes.CustomEnabled = cfg.CustomScopes
	return scopes, nil
}

// resolveDSN gets the database DSN from flag or config.
func resolveDSN(flagDSN string) (string, error) {
	if flagDSN != "" {
		return flagDSN, nil
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return "", cli.ConfigError("database configuration", err)
	}
	if dsn == "" {
		return "", cli.ConfigError("database URL is required (use --db or set in config)", nil)
	}
	return dsn, nil
}

// openDB opens and pings a plain handle for the schema commands.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, cli.DBConnectError("connecting to database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cli.DBConnectError("connecting to database", err)
	}
	return db, nil
}

// app holds a configured service and everything that must be closed with
// it.
type app struct {
	logger  *zap.Logger
	svc     *dls.Service
	store   dls.Store
	ready   func(context.Context) error
	closers []io.Closer
}

type appOptions struct {
	dsn     string
	memory  bool
	metrics *dls.Metrics
}

func newApp(ctx context.Context, logger *zap.Logger, opts appOptions) (*app, error) {
	scopes, err := loadScopes()
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger}

	svcOpts := []dls.Option{
		dls.WithLogger(logger),
		dls.WithScopes(scopes),
		dls.WithRealm(cfg.Realm, cfg.RealmCheck),
		dls.WithRetry(cfg.Modify.RetryAttempts, cfg.Modify.RetryDelay),
		dls.WithActiveCheck(cfg.Check.ActiveCheck),
		dls.WithMultiConcurrency(cfg.Check.MultiConcurrency),
		dls.WithAutoCreateUsers(cfg.Modify.AutoCreateUsers || opts.memory),
		dls.WithContextDecision(),
	}
	if opts.metrics != nil {
		svcOpts = append(svcOpts, dls.WithMetrics(opts.metrics))
	}

	if opts.memory {
		a.store = memstore.New()
		a.ready = func(context.Context) error { return nil }
		logger.Warn("using the in-memory store; state is lost on exit")
	} else {
		dsn, err := resolveDSN(opts.dsn)
		if err != nil {
			return nil, err
		}
		st, err := pgstore.Open(ctx, dsn, pgstore.WithLogger(logger))
		if err != nil {
			return nil, cli.DBConnectError("connecting to database", err)
		}
		a.store = st
		a.ready = func(ctx context.Context) error { return st.DB().PingContext(ctx) }
		a.closers = append(a.closers, st)
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		a.closers = append(a.closers, client)
		svcOpts = append(svcOpts, dls.WithGroupCache(rediscache.New(client, cfg.Redis.TTL,
			rediscache.WithKeyPrefix(cfg.Redis.KeyPrefix),
			rediscache.WithLogger(logger),
		)))
	} else {
		svcOpts = append(svcOpts, dls.WithGroupCache(dls.NewMemoryGroupCache(dls.WithTTL(cfg.Redis.TTL))))
	}

	if cfg.Kafka.Enabled {
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			a.Close()
			return nil, cli.ConfigError("kafka", err)
		}
		a.closers = append(a.closers, sink)
		svcOpts = append(svcOpts, dls.WithAuditSink(sink))
	} else {
		svcOpts = append(svcOpts, dls.WithAuditSink(audit.LogSink{Logger: logger}))
	}

	a.svc = dls.New(a.store, svcOpts...)
	return a, nil
}

// Close releases the resources of the app in reverse order.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("closing resources", zap.Error(err))
	}
}

// newRegistry returns a registry with the process collectors and m.
func newRegistry(m *dls.Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m,
	)
	return reg
}
