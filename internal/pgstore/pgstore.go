// Package pgstore implements dls.Store on PostgreSQL.
//
// The store works with any database/sql driver but is tested with the pgx
// stdlib driver. Apply the schema with pkg/migrator before use.
//
//	db, _ := sql.Open("pgx", dsn)
//	store := pgstore.New(db, pgstore.WithLogger(logger))
//	svc := dls.New(store)
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"go.uber.org/zap"

	"github.com/pthm/dls"
)

// querier is the subset of *sql.DB and *sql.Tx the store needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a dls.Store backed by PostgreSQL.
type Store struct {
	db       *sql.DB
	logger   *zap.Logger
	maxDepth int

	// names memoizes committed subject lookups by name. Lookups inside a
	// transaction bypass it.
	names *expirable.LRU[string, dls.Subject]

	schemaOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for schema warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNameCache sets the size and TTL of the subject name cache.
// A size of 0 disables it.
func WithNameCache(size int, ttl time.Duration) Option {
	return func(s *Store) {
		if size <= 0 {
			s.names = nil
			return
		}
		s.names = expirable.NewLRU[string, dls.Subject](size, nil, ttl)
	}
}

// WithMaxGroupDepth bounds the effective group walk.
func WithMaxGroupDepth(depth int) Option {
	return func(s *Store) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// New returns a store using db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		logger:   zap.NewNop(),
		maxDepth: dls.DefaultMaxGroupDepth,
		names:    expirable.NewLRU[string, dls.Subject](4096, nil, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn with the pgx driver, pings the database and logs a
// warning when the DLS schema is missing.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, mapError("ping", err)
	}
	s := New(db, opts...)
	s.validateSchema(ctx)
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// validateSchema checks once that the grant table exists and logs a
// warning otherwise. It never fails so the service can start before the
// migration ran.
func (s *Store) validateSchema(ctx context.Context) {
	s.schemaOnce.Do(func() {
		var n int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dls_subject WHERE name = $1", dls.SuperuserGroupName).Scan(&n)
		switch {
		case err != nil && sqlState(err) == pgUndefinedTable:
			s.logger.Warn("[dls] WARNING: dls tables not found. Run 'dls migrate' to create them.")
		case err != nil:
			s.logger.Warn("[dls] WARNING: error checking dls schema", zap.Error(err))
		case n == 0:
			s.logger.Warn("[dls] WARNING: system groups are not seeded. Run 'dls migrate'.")
		}
	})
}

func (s *Store) conn() *conn {
	return &conn{q: s.db, s: s, cached: true}
}

// WithinTx implements dls.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx dls.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &conn{q: tx, s: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// The Store methods run outside any explicit transaction.

func (s *Store) GetGrants(ctx context.Context, nodeConfigID int64) (dls.Grants, error) {
	return s.conn().GetGrants(ctx, nodeConfigID)
}

func (s *Store) UpsertGrants(ctx context.Context, grants []dls.Grant) error {
	return s.conn().UpsertGrants(ctx, grants)
}

func (s *Store) AppendLogs(ctx context.Context, logs []dls.LogEntry) error {
	return s.conn().AppendLogs(ctx, logs)
}

func (s *Store) Resolve(ctx context.Context, name string, autoCreate bool) (dls.Subject, error) {
	return s.conn().Resolve(ctx, name, autoCreate)
}

func (s *Store) ResolveMany(ctx context.Context, names []string, autoCreate bool) (map[string]dls.Subject, error) {
	return s.conn().ResolveMany(ctx, names, autoCreate)
}

func (s *Store) ResolveIDs(ctx context.Context, ids []int64) (map[int64]dls.Subject, error) {
	return s.conn().ResolveIDs(ctx, ids)
}

func (s *Store) EffectiveGroups(ctx context.Context, subject dls.Subject) ([]dls.Subject, error) {
	return s.conn().EffectiveGroups(ctx, subject)
}

func (s *Store) GetNode(ctx context.Context, identifier string, forUpdate bool) (dls.Node, error) {
	return s.conn().GetNode(ctx, identifier, forUpdate)
}

func (s *Store) CreateNode(ctx context.Context, n dls.Node) (dls.Node, error) {
	return s.conn().CreateNode(ctx, n)
}

func (s *Store) AddMembers(ctx context.Context, group dls.Subject, members []dls.Subject) error {
	return s.conn().AddMembers(ctx, group, members)
}

func (s *Store) RemoveMembers(ctx context.Context, group dls.Subject, members []dls.Subject) error {
	return s.conn().RemoveMembers(ctx, group, members)
}

func (s *Store) Members(ctx context.Context, group dls.Subject) ([]dls.Subject, error) {
	return s.conn().Members(ctx, group)
}

// conn runs queries on q, which is either the pool or one transaction.
type conn struct {
	q      querier
	s      *Store
	cached bool
}

var (
	_ dls.Store = (*Store)(nil)
	_ dls.Tx    = (*conn)(nil)
)
