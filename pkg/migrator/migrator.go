package migrator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lib/pq"

	"github.com/pthm/dls"
	dlssql "github.com/pthm/dls/sql"
)

// SchemaVersion is incremented when the embedded DDL or the seed data
// change in a way the checksum alone does not capture.
const SchemaVersion = "1"

// MigrateOptions controls migration behavior.
type MigrateOptions struct {
	// DryRun outputs SQL to the provided writer without applying changes to the database.
	DryRun io.Writer

	// Force re-runs migration even if the schema is unchanged.
	Force bool
}

// MigrationRecord represents a row in the dls_migrations table.
type MigrationRecord struct {
	SchemaChecksum string
	SchemaVersion  string
	Tables         []string
}

// Migrator applies the DLS schema to PostgreSQL.
// The migrator is idempotent - safe to run on every application startup.
//
// The migration process:
//  1. Creates the dls_* tables, types and indexes
//  2. Seeds the system groups
//  3. Records the applied checksum in dls_migrations
type Migrator struct {
	db  Execer
	ddl string
}

// NewMigrator creates a migrator for the embedded schema.
// The Execer is typically *sql.DB but can be *sql.Tx for testing.
func NewMigrator(db Execer) *Migrator {
	return &Migrator{db: db, ddl: dlssql.SchemaSQL}
}

// Checksum returns the checksum of the schema this migrator applies.
func (m *Migrator) Checksum() string {
	return ComputeSchemaChecksum(m.ddl)
}

// ComputeSchemaChecksum returns a SHA256 hash of the schema content.
// Used to detect schema changes for skip-if-unchanged optimization.
func ComputeSchemaChecksum(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Migrate applies the schema. It returns skipped=true when the last
// recorded migration has the same checksum and version and neither Force
// nor DryRun is set.
//
// Uses a transaction if the db supports it (*sql.DB). This ensures
// the schema is updated atomically or not at all.
func (m *Migrator) Migrate(ctx context.Context, opts MigrateOptions) (skipped bool, err error) {
	checksum := m.Checksum()

	if opts.DryRun != nil {
		m.outputDryRun(opts.DryRun, checksum)
		return false, nil
	}

	if !opts.Force {
		last, err := m.getLastMigration(ctx, m.db)
		if err != nil {
			return false, fmt.Errorf("checking last migration: %w", err)
		}
		if shouldSkipMigration(last, checksum) {
			return true, nil
		}
	}

	if txer, ok := m.db.(interface {
		BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	}); ok {
		tx, err := txer.BeginTx(ctx, nil)
		if err != nil {
			return false, fmt.Errorf("starting transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := m.apply(ctx, tx, checksum); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	// Fall back to non-transactional (for *sql.Conn)
	return false, m.apply(ctx, m.db, checksum)
}

func (m *Migrator) apply(ctx context.Context, db Execer, checksum string) error {
	if _, err := db.ExecContext(ctx, m.ddl); err != nil {
		return fmt.Errorf("applying schema DDL: %w", err)
	}
	if err := seedSystemGroups(ctx, db); err != nil {
		return err
	}
	return insertMigrationRecord(ctx, db, checksum)
}

const seedGroupSQL = `
	INSERT INTO dls_subject (kind, name, active, source, search_weight, meta)
	VALUES ('group', $1, $2, $3, $4, $5)
	ON CONFLICT (name) DO NOTHING`

// seedSystemGroups inserts the built-in groups. Existing rows are left
// untouched so operators may edit their titles.
func seedSystemGroups(ctx context.Context, db Execer) error {
	for _, g := range dls.SystemGroups() {
		meta, err := systemGroupMeta(g)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, seedGroupSQL, g.Name, g.Active, g.Source, g.SearchWeight, meta); err != nil {
			return fmt.Errorf("seeding group %s: %w", g.Name, err)
		}
	}
	return nil
}

func systemGroupMeta(g dls.SystemGroup) (string, error) {
	meta := make(map[string]any, len(g.Meta)+1)
	for k, v := range g.Meta {
		meta[k] = v
	}
	meta["uuid"] = g.UUID.String()
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding meta of %s: %w", g.Name, err)
	}
	return string(b), nil
}

// Status represents the current migration state.
type Status struct {
	// MissingTables lists the dls_* tables that do not exist.
	MissingTables []string

	// MissingGroups lists system groups absent from dls_subject.
	MissingGroups []string

	// Last is the most recent migration record, nil if none.
	Last *MigrationRecord

	// UpToDate is true when Last matches the embedded schema.
	UpToDate bool
}

// GetStatus returns the current migration status.
// Useful for health checks or migration diagnostics.
func (m *Migrator) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{}
	for _, table := range dlssql.Tables {
		exists, err := tableExists(ctx, m.db, table)
		if err != nil {
			return nil, err
		}
		if !exists {
			status.MissingTables = append(status.MissingTables, table)
		}
	}

	if len(status.MissingTables) == 0 {
		for _, g := range dls.SystemGroups() {
			var found bool
			err := m.db.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM dls_subject WHERE name = $1)`, g.Name,
			).Scan(&found)
			if err != nil {
				return nil, fmt.Errorf("checking group %s: %w", g.Name, err)
			}
			if !found {
				status.MissingGroups = append(status.MissingGroups, g.Name)
			}
		}
	}

	last, err := m.getLastMigration(ctx, m.db)
	if err != nil {
		return nil, err
	}
	status.Last = last
	status.UpToDate = shouldSkipMigration(last, m.Checksum())
	return status, nil
}

func tableExists(ctx context.Context, db Execer, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = $1
			AND n.nspname = current_schema()
			AND c.relkind IN ('r', 'p')
		)
	`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return exists, nil
}

// GetLastMigration returns the most recent migration record, or nil if none exists.
func (m *Migrator) GetLastMigration(ctx context.Context) (*MigrationRecord, error) {
	return m.getLastMigration(ctx, m.db)
}

func (m *Migrator) getLastMigration(ctx context.Context, db Execer) (*MigrationRecord, error) {
	exists, err := tableExists(ctx, db, "dls_migrations")
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil // No migrations table yet
	}

	var rec MigrationRecord
	err = db.QueryRowContext(ctx, `
		SELECT schema_checksum, schema_version, tables
		FROM dls_migrations
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&rec.SchemaChecksum, &rec.SchemaVersion, pq.Array(&rec.Tables))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last migration: %w", err)
	}
	return &rec, nil
}

// shouldSkipMigration returns true if the schema and version are unchanged.
func shouldSkipMigration(last *MigrationRecord, checksum string) bool {
	if last == nil {
		return false
	}
	return last.SchemaChecksum == checksum && last.SchemaVersion == SchemaVersion
}

func insertMigrationRecord(ctx context.Context, db Execer, checksum string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dls_migrations (schema_checksum, schema_version, tables)
		VALUES ($1, $2, $3)
	`, checksum, SchemaVersion, pq.Array(dlssql.Tables))
	if err != nil {
		return fmt.Errorf("inserting migration record: %w", err)
	}
	return nil
}

func sectionHeader(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- %s\n", title)
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
}

// outputDryRun writes the migration SQL to the provided writer.
func (m *Migrator) outputDryRun(w io.Writer, checksum string) {
	_, _ = fmt.Fprintf(w, "-- DLS Migration (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Schema checksum: %s\n", checksum)
	_, _ = fmt.Fprintf(w, "-- Schema version: %s\n", SchemaVersion)
	_, _ = fmt.Fprintf(w, "\n")

	sectionHeader(w, "DDL: Tables and Indexes")
	_, _ = fmt.Fprintf(w, "%s\n\n", strings.TrimSpace(m.ddl))

	groups := dls.SystemGroups()
	sectionHeader(w, fmt.Sprintf("Seed: System Groups (%d groups)", len(groups)))
	for _, g := range groups {
		meta, _ := systemGroupMeta(g)
		_, _ = fmt.Fprintf(w, "INSERT INTO dls_subject (kind, name, active, source, search_weight, meta)\n")
		_, _ = fmt.Fprintf(w, "VALUES ('group', %s, %t, %s, %d, %s)\nON CONFLICT (name) DO NOTHING;\n\n",
			pq.QuoteLiteral(g.Name), g.Active, pq.QuoteLiteral(g.Source), g.SearchWeight, pq.QuoteLiteral(meta))
	}

	sectionHeader(w, "Migration Record")
	quoted := make([]string, len(dlssql.Tables))
	for i, t := range dlssql.Tables {
		quoted[i] = pq.QuoteLiteral(t)
	}
	_, _ = fmt.Fprintf(w, "INSERT INTO dls_migrations (schema_checksum, schema_version, tables)\n")
	_, _ = fmt.Fprintf(w, "VALUES ('%s', '%s', ARRAY[%s]);\n", checksum, SchemaVersion, strings.Join(quoted, ", "))
}
