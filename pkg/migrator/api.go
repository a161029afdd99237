package migrator

import (
	"context"
)

// Migrate applies the embedded DLS schema to the database in one operation.
// This is the recommended high-level API for most applications.
//
// The function is idempotent - safe to call on every application startup.
// It is skipped when the last recorded migration matches the embedded
// schema.
//
// Example usage on application startup:
//
//	if err := migrator.Migrate(ctx, db); err != nil {
//	    log.Fatalf("migration failed: %v", err)
//	}
func Migrate(ctx context.Context, db Execer) error {
	_, err := NewMigrator(db).Migrate(ctx, MigrateOptions{})
	return err
}

// MigrateWithOptions performs migration with control over dry-run and skip behavior.
//
// Returns (skipped, error):
//   - skipped=true if migration was skipped due to unchanged schema (only when Force=false and DryRun=nil)
//   - error is non-nil if migration failed
//
// Example: Generate migration script without applying
//
//	var buf bytes.Buffer
//	_, err := migrator.MigrateWithOptions(ctx, db, migrator.MigrateOptions{
//	    DryRun: &buf,
//	})
//	os.WriteFile("migrations/001_dls.sql", buf.Bytes(), 0644)
func MigrateWithOptions(ctx context.Context, db Execer, opts MigrateOptions) (skipped bool, err error) {
	return NewMigrator(db).Migrate(ctx, opts)
}
