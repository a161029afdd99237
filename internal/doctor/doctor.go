// Package doctor provides health checks for a DLS database.
//
// It validates connectivity, the migrated tables, the seeded system
// groups and the shape of the membership and grant data.
//
// Example usage:
//
//	d := doctor.New(db, dls.Scopes{})
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pthm/dls"
	"github.com/pthm/dls/pkg/migrator"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Database", "Memberships").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	// Group checks by category
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	// Print each category
	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				// Indent details
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	// Print summary
	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// sampleLimit bounds the rows listed in check details.
const sampleLimit = 20

// Doctor performs health checks on a DLS database.
type Doctor struct {
	db     *sql.DB
	scopes dls.Scopes

	// Populated during Run
	status *migrator.Status
}

// New creates a new Doctor instance. scopes supplies the perm kind sizes
// used by the grant checks.
func New(db *sql.DB, scopes dls.Scopes) *Doctor {
	return &Doctor{db: db, scopes: scopes}
}

// Run executes all health checks and returns a report. Later checks are
// skipped when the database is unreachable or the tables are missing.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if !d.checkConnectivity(ctx, report) {
		return report, nil
	}
	if err := d.checkMigrationState(ctx, report); err != nil {
		return nil, fmt.Errorf("checking migration state: %w", err)
	}
	if len(d.status.MissingTables) > 0 {
		return report, nil
	}
	if err := d.checkSystemGroups(ctx, report); err != nil {
		return nil, fmt.Errorf("checking system groups: %w", err)
	}
	if err := d.checkMembershipCycles(ctx, report); err != nil {
		return nil, fmt.Errorf("checking membership cycles: %w", err)
	}
	if err := d.checkSizedGrants(ctx, report); err != nil {
		return nil, fmt.Errorf("checking grants: %w", err)
	}
	if err := d.checkInactiveSubjects(ctx, report); err != nil {
		return nil, fmt.Errorf("checking inactive subjects: %w", err)
	}

	return report, nil
}

func (d *Doctor) checkConnectivity(ctx context.Context, report *Report) bool {
	var version string
	if err := d.db.QueryRowContext(ctx, `SHOW server_version`).Scan(&version); err != nil {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "connect",
			Status:   StatusFail,
			Message:  "Cannot reach the database",
			Details:  err.Error(),
			FixHint:  "Check database.url or DLS_DATABASE_URL",
		})
		return false
	}
	report.AddCheck(CheckResult{
		Category: "Database",
		Name:     "connect",
		Status:   StatusPass,
		Message:  "Connected to PostgreSQL " + version,
	})
	return true
}

// checkMigrationState validates the tables and the migration record.
func (d *Doctor) checkMigrationState(ctx context.Context, report *Report) error {
	m := migrator.NewMigrator(d.db)
	status, err := m.GetStatus(ctx)
	if err != nil {
		return err
	}
	d.status = status

	if len(status.MissingTables) > 0 {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "tables",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d DLS tables are missing", len(status.MissingTables)),
			Details:  strings.Join(status.MissingTables, ", "),
			FixHint:  "Run 'dls migrate' to create them",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Migration State",
		Name:     "tables",
		Status:   StatusPass,
		Message:  "All DLS tables exist",
	})

	switch {
	case status.Last == nil:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "migrated",
			Status:   StatusWarn,
			Message:  "No migration records found",
			FixHint:  "Run 'dls migrate' to record the schema",
		})
	case !status.UpToDate:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "schema_sync",
			Status:   StatusWarn,
			Message:  "Embedded schema has changed since last migration",
			Details: fmt.Sprintf("Binary checksum: %s...\nDB checksum:     %s...\nDB version: %s",
				short(m.Checksum()), short(status.Last.SchemaChecksum), status.Last.SchemaVersion),
			FixHint: "Run 'dls migrate' to apply changes",
		})
	default:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "schema_sync",
			Status:   StatusPass,
			Message:  fmt.Sprintf("Schema is in sync with database (version %s)", status.Last.SchemaVersion),
		})
	}
	return nil
}

func short(checksum string) string {
	if len(checksum) > 16 {
		return checksum[:16]
	}
	return checksum
}

// checkSystemGroups verifies that every system group exists, is a group
// and carries its well-known UUID.
func (d *Doctor) checkSystemGroups(ctx context.Context, report *Report) error {
	var problems []string
	for _, g := range dls.SystemGroups() {
		var (
			kind string
			id   sql.NullString
		)
		err := d.db.QueryRowContext(ctx,
			`SELECT kind::text, meta->>'uuid' FROM dls_subject WHERE name = $1`, g.Name,
		).Scan(&kind, &id)
		if err == sql.ErrNoRows {
			problems = append(problems, g.Name+": missing")
			continue
		}
		if err != nil {
			return err
		}
		if kind != string(dls.SubjectGroup) {
			problems = append(problems, fmt.Sprintf("%s: kind is %s", g.Name, kind))
		}
		if got, err := uuid.Parse(id.String); err != nil || got != g.UUID {
			problems = append(problems, fmt.Sprintf("%s: uuid is %q, want %s", g.Name, id.String, g.UUID))
		}
	}

	if len(problems) > 0 {
		report.AddCheck(CheckResult{
			Category: "System Groups",
			Name:     "seeded",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d system group problems", len(problems)),
			Details:  strings.Join(problems, "\n"),
			FixHint:  "Run 'dls migrate --force' to reseed missing groups",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "System Groups",
		Name:     "seeded",
		Status:   StatusPass,
		Message:  fmt.Sprintf("All %d system groups are seeded", len(dls.SystemGroups())),
	})
	return nil
}

func (d *Doctor) checkMembershipCycles(ctx context.Context, report *Report) error {
	rows, err := d.db.QueryContext(ctx, `SELECT group_id, member_id FROM dls_group_members_m2m`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var edges []dls.Edge
	for rows.Next() {
		var e dls.Edge
		if err := rows.Scan(&e.GroupID, &e.MemberID); err != nil {
			return err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cyclic := dls.DetectCycles(edges)
	if len(cyclic) == 0 {
		report.AddCheck(CheckResult{
			Category: "Memberships",
			Name:     "cycles",
			Status:   StatusPass,
			Message:  fmt.Sprintf("No membership cycles (%d edges)", len(edges)),
		})
		return nil
	}

	names, err := d.subjectNames(ctx, cyclic)
	if err != nil {
		return err
	}
	report.AddCheck(CheckResult{
		Category: "Memberships",
		Name:     "cycles",
		Status:   StatusWarn,
		Message:  fmt.Sprintf("%d groups are members of themselves through a cycle", len(cyclic)),
		Details:  strings.Join(names, ", "),
		FixHint:  "Remove one membership edge of each cycle",
	})
	return nil
}

func (d *Doctor) subjectNames(ctx context.Context, ids []int64) ([]string, error) {
	if len(ids) > sampleLimit {
		ids = ids[:sampleLimit]
	}
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM dls_subject WHERE id = ANY($1) ORDER BY name`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// checkSizedGrants finds subjects holding more than one active sized perm
// kind on the same node. The diff engine keeps only the largest.
func (d *Doctor) checkSizedGrants(ctx context.Context, report *Report) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT c.node_identifier, c.scope, s.name, array_agg(g.perm_kind ORDER BY g.perm_kind)
		FROM dls_grant g
		JOIN dls_node_config c ON c.id = g.node_config_id
		JOIN dls_subject s ON s.id = g.subject_id
		WHERE g.active
		GROUP BY c.node_identifier, c.scope, s.name
		HAVING count(*) > 1
		ORDER BY c.node_identifier, s.name
	`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var found []string
	for rows.Next() {
		var (
			node, scopeName, subject string
			kinds                    []string
		)
		if err := rows.Scan(&node, &scopeName, &subject, pq.Array(&kinds)); err != nil {
			return err
		}
		scope, err := d.scopes.Get(scopeName)
		if err != nil {
			continue
		}
		var sized []string
		for _, k := range kinds {
			if _, ok := scope.PermKindSizes[k]; ok {
				sized = append(sized, k)
			}
		}
		if len(sized) > 1 {
			found = append(found, fmt.Sprintf("%s on %s: %s", subject, node, strings.Join(sized, ", ")))
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(found) == 0 {
		report.AddCheck(CheckResult{
			Category: "Grants",
			Name:     "sized",
			Status:   StatusPass,
			Message:  "No subject holds more than one sized perm kind on a node",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Grants",
		Name:     "sized",
		Status:   StatusWarn,
		Message:  fmt.Sprintf("%d subjects hold several sized perm kinds on one node", len(found)),
		Details:  strings.Join(truncate(found), "\n"),
		FixHint:  "Re-submit the grants through 'dls modify' to keep only the largest",
	})
	return nil
}

func (d *Doctor) checkInactiveSubjects(ctx context.Context, report *Report) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT s.name, count(*)
		FROM dls_grant g
		JOIN dls_subject s ON s.id = g.subject_id
		WHERE g.active AND NOT s.active
		GROUP BY s.name
		ORDER BY s.name
	`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var (
		found []string
		total int64
	)
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return err
		}
		found = append(found, fmt.Sprintf("%s (%d)", name, n))
		total += n
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(found) == 0 {
		report.AddCheck(CheckResult{
			Category: "Grants",
			Name:     "inactive_subjects",
			Status:   StatusPass,
			Message:  "No active grants reference inactive subjects",
		})
		return nil
	}
	sort.Strings(found)
	report.AddCheck(CheckResult{
		Category: "Grants",
		Name:     "inactive_subjects",
		Status:   StatusWarn,
		Message:  fmt.Sprintf("%d active grants reference %d inactive subjects", total, len(found)),
		Details:  strings.Join(truncate(found), "\n"),
	})
	return nil
}

func truncate(lines []string) []string {
	if len(lines) <= sampleLimit {
		return lines
	}
	out := append([]string(nil), lines[:sampleLimit]...)
	return append(out, fmt.Sprintf("... and %d more", len(lines)-sampleLimit))
}
