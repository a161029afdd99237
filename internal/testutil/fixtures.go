package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// Fixtures inserts subjects and memberships directly, bypassing the
// service.
type Fixtures struct {
	db  *sql.DB
	ctx context.Context
}

// NewFixtures creates a new Fixtures instance.
func NewFixtures(ctx context.Context, db *sql.DB) *Fixtures {
	return &Fixtures{db: db, ctx: ctx}
}

// CreateSubject inserts one subject and returns its id.
func (f *Fixtures) CreateSubject(kind, name string, active bool) (int64, error) {
	var id int64
	err := f.db.QueryRowContext(f.ctx, `
		INSERT INTO dls_subject (kind, name, active, source)
		VALUES ($1, $2, $3, 'fixture')
		RETURNING id`, kind, name, active).Scan(&id)
	return id, err
}

// AddMember inserts a membership edge.
func (f *Fixtures) AddMember(groupID, memberID int64) error {
	_, err := f.db.ExecContext(f.ctx,
		`INSERT INTO dls_group_members_m2m (group_id, member_id, source) VALUES ($1, $2, 'fixture')`,
		groupID, memberID)
	return err
}

// CreateUsers loads n users named user:<prefix>_<i> with COPY FROM and
// returns their ids in order.
func (f *Fixtures) CreateUsers(prefix string, n int) ([]int64, error) {
	if n == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("user:%s_%d", prefix, i)
		fmt.Fprintf(&buf, "user\t%s\tt\tfixture\n", names[i])
	}
	if err := f.copyFrom("dls_subject", "kind, name, active, source", &buf); err != nil {
		return nil, err
	}

	rows, err := f.db.QueryContext(f.ctx,
		`SELECT id FROM dls_subject WHERE name = ANY($1) ORDER BY id`, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// copyFrom executes a COPY FROM operation using the pgx driver.
// data should be a tab-delimited text stream (one row per line).
func (f *Fixtures) copyFrom(table, columns string, data *bytes.Buffer) error {
	conn, err := f.db.Conn(f.ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT text, DELIMITER E'\\t')", table, columns)
	return conn.Raw(func(driverConn any) error {
		stdlibConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("not a pgx connection (got %T)", driverConn)
		}
		if _, err := stdlibConn.Conn().PgConn().CopyFrom(f.ctx, data, query); err != nil {
			return fmt.Errorf("COPY FROM: %w", err)
		}
		return nil
	})
}
