package pgstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/pthm/dls"
)

// GetGrants implements dls.GrantStore.
func (c *conn) GetGrants(ctx context.Context, nodeConfigID int64) (dls.Grants, error) {
	rows, err := c.q.QueryContext(ctx, getGrantsSQL, nodeConfigID)
	if err != nil {
		return nil, mapError("get grants", err)
	}
	defer func() { _ = rows.Close() }()

	var list []dls.Grant
	for rows.Next() {
		var (
			g     dls.Grant
			state string
			meta  []byte
		)
		if err := rows.Scan(&g.ID, &g.GUID, &g.NodeConfigID, &g.SubjectID, &g.SubjectName,
			&g.PermKind, &g.Active, &state, &meta, &g.Realm); err != nil {
			return nil, mapError("get grants", err)
		}
		g.State = dls.GrantState(state)
		if err := decodeMeta(meta, &g.Meta); err != nil {
			return nil, fmt.Errorf("grant %s meta: %w", g.GUID, err)
		}
		list = append(list, g)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("get grants", err)
	}
	return dls.GroupGrants(list), nil
}

const upsertGrantSQL = `
	INSERT INTO dls_grant (guid, perm_kind, node_config_id, subject_id, active, state, meta, realm)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (guid) DO UPDATE SET
		perm_kind = EXCLUDED.perm_kind,
		subject_id = EXCLUDED.subject_id,
		active = EXCLUDED.active,
		state = EXCLUDED.state,
		meta = EXCLUDED.meta,
		mtime = now()`

// UpsertGrants implements dls.GrantStore. Grants are written in staging
// order.
func (c *conn) UpsertGrants(ctx context.Context, grants []dls.Grant) error {
	for _, g := range grants {
		meta, err := encodeMeta(g.Meta)
		if err != nil {
			return fmt.Errorf("grant %s meta: %w", g.GUID, err)
		}
		_, err = c.q.ExecContext(ctx, upsertGrantSQL,
			g.GUID, g.PermKind, g.NodeConfigID, g.SubjectID, g.Active, string(g.State), meta, g.Realm)
		if err != nil {
			return mapError("upsert grant "+g.GUID.String(), err)
		}
	}
	return nil
}

// AppendLogs implements dls.GrantStore.
func (c *conn) AppendLogs(ctx context.Context, logs []dls.LogEntry) error {
	for _, l := range logs {
		meta, err := encodeMeta(l.Meta)
		if err != nil {
			return fmt.Errorf("log meta: %w", err)
		}
		_, err = c.q.ExecContext(ctx, `
			INSERT INTO dls_log (kind, sublocator, grant_guid, request_user_id, node_identifier, meta)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			l.Kind, l.Sublocator, nullUUID(l.GrantGUID), nullInt64(l.RequestUserID), nullString(l.NodeIdentifier), meta)
		if err != nil {
			return mapError("append log", err)
		}
	}
	return nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
