package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pthm/dls"
)

// GetNode implements dls.NodeStore.
func (c *conn) GetNode(ctx context.Context, identifier string, forUpdate bool) (dls.Node, error) {
	var (
		n    dls.Node
		meta []byte
	)
	err := c.q.QueryRowContext(ctx, getNodeSQL(forUpdate), identifier).
		Scan(&n.ID, &n.Identifier, &n.Scope, &n.Realm, &meta, &n.NodeConfigID)
	if errors.Is(err, sql.ErrNoRows) {
		return dls.Node{}, dls.NotFoundf("node %q not found", identifier)
	}
	if err != nil {
		return dls.Node{}, mapError("get node", err)
	}
	if err := decodeMeta(meta, &n.Meta); err != nil {
		return dls.Node{}, fmt.Errorf("node %s meta: %w", identifier, err)
	}
	return n, nil
}

// CreateNode implements dls.NodeStore.
func (c *conn) CreateNode(ctx context.Context, n dls.Node) (dls.Node, error) {
	meta, err := encodeMeta(n.Meta)
	if err != nil {
		return dls.Node{}, fmt.Errorf("node %s meta: %w", n.Identifier, err)
	}

	err = c.q.QueryRowContext(ctx, `
		INSERT INTO dls_nodes (identifier, scope, meta, realm)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identifier) DO NOTHING
		RETURNING id`, n.Identifier, n.Scope, meta, n.Realm).Scan(&n.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return dls.Node{}, &dls.Error{
			Kind:    dls.ErrNotConsistent,
			Message: "node already exists",
			Details: map[string]any{"identifier": n.Identifier},
		}
	}
	if err != nil {
		return dls.Node{}, mapError("create node", err)
	}

	err = c.q.QueryRowContext(ctx, `
		INSERT INTO dls_node_config (node_identifier, scope, node_id, meta, realm)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, n.Identifier, n.Scope, n.ID, meta, n.Realm).Scan(&n.NodeConfigID)
	if err != nil {
		return dls.Node{}, mapError("create node config", err)
	}
	return n, nil
}
