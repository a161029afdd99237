// Package sql provides the embedded DLS database schema.
package sql

import (
	_ "embed"
)

// SchemaSQL contains the table, type and index definitions of the DLS
// database. Every statement is guarded with IF NOT EXISTS so the migrator
// can apply it on each startup.
//
//go:embed schema.sql
var SchemaSQL string

// Tables lists the tables created by SchemaSQL, in creation order.
var Tables = []string{
	"dls_nodes",
	"dls_node_config",
	"dls_subject",
	"dls_group_members_m2m",
	"dls_grant",
	"dls_log",
	"dls_data",
	"dls_migrations",
}
