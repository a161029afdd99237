package dls

import "context"

// GrantStore loads and persists grants and their audit log.
type GrantStore interface {
	// GetGrants returns every grant of a node, whatever its state.
	GetGrants(ctx context.Context, nodeConfigID int64) (Grants, error)

	// UpsertGrants persists grants keyed by guid.
	UpsertGrants(ctx context.Context, grants []Grant) error

	// AppendLogs persists log entries.
	AppendLogs(ctx context.Context, logs []LogEntry) error
}

// SubjectResolver looks up subjects and their effective groups.
type SubjectResolver interface {
	// Resolve returns the subject called name. When autoCreate is set and
	// name is a user name, a missing user is created. Otherwise a missing
	// subject is ErrNotFound.
	Resolve(ctx context.Context, name string, autoCreate bool) (Subject, error)

	// ResolveMany resolves names in one round trip. The first missing name
	// fails the call with ErrNotFound.
	ResolveMany(ctx context.Context, names []string, autoCreate bool) (map[string]Subject, error)

	// ResolveIDs returns the subjects with the given ids. Missing ids are
	// left out of the result.
	ResolveIDs(ctx context.Context, ids []int64) (map[int64]Subject, error)

	// EffectiveGroups returns the transitive closure of the groups subject
	// belongs to, system groups included, excluding subject itself.
	EffectiveGroups(ctx context.Context, subject Subject) ([]Subject, error)
}

// NodeStore manages permission-protected nodes.
type NodeStore interface {
	// GetNode returns the node called identifier. With forUpdate the node
	// config row stays locked until the surrounding transaction ends.
	GetNode(ctx context.Context, identifier string, forUpdate bool) (Node, error)

	// CreateNode inserts n together with its node config and returns it
	// with ids filled in. An existing identifier is ErrNotConsistent.
	CreateNode(ctx context.Context, n Node) (Node, error)
}

// MembershipStore manages direct group membership edges.
type MembershipStore interface {
	AddMembers(ctx context.Context, group Subject, members []Subject) error
	RemoveMembers(ctx context.Context, group Subject, members []Subject) error
	// Members returns the direct members of group.
	Members(ctx context.Context, group Subject) ([]Subject, error)
}

// Tx is the view of a Store bound to one transaction.
type Tx interface {
	GrantStore
	SubjectResolver
	NodeStore
	MembershipStore
}

// Store is the persistence boundary of the service. Calls made directly on
// the Store run outside any explicit transaction.
type Store interface {
	Tx

	// WithinTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Store errors that may succeed
	// on retry wrap ErrTransient.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// AuditSink receives log entries after their transaction committed.
// Publishing is best effort: failures are logged, never returned to the
// caller of the mutation.
type AuditSink interface {
	Publish(ctx context.Context, node Node, logs []LogEntry) error
}
