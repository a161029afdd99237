// Package memstore is an in-memory dls.Store.
//
// Transactions are serialized by a single mutex, which is stricter than
// the per-node lock the service requires. A failed transaction restores
// the state it started from. The store backs the unit tests and
// `dls serve --memory`.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/pthm/dls"
)

// Store is an in-memory dls.Store. The zero value is not usable; call New.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state

	failMu   sync.Mutex
	failures []error
}

type state struct {
	subjects    map[int64]dls.Subject
	byName      map[string]int64
	nodes       map[string]dls.Node
	grants      map[int64][]dls.Grant
	logs        []dls.LogEntry
	members     map[int64]map[int64]bool // group -> members
	nextSubject int64
	nextNode    int64
	nextConfig  int64
	nextGrant   int64
}

// New returns a store seeded with the system groups.
func New() *Store {
	s := &Store{st: &state{
		subjects: make(map[int64]dls.Subject),
		byName:   make(map[string]int64),
		nodes:    make(map[string]dls.Node),
		grants:   make(map[int64][]dls.Grant),
		members:  make(map[int64]map[int64]bool),
	}}
	for _, g := range dls.SystemGroups() {
		s.st.addSubject(g.Subject)
	}
	return s
}

func (st *state) clone() *state {
	out := &state{
		subjects:    maps.Clone(st.subjects),
		byName:      maps.Clone(st.byName),
		nodes:       maps.Clone(st.nodes),
		grants:      make(map[int64][]dls.Grant, len(st.grants)),
		logs:        slices.Clone(st.logs),
		members:     make(map[int64]map[int64]bool, len(st.members)),
		nextSubject: st.nextSubject,
		nextNode:    st.nextNode,
		nextConfig:  st.nextConfig,
		nextGrant:   st.nextGrant,
	}
	for k, v := range st.grants {
		cp := make([]dls.Grant, len(v))
		for i, g := range v {
			cp[i] = g.Clone()
		}
		out.grants[k] = cp
	}
	for k, v := range st.members {
		out.members[k] = maps.Clone(v)
	}
	return out
}

func (st *state) addSubject(s dls.Subject) dls.Subject {
	st.nextSubject++
	s.ID = st.nextSubject
	st.subjects[s.ID] = s
	st.byName[s.Name] = s.ID
	return s
}

// AddSubject inserts a subject and returns it with its id. An existing
// name is returned unchanged.
func (s *Store) AddSubject(subject dls.Subject) dls.Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.st.byName[subject.Name]; ok {
		return s.st.subjects[id]
	}
	return s.st.addSubject(subject)
}

// FailTx makes the next len(errs) calls of WithinTx fail with the given
// errors before running their function.
func (s *Store) FailTx(errs ...error) {
	s.failMu.Lock()
	s.failures = append(s.failures, errs...)
	s.failMu.Unlock()
}

// Logs returns every log entry written so far.
func (s *Store) Logs() []dls.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.st.logs)
}

func (s *Store) nextFailure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

// WithinTx implements dls.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx dls.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := s.nextFailure(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	saved := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.st = saved
		s.mu.Unlock()
		return err
	}
	return nil
}

// GetGrants implements dls.GrantStore.
func (s *Store) GetGrants(_ context.Context, nodeConfigID int64) (dls.Grants, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dls.Grant, 0, len(s.st.grants[nodeConfigID]))
	for _, g := range s.st.grants[nodeConfigID] {
		out = append(out, g.Clone())
	}
	return dls.GroupGrants(out), nil
}

// UpsertGrants implements dls.GrantStore.
func (s *Store) UpsertGrants(_ context.Context, grants []dls.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range grants {
		list := s.st.grants[g.NodeConfigID]
		idx := slices.IndexFunc(list, func(x dls.Grant) bool { return x.GUID == g.GUID })
		for i, x := range list {
			if i != idx && x.SubjectID == g.SubjectID && x.PermKind == g.PermKind {
				return &dls.Error{
					Kind:    dls.ErrNotConsistent,
					Message: "grant collides with an existing grant",
					Details: map[string]any{"guid": g.GUID.String(), "existing": x.GUID.String()},
				}
			}
		}
		if idx >= 0 {
			g.ID = list[idx].ID
			list[idx] = g.Clone()
			continue
		}
		if g.ID == 0 {
			s.st.nextGrant++
			g.ID = s.st.nextGrant
		}
		s.st.grants[g.NodeConfigID] = append(list, g.Clone())
	}
	return nil
}

// AppendLogs implements dls.GrantStore.
func (s *Store) AppendLogs(_ context.Context, logs []dls.LogEntry) error {
	s.mu.Lock()
	s.st.logs = append(s.st.logs, logs...)
	s.mu.Unlock()
	return nil
}

func isUserName(name string) bool {
	return strings.HasPrefix(name, "user:")
}

// Resolve implements dls.SubjectResolver.
func (s *Store) Resolve(ctx context.Context, name string, autoCreate bool) (dls.Subject, error) {
	out, err := s.ResolveMany(ctx, []string{name}, autoCreate)
	if err != nil {
		return dls.Subject{}, err
	}
	return out[name], nil
}

// ResolveMany implements dls.SubjectResolver.
func (s *Store) ResolveMany(_ context.Context, names []string, autoCreate bool) (map[string]dls.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]dls.Subject, len(names))
	for _, name := range names {
		if id, ok := s.st.byName[name]; ok {
			out[name] = s.st.subjects[id]
			continue
		}
		if !autoCreate || !isUserName(name) {
			return nil, dls.NotFoundf("The specified subject was not found: %q", name)
		}
		out[name] = s.st.addSubject(dls.Subject{Name: name, Kind: dls.SubjectUser, Active: true, Source: "auto"})
	}
	return out, nil
}

// ResolveIDs implements dls.SubjectResolver.
func (s *Store) ResolveIDs(_ context.Context, ids []int64) (map[int64]dls.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]dls.Subject, len(ids))
	for _, id := range ids {
		if subj, ok := s.st.subjects[id]; ok {
			out[id] = subj
		}
	}
	return out, nil
}

// EffectiveGroups implements dls.SubjectResolver.
func (s *Store) EffectiveGroups(ctx context.Context, subject dls.Subject) ([]dls.Subject, error) {
	parents := func(_ context.Context, ids []int64) (map[int64][]int64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		want := make(map[int64]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		out := make(map[int64][]int64)
		for group, members := range s.st.members {
			for m := range members {
				if want[m] {
					out[m] = append(out[m], group)
				}
			}
		}
		return out, nil
	}

	closure, err := dls.ComputeGroupClosure(ctx, []int64{subject.ID}, parents, dls.DefaultMaxGroupDepth)
	if err != nil {
		return nil, err
	}
	delete(closure, subject.ID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dls.Subject, 0, len(closure))
	for id := range closure {
		out = append(out, s.st.subjects[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetNode implements dls.NodeStore. The forUpdate lock is implied by the
// store-wide transaction mutex.
func (s *Store) GetNode(_ context.Context, identifier string, _ bool) (dls.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.st.nodes[identifier]
	if !ok {
		return dls.Node{}, dls.NotFoundf("node %q not found", identifier)
	}
	return n, nil
}

// CreateNode implements dls.NodeStore.
func (s *Store) CreateNode(_ context.Context, n dls.Node) (dls.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.nodes[n.Identifier]; ok {
		return dls.Node{}, &dls.Error{
			Kind:    dls.ErrNotConsistent,
			Message: "node already exists",
			Details: map[string]any{"identifier": n.Identifier},
		}
	}
	s.st.nextNode++
	s.st.nextConfig++
	n.ID = s.st.nextNode
	n.NodeConfigID = s.st.nextConfig
	s.st.nodes[n.Identifier] = n
	return n, nil
}

// AddMembers implements dls.MembershipStore.
func (s *Store) AddMembers(_ context.Context, group dls.Subject, members []dls.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.st.members[group.ID]
	if set == nil {
		set = make(map[int64]bool)
		s.st.members[group.ID] = set
	}
	for _, m := range members {
		set[m.ID] = true
	}
	return nil
}

// RemoveMembers implements dls.MembershipStore.
func (s *Store) RemoveMembers(_ context.Context, group dls.Subject, members []dls.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.st.members[group.ID], m.ID)
	}
	return nil
}

// Members implements dls.MembershipStore.
func (s *Store) Members(_ context.Context, group dls.Subject) ([]dls.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dls.Subject, 0, len(s.st.members[group.ID]))
	for id := range s.st.members[group.ID] {
		out = append(out, s.st.subjects[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Edges returns every membership edge.
func (s *Store) Edges() []dls.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dls.Edge
	for g, members := range s.st.members {
		for m := range members {
			out = append(out, dls.Edge{GroupID: g, MemberID: m})
		}
	}
	return out
}

var _ dls.Store = (*Store)(nil)
