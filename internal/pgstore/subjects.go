package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/pthm/dls"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (dls.Subject, error) {
	var (
		subj dls.Subject
		kind string
		meta []byte
	)
	if err := row.Scan(&subj.ID, &subj.Name, &kind, &subj.Active, &subj.Realm, &subj.Source, &subj.SearchWeight, &meta); err != nil {
		return dls.Subject{}, err
	}
	subj.Kind = dls.SubjectKind(kind)
	if err := decodeMeta(meta, &subj.Meta); err != nil {
		return dls.Subject{}, fmt.Errorf("subject %s meta: %w", subj.Name, err)
	}
	return subj, nil
}

func decodeMeta(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// encodeMeta returns the JSONB text of v. A nil map encodes as {}.
func encodeMeta(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

func (c *conn) querySubjects(ctx context.Context, op, query string, args ...any) ([]dls.Subject, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []dls.Subject
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, subj)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// Resolve implements dls.SubjectResolver.
func (c *conn) Resolve(ctx context.Context, name string, autoCreate bool) (dls.Subject, error) {
	out, err := c.ResolveMany(ctx, []string{name}, autoCreate)
	if err != nil {
		return dls.Subject{}, err
	}
	return out[name], nil
}

// ResolveMany implements dls.SubjectResolver.
func (c *conn) ResolveMany(ctx context.Context, names []string, autoCreate bool) (map[string]dls.Subject, error) {
	out := make(map[string]dls.Subject, len(names))
	var missing []string
	for _, name := range names {
		if _, ok := out[name]; ok {
			continue
		}
		if c.cached && c.s.names != nil {
			if subj, ok := c.s.names.Get(name); ok {
				out[name] = subj
				continue
			}
		}
		missing = append(missing, name)
	}
	if len(missing) == 0 {
		return out, nil
	}

	found, err := c.querySubjects(ctx, "resolve subjects",
		subjectsByNameSQL, pq.Array(missing))
	if err != nil {
		return nil, err
	}
	for _, subj := range found {
		out[subj.Name] = subj
		if c.cached && c.s.names != nil {
			c.s.names.Add(subj.Name, subj)
		}
	}

	for _, name := range missing {
		if _, ok := out[name]; ok {
			continue
		}
		if !autoCreate || !strings.HasPrefix(name, "user:") {
			return nil, dls.NotFoundf("The specified subject was not found: %q", name)
		}
		subj, err := c.createUser(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = subj
	}
	return out, nil
}

// createUser inserts a user subject. A concurrent insert of the same name
// is returned instead of failing.
func (c *conn) createUser(ctx context.Context, name string) (dls.Subject, error) {
	row := c.q.QueryRowContext(ctx, `
		INSERT INTO dls_subject AS s (kind, name, active, source)
		VALUES ('user', $1, true, 'auto')
		ON CONFLICT (name) DO UPDATE SET mtime = s.mtime
		RETURNING `+subjectColumns, name)
	subj, err := scanSubject(row)
	if err != nil {
		return dls.Subject{}, mapError("create user", err)
	}
	return subj, nil
}

// ResolveIDs implements dls.SubjectResolver.
func (c *conn) ResolveIDs(ctx context.Context, ids []int64) (map[int64]dls.Subject, error) {
	out := make(map[int64]dls.Subject, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	found, err := c.querySubjects(ctx, "resolve subject ids",
		subjectsByIDSQL, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, subj := range found {
		out[subj.ID] = subj
	}
	return out, nil
}

// EffectiveGroups implements dls.SubjectResolver.
func (c *conn) EffectiveGroups(ctx context.Context, subject dls.Subject) ([]dls.Subject, error) {
	if subject.ID == 0 {
		return nil, dls.NotFoundf("subject %q has no id", subject.Name)
	}
	groups, err := c.querySubjects(ctx, "effective groups", effectiveGroupsSQL, subject.ID, c.s.maxDepth)
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}
