package dls

import (
	"fmt"
	"sort"
)

// DiffItem names one subject in a diff section.
type DiffItem struct {
	Subject Subject      `json:"subject"`
	Comment *string      `json:"comment,omitempty"`
	New     *DiffItemNew `json:"new,omitempty"`
}

// DiffItemNew holds the field overrides of a modified grant. Empty fields
// are left unchanged.
type DiffItemNew struct {
	Subject     string  `json:"subject,omitempty"`
	GrantType   string  `json:"grantType,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Diff is a requested permission change, keyed by perm_kind in each
// section.
type Diff struct {
	Added    map[string][]DiffItem `json:"added,omitempty"`
	Removed  map[string][]DiffItem `json:"removed,omitempty"`
	Modified map[string][]DiffItem `json:"modified,omitempty"`
}

// IsEmpty reports whether the diff has no items.
func (d Diff) IsEmpty() bool {
	for _, section := range []map[string][]DiffItem{d.Added, d.Removed, d.Modified} {
		for _, items := range section {
			if len(items) > 0 {
				return false
			}
		}
	}
	return true
}

type diffKey struct {
	subject  string
	permKind string
}

// Validate checks that no (subject, perm_kind) pair appears more than once
// across all sections.
func (d Diff) Validate() error {
	seen := make(map[diffKey]int)
	for _, section := range []map[string][]DiffItem{d.Added, d.Removed, d.Modified} {
		for kind, items := range section {
			for _, item := range items {
				if item.Subject.Name == "" {
					return notConsistent("Diff item without a subject name", map[string]any{"perm_kind": kind})
				}
				seen[diffKey{item.Subject.Name, kind}]++
			}
		}
	}

	var dups []string
	for key, n := range seen {
		if n > 1 {
			dups = append(dups, key.subject)
		}
	}
	if len(dups) == 0 {
		return nil
	}
	sort.Strings(dups)
	return notConsistent("Duplicate subjects in the diff data", map[string]any{"subjects": dups})
}

// SubjectNames returns every subject name the diff refers to, including
// relocation targets of modified items, sorted and deduplicated.
func (d Diff) SubjectNames() []string {
	names := make(map[string]bool)
	for _, section := range []map[string][]DiffItem{d.Added, d.Removed, d.Modified} {
		for _, items := range section {
			for _, item := range items {
				names[item.Subject.Name] = true
				if item.New != nil && item.New.Subject != "" {
					names[item.New.Subject] = true
				}
			}
		}
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve replaces every item subject with its resolved record from
// byName. A missing name is ErrNotFound.
func (d Diff) Resolve(byName map[string]Subject) (Diff, error) {
	resolve := func(section map[string][]DiffItem) (map[string][]DiffItem, error) {
		if section == nil {
			return nil, nil
		}
		out := make(map[string][]DiffItem, len(section))
		for kind, items := range section {
			list := make([]DiffItem, len(items))
			for i, item := range items {
				s, ok := byName[item.Subject.Name]
				if !ok {
					return nil, notFound(fmt.Sprintf("The specified subject was not found: %q", item.Subject.Name),
						map[string]any{"subject": item.Subject.Name})
				}
				item.Subject = s
				list[i] = item
			}
			out[kind] = list
		}
		return out, nil
	}

	var (
		out Diff
		err error
	)
	if out.Added, err = resolve(d.Added); err != nil {
		return Diff{}, err
	}
	if out.Removed, err = resolve(d.Removed); err != nil {
		return Diff{}, err
	}
	if out.Modified, err = resolve(d.Modified); err != nil {
		return Diff{}, err
	}
	return out, nil
}

// orderedKinds returns the perm kinds of a section. Perm kinds without a
// size (acl_deny, custom kinds) come first, then sized ones from larger to
// smaller; ties are broken by name.
func orderedKinds(section map[string][]DiffItem, sizes map[string]int) []string {
	kinds := make([]string, 0, len(section))
	for k := range section {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		si, iok := sizes[kinds[i]]
		sj, jok := sizes[kinds[j]]
		if iok != jok {
			return !iok
		}
		if si != sj {
			return si > sj
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}
