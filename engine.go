package dls

import (
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// DefaultModifyAction is the action recorded in log entries when the
// caller does not name one.
const DefaultModifyAction = "edit_permissions"

// EngineInput is everything the grant diff engine needs. It is a complete
// snapshot: the engine performs no I/O.
type EngineInput struct {
	Node      Node
	Requester Subject
	Diff      Diff
	// Current holds all grants of the node (active, pending and inactive).
	Current Grants
	// Editable means the requester may apply changes immediately. When
	// false, additions become pending requests and removals are limited to
	// the grant's requester or subject.
	Editable      bool
	PermKindSizes map[string]int
	// ClearAll treats every active or pending grant as removed.
	ClearAll       bool
	DefaultComment *string
	Action         string
	// NameToSubject resolves relocation targets of modified items.
	NameToSubject      map[string]Subject
	Context            map[string]any
	ExtrasForLog       map[string]any
	ExtrasForNewGrants map[string]any
	// NewGUID generates guids for new grants. Defaults to uuid.New.
	NewGUID func() uuid.UUID
}

// EngineResult is the outcome of a diff application.
type EngineResult struct {
	// Upserts are the grants to persist, keyed by guid, in the order they
	// were first staged.
	Upserts []Grant
	// Logs are the audit entries, one per grant mutation or no-op.
	Logs []LogEntry
	// Current is the node's grant set after the diff.
	Current Grants
}

// RunEngine applies in.Diff to in.Current.
//
// Processing order is fixed: validate, removed, added, modified. Each
// phase sees the effects of the previous ones. On error nothing is
// returned; callers must not persist anything.
func RunEngine(in EngineInput) (*EngineResult, error) {
	if err := in.Diff.Validate(); err != nil {
		return nil, err
	}
	if in.Action == "" {
		in.Action = DefaultModifyAction
	}
	if in.NewGUID == nil {
		in.NewGUID = uuid.New
	}

	e := &engine{
		in:     in,
		live:   in.Current.Clone(),
		staged: make(map[uuid.UUID]int),
	}
	if err := e.handleRemoved(); err != nil {
		return nil, err
	}
	if err := e.handleAdded(); err != nil {
		return nil, err
	}
	if err := e.handleModified(); err != nil {
		return nil, err
	}
	return &EngineResult{Upserts: e.upserts, Logs: e.logs, Current: e.live}, nil
}

// engine holds the mutable state of one diff application. live is the
// current grant view; every staged grant replaces its guid in it.
type engine struct {
	in      EngineInput
	live    Grants
	staged  map[uuid.UUID]int
	upserts []Grant
	logs    []LogEntry
}

type logOpts struct {
	existing     *Grant
	comment      *string
	situation    Situation
	permKindOver string
	extras       map[string]any
	dedup        *DedupInfo
}

// findExact returns the grant of subject at exactly permKind.
func (e *engine) findExact(permKind, subject string) (*Grant, error) {
	var found *Grant
	for i := range e.live[permKind] {
		g := &e.live[permKind][i]
		if g.SubjectName != subject {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("dls: multiple grants for subject %q at %q", subject, permKind)
		}
		found = g
	}
	if found == nil {
		return nil, nil
	}
	cp := found.Clone()
	return &cp, nil
}

// findAround returns the grants of subject at every other perm kind.
func (e *engine) findAround(permKind, subject string) []Grant {
	var out []Grant
	for kind, list := range e.live {
		if kind == permKind {
			continue
		}
		for _, g := range list {
			if g.SubjectName == subject {
				out = append(out, g.Clone())
			}
		}
	}
	return out
}

func (e *engine) stage(g Grant) {
	for kind, list := range e.live {
		for i := range list {
			if list[i].GUID == g.GUID {
				e.live[kind] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	e.live[g.PermKind] = append(e.live[g.PermKind], g.Clone())

	if idx, ok := e.staged[g.GUID]; ok {
		e.upserts[idx] = g
		return
	}
	e.staged[g.GUID] = len(e.upserts)
	e.upserts = append(e.upserts, g)
}

func (e *engine) activate(g *Grant, setApprover bool) {
	g.Active = true
	g.State = StateActive
	if setApprover {
		g.Meta.Approver = e.in.Requester.Name
	}
}

func (e *engine) makeNewGrant(guid uuid.UUID, subject Subject, permKind string, description *string, extras map[string]any) Grant {
	if extras == nil {
		extras = maps.Clone(e.in.ExtrasForNewGrants)
	}
	g := Grant{
		GUID:         guid,
		NodeConfigID: e.in.Node.NodeConfigID,
		SubjectID:    subject.ID,
		SubjectName:  subject.Name,
		PermKind:     permKind,
		Realm:        e.in.Node.Realm,
		Meta: GrantMeta{
			Requester:   e.in.Requester.Name,
			Description: deref(description),
			Extras:      extras,
		},
	}
	if e.in.Editable {
		e.activate(&g, true)
	} else {
		g.Active = false
		g.State = StatePending
	}
	return g
}

// deleteGrant soft-deletes g. Already deleted grants are left alone.
func (e *engine) deleteGrant(g Grant, addLog bool, opts logOpts) {
	if g.State == StateDeleted {
		return
	}
	existing := g.Clone()
	g.Active = false
	g.State = StateDeleted
	g.Meta.Remover = e.in.Requester.Name
	if opts.comment != nil {
		g.Meta.RemoverComment = *opts.comment
	}
	if addLog {
		opts.existing = &existing
		e.addLog(g, opts)
	}
	e.stage(g)
}

func snapshot(g Grant) *GrantSnapshot {
	state := g.State
	return &GrantSnapshot{
		SubjectID:   ptr(g.SubjectID),
		SubjectName: ptr(g.SubjectName),
		PermKind:    ptr(g.PermKind),
		Active:      ptr(g.Active),
		State:       &state,
		Description: ptr(g.Meta.Description),
	}
}

// diffSnapshot keeps only the fields of prev that differ from cur.
func diffSnapshot(prev, cur *GrantSnapshot) *GrantSnapshot {
	out := &GrantSnapshot{}
	if *prev.SubjectID != *cur.SubjectID {
		out.SubjectID = prev.SubjectID
	}
	if *prev.SubjectName != *cur.SubjectName {
		out.SubjectName = prev.SubjectName
	}
	if *prev.PermKind != *cur.PermKind {
		out.PermKind = prev.PermKind
	}
	if *prev.Active != *cur.Active {
		out.Active = prev.Active
	}
	if *prev.State != *cur.State {
		out.State = prev.State
	}
	if *prev.Description != *cur.Description {
		out.Description = prev.Description
	}
	return out
}

func (e *engine) addLog(g Grant, opts logOpts) {
	comment := opts.comment
	if comment == nil {
		comment = e.in.DefaultComment
	}

	data := snapshot(g)
	if opts.permKindOver != "" {
		data.PermKind = ptr(opts.permKindOver)
	}
	var prev *GrantSnapshot
	if opts.existing != nil {
		prev = diffSnapshot(snapshot(*opts.existing), data)
	}

	var extras map[string]any
	if len(e.in.ExtrasForLog) > 0 || len(opts.extras) > 0 {
		extras = maps.Clone(e.in.ExtrasForLog)
		if extras == nil {
			extras = make(map[string]any, len(opts.extras))
		}
		maps.Copy(extras, opts.extras)
	}

	e.logs = append(e.logs, LogEntry{
		Kind:           "grant_modify",
		GrantGUID:      g.GUID,
		RequestUserID:  e.in.Requester.ID,
		NodeIdentifier: e.in.Node.Identifier,
		Meta: LogMeta{
			Context:         e.in.Context,
			Action:          e.in.Action,
			RequestUserName: e.in.Requester.Name,
			GrantData:       data,
			GrantDataPrev:   prev,
			Comment:         comment,
			Situation:       opts.situation,
			Extras:          extras,
			Dedup:           opts.dedup,
		},
	})
}

func (e *engine) handleRemoved() error {
	removed := e.in.Diff.Removed
	if e.in.ClearAll {
		removed = make(map[string][]DiffItem)
		for kind, list := range e.live {
			for _, g := range list {
				if g.Active || g.State == StatePending {
					removed[kind] = append(removed[kind], DiffItem{
						Subject: Subject{ID: g.SubjectID, Name: g.SubjectName},
					})
				}
			}
		}
	}

	for _, kind := range orderedKinds(removed, e.in.PermKindSizes) {
		for _, item := range removed[kind] {
			existing, err := e.findExact(kind, item.Subject.Name)
			if err != nil {
				return err
			}
			if err := e.removeOne(item, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *engine) removeOne(item DiffItem, existing *Grant) error {
	if existing == nil {
		return nil
	}

	situation := SituationExistingRemove
	var extras map[string]any
	if e.in.ClearAll {
		extras = map[string]any{"replace_all": true}
	}

	if !e.in.Editable {
		switch e.in.Requester.Name {
		case existing.Meta.Requester:
			situation = SituationRemoveByRequester
		case existing.SubjectName:
			situation = SituationRemoveBySubject
		default:
			return notAllowed("Not allowed to remove grants here", map[string]any{
				"existing_grant": true,
				"subject":        existing.SubjectName,
				"perm_kind":      existing.PermKind,
			})
		}
	}

	e.deleteGrant(*existing, true, logOpts{comment: item.Comment, situation: situation, extras: extras})
	return nil
}

func (e *engine) handleAdded() error {
	added := e.in.Diff.Added
	for _, kind := range orderedKinds(added, e.in.PermKindSizes) {
		for _, item := range added[kind] {
			existing, err := e.findExact(kind, item.Subject.Name)
			if err != nil {
				return err
			}
			around := e.findAround(kind, item.Subject.Name)
			e.addOne(kind, item, existing, around)
		}
	}
	return nil
}

// dedup compares the requested perm kind with the subject's grants at
// other perm kinds. It reports whether the request must be skipped.
func (e *engine) dedup(permKind string, around []Grant) bool {
	sizes := e.in.PermKindSizes
	newSize, ok := sizes[permKind]
	if !ok || len(around) == 0 {
		return false
	}

	var largest *Grant
	for i := range around {
		g := &around[i]
		size, ok := sizes[g.PermKind]
		if !ok || !g.Active || size <= newSize {
			continue
		}
		if largest == nil || size > sizes[largest.PermKind] {
			largest = g
		}
	}

	if largest != nil {
		e.addLog(*largest, logOpts{
			situation:    SituationIgnoredExistingLarger,
			permKindOver: permKind,
			dedup:        &DedupInfo{Pre: largest.PermKind, Req: permKind, Res: largest.PermKind},
		})
		return true
	}

	if !e.in.Editable {
		// A pending request does not evict anything.
		return false
	}

	for _, g := range around {
		size, ok := sizes[g.PermKind]
		if !ok || size >= newSize {
			continue
		}
		e.deleteGrant(g, true, logOpts{
			situation: SituationOverrideByLarger,
			dedup:     &DedupInfo{Pre: g.PermKind, Req: permKind, Res: permKind},
		})
	}
	return false
}

func (e *engine) addOne(permKind string, item DiffItem, existing *Grant, around []Grant) {
	if e.dedup(permKind, around) {
		return
	}

	var (
		situation Situation
		newGrant  Grant
	)
	switch {
	case existing == nil:
		situation = SituationNewAdd
		newGrant = e.makeNewGrant(e.in.NewGUID(), item.Subject, permKind, item.Comment, nil)

	case existing.Active:
		e.addLog(*existing, logOpts{existing: existing, comment: item.Comment, situation: SituationActiveRerequest})
		return

	case existing.State == StatePending:
		if !e.in.Editable {
			e.addLog(*existing, logOpts{existing: existing, comment: item.Comment, situation: SituationPendingRerequest})
			return
		}
		approved := existing.Clone()
		e.activate(&approved, true)
		e.addLog(approved, logOpts{existing: existing, comment: item.Comment, situation: SituationPendingApprove})
		e.stage(approved)
		return

	default:
		// Former access: bring it back under the same guid.
		situation = SituationReturn
		newGrant = e.makeNewGrant(existing.GUID, item.Subject, permKind, item.Comment, map[string]any{})
		newGrant.ID = existing.ID
	}

	e.addLog(newGrant, logOpts{existing: existing, comment: item.Comment, situation: situation})
	e.stage(newGrant)
}

func (e *engine) handleModified() error {
	modified := e.in.Diff.Modified
	for _, kind := range orderedKinds(modified, e.in.PermKindSizes) {
		for _, item := range modified[kind] {
			existing, err := e.findExact(kind, item.Subject.Name)
			if err != nil {
				return err
			}
			if err := e.modifyOne(kind, item, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *engine) modifyOne(permKind string, item DiffItem, existing *Grant) error {
	if existing == nil {
		return notFound(
			fmt.Sprintf("A grant specified in `modify` was not found: subject=%q perm_kind=%q", item.Subject.Name, permKind),
			map[string]any{"subject": item.Subject.Name, "perm_kind": permKind})
	}
	if !e.in.Editable {
		return notAllowed("Not allowed to modify grants here", nil)
	}

	situation := SituationExistingModify
	newData := item.New
	if newData == nil {
		newData = &DiffItemNew{}
	}
	newGrant := existing.Clone()

	if newData.Subject != "" {
		target, ok := e.in.NameToSubject[newData.Subject]
		if !ok {
			return notFound(fmt.Sprintf("A specified subject was not found: %q", newData.Subject),
				map[string]any{"subject": newData.Subject})
		}
		newGrant.SubjectID = target.ID
		newGrant.SubjectName = target.Name
	}
	if newData.GrantType != "" {
		newGrant.PermKind = newData.GrantType
	}

	var atTarget []Grant
	for _, g := range e.live[newGrant.PermKind] {
		if g.SubjectName == newGrant.SubjectName && g.GUID != newGrant.GUID {
			atTarget = append(atTarget, g)
		}
	}

	if len(atTarget) > 0 {
		for _, g := range atTarget {
			if g.Active {
				return notConsistent("A grant for the specified subject and grantType already exists.", map[string]any{
					"requested": map[string]any{"perm_kind": newData.GrantType, "subject": newData.Subject},
				})
			}
		}
		if len(atTarget) > 1 {
			return notConsistent("Multiple grants exist at the requested location", map[string]any{
				"subject": newGrant.SubjectName, "perm_kind": newGrant.PermKind,
			})
		}

		// Delete the original without a log entry of its own; the
		// reactivation entry below covers it.
		e.deleteGrant(*existing, false, logOpts{})

		newGrant = atTarget[0].Clone()
		e.activate(&newGrant, true)
		newGrant.Meta.Requester = e.in.Requester.Name
		situation = SituationModifyReplaceReactivate
	}

	if newData.Description != nil {
		newGrant.Meta.Description = *newData.Description
	}

	e.addLog(newGrant, logOpts{existing: existing, comment: item.Comment, situation: situation})
	e.stage(newGrant)
	return nil
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
