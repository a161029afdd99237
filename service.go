package dls

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/pthm/dls"

// Defaults applied by New.
const (
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 50 * time.Millisecond
	DefaultMultiConcurrency = 8
)

// Service is the permission service: checks, grant modifications, node
// creation and group membership over a Store.
//
// A Service is safe for concurrent use. Checks read without locking.
// Modifications of one node are serialized by the node lock taken inside
// the store transaction; the engine runs on the snapshot read under it.
type Service struct {
	store     Store
	evaluator Evaluator
	cache     GroupCache
	audit     AuditSink
	logger    *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	clock     clock.Clock

	realm      string
	realmCheck bool

	retryAttempts int
	retryDelay    time.Duration

	decision           Decision
	useContextDecision bool
	activeCheck        bool
	multiConcurrency   int
	autoCreateUsers    bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithScopes sets the scope configuration used to resolve actions.
func WithScopes(sc Scopes) Option {
	return func(s *Service) {
		s.evaluator.Scopes = sc
	}
}

// WithGroupCache enables cross-operation caching of effective groups.
// Without it groups are memoized only for the duration of one call.
func WithGroupCache(c GroupCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithAuditSink publishes committed log entries to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

// WithMetrics records service metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRealm sets the realm of this service instance. When check is true,
// checks against nodes of another realm are denied with reason "realm".
func WithRealm(realm string, check bool) Option {
	return func(s *Service) {
		s.realm = realm
		s.realmCheck = check
	}
}

// WithRetry sets how often a modification is attempted when the store
// reports a transient failure, and the delay between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Service) {
		s.retryAttempts = attempts
		s.retryDelay = delay
	}
}

// WithClock sets the clock used for retry delays.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) {
		s.clock = clk
	}
}

// WithDecision sets a decision override that bypasses permission checks.
// It does not affect ModifyPermissions.
func WithDecision(d Decision) Option {
	return func(s *Service) {
		s.decision = d
	}
}

// WithContextDecision enables context-based decision overrides.
//
// Decision precedence when enabled:
//  1. Context decision (via WithDecisionContext)
//  2. Service decision (via WithDecision)
//  3. Evaluation
func WithContextDecision() Option {
	return func(s *Service) {
		s.useContextDecision = true
	}
}

// WithActiveCheck denies checks of subjects outside the active-users group.
func WithActiveCheck(enabled bool) Option {
	return func(s *Service) {
		s.activeCheck = enabled
	}
}

// WithMultiConcurrency bounds the number of nodes CheckMulti evaluates at
// once.
func WithMultiConcurrency(n int) Option {
	return func(s *Service) {
		s.multiConcurrency = n
	}
}

// WithAutoCreateUsers lets modifications and node creation create missing
// "user:" subjects instead of failing with ErrNotFound.
func WithAutoCreateUsers(enabled bool) Option {
	return func(s *Service) {
		s.autoCreateUsers = enabled
	}
}

// New creates a Service over store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:            store,
		logger:           zap.NewNop(),
		tracer:           otel.Tracer(tracerName),
		clock:            clock.WallClock,
		retryAttempts:    DefaultRetryAttempts,
		retryDelay:       DefaultRetryDelay,
		decision:         DecisionUnset,
		multiConcurrency: DefaultMultiConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retryAttempts < 1 {
		s.retryAttempts = 1
	}
	if s.retryDelay <= 0 {
		s.retryDelay = time.Millisecond
	}
	if s.multiConcurrency < 1 {
		s.multiConcurrency = 1
	}
	return s
}

// Scopes returns the scope configuration of the service.
func (s *Service) Scopes() Scopes { return s.evaluator.Scopes }

// CheckRequest is a permission check of one action on one node.
type CheckRequest struct {
	Subject        string   `json:"subject"`
	Node           string   `json:"node"`
	Action         string   `json:"action"`
	ExtraActions   []string `json:"extra_actions,omitempty"`
	Sudo           bool     `json:"sudo,omitempty"`
	AllowSuperuser bool     `json:"allow_superuser,omitempty"`
	// Realm overrides the realm of the service for this check.
	Realm string `json:"realm,omitempty"`
	// Verbose keeps the trace in the result.
	Verbose bool `json:"verbose,omitempty"`
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	ActionResult
	// Decision is set when an override decided the check.
	Decision string `json:"decision,omitempty"`
}

func (s *Service) overrideDecision(ctx context.Context) Decision {
	if s.useContextDecision {
		if d := GetDecisionContext(ctx); d != DecisionUnset {
			return d
		}
	}
	return s.decision
}

func (s *Service) evaluateOptions(realm string, allowSuperuser, sudo bool) EvaluateOptions {
	opts := DefaultEvaluateOptions()
	opts.WithSuperuser = allowSuperuser
	opts.WithSudo = sudo
	opts.WithActiveCheck = s.activeCheck
	opts.Realm = s.realm
	if realm != "" {
		opts.Realm = realm
	}
	opts.RealmCheck = s.realmCheck
	return opts
}

// Check evaluates req.Action for req.Subject on req.Node.
//
// Unknown subjects, nodes, scopes and actions are ErrNotFound. A denied
// check is not an error.
func (s *Service) Check(ctx context.Context, req CheckRequest) (res CheckResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "dls.Check", trace.WithAttributes(
		attribute.String("dls.subject", req.Subject),
		attribute.String("dls.node", req.Node),
		attribute.String("dls.action", req.Action),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.observeDuration("check", start)
	}()

	if d := s.overrideDecision(ctx); d != DecisionUnset {
		res.Allowed = d == DecisionAllow
		res.Reason = ReasonDecision
		res.Decision = d.String()
		s.metrics.observeCheck(res.Result)
		return res, nil
	}

	subject, err := s.store.Resolve(ctx, req.Subject, false)
	if err != nil {
		return CheckResult{}, err
	}
	node, err := s.store.GetNode(ctx, req.Node, false)
	if err != nil {
		return CheckResult{}, err
	}
	groups, err := s.effectiveGroups(ctx, s.store, newGroupMemo(), subject, true)
	if err != nil {
		return CheckResult{}, err
	}
	grants, err := s.store.GetGrants(ctx, node.NodeConfigID)
	if err != nil {
		return CheckResult{}, err
	}

	ar, err := s.evaluator.EvaluateAction(ActionInput{
		Subject:      subject,
		Groups:       groups,
		Node:         node,
		Grants:       grants,
		Action:       req.Action,
		ExtraActions: req.ExtraActions,
		Options:      s.evaluateOptions(req.Realm, req.AllowSuperuser, req.Sudo),
	})
	if err != nil {
		return CheckResult{}, err
	}

	s.logger.Debug("permission check",
		zap.String("user", subject.Name),
		zap.String("node", node.Identifier),
		zap.Strings("perm_kinds", ar.Trace.PermKinds),
		zap.Bool("allowed", ar.Allowed),
		zap.String("reason", string(ar.Reason)),
	)
	s.metrics.observeCheck(ar.Result)
	span.SetAttributes(attribute.Bool("dls.allowed", ar.Allowed), attribute.String("dls.reason", string(ar.Reason)))

	if !req.Verbose {
		ar.Trace = Trace{}
		for k, r := range ar.Extra {
			r.Trace = Trace{}
			ar.Extra[k] = r
		}
	}
	return CheckResult{ActionResult: ar}, nil
}

// Must panics if the check fails or errors. Use it where a denial is a
// programming error rather than a user-facing condition.
func (s *Service) Must(ctx context.Context, req CheckRequest) {
	res, err := s.Check(ctx, req)
	if err != nil {
		panic(fmt.Sprintf("dls.Must: %v", err))
	}
	if !res.Allowed {
		panic(fmt.Sprintf("dls.Must: %s may not %s on %s (%s)", req.Subject, req.Action, req.Node, res.Reason))
	}
}

// Status values of MultiResult.
const (
	MultiStatusOK       = "ok"
	MultiStatusNotFound = "not found"
)

// MultiResult is the per-node outcome of CheckMulti.
type MultiResult struct {
	Status string `json:"status"`
	Result
}

// CheckMulti evaluates action for subject on every node in nodes. The
// subject and its groups are resolved once. Unknown nodes are reported
// with status "not found" instead of failing the call.
func (s *Service) CheckMulti(ctx context.Context, subjectName, action string, nodes []string) (out map[string]MultiResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "dls.CheckMulti", trace.WithAttributes(
		attribute.String("dls.subject", subjectName),
		attribute.String("dls.action", action),
		attribute.Int("dls.nodes", len(nodes)),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.observeDuration("check_multi", start)
	}()

	out = make(map[string]MultiResult, len(nodes))

	if d := s.overrideDecision(ctx); d != DecisionUnset {
		for _, id := range nodes {
			out[id] = MultiResult{Status: MultiStatusOK, Result: Result{Allowed: d == DecisionAllow, Reason: ReasonDecision}}
		}
		return out, nil
	}

	subject, err := s.store.Resolve(ctx, subjectName, false)
	if err != nil {
		return nil, err
	}
	groups, err := s.effectiveGroups(ctx, s.store, newGroupMemo(), subject, true)
	if err != nil {
		return nil, err
	}
	opts := s.evaluateOptions("", false, false)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.multiConcurrency)
	for _, id := range nodes {
		id := id
		g.Go(func() error {
			r, err := s.checkOne(gctx, subject, groups, id, action, opts)
			if err != nil {
				return fmt.Errorf("node %s: %w", id, err)
			}
			mu.Lock()
			out[id] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) checkOne(ctx context.Context, subject Subject, groups []Subject, identifier, action string, opts EvaluateOptions) (MultiResult, error) {
	node, err := s.store.GetNode(ctx, identifier, false)
	if IsNotFoundErr(err) {
		return MultiResult{Status: MultiStatusNotFound}, nil
	}
	if err != nil {
		return MultiResult{}, err
	}
	grants, err := s.store.GetGrants(ctx, node.NodeConfigID)
	if err != nil {
		return MultiResult{}, err
	}
	ar, err := s.evaluator.EvaluateAction(ActionInput{
		Subject: subject,
		Groups:  groups,
		Node:    node,
		Grants:  grants,
		Action:  action,
		Options: opts,
	})
	if err != nil {
		return MultiResult{}, err
	}
	s.metrics.observeCheck(ar.Result)
	ar.Trace = Trace{}
	return MultiResult{Status: MultiStatusOK, Result: ar.Result}, nil
}

// ModifyRequest is a permission diff applied to one node.
type ModifyRequest struct {
	Node               string         `json:"node"`
	Requester          string         `json:"requester"`
	Diff               Diff           `json:"diff"`
	ClearAll           bool           `json:"clear_all,omitempty"`
	DefaultComment     *string        `json:"default_comment,omitempty"`
	Action             string         `json:"action,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	ExtrasForLog       map[string]any `json:"extras_for_log,omitempty"`
	ExtrasForNewGrants map[string]any `json:"extras_for_new_grants,omitempty"`
}

// ModifyResult is the outcome of a committed modification.
type ModifyResult struct {
	Node     Node       `json:"node"`
	Editable bool       `json:"editable"`
	Grants   Grants     `json:"grants"`
	Upserts  []Grant    `json:"upserts"`
	Logs     []LogEntry `json:"logs"`
}

// ModifyPermissions applies req.Diff to req.Node.
//
// Everything happens in one store transaction: the node is locked, the
// grants and subjects are read, the requester's right to set_permissions
// decides whether the diff applies immediately or creates pending
// requests, and the engine's result is persisted. Transient store
// failures retry the whole transaction. Committed log entries go to the
// audit sink.
func (s *Service) ModifyPermissions(ctx context.Context, req ModifyRequest) (res *ModifyResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "dls.ModifyPermissions", trace.WithAttributes(
		attribute.String("dls.node", req.Node),
		attribute.String("dls.requester", req.Requester),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.observeDuration("modify", start)
		if err != nil {
			s.metrics.observeModify(outcome(err), nil)
		}
	}()

	err = s.withRetry(ctx, "modify", func() error {
		var err error
		res, err = s.modifyOnce(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.observeModify("ok", res.Logs)
	s.logger.Info("permissions modified",
		zap.String("node", res.Node.Identifier),
		zap.String("requester", req.Requester),
		zap.Bool("editable", res.Editable),
		zap.Int("upserts", len(res.Upserts)),
		zap.Any("situations", situationCounts(res.Logs)),
	)
	s.publish(ctx, res.Node, res.Logs)
	return res, nil
}

func (s *Service) modifyOnce(ctx context.Context, req ModifyRequest) (*ModifyResult, error) {
	// Shape errors win over lookups of the subjects involved.
	if err := req.Diff.Validate(); err != nil {
		return nil, err
	}
	var res *ModifyResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		node, err := tx.GetNode(ctx, req.Node, true)
		if err != nil {
			return err
		}
		requester, err := tx.Resolve(ctx, req.Requester, s.autoCreateUsers)
		if err != nil {
			return err
		}
		byName, err := tx.ResolveMany(ctx, req.Diff.SubjectNames(), s.autoCreateUsers)
		if err != nil {
			return err
		}
		diff, err := req.Diff.Resolve(byName)
		if err != nil {
			return err
		}
		grants, err := tx.GetGrants(ctx, node.NodeConfigID)
		if err != nil {
			return err
		}
		scope, err := s.evaluator.Scopes.Get(node.Scope)
		if err != nil {
			return err
		}

		editable, err := s.editable(ctx, tx, requester, node, grants)
		if err != nil {
			return err
		}

		out, err := RunEngine(EngineInput{
			Node:               node,
			Requester:          requester,
			Diff:               diff,
			Current:            grants,
			Editable:           editable,
			PermKindSizes:      scope.PermKindSizes,
			ClearAll:           req.ClearAll,
			DefaultComment:     req.DefaultComment,
			Action:             req.Action,
			NameToSubject:      byName,
			Context:            req.Context,
			ExtrasForLog:       req.ExtrasForLog,
			ExtrasForNewGrants: req.ExtrasForNewGrants,
		})
		if err != nil {
			return err
		}
		if err := persist(ctx, tx, out); err != nil {
			return err
		}

		res = &ModifyResult{
			Node:     node,
			Editable: editable,
			Grants:   out.Current,
			Upserts:  out.Upserts,
			Logs:     out.Logs,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// editable reports whether requester may set_permissions on node.
// Superusers may; decision overrides are not consulted.
func (s *Service) editable(ctx context.Context, tx Tx, requester Subject, node Node, grants Grants) (bool, error) {
	groups, err := s.effectiveGroups(ctx, tx, newGroupMemo(), requester, false)
	if err != nil {
		return false, err
	}
	opts := s.evaluateOptions("", true, false)
	opts.RealmCheck = false
	ar, err := s.evaluator.EvaluateAction(ActionInput{
		Subject: requester,
		Groups:  groups,
		Node:    node,
		Grants:  grants,
		Action:  ActionSetPermissions,
		Options: opts,
	})
	if err != nil {
		return false, err
	}
	return ar.Allowed, nil
}

func persist(ctx context.Context, tx Tx, out *EngineResult) error {
	if len(out.Upserts) > 0 {
		if err := tx.UpsertGrants(ctx, out.Upserts); err != nil {
			return err
		}
	}
	if len(out.Logs) > 0 {
		if err := tx.AppendLogs(ctx, out.Logs); err != nil {
			return err
		}
	}
	return nil
}

// InitialPermissionsMode selects the grants a new node starts with.
type InitialPermissionsMode string

// Initial permission modes.
const (
	// InitialOwnerOnly gives the requester acl_adm.
	InitialOwnerOnly InitialPermissionsMode = "owner_only"
	// InitialParentAndOwner copies the parent's active grants and gives the
	// requester acl_adm.
	InitialParentAndOwner InitialPermissionsMode = "parent_and_owner"
	// InitialExplicit applies InitialPermissions as given.
	InitialExplicit InitialPermissionsMode = "explicit"
)

// AddNodeRequest creates a node with its initial grants.
type AddNodeRequest struct {
	// Identifier defaults to a random UUID.
	Identifier string         `json:"identifier,omitempty"`
	Scope      string         `json:"scope"`
	Requester  string         `json:"requester"`
	Realm      string         `json:"realm,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	// ParentIdentifier names the node whose grants parent_and_owner copies.
	// When its scope defines create_subnode, the requester must be allowed
	// to perform it.
	ParentIdentifier       string                 `json:"parent_identifier,omitempty"`
	InitialPermissionsMode InitialPermissionsMode `json:"initial_permissions_mode,omitempty"`
	InitialPermissions     Diff                   `json:"initial_permissions,omitempty"`
}

// AddNode creates a node and applies its initial grants through the diff
// engine as an editable change.
func (s *Service) AddNode(ctx context.Context, req AddNodeRequest) (res *ModifyResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "dls.AddNode", trace.WithAttributes(
		attribute.String("dls.scope", req.Scope),
		attribute.String("dls.requester", req.Requester),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.observeDuration("add_node", start)
	}()

	if req.Identifier == "" {
		req.Identifier = uuid.NewString()
	}
	if req.InitialPermissionsMode == "" {
		req.InitialPermissionsMode = InitialOwnerOnly
	}
	if req.Realm == "" {
		req.Realm = s.realm
	}
	scope, err := s.evaluator.Scopes.Get(req.Scope)
	if err != nil {
		return nil, err
	}

	err = s.withRetry(ctx, "add_node", func() error {
		var err error
		res, err = s.addNodeOnce(ctx, req, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("node added",
		zap.String("node", res.Node.Identifier),
		zap.String("scope", res.Node.Scope),
		zap.String("mode", string(req.InitialPermissionsMode)),
	)
	s.metrics.observeModify("ok", res.Logs)
	s.publish(ctx, res.Node, res.Logs)
	return res, nil
}

func (s *Service) addNodeOnce(ctx context.Context, req AddNodeRequest, scope Scope) (*ModifyResult, error) {
	var res *ModifyResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		requester, err := tx.Resolve(ctx, req.Requester, s.autoCreateUsers)
		if err != nil {
			return err
		}

		var parent *Node
		var parentGrants Grants
		if req.ParentIdentifier != "" {
			p, err := tx.GetNode(ctx, req.ParentIdentifier, false)
			if err != nil {
				return err
			}
			parent = &p
			if parentGrants, err = tx.GetGrants(ctx, p.NodeConfigID); err != nil {
				return err
			}
			if err := s.checkCreateSubnode(ctx, tx, requester, p, parentGrants); err != nil {
				return err
			}
		}

		diff, err := s.initialDiff(req, requester, parent, parentGrants)
		if err != nil {
			return err
		}
		byName, err := tx.ResolveMany(ctx, diff.SubjectNames(), s.autoCreateUsers)
		if err != nil {
			return err
		}
		if diff, err = diff.Resolve(byName); err != nil {
			return err
		}

		node, err := tx.CreateNode(ctx, Node{
			Identifier: req.Identifier,
			Scope:      req.Scope,
			Realm:      req.Realm,
			Meta:       req.Meta,
		})
		if err != nil {
			return err
		}

		out, err := RunEngine(EngineInput{
			Node:               node,
			Requester:          requester,
			Diff:               diff,
			Current:            Grants{},
			Editable:           true,
			PermKindSizes:      scope.PermKindSizes,
			Action:             "add_node",
			NameToSubject:      byName,
			ExtrasForNewGrants: map[string]any{"initial": string(req.InitialPermissionsMode)},
		})
		if err != nil {
			return err
		}
		if err := persist(ctx, tx, out); err != nil {
			return err
		}
		res = &ModifyResult{Node: node, Editable: true, Grants: out.Current, Upserts: out.Upserts, Logs: out.Logs}
		return nil
	})
	return res, err
}

func (s *Service) checkCreateSubnode(ctx context.Context, tx Tx, requester Subject, parent Node, grants Grants) error {
	scope, err := s.evaluator.Scopes.Get(parent.Scope)
	if err != nil {
		return err
	}
	if _, ok := scope.Actions["create_subnode"]; !ok {
		return nil
	}
	groups, err := s.effectiveGroups(ctx, tx, newGroupMemo(), requester, false)
	if err != nil {
		return err
	}
	ar, err := s.evaluator.EvaluateAction(ActionInput{
		Subject: requester,
		Groups:  groups,
		Node:    parent,
		Grants:  grants,
		Action:  "create_subnode",
		Options: s.evaluateOptions("", true, false),
	})
	if err != nil {
		return err
	}
	if !ar.Allowed {
		return notAllowed("Not allowed to create nodes here", map[string]any{"parent": parent.Identifier})
	}
	return nil
}

func (s *Service) initialDiff(req AddNodeRequest, requester Subject, parent *Node, parentGrants Grants) (Diff, error) {
	switch req.InitialPermissionsMode {
	case InitialExplicit:
		return req.InitialPermissions, nil
	case InitialOwnerOnly, InitialParentAndOwner:
	default:
		return Diff{}, notConsistent(fmt.Sprintf("unknown initial permissions mode %q", req.InitialPermissionsMode), nil)
	}

	added := map[string][]DiffItem{
		PermACLAdm: {{Subject: Subject{ID: requester.ID, Name: requester.Name}}},
	}
	if req.InitialPermissionsMode == InitialParentAndOwner {
		if parent == nil {
			return Diff{}, notConsistent("parent_and_owner requires a parent node", nil)
		}
		active := parentGrants.Active()
		kinds := make([]string, 0, len(active))
		for k := range active {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			for _, name := range active[kind] {
				if kind == PermACLAdm && name == requester.Name {
					continue
				}
				added[kind] = append(added[kind], DiffItem{Subject: Subject{Name: name}})
			}
		}
	}
	return Diff{Added: added}, nil
}

// GetNodePermissions returns the grants of a node, whatever their state.
func (s *Service) GetNodePermissions(ctx context.Context, identifier string) (Grants, error) {
	node, err := s.store.GetNode(ctx, identifier, false)
	if err != nil {
		return nil, err
	}
	return s.store.GetGrants(ctx, node.NodeConfigID)
}

// SubjectGroups returns the effective groups of a subject sorted by name.
// System groups are left out unless includeSystem is set.
func (s *Service) SubjectGroups(ctx context.Context, name string, includeSystem bool) ([]Subject, error) {
	subject, err := s.store.Resolve(ctx, name, false)
	if err != nil {
		return nil, err
	}
	groups, err := s.effectiveGroups(ctx, s.store, newGroupMemo(), subject, true)
	if err != nil {
		return nil, err
	}
	out := make([]Subject, 0, len(groups))
	for _, g := range groups {
		if !includeSystem && IsSystemGroupName(g.Name) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddGroupMembers adds direct members to a group.
func (s *Service) AddGroupMembers(ctx context.Context, group string, members []string) error {
	return s.changeMembers(ctx, group, members, MembershipStore.AddMembers)
}

// RemoveGroupMembers removes direct members from a group.
func (s *Service) RemoveGroupMembers(ctx context.Context, group string, members []string) error {
	return s.changeMembers(ctx, group, members, MembershipStore.RemoveMembers)
}

type memberChange func(MembershipStore, context.Context, Subject, []Subject) error

func (s *Service) changeMembers(ctx context.Context, groupName string, memberNames []string, change memberChange) error {
	var affected []string
	err := s.withRetry(ctx, "members", func() error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			group, err := tx.Resolve(ctx, groupName, false)
			if err != nil {
				return err
			}
			if group.Kind != SubjectGroup {
				return notConsistent(fmt.Sprintf("%q is not a group", groupName), map[string]any{"subject": groupName})
			}
			byName, err := tx.ResolveMany(ctx, memberNames, s.autoCreateUsers)
			if err != nil {
				return err
			}
			members := make([]Subject, 0, len(memberNames))
			for _, n := range memberNames {
				members = append(members, byName[n])
			}
			if err := change(tx, ctx, group, members); err != nil {
				return err
			}
			affected, err = s.affectedByMembership(ctx, tx, members)
			return err
		})
	})
	if err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, affected...)
	}
	s.logger.Info("group membership changed",
		zap.String("group", groupName),
		zap.Strings("members", memberNames),
	)
	return nil
}

// affectedByMembership returns the names whose effective groups may change
// when members join or leave a group: the members and, for group members,
// everything below them.
func (s *Service) affectedByMembership(ctx context.Context, tx Tx, members []Subject) ([]string, error) {
	seen := make(map[string]bool)
	queue := append([]Subject(nil), members...)
	for depth := 0; len(queue) > 0 && depth < DefaultMaxGroupDepth; depth++ {
		var next []Subject
		for _, m := range queue {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			if m.Kind != SubjectGroup {
				continue
			}
			below, err := tx.Members(ctx, m)
			if err != nil {
				return nil, err
			}
			next = append(next, below...)
		}
		queue = next
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// effectiveGroups resolves the groups of subject through the per-call memo
// and, when useCache is set, the configured GroupCache.
func (s *Service) effectiveGroups(ctx context.Context, r SubjectResolver, memo *groupMemo, subject Subject, useCache bool) ([]Subject, error) {
	if g, ok := memo.get(subject.Name); ok {
		return g, nil
	}
	if useCache && s.cache != nil {
		if g, ok := s.cache.Get(ctx, subject.Name); ok {
			memo.set(subject.Name, g)
			return g, nil
		}
	}
	groups, err := r.EffectiveGroups(ctx, subject)
	if err != nil {
		return nil, err
	}
	memo.set(subject.Name, groups)
	if useCache && s.cache != nil {
		s.cache.Set(ctx, subject.Name, groups)
	}
	return groups, nil
}

// withRetry runs fn until it succeeds, fails with a non-transient error,
// or the attempts run out.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !IsTransientErr(err)
		},
		NotifyFunc: func(err error, attempt int) {
			s.logger.Warn("transient store failure, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts: s.retryAttempts,
		Delay:    s.retryDelay,
		Clock:    s.clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if last := retry.LastError(err); last != nil {
			return last
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

func (s *Service) publish(ctx context.Context, node Node, logs []LogEntry) {
	if s.audit == nil || len(logs) == 0 {
		return
	}
	if err := s.audit.Publish(ctx, node, logs); err != nil {
		s.logger.Warn("audit publish failed",
			zap.String("node", node.Identifier),
			zap.Int("entries", len(logs)),
			zap.Error(err),
		)
	}
}

func situationCounts(logs []LogEntry) map[string]int {
	out := make(map[string]int)
	for _, l := range logs {
		out[string(l.Meta.Situation)]++
	}
	return out
}

func outcome(err error) string {
	switch {
	case IsNotAllowedErr(err):
		return "not_allowed"
	case IsNotConsistentErr(err):
		return "not_consistent"
	case IsNotFoundErr(err):
		return "not_found"
	case IsTransientErr(err):
		return "transient"
	default:
		return "error"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, strings.SplitN(err.Error(), "\n", 2)[0])
	}
	span.End()
}
