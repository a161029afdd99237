package dls

import "context"

// Decision overrides the outcome of permission checks for admin tools and
// tests. It never applies to permission modifications: the diff engine
// always evaluates set_permissions against the stored grants.
//
// There are two layers:
//  1. Service-level: set via WithDecision when constructing the Service.
//  2. Context-level: set via WithDecisionContext, honored only when the
//     Service was built with WithContextDecision.
type Decision int

type decisionContextKey struct{}

var decisionKey = decisionContextKey{}

const (
	// DecisionUnset means no override.
	DecisionUnset Decision = iota

	// DecisionAllow makes every check return allowed.
	DecisionAllow

	// DecisionDeny makes every check return denied.
	DecisionDeny
)

// String returns the decision name used in logs and check results.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "unset"
	}
}

// WithDecisionContext returns a new context carrying decision.
func WithDecisionContext(ctx context.Context, decision Decision) context.Context {
	return context.WithValue(ctx, decisionKey, decision)
}

// GetDecisionContext returns the decision carried by ctx, or DecisionUnset.
func GetDecisionContext(ctx context.Context) Decision {
	if decision, ok := ctx.Value(decisionKey).(Decision); ok {
		return decision
	}
	return DecisionUnset
}
