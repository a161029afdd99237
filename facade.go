package dls

import "context"

// Public exposes the operations safe to offer to end users: checks, reads
// and modifications that the diff engine authorizes by itself.
type Public struct {
	svc *Service
}

// Public returns the public façade of s.
func (s *Service) Public() Public { return Public{svc: s} }

func (p Public) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	return p.svc.Check(ctx, req)
}

func (p Public) CheckMulti(ctx context.Context, subject, action string, nodes []string) (map[string]MultiResult, error) {
	return p.svc.CheckMulti(ctx, subject, action, nodes)
}

func (p Public) GetNodePermissions(ctx context.Context, identifier string) (Grants, error) {
	return p.svc.GetNodePermissions(ctx, identifier)
}

func (p Public) SubjectGroups(ctx context.Context, name string, includeSystem bool) ([]Subject, error) {
	return p.svc.SubjectGroups(ctx, name, includeSystem)
}

func (p Public) ModifyPermissions(ctx context.Context, req ModifyRequest) (*ModifyResult, error) {
	return p.svc.ModifyPermissions(ctx, req)
}

// Private adds the operations reserved for trusted backends: node creation
// and group membership management.
type Private struct {
	Public
}

// Private returns the private façade of s.
func (s *Service) Private() Private { return Private{Public: s.Public()} }

func (p Private) AddNode(ctx context.Context, req AddNodeRequest) (*ModifyResult, error) {
	return p.svc.AddNode(ctx, req)
}

func (p Private) AddGroupMembers(ctx context.Context, group string, members []string) error {
	return p.svc.AddGroupMembers(ctx, group, members)
}

func (p Private) RemoveGroupMembers(ctx context.Context, group string, members []string) error {
	return p.svc.RemoveGroupMembers(ctx, group, members)
}
