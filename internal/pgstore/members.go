package pgstore

import (
	"context"

	"github.com/lib/pq"

	"github.com/pthm/dls"
)

func subjectIDs(subjects []dls.Subject) []int64 {
	ids := make([]int64, len(subjects))
	for i, s := range subjects {
		ids[i] = s.ID
	}
	return ids
}

// AddMembers implements dls.MembershipStore. Existing edges are kept.
func (c *conn) AddMembers(ctx context.Context, group dls.Subject, members []dls.Subject) error {
	if len(members) == 0 {
		return nil
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO dls_group_members_m2m (group_id, member_id, source)
		SELECT $1, unnest($2::bigint[]), 'api'
		ON CONFLICT (group_id, member_id) DO NOTHING`,
		group.ID, pq.Array(subjectIDs(members)))
	return mapError("add members", err)
}

// RemoveMembers implements dls.MembershipStore.
func (c *conn) RemoveMembers(ctx context.Context, group dls.Subject, members []dls.Subject) error {
	if len(members) == 0 {
		return nil
	}
	_, err := c.q.ExecContext(ctx, removeMembersSQL,
		group.ID, pq.Array(subjectIDs(members)))
	return mapError("remove members", err)
}

// Members implements dls.MembershipStore.
func (c *conn) Members(ctx context.Context, group dls.Subject) ([]dls.Subject, error) {
	return c.querySubjects(ctx, "members", membersSQL, group.ID)
}
