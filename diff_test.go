package dls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffValidate(t *testing.T) {
	alice := Subject{Name: "user:alice"}
	bob := Subject{Name: "user:bob"}

	tests := []struct {
		name    string
		diff    Diff
		wantErr bool
	}{
		{name: "empty", diff: Diff{}},
		{
			name: "same subject different perm kinds",
			diff: Diff{
				Added:   map[string][]DiffItem{PermACLView: {{Subject: alice}}},
				Removed: map[string][]DiffItem{PermACLEdit: {{Subject: alice}}},
			},
		},
		{
			name:    "duplicate within a section",
			diff:    Diff{Added: map[string][]DiffItem{PermACLView: {{Subject: alice}, {Subject: alice}}}},
			wantErr: true,
		},
		{
			name: "duplicate across sections",
			diff: Diff{
				Added:    map[string][]DiffItem{PermACLView: {{Subject: bob}}},
				Modified: map[string][]DiffItem{PermACLView: {{Subject: bob}}},
			},
			wantErr: true,
		},
		{
			name:    "missing subject name",
			diff:    Diff{Removed: map[string][]DiffItem{PermACLView: {{}}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.diff.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsNotConsistentErr(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDiffSubjectNames(t *testing.T) {
	d := Diff{
		Added:    map[string][]DiffItem{PermACLView: {{Subject: Subject{Name: "user:b"}}}},
		Modified: map[string][]DiffItem{PermACLEdit: {{Subject: Subject{Name: "user:a"}, New: &DiffItemNew{Subject: "group:c"}}}},
		Removed:  map[string][]DiffItem{PermACLAdm: {{Subject: Subject{Name: "user:b"}}}},
	}
	assert.Equal(t, []string{"group:c", "user:a", "user:b"}, d.SubjectNames())
	assert.False(t, d.IsEmpty())
	assert.True(t, Diff{Added: map[string][]DiffItem{PermACLView: nil}}.IsEmpty())
}

func TestDiffResolve(t *testing.T) {
	byName := map[string]Subject{"user:a": {ID: 7, Name: "user:a", Kind: SubjectUser}}

	d := Diff{Added: map[string][]DiffItem{PermACLView: {{Subject: Subject{Name: "user:a"}}}}}
	out, err := d.Resolve(byName)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.Added[PermACLView][0].Subject.ID)
	assert.Nil(t, out.Removed)
	assert.Equal(t, int64(0), d.Added[PermACLView][0].Subject.ID)

	_, err = Diff{Removed: map[string][]DiffItem{PermACLView: {{Subject: Subject{Name: "user:x"}}}}}.Resolve(byName)
	require.Error(t, err)
	assert.True(t, IsNotFoundErr(err))
	assert.Contains(t, err.Error(), `"user:x"`)
}

func TestOrderedKinds(t *testing.T) {
	section := map[string][]DiffItem{
		PermACLView: nil, PermACLDeny: nil, PermACLAdm: nil, "custom": nil, PermACLExecute: nil,
	}
	got := orderedKinds(section, DefaultScope().PermKindSizes)
	assert.Equal(t, []string{PermACLDeny, "custom", PermACLAdm, PermACLView, PermACLExecute}, got)
}
