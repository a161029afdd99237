package dls

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SystemGroupPrefix is the name prefix of built-in groups.
const SystemGroupPrefix = "system_group:"

// Names of the built-in groups.
const (
	SuperuserGroupName   = SystemGroupPrefix + "superuser"
	ActiveUsersGroupName = SystemGroupPrefix + "all_active_users"
)

// Identifiers of the built-in groups' node configs. They are derived from
// fixed ASCII prefixes, so they are known without a database round trip and
// stay valid across migrations that re-seed the groups.
var (
	SuperuserGroupUUID   = PrefixedUUID("s_g_superuser")
	ActiveUsersGroupUUID = PrefixedUUID("s_g_active")
)

// PrefixedUUID builds a UUID whose leading bytes are the ASCII bytes of
// prefix and whose remaining bytes are zero.
// It panics if prefix is longer than 16 bytes.
func PrefixedUUID(prefix string) uuid.UUID {
	if len(prefix) > len(uuid.UUID{}) {
		panic(fmt.Sprintf("dls: uuid prefix %q is longer than 16 bytes", prefix))
	}
	var id uuid.UUID
	copy(id[:], prefix)
	return id
}

// SystemGroup is the seed data of a built-in group.
type SystemGroup struct {
	Subject
	UUID uuid.UUID
}

// SystemGroups returns the built-in groups that every DLS database must
// contain. The migrator seeds them.
func SystemGroups() []SystemGroup {
	return []SystemGroup{
		{
			Subject: Subject{
				Name:         SuperuserGroupName,
				Kind:         SubjectGroup,
				Active:       true,
				Source:       "system",
				SearchWeight: -1000,
				Meta: map[string]any{
					"name":  "superuser",
					"title": map[string]any{"en": "Superuser"},
				},
			},
			UUID: SuperuserGroupUUID,
		},
		{
			Subject: Subject{
				Name:         ActiveUsersGroupName,
				Kind:         SubjectGroup,
				Active:       true,
				Source:       "system",
				SearchWeight: 128,
				Meta: map[string]any{
					"name":  "all",
					"title": map[string]any{"en": "All"},
				},
			},
			UUID: ActiveUsersGroupUUID,
		},
	}
}

// IsSystemGroupName reports whether name belongs to a built-in group.
func IsSystemGroupName(name string) bool {
	return strings.HasPrefix(name, SystemGroupPrefix)
}
