package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yanizio/rankbot/internal/position"
)

func TestVerdict(t *testing.T) {
	var zero Verdict
	assert.Equal(t, Indeterminate, zero)
	assert.False(t, zero.Granted())
	assert.False(t, zero.Denied())
	assert.Equal(t, Granted, VerdictOf(true))
	assert.Equal(t, Denied, VerdictOf(false))
	assert.Equal(t, "granted", Granted.String())
	assert.Equal(t, "denied", Denied.String())
	assert.Equal(t, "indeterminate", Indeterminate.String())
}

func TestRequirementValidate(t *testing.T) {
	assert.NoError(t, Requirement{}.Validate())
	assert.True(t, Requirement{}.IsZero())

	ok := Requirement{
		RequiredPermissions: []string{"ManageRoles"},
		AllowedPositions:    []position.Ref{position.ByName("mod")},
		AllowedUsers:        []string{"42"},
	}
	assert.NoError(t, ok.Validate())
	assert.False(t, ok.IsZero())

	for name, bad := range map[string]Requirement{
		"unknown permission": {AllowedPermissions: []string{"FlyPlanes"}},
		"empty position":     {RequiredPositions: []position.Ref{{}}},
		"empty role":         {AllowedRoles: []string{""}},
	} {
		err := bad.Validate()
		assert.True(t, IsInvalidRequirement(err), name)
	}
}
