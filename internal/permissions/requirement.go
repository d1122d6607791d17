package permissions

import (
	"errors"
	"fmt"
	"slices"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/position"
)

// ErrInvalidRequirement is returned by Requirement.Validate for a
// structurally broken requirement.  It always indicates a programming
// error in the command that declared it.
var ErrInvalidRequirement = errors.New("permissions: invalid requirement")

// IsInvalidRequirement reports whether err wraps ErrInvalidRequirement.
func IsInvalidRequirement(err error) bool {
	return errors.Is(err, ErrInvalidRequirement)
}

// Requirement declares who may run something.
//
// The Required* lists must all hold.  The remaining fields form one
// disjunctive group: every empty field is "not applicable", and when at
// least one is non-empty, at least one non-empty field must pass.  Role
// references are role IDs or exact role names in the member's guild;
// permission references are names accepted by guild.ParsePermission.
type Requirement struct {
	RequiredRoles       []string
	RequiredPermissions []string
	RequiredPositions   []position.Ref

	PositionLevel      position.Ref
	AllowedPositions   []position.Ref
	AllowedPermissions []string
	AllowedRoles       []string
	AllowedUsers       []string
}

// IsZero reports whether r places no restriction at all.
func (r Requirement) IsZero() bool {
	return len(r.RequiredRoles) == 0 &&
		len(r.RequiredPermissions) == 0 &&
		len(r.RequiredPositions) == 0 &&
		r.PositionLevel.IsZero() &&
		len(r.AllowedPositions) == 0 &&
		len(r.AllowedPermissions) == 0 &&
		len(r.AllowedRoles) == 0 &&
		len(r.AllowedUsers) == 0
}

// Validate checks permission names and rejects empty references.  Whether
// a position or role actually exists is a runtime question and yields
// Indeterminate, not an error.
func (r Requirement) Validate() error {
	for _, name := range slices.Concat(r.RequiredPermissions, r.AllowedPermissions) {
		if _, err := guild.ParsePermission(name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequirement, err)
		}
	}
	for _, ref := range slices.Concat(r.RequiredPositions, r.AllowedPositions) {
		if ref.IsZero() {
			return fmt.Errorf("%w: empty position reference", ErrInvalidRequirement)
		}
	}
	for _, s := range slices.Concat(r.RequiredRoles, r.AllowedRoles, r.AllowedUsers) {
		if s == "" {
			return fmt.Errorf("%w: empty role or user reference", ErrInvalidRequirement)
		}
	}
	return nil
}

// permissionBits folds names into one bit set.  ok is false when any name
// is unknown; an unknown name must never act as the empty set, which every
// member holds.
func permissionBits(names []string) (p guild.Permission, ok bool) {
	for _, name := range names {
		bit, err := guild.ParsePermission(name)
		if err != nil || bit == 0 {
			return 0, false
		}
		p |= bit
	}
	return p, true
}
