// internal/permissions/reconcile.go
//
// Role drift between what a member holds and what their positions allow.
//
// Context
// -------
// For one member in one guild, every position_role binding falls into one
// of three buckets:
//
//   - permitted:  the member holds the binding's position
//   - forbidden:  the role is not permitted by any held position, and the
//                 member explicitly does not hold the binding's position
//   - neither:    the decision was Indeterminate, so the role is left alone
//
// Missing roles are permitted ones the member lacks and wrong roles are
// forbidden ones the member has.  Both are restricted to roles the bot can
// actually manage, so role sync never issues a call that must fail.
package permissions

import (
	"slices"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/position"
)

// Reconciliation is the role drift of one member in one guild.
type Reconciliation struct {
	Member    guild.Member
	Permitted []position.PositionRole
	Forbidden []position.PositionRole
	Missing   []position.PositionRole
	Wrong     []position.PositionRole
}

// InSync reports whether nothing needs to be added or removed.
func (r Reconciliation) InSync() bool { return len(r.Missing) == 0 && len(r.Wrong) == 0 }

// Reconcile buckets every binding of member's guild.  ledger may be nil.
func (m *Manager) Reconcile(member guild.Member, ledger *position.Ledger) Reconciliation {
	rec := Reconciliation{Member: member}
	bindings := m.catalog.Bindings(member.GuildID)

	verdicts := make(map[int64]Verdict)
	verdictOf := func(positionID int64) Verdict {
		v, ok := verdicts[positionID]
		if !ok {
			v = m.hasPosition(member.UserID, ledger, position.ByID(positionID), nil).Verdict
			verdicts[positionID] = v
		}
		return v
	}

	var permittedRoles []string
	for _, b := range bindings {
		if verdictOf(b.PositionID) == Granted {
			rec.Permitted = append(rec.Permitted, b)
			permittedRoles = append(permittedRoles, b.RoleID)
		}
	}
	for _, b := range bindings {
		if slices.Contains(permittedRoles, b.RoleID) || verdictOf(b.PositionID) != Denied {
			continue
		}
		rec.Forbidden = append(rec.Forbidden, b)
	}

	for _, b := range rec.Permitted {
		if !member.HasRole(b.RoleID) && m.state.CanManageRole(member.GuildID, b.RoleID) &&
			!containsRole(rec.Missing, b.RoleID) {
			rec.Missing = append(rec.Missing, b)
		}
	}
	for _, b := range rec.Forbidden {
		if member.HasRole(b.RoleID) && m.state.CanManageRole(member.GuildID, b.RoleID) &&
			!containsRole(rec.Wrong, b.RoleID) {
			rec.Wrong = append(rec.Wrong, b)
		}
	}
	return rec
}

func containsRole(bs []position.PositionRole, roleID string) bool {
	return slices.ContainsFunc(bs, func(b position.PositionRole) bool { return b.RoleID == roleID })
}

// PermittedPositionRoles returns the bindings in member's guild whose
// position member holds.
func (m *Manager) PermittedPositionRoles(member guild.Member, ledger *position.Ledger) []position.PositionRole {
	return m.Reconcile(member, ledger).Permitted
}

// MissingPositionRoles returns permitted roles member lacks and the bot
// can grant.
func (m *Manager) MissingPositionRoles(member guild.Member, ledger *position.Ledger) []position.PositionRole {
	return m.Reconcile(member, ledger).Missing
}

// ForbiddenPositionRoles returns bindings whose position member explicitly
// does not hold, excluding roles some held position permits.
func (m *Manager) ForbiddenPositionRoles(member guild.Member, ledger *position.Ledger) []position.PositionRole {
	return m.Reconcile(member, ledger).Forbidden
}

// WrongPositionRoles returns forbidden roles member holds and the bot can
// retract.
func (m *Manager) WrongPositionRoles(member guild.Member, ledger *position.Ledger) []position.PositionRole {
	return m.Reconcile(member, ledger).Wrong
}
