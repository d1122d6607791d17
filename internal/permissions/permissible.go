package permissions

import (
	"context"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/position"
)

// Permissible binds a user, their optional guild membership, and their
// ledger to the Manager, so command handlers can ask questions without
// threading all three through every call.
type Permissible struct {
	UserID string
	Member *guild.Member
	Ledger *position.Ledger

	m *Manager
}

// Permissify wraps already loaded state.  member and ledger may be nil.
func (m *Manager) Permissify(userID string, member *guild.Member, ledger *position.Ledger) *Permissible {
	return &Permissible{UserID: userID, Member: member, Ledger: ledger, m: m}
}

// Load fetches userID's ledger through the ledger cache and wraps it.
func (m *Manager) Load(ctx context.Context, userID string, member *guild.Member) (*Permissible, error) {
	var ledger *position.Ledger
	if m.ledgers != nil {
		l, err := m.ledgers.Ledger(ctx, userID)
		if err != nil {
			return nil, err
		}
		ledger = l
	}
	return m.Permissify(userID, member, ledger), nil
}

func (p *Permissible) IsOwner() bool { return p.m.IsOwner(p.UserID) }

func (p *Permissible) HasPermission(req Requirement) bool {
	return p.m.HasPermission(p.UserID, p.Ledger, p.Member, req)
}

func (p *Permissible) HasPosition(ref position.Ref) PositionResult {
	return p.m.HasPosition(p.UserID, p.Ledger, ref)
}

// Positions returns every held position, most senior first.
func (p *Permissible) Positions() []PositionResult {
	return p.m.PermittedPositions(p.UserID, p.Ledger)
}

// Primary returns the most senior held position.
func (p *Permissible) Primary() (position.Position, bool) {
	ps := p.Positions()
	if len(ps) == 0 {
		return position.Position{}, false
	}
	return ps[0].Position, true
}

// Reconcile computes role drift in member's guild.  It needs a member.
func (p *Permissible) Reconcile(member guild.Member) Reconciliation {
	return p.m.Reconcile(member, p.Ledger)
}
