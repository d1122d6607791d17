// internal/position/ledger.go
//
// Per-user record of explicit position holdings.
//
// Context
// -------
// A Ledger is what the database says a user holds, as opposed to what
// their guild roles imply.  When the ledger has an opinion it wins:
//
//   - a current holding            → held
//   - a sticky position, not held  → not held (sticky ranks are ledger-only)
//   - anything else                → no opinion, ask the guild
//
// Expired holdings are ignored even if they are still cached.
//
// Notes
// -----
// • Ledgers are shared through the permission engine's LRU, so every
//   method locks.
package position

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"
)

// Ledger is safe for concurrent use.
type Ledger struct {
	userID string

	mu       sync.RWMutex
	holdings map[int64]UserPosition
}

// NewLedger builds a ledger for userID.  Holdings of other users are
// ignored.
func NewLedger(userID string, holdings ...UserPosition) *Ledger {
	l := &Ledger{userID: userID, holdings: make(map[int64]UserPosition, len(holdings))}
	for _, up := range holdings {
		l.Add(up)
	}
	return l
}

// GroupLedgers splits holdings into one ledger per user.
func GroupLedgers(holdings []UserPosition) map[string]*Ledger {
	out := make(map[string]*Ledger)
	for _, up := range holdings {
		l, ok := out[up.UserID]
		if !ok {
			l = NewLedger(up.UserID)
			out[up.UserID] = l
		}
		l.Add(up)
	}
	return out
}

func (l *Ledger) UserID() string { return l.userID }

// Add records a holding, replacing any earlier one for the same position.
func (l *Ledger) Add(up UserPosition) {
	if up.UserID != l.userID {
		return
	}
	l.mu.Lock()
	l.holdings[up.PositionID] = up
	l.mu.Unlock()
}

// Remove forgets the holding of positionID.
func (l *Ledger) Remove(positionID int64) {
	l.mu.Lock()
	delete(l.holdings, positionID)
	l.mu.Unlock()
}

// Lookup returns the ledger's opinion on p at now.  known is false when the
// ledger has none.
func (l *Ledger) Lookup(p Position, now time.Time) (up UserPosition, held, known bool) {
	l.mu.RLock()
	up, ok := l.holdings[p.ID]
	l.mu.RUnlock()

	if ok && !up.Expired(now) {
		return up, true, true
	}
	if p.Sticky {
		return UserPosition{}, false, true
	}
	return UserPosition{}, false, false
}

// Current returns every unexpired holding, ordered by position ID.
func (l *Ledger) Current(now time.Time) []UserPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]UserPosition, 0, len(l.holdings))
	for _, id := range slices.Sorted(maps.Keys(l.holdings)) {
		if up := l.holdings[id]; !up.Expired(now) {
			out = append(out, up)
		}
	}
	return out
}

// NextExpiry returns the earliest future expiry among current holdings.
func (l *Ledger) NextExpiry(now time.Time) (time.Time, bool) {
	var next time.Time
	for _, up := range l.Current(now) {
		if up.Permanent() {
			continue
		}
		if next.IsZero() || up.ExpiresAt.Before(next) {
			next = up.ExpiresAt
		}
	}
	return next, !next.IsZero()
}

// SortHoldings orders holdings by given time, oldest first.
func SortHoldings(ups []UserPosition) {
	slices.SortStableFunc(ups, func(a, b UserPosition) int {
		return cmp.Compare(a.GivenAt.Unix(), b.GivenAt.Unix())
	})
}
