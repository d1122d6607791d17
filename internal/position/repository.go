// internal/position/repository.go
//
// Store-backed access to the three position tables.
//
// Context
// -------
// Repository owns one store.Table per table.  Load warms the position and
// position_role caches in full; user_position is fetched per user (or in
// bulk when a binding change forces every member to be re-evaluated).
//
// Give and Revoke write through the store so the local caches converge
// immediately; other processes converge through the store's change
// notifications.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/yanizio/rankbot/internal/row"
	"github.com/yanizio/rankbot/internal/statement"
	"github.com/yanizio/rankbot/internal/store"
)

// Repository is safe for concurrent use.
type Repository struct {
	Positions *store.Table
	Bindings  *store.Table
	Holdings  *store.Table
}

// Catalog returns a read model over the repository caches.
func (r *Repository) Catalog() *Catalog {
	return NewCatalog(r.Positions.Cache(), r.Bindings.Cache())
}

// Load fetches every position and binding.
func (r *Repository) Load(ctx context.Context) error {
	if _, err := r.Positions.FetchAll(ctx); err != nil {
		return fmt.Errorf("position: load positions: %w", err)
	}
	if _, err := r.Bindings.FetchAll(ctx); err != nil {
		return fmt.Errorf("position: load bindings: %w", err)
	}
	return nil
}

// Ledger fetches userID's holdings.
func (r *Repository) Ledger(ctx context.Context, userID string) (*Ledger, error) {
	rows, err := r.Holdings.Fetch(ctx, row.Fields{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("position: ledger %s: %w", userID, err)
	}
	l := NewLedger(userID)
	for _, rw := range rows {
		l.Add(HoldingFromRow(rw))
	}
	return l, nil
}

// Ledgers fetches every current holding grouped per user.
func (r *Repository) Ledgers(ctx context.Context) (map[string]*Ledger, error) {
	rows, err := r.Holdings.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: ledgers: %w", err)
	}
	ups := make([]UserPosition, len(rows))
	for i, rw := range rows {
		ups[i] = HoldingFromRow(rw)
	}
	return GroupLedgers(ups), nil
}

// Give records that userID holds p until expires (zero = permanent).
func (r *Repository) Give(ctx context.Context, userID string, p Position, expires time.Time, executorID string) (UserPosition, error) {
	up := UserPosition{
		UserID:     userID,
		PositionID: p.ID,
		GivenAt:    time.Now().UTC().Truncate(time.Second),
		ExpiresAt:  expires,
		ExecutorID: executorID,
	}
	created, err := r.Holdings.Create(ctx, row.New(UserPositionSchema, up.Fields()))
	if err != nil {
		return UserPosition{}, fmt.Errorf("position: give %s to %s: %w", p.Name, userID, err)
	}
	return HoldingFromRow(created), nil
}

// Revoke removes userID's holding of p.  Revoking nothing is not an error.
func (r *Repository) Revoke(ctx context.Context, userID string, p Position) error {
	_, err := r.Holdings.Remove(ctx, row.Fields{"user_id": userID, "id_position": p.ID})
	if err != nil {
		return fmt.Errorf("position: revoke %s from %s: %w", p.Name, userID, err)
	}
	return nil
}

// Expire removes every holding that lapsed at or before now and returns
// them.  Callers announce each one so other processes drop it too.
func (r *Repository) Expire(ctx context.Context, now time.Time) ([]UserPosition, error) {
	lapsed, err := r.Holdings.Fetch(ctx, statement.Compare("<=", row.Fields{"expires_at": now.UTC()}))
	if err != nil {
		return nil, fmt.Errorf("position: expire: %w", err)
	}
	out := make([]UserPosition, 0, len(lapsed))
	for _, rw := range lapsed {
		if _, err := r.Holdings.Remove(ctx, rw); err != nil {
			return out, fmt.Errorf("position: expire %s: %w", rw.ID(), err)
		}
		out = append(out, HoldingFromRow(rw))
	}
	return out, nil
}

// Listen subscribes all three tables to their change notifications.
func (r *Repository) Listen(s store.Subscriber) (stop func()) {
	stops := []func(){r.Positions.Listen(s), r.Bindings.Listen(s), r.Holdings.Listen(s)}
	return func() {
		for _, fn := range stops {
			fn()
		}
	}
}
