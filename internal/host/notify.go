package host

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/permissions"
	"github.com/yanizio/rankbot/internal/position"
	"github.com/yanizio/rankbot/internal/row"
	"github.com/yanizio/rankbot/internal/store"
)

// ExpireOp is published by the expiry job for every lapsed holding.
const ExpireOp store.Op = "expire"

// Attach subscribes h to ledger and binding notifications.  Attach after
// the repository's own Listen so the caches already reflect a change when
// h reacts to it.
func (h *Manager) Attach(ctx context.Context, sub store.Subscriber) (stop func()) {
	holding := func(op store.Op) func([]byte) {
		return func(payload []byte) {
			up, err := decodeHolding(payload)
			if err != nil {
				zap.L().Warn("host notification dropped", zap.String("op", string(op)), zap.Error(err))
				return
			}
			h.onHolding(ctx, op, up)
		}
	}
	binding := func(payload []byte) {
		var f row.Fields
		if err := json.Unmarshal(payload, &f); err != nil {
			zap.L().Warn("host notification dropped", zap.String("table", position.PositionRoleTable), zap.Error(err))
			return
		}
		if position.RoleFromRow(row.New(position.PositionRoleSchema, f)).GuildID == h.guildID {
			h.Refresh(ctx, permissions.ReasonBindings)
		}
	}

	stops := []func(){
		sub.Subscribe(store.Channel(position.UserPositionTable, store.OpCreate), holding(store.OpCreate)),
		sub.Subscribe(store.Channel(position.UserPositionTable, store.OpRemove), holding(store.OpRemove)),
		sub.Subscribe(store.Channel(position.UserPositionTable, ExpireOp), holding(ExpireOp)),
		sub.Subscribe(store.Channel(position.PositionRoleTable, store.OpCreate), binding),
		sub.Subscribe(store.Channel(position.PositionRoleTable, store.OpRemove), binding),
	}
	return func() {
		for _, fn := range stops {
			fn()
		}
	}
}

func decodeHolding(payload []byte) (position.UserPosition, error) {
	var f row.Fields
	if err := json.Unmarshal(payload, &f); err != nil {
		return position.UserPosition{}, fmt.Errorf("%w: %v", store.ErrBadPayload, err)
	}
	up := position.HoldingFromRow(row.New(position.UserPositionSchema, f))
	if up.UserID == "" || up.PositionID == 0 {
		return position.UserPosition{}, store.ErrBadPayload
	}
	return up, nil
}

// onHolding keeps a cached ledger in step with the database and emits an
// Update for its owner.  Uncached ledgers are simply loaded fresh.
func (h *Manager) onHolding(ctx context.Context, op store.Op, up position.UserPosition) {
	if ledgers := h.perms.Ledgers(); ledgers != nil {
		if l, ok := ledgers.Cached(up.UserID); ok {
			if op == store.OpCreate {
				l.Add(up)
			} else {
				l.Remove(up.PositionID)
			}
		}
	}
	u := permissions.Update{Reason: permissions.ReasonLedger, ExecutorID: up.ExecutorID}
	if op == store.OpCreate {
		u.Expiration = up.ExpiresAt
	}
	h.emit(ctx, up.UserID, u)
}
