// internal/store/notify.go
//
// Cross-process cache convergence.
//
// Context
// -------
// Other processes that write a table announce it on three channels named
// after the table:
//
//	<table>_create   payload: the new row's fields
//	<table>_update   payload: {"selector": {…}, "data": {…}}
//	<table>_remove   payload: the removed row's fields (or a selector)
//
// Listen subscribes a Table to all three and applies each message to the
// cache only; the database already holds the change.  Bad payloads are
// logged and dropped.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/row"
)

// Subscriber delivers raw notification payloads per channel.  ipc.Listener
// implements it.
type Subscriber interface {
	Subscribe(channel string, fn func(payload []byte)) (unsubscribe func())
}

// Op names a change notification.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// ErrBadPayload is returned by Apply for payloads that do not decode.
var ErrBadPayload = errors.New("store: bad notification payload")

// Channel returns the notification channel for op on table.
func Channel(table string, op Op) string { return table + "_" + string(op) }

type updatePayload struct {
	Selector row.Fields `json:"selector"`
	Data     row.Fields `json:"data"`
}

// Listen subscribes t to its create, update, and remove channels.  The
// returned func cancels all three subscriptions.
func (t *Table) Listen(s Subscriber) (stop func()) {
	var stops []func()
	for _, op := range []Op{OpCreate, OpUpdate, OpRemove} {
		stops = append(stops, s.Subscribe(Channel(t.Name(), op), func(payload []byte) {
			if err := t.Apply(op, payload); err != nil {
				zap.L().Warn("store notification dropped",
					zap.String("table", t.Name()),
					zap.String("op", string(op)),
					zap.Error(err))
			}
		}))
	}
	return func() {
		for _, fn := range stops {
			fn()
		}
	}
}

// Apply mirrors one notification onto the cache.
func (t *Table) Apply(op Op, payload []byte) error {
	switch op {
	case OpCreate:
		var f row.Fields
		if err := json.Unmarshal(payload, &f); err != nil || f == nil {
			return badPayload(err)
		}
		t.cache.Push(row.New(t.schema, f), nil)
	case OpUpdate:
		var u updatePayload
		if err := json.Unmarshal(payload, &u); err != nil || len(u.Selector) == 0 {
			return badPayload(err)
		}
		t.cache.Update(cache.Match(u.Selector), u.Data)
	case OpRemove:
		var f row.Fields
		if err := json.Unmarshal(payload, &f); err != nil || len(f) == 0 {
			return badPayload(err)
		}
		sel := row.New(t.schema, f).ToSelector()
		if len(sel) == 0 {
			return ErrBadPayload
		}
		t.cache.FilterOut(cache.Match(sel))
	default:
		return fmt.Errorf("store: unknown op %q", op)
	}
	return nil
}

func badPayload(err error) error {
	if err == nil {
		return ErrBadPayload
	}
	return fmt.Errorf("%w: %v", ErrBadPayload, err)
}
