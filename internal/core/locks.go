package core

import (
	"context"
	"fmt"
	"sync"
)

// actionLocks serializes work per action id. Slots are reference counted and
// dropped once nobody holds or waits for them.
type actionLocks struct {
	mu    sync.Mutex
	slots map[int64]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newActionLocks() *actionLocks {
	return &actionLocks{slots: make(map[int64]*lockSlot)}
}

// acquire blocks until the action's lock is held or ctx ends. A caller whose
// context ends while waiting gets ErrConflict.
func (l *actionLocks) acquire(ctx context.Context, actionID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[actionID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[actionID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.release(actionID, slot)
		}, nil
	case <-ctx.Done():
		l.release(actionID, slot)
		return nil, fmt.Errorf("%w: action %d is busy: %v", ErrConflict, actionID, ctx.Err())
	}
}

func (l *actionLocks) release(actionID int64, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, actionID)
	}
}
