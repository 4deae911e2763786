// Package target implements the target sub-unit: a synchronization point
// with no process of its own. Its entire activation is bookkeeping — the
// dependency edges its [Unit] section names do the real work.
package target

import (
	"context"
	"sync"

	"unitd/internal/unit"
)

// Target is the target sub-unit plugin.
type Target struct {
	unit.NotifyBase
	unit.NoopSigchld

	mu     sync.Mutex
	name   string
	active unit.ActiveState
}

func New(name string) *Target {
	return &Target{name: name, active: unit.Inactive}
}

func (t *Target) Load(def *unit.Definition) ([]unit.ImpliedEdge, error) { return nil, nil }

func (t *Target) Start(ctx context.Context) (unit.Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = unit.Active
	return unit.TransitionImmediate, nil
}

func (t *Target) Stop(ctx context.Context, force bool) (unit.Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = unit.Inactive
	return unit.TransitionImmediate, nil
}

func (t *Target) Reload(ctx context.Context) (unit.Transition, error) {
	return unit.TransitionImmediate, nil
}

func (t *Target) CurrentActiveState() unit.ActiveState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Target) SubState() string {
	if t.CurrentActiveState() == unit.Active {
		return "active"
	}
	return "dead"
}

func (t *Target) CollectFDs() []int { return nil }
func (t *Target) Coldplug()         {}
func (t *Target) EntryClear()       {}
