// Package mount implements the mount sub-unit: activation performs the
// mount(2) for the unit's What/Where/Type/Options, deactivation unmounts.
package mount

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"unitd/internal/errs"
	"unitd/internal/unit"
)

// Mount is the mount sub-unit plugin.
type Mount struct {
	unit.NotifyBase
	unit.NoopSigchld

	mu     sync.Mutex
	name   string
	def    *unit.Definition
	active unit.ActiveState
	state  string
}

func New(name string) *Mount {
	return &Mount{name: name, active: unit.Inactive, state: "dead"}
}

func (m *Mount) Load(def *unit.Definition) ([]unit.ImpliedEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.Mount.Where == "" {
		return nil, &errs.ConfigError{Unit: def.Name, Reason: "mount unit has no Where"}
	}
	m.def = def
	return nil, nil
}

func (m *Mount) Start(ctx context.Context) (unit.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == unit.Active {
		return unit.TransitionImmediate, nil
	}
	m.state = "mounting"

	if err := os.MkdirAll(m.def.Mount.Where, 0755); err != nil {
		m.state = "failed"
		m.active = unit.Failed
		return unit.TransitionImmediate, &errs.SpawnError{Unit: m.name, Reason: errs.SpawnExecFailed, Err: err}
	}
	if err := unix.Mount(m.def.Mount.What, m.def.Mount.Where, m.def.Mount.Type, 0, m.def.Mount.Options); err != nil {
		m.state = "failed"
		m.active = unit.Failed
		return unit.TransitionImmediate, &errs.SpawnError{Unit: m.name, Reason: errs.SpawnExecFailed, Err: err}
	}

	m.state = "mounted"
	m.active = unit.Active
	return unit.TransitionImmediate, nil
}

func (m *Mount) Stop(ctx context.Context, force bool) (unit.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == unit.Inactive {
		return unit.TransitionImmediate, nil
	}
	m.state = "unmounting"

	flags := 0
	if force {
		flags = unix.MNT_FORCE
	}
	if err := unix.Unmount(m.def.Mount.Where, flags); err != nil && err != unix.EINVAL && err != unix.ENOENT {
		m.state = "failed"
		m.active = unit.Failed
		return unit.TransitionImmediate, &errs.RuntimeError{Unit: m.name, Reason: errs.RuntimeSignaled, Detail: err.Error()}
	}

	m.state = "dead"
	m.active = unit.Inactive
	return unit.TransitionImmediate, nil
}

func (m *Mount) Reload(ctx context.Context) (unit.Transition, error) {
	return unit.TransitionImmediate, nil
}

func (m *Mount) CurrentActiveState() unit.ActiveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Mount) SubState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mount) CollectFDs() []int { return nil }
func (m *Mount) Coldplug()         {}
func (m *Mount) EntryClear()       {}
