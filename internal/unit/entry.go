package unit

import (
	"sync"
)

// Entry is the per-unit runtime aggregate: load
// state, active state, the owned sub-unit plugin, the cgroup path, and the
// set of child pids currently attributed to this unit.
//
// Entry is the single authoritative owner among Entry, sub-unit plugin,
// and cgroup handle; the sub-unit holds no pointer back to its Entry and
// reports changes through the StateChangeCallback passed to Attach.
type Entry struct {
	mu sync.RWMutex

	id   ID
	name string
	kind Kind

	def *Definition

	loadState   LoadState
	activeState ActiveState
	nRestarts   int

	sub SubUnit

	cgroupPath string
	children   map[int]struct{}

	onStateChange StateChangeCallback

	lastErrorReason string
}

// NewEntry constructs an Entry in LoadStub state. The sub-unit plugin is
// attached separately via Attach once the Kind is known.
func NewEntry(id ID, name string, kind Kind) *Entry {
	return &Entry{
		id:          id,
		name:        name,
		kind:        kind,
		loadState:   LoadStub,
		activeState: Inactive,
		children:    make(map[int]struct{}),
	}
}

func (e *Entry) ID() ID     { return e.id }
func (e *Entry) Name() string { return e.name }
func (e *Entry) Kind() Kind { return e.kind }

// Attach installs the sub-unit plugin instance and the callback the Job
// Engine uses to learn about asynchronous state completions.
func (e *Entry) Attach(sub SubUnit, onStateChange StateChangeCallback) {
	e.mu.Lock()
	e.sub = sub
	e.onStateChange = onStateChange
	e.mu.Unlock()

	if sub != nil {
		sub.BindNotify(e.Notify)
	}
}

func (e *Entry) SubUnit() SubUnit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sub
}

func (e *Entry) LoadState() LoadState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadState
}

func (e *Entry) SetLoadState(s LoadState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadState = s
}

func (e *Entry) Definition() *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.def
}

func (e *Entry) SetDefinition(def *Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.def = def
}

// ActiveState returns the current externally-visible state. Active
// implies Loaded; callers enforce that before invoking sub.Start.
func (e *Entry) ActiveState() ActiveState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeState
}

// SubState delegates to the attached sub-unit, or "" if none is attached
// yet; the string is opaque and owned by the plugin.
func (e *Entry) SubState() string {
	e.mu.RLock()
	sub := e.sub
	e.mu.RUnlock()
	if sub == nil {
		return ""
	}
	return sub.SubState()
}

// Notify records a new ActiveState and fires the registered callback if
// the state actually changed.
func (e *Entry) Notify(newState ActiveState) {
	e.mu.Lock()
	old := e.activeState
	e.activeState = newState
	cb := e.onStateChange
	id := e.id
	e.mu.Unlock()

	if cb != nil && old != newState {
		cb(id, old, newState)
	}
}

// MarkFailed transitions to Failed and records a reason code surfaced by
// unitctl status.
func (e *Entry) MarkFailed(reason string) {
	e.mu.Lock()
	e.lastErrorReason = reason
	e.mu.Unlock()
	e.Notify(Failed)
}

func (e *Entry) LastErrorReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErrorReason
}

func (e *Entry) NRestarts() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nRestarts
}

func (e *Entry) IncrementRestarts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nRestarts++
}

// CgroupPath returns the per-unit cgroup path, created lazily by
// PrepareCgroupPath before the first fork.
func (e *Entry) CgroupPath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cgroupPath
}

func (e *Entry) SetCgroupPath(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cgroupPath = p
}

// AddChild records a pid as belonging to this unit; a pid belongs to at
// most one unit at a time.
func (e *Entry) AddChild(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.children[pid] = struct{}{}
}

// RemoveChild is called by the reaper once a pid's exit has been routed and
// processed.
func (e *Entry) RemoveChild(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.children, pid)
}

func (e *Entry) HasChild(pid int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.children[pid]
	return ok
}

// Children returns a snapshot of the pids currently attributed to this
// unit.
func (e *Entry) Children() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]int, 0, len(e.children))
	for pid := range e.children {
		out = append(out, pid)
	}
	return out
}
