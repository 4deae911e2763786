package reaper

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitd/internal/unit"
)

type fakeOwner struct {
	entries map[unit.ID]*unit.Entry
}

func (f *fakeOwner) GetByID(id unit.ID) *unit.Entry { return f.entries[id] }

type recordingSub struct {
	unit.NotifyBase
	exits []unit.SigchldInfo
}

func (r *recordingSub) Load(*unit.Definition) ([]unit.ImpliedEdge, error) { return nil, nil }
func (r *recordingSub) Start(context.Context) (unit.Transition, error) {
	return unit.TransitionImmediate, nil
}
func (r *recordingSub) Stop(context.Context, bool) (unit.Transition, error) {
	return unit.TransitionImmediate, nil
}
func (r *recordingSub) Reload(context.Context) (unit.Transition, error) {
	return unit.TransitionImmediate, nil
}
func (r *recordingSub) CurrentActiveState() unit.ActiveState { return unit.Active }
func (r *recordingSub) SubState() string                     { return "running" }
func (r *recordingSub) Sigchld(info unit.SigchldInfo)        { r.exits = append(r.exits, info) }
func (r *recordingSub) CollectFDs() []int                    { return nil }
func (r *recordingSub) Coldplug()                            {}
func (r *recordingSub) EntryClear()                          {}

func TestRouteExitToOwningUnit(t *testing.T) {
	sub := &recordingSub{}
	e := unit.NewEntry(1, "a.service", unit.KindService)
	e.Attach(sub, nil)
	e.AddChild(4242)

	r := New(&fakeOwner{entries: map[unit.ID]*unit.Entry{1: e}})
	r.Track(4242, 1)

	r.Deliver(4242, 7, 0, false)

	require.Len(t, sub.exits, 1)
	assert.Equal(t, 4242, sub.exits[0].Pid)
	assert.Equal(t, 7, sub.exits[0].Code)
	assert.False(t, e.HasChild(4242))
	assert.Equal(t, 0, r.Tracked())
}

func TestRouteSignaledExit(t *testing.T) {
	sub := &recordingSub{}
	e := unit.NewEntry(2, "b.service", unit.KindService)
	e.Attach(sub, nil)
	e.AddChild(99)

	r := New(&fakeOwner{entries: map[unit.ID]*unit.Entry{2: e}})
	r.Track(99, 2)

	r.Deliver(99, 0, syscall.SIGSEGV, true)

	require.Len(t, sub.exits, 1)
	assert.Equal(t, int(syscall.SIGSEGV), sub.exits[0].Signal)
	assert.True(t, sub.exits[0].DumpedCore)
}

func TestOrphanDiscarded(t *testing.T) {
	r := New(&fakeOwner{entries: map[unit.ID]*unit.Entry{}})
	// Untracked pid: logged and dropped, no panic.
	r.Deliver(1234, 0, 0, false)
	assert.Equal(t, 0, r.Tracked())
}

func TestUntrack(t *testing.T) {
	r := New(&fakeOwner{entries: map[unit.ID]*unit.Entry{}})
	r.Track(10, 5)
	id, ok := r.OwnerOf(10)
	require.True(t, ok)
	assert.Equal(t, unit.ID(5), id)

	r.Untrack(10)
	_, ok = r.OwnerOf(10)
	assert.False(t, ok)
}
