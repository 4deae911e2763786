package reexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"unitd/internal/depgraph"
	"unitd/internal/job"
	"unitd/internal/registry"
	"unitd/internal/reliability"
	"unitd/internal/unit"
)

func newCoordinator(t *testing.T) (*Coordinator, *reliability.Store, *registry.Registry) {
	t.Helper()
	store, err := reliability.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	engine := job.NewEngine(reg, depgraph.New(), store.Last)
	return New(store, reg, engine), store, reg
}

func TestReplayCompensatesInterruptedStart(t *testing.T) {
	c, store, _ := newCoordinator(t)

	// An interrupted activation: the journal still holds the unit and a
	// nested frame stack.
	require.NoError(t, store.Last.SetUnit("a.service"))
	require.NoError(t, store.Last.PushFrame(reliability.Frame{F1: reliability.FrameJobRun}))
	require.NoError(t, store.Last.PushFrame(reliability.Frame{F1: reliability.FrameUnitStart, F2: reliability.FrameSubStartPre}))

	type comp struct {
		name string
		verb job.Verb
	}
	var comps []comp
	require.NoError(t, c.Restore(nil, func(name string, verb job.Verb) {
		comps = append(comps, comp{name, verb})
	}))

	// Deepest frame first; both resolve to a re-issued start.
	require.Len(t, comps, 2)
	assert.Equal(t, comp{"a.service", job.Start}, comps[0])
	assert.Equal(t, comp{"a.service", job.Start}, comps[1])

	// The journal is clean afterwards.
	pending, err := store.HasPendingWork()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestReplayCompensatesInterruptedStop(t *testing.T) {
	c, store, _ := newCoordinator(t)

	require.NoError(t, store.Last.SetUnit("a.service"))
	require.NoError(t, store.Last.PushFrame(reliability.Frame{F1: reliability.FrameUnitStop, F2: reliability.FrameSubStopSigterm}))

	var verbs []job.Verb
	require.NoError(t, c.Restore(nil, func(name string, verb job.Verb) {
		verbs = append(verbs, verb)
	}))
	assert.Equal(t, []job.Verb{job.Stop}, verbs)
}

func TestRestoreWithCleanJournalIsNoop(t *testing.T) {
	c, _, _ := newCoordinator(t)

	called := false
	require.NoError(t, c.Restore(nil, func(string, job.Verb) { called = true }))
	assert.False(t, called)
}

func TestRestoreAdoptsRetainedFDs(t *testing.T) {
	c, store, _ := newCoordinator(t)

	var pipefd [2]int
	require.NoError(t, unix.Pipe2(pipefd[:], unix.O_CLOEXEC))
	defer unix.Close(pipefd[0])
	defer unix.Close(pipefd[1])

	require.NoError(t, store.Pending.Retain(pipefd[0]))
	require.NoError(t, store.Last.SaveSnapshot([]reliability.UnitSnapshot{
		{Name: "b.socket", Kind: "socket", ActiveState: "active", FDs: []int{pipefd[0]}},
	}))

	adopted := map[string][]int{}
	require.NoError(t, c.Restore(func(name string, snap reliability.UnitSnapshot, fds []int) {
		adopted[name] = fds
	}, nil))

	assert.Equal(t, []int{pipefd[0]}, adopted["b.socket"])

	// The pending table is cleared and cloexec restored.
	fds, err := store.Pending.Take()
	require.NoError(t, err)
	assert.Empty(t, fds)
	flags, err := unix.FcntlInt(uintptr(pipefd[0]), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.FD_CLOEXEC)

	// And the snapshot is gone.
	snaps, err := store.Last.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestPrepareSerializesUnits(t *testing.T) {
	c, store, reg := newCoordinator(t)

	e := reg.GetOrCreate("a.service", unit.KindService)
	e.SetLoadState(unit.LoadLoaded)
	e.AddChild(4321)

	require.NoError(t, c.Prepare())

	snaps, err := store.Last.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "a.service", snaps[0].Name)
	assert.Equal(t, []int{4321}, snaps[0].Pids)

	// Quiesce frame is still open (Exec never happened); Abort unwinds.
	pending, err := store.HasPendingWork()
	require.NoError(t, err)
	assert.True(t, pending)

	c.Abort()
	pending, err = store.HasPendingWork()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestReinstateVerb(t *testing.T) {
	v, ok := ReinstateVerb("active")
	require.True(t, ok)
	assert.Equal(t, job.Start, v)

	v, ok = ReinstateVerb("deactivating")
	require.True(t, ok)
	assert.Equal(t, job.Stop, v)

	_, ok = ReinstateVerb("inactive")
	assert.False(t, ok)
}
