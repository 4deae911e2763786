package reliability

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLastUnitRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir())

	_, ok, err := s.Last.Unit()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Last.SetUnit("a.service"))
	name, ok, err := s.Last.Unit()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.service", name)

	require.NoError(t, s.Last.ClearUnit())
	_, ok, err = s.Last.Unit()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFrameStackPushPop(t *testing.T) {
	s := openStore(t, t.TempDir())

	require.NoError(t, s.Last.PushFrame(Frame{F1: FrameJobRun}))
	require.NoError(t, s.Last.PushFrame(Frame{F1: FrameUnitStart, F2: FrameSubStartPre}))

	frames, err := s.Last.Frames()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameJobRun, frames[0].F1)
	assert.Equal(t, FrameSubStartPre, frames[1].F2)

	require.NoError(t, s.Last.PopFrame())
	frames, err = s.Last.Frames()
	require.NoError(t, err)
	assert.Len(t, frames, 1)

	require.NoError(t, s.Last.PopFrame())
	frames, err = s.Last.Frames()
	require.NoError(t, err)
	assert.Empty(t, frames)

	// Popping an empty stack is harmless.
	require.NoError(t, s.Last.PopFrame())
}

func TestIgnoreSetSuppressesJournaling(t *testing.T) {
	s := openStore(t, t.TempDir())

	s.Last.IgnoreSet(true)
	require.NoError(t, s.Last.SetUnit("a.service"))
	require.NoError(t, s.Last.PushFrame(Frame{F1: FrameJobRun}))
	s.Last.IgnoreSet(false)

	_, ok, err := s.Last.Unit()
	require.NoError(t, err)
	assert.False(t, ok)
	frames, err := s.Last.Frames()
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestHasPendingWork(t *testing.T) {
	s := openStore(t, t.TempDir())

	pending, err := s.HasPendingWork()
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, s.Last.PushFrame(Frame{F1: FrameUnitStart}))
	pending, err = s.HasPendingWork()
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, s.Last.DataClear())
	pending, err = s.HasPendingWork()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestPendingRetainRemove(t *testing.T) {
	s := openStore(t, t.TempDir())

	var pipefd [2]int
	require.NoError(t, unix.Pipe2(pipefd[:], unix.O_CLOEXEC))
	defer unix.Close(pipefd[0])
	defer unix.Close(pipefd[1])

	require.NoError(t, s.Pending.Retain(pipefd[0]))

	// CLOEXEC must be cleared now.
	flags, err := unix.FcntlInt(uintptr(pipefd[0]), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.FD_CLOEXEC)

	fds, err := s.Pending.Take()
	require.NoError(t, err)
	assert.Equal(t, Retained, fds[pipefd[0]])

	// Double retain is a no-op.
	require.NoError(t, s.Pending.Retain(pipefd[0]))

	require.NoError(t, s.Pending.Remove(pipefd[0]))
	flags, err = unix.FcntlInt(uintptr(pipefd[0]), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.FD_CLOEXEC)

	fds, err = s.Pending.Take()
	require.NoError(t, err)
	assert.Empty(t, fds)
}

func TestPendingMakeConsistentDropsInDoubtFDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.mdb")

	// Simulate a crash mid-retain: a Retaining record with no matching
	// Retained state.
	p, err := OpenPending(path)
	require.NoError(t, err)
	var pipefd [2]int
	require.NoError(t, unix.Pipe2(pipefd[:], 0))
	require.NoError(t, p.setState(pipefd[0], Retaining))
	require.NoError(t, p.Close())

	// Reopening closes and drops the in-doubt fd.
	p, err = OpenPending(path)
	require.NoError(t, err)
	defer p.Close()

	fds, err := p.Take()
	require.NoError(t, err)
	assert.Empty(t, fds)
	unix.Close(pipefd[1])
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir())

	in := []UnitSnapshot{
		{Name: "b.socket", Kind: "socket", ActiveState: "active", SubState: "listening", FDs: []int{7}},
		{Name: "a.service", Kind: "service", ActiveState: "active", SubState: "running", NRestarts: 2, Pids: []int{123}},
	}
	require.NoError(t, s.Last.SaveSnapshot(in))

	out, err := s.Last.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, out, 2)

	byName := map[string]UnitSnapshot{}
	for _, u := range out {
		byName[u.Name] = u
	}
	assert.Equal(t, []int{7}, byName["b.socket"].FDs)
	assert.Equal(t, 2, byName["a.service"].NRestarts)

	require.NoError(t, s.Last.ClearSnapshot())
	out, err = s.Last.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, out)
}
