package socket

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"unitd/internal/unit"
)

func streamDef(name, path string) *unit.Definition {
	return &unit.Definition{
		Name: name,
		Kind: unit.KindSocket,
		Socket: unit.SocketSection{
			Listeners: []unit.Listener{
				{Kind: unit.ListenStream, AddressKind: unit.SocketAddressUnix, UnixPath: path},
			},
		},
	}
}

func TestLoadImpliesTriggersAndBefore(t *testing.T) {
	s := New("b.socket", nil, nil)
	edges, err := s.Load(streamDef("b.socket", filepath.Join(t.TempDir(), "b.sock")))
	require.NoError(t, err)

	require.Len(t, edges, 2)
	assert.Equal(t, unit.EdgeTriggers, edges[0].Kind)
	assert.Equal(t, "b.service", edges[0].To)
	assert.Equal(t, unit.EdgeBefore, edges[1].Kind)
	assert.Equal(t, "b.service", edges[1].To)
	assert.Equal(t, "b.service", s.ServiceName())
}

func TestLoadExplicitService(t *testing.T) {
	def := streamDef("b.socket", filepath.Join(t.TempDir(), "b.sock"))
	def.Socket.Service = "handler.service"

	s := New("b.socket", nil, nil)
	edges, err := s.Load(def)
	require.NoError(t, err)
	assert.Equal(t, "handler.service", edges[0].To)
}

func TestLoadRejectsEmptyListeners(t *testing.T) {
	s := New("b.socket", nil, nil)
	_, err := s.Load(&unit.Definition{Name: "b.socket", Kind: unit.KindSocket})
	assert.Error(t, err)
}

func TestLoadRejectsIneligibleSymlinks(t *testing.T) {
	dir := t.TempDir()
	def := &unit.Definition{
		Name: "b.socket",
		Kind: unit.KindSocket,
		Socket: unit.SocketSection{
			Listeners: []unit.Listener{
				{Kind: unit.ListenStream, AddressKind: unit.SocketAddressUnix, UnixPath: filepath.Join(dir, "a.sock")},
				{Kind: unit.ListenStream, AddressKind: unit.SocketAddressUnix, UnixPath: filepath.Join(dir, "b.sock")},
			},
			Symlinks: []string{filepath.Join(dir, "link")},
		},
	}
	s := New("b.socket", nil, nil)
	_, err := s.Load(def)
	assert.Error(t, err)
}

func TestStartStopUnixListener(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.sock")

	s := New("b.socket", nil, nil)
	_, err := s.Load(streamDef("b.socket", path))
	require.NoError(t, err)

	tr, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, unit.TransitionImmediate, tr)
	assert.Equal(t, unit.Active, s.CurrentActiveState())
	assert.Equal(t, "listening", s.SubState())

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.Len(t, s.CollectFDs(), 1)

	// Idempotent: a second Start on an active socket is a no-op.
	_, err = s.Start(context.Background())
	require.NoError(t, err)

	_, err = s.Stop(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, unit.Inactive, s.CurrentActiveState())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSymlinkCreatedAndRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.sock")
	link := filepath.Join(dir, "b.link")

	def := streamDef("b.socket", path)
	def.Socket.Symlinks = []string{link}

	s := New("b.socket", nil, nil)
	_, err := s.Load(def)
	require.NoError(t, err)

	_, err = s.Start(context.Background())
	require.NoError(t, err)

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, path, target)

	_, err = s.Stop(context.Background(), false)
	require.NoError(t, err)
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err))
}

func TestAdoptedFDsSkipBind(t *testing.T) {
	var pipefd [2]int
	require.NoError(t, unix.Pipe2(pipefd[:], unix.O_CLOEXEC))
	defer unix.Close(pipefd[1])

	// The listener path intentionally points into a directory that does
	// not exist: if Start tried to bind instead of adopting, it would
	// fail.
	s := New("b.socket", nil, nil)
	_, err := s.Load(streamDef("b.socket", "/nonexistent-dir-for-test/b.sock"))
	require.NoError(t, err)

	s.SetAdoptedFDs([]int{pipefd[0]})
	_, err = s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, unit.Active, s.CurrentActiveState())
	assert.Equal(t, []int{pipefd[0]}, s.CollectFDs())

	_, err = s.Stop(context.Background(), false)
	require.NoError(t, err)
}
