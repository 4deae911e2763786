package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitd/internal/unit"
)

func simpleDef(name string) *unit.Definition {
	return &unit.Definition{
		Name: name,
		Kind: unit.KindService,
		Service: unit.ServiceSection{
			Type:      unit.TypeSimple,
			ExecStart: []unit.ExecCommand{{Argv0: "/bin/sleep", Args: []string{"1000"}}},
		},
	}
}

func TestLoadRequiresExecStart(t *testing.T) {
	s := New("a.service", nil, nil)
	_, err := s.Load(&unit.Definition{
		Name:    "a.service",
		Kind:    unit.KindService,
		Service: unit.ServiceSection{Type: unit.TypeSimple},
	})
	assert.Error(t, err)

	// Oneshot without ExecStart is legal.
	_, err = s.Load(&unit.Definition{
		Name:    "b.service",
		Kind:    unit.KindService,
		Service: unit.ServiceSection{Type: unit.TypeOneshot},
	})
	assert.NoError(t, err)
}

func TestStopOfInactiveServiceIsNoop(t *testing.T) {
	s := New("a.service", nil, nil)
	_, err := s.Load(simpleDef("a.service"))
	require.NoError(t, err)

	tr, err := s.Stop(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, unit.TransitionImmediate, tr)
	assert.Equal(t, unit.Inactive, s.CurrentActiveState())
}

func TestShouldRestartPolicyTable(t *testing.T) {
	cases := []struct {
		policy   unit.RestartPolicy
		exitCode int
		abnormal bool
		want     bool
	}{
		{unit.RestartNo, 1, false, false},
		{unit.RestartNo, 0, false, false},
		{unit.RestartAlways, 0, false, true},
		{unit.RestartAlways, 1, true, true},
		{unit.RestartOnSuccess, 0, false, true},
		{unit.RestartOnSuccess, 1, false, false},
		{unit.RestartOnFailure, 1, false, true},
		{unit.RestartOnFailure, 0, true, true},
		{unit.RestartOnFailure, 0, false, false},
		{unit.RestartOnAbnormal, 0, true, true},
		{unit.RestartOnAbnormal, 1, false, false},
		{unit.RestartOnAbort, 0, true, true},
	}
	for _, tc := range cases {
		s := New("a.service", nil, nil)
		def := simpleDef("a.service")
		def.Service.Restart = tc.policy
		_, err := s.Load(def)
		require.NoError(t, err)

		got := s.shouldRestart(tc.exitCode, tc.abnormal)
		assert.Equalf(t, tc.want, got, "policy=%s code=%d abnormal=%v", tc.policy, tc.exitCode, tc.abnormal)
	}
}

func TestTimeoutDefaults(t *testing.T) {
	s := New("a.service", nil, nil)
	_, err := s.Load(simpleDef("a.service"))
	require.NoError(t, err)

	assert.Equal(t, defaultTimeout, s.startTimeout())
	assert.Equal(t, defaultTimeout, s.stopTimeout())

	def := simpleDef("b.service")
	def.Service.TimeoutStartSec = 5e9
	def.Service.TimeoutStopSec = 7e9
	s2 := New("b.service", nil, nil)
	_, err = s2.Load(def)
	require.NoError(t, err)
	assert.Equal(t, def.Service.TimeoutStartSec, s2.startTimeout())
	assert.Equal(t, def.Service.TimeoutStopSec, s2.stopTimeout())
}

func TestCommandQueue(t *testing.T) {
	q := newQueue([]unit.ExecCommand{{Argv0: "/bin/a"}, {Argv0: "/bin/b"}})
	require.False(t, q.done())
	assert.Equal(t, "/bin/a", q.current().Argv0)

	q.advance()
	assert.Equal(t, "/bin/b", q.current().Argv0)
	q.advance()
	assert.True(t, q.done())

	var nilQueue *commandQueue
	assert.True(t, nilQueue.done())
}

func TestSubStateStrings(t *testing.T) {
	assert.Equal(t, "dead", Dead.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "auto-restart", AutoRestart.String())
	assert.Equal(t, "stop-sigkill", StopSigkill.String())
}

func TestSigchldForUnknownPidIgnored(t *testing.T) {
	s := New("a.service", nil, nil)
	_, err := s.Load(simpleDef("a.service"))
	require.NoError(t, err)

	// No children spawned; a stray exit must not disturb the state.
	s.Sigchld(unit.SigchldInfo{Pid: 12345, Code: 1})
	assert.Equal(t, unit.Inactive, s.CurrentActiveState())
}
