package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestTimerOrdering(t *testing.T) {
	l := newLoop(t)

	var fired []string
	l.AddTimerRelative("late", 30*time.Millisecond, 0, func(l *Loop) error {
		fired = append(fired, "late")
		l.Quit(0)
		return nil
	})
	l.AddTimerRelative("early", 5*time.Millisecond, 0, func(*Loop) error {
		fired = append(fired, "early")
		return nil
	})

	code := l.Run()
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"early", "late"}, fired)
}

func TestTimerTieBrokenByPriority(t *testing.T) {
	l := newLoop(t)

	deadline := time.Now().Add(5 * time.Millisecond)
	var fired []string
	l.AddTimer("low-prio", TimerMonotonic, deadline, 10, func(l *Loop) error {
		fired = append(fired, "low-prio")
		l.Quit(0)
		return nil
	})
	l.AddTimer("high-prio", TimerMonotonic, deadline, -10, func(*Loop) error {
		fired = append(fired, "high-prio")
		return nil
	})

	l.Run()
	assert.Equal(t, []string{"high-prio", "low-prio"}, fired)
}

func TestDeferOneShot(t *testing.T) {
	l := newLoop(t)

	runs := 0
	h := l.AddDefer("once", 0, func(l *Loop) error {
		runs++
		return nil
	})
	l.SetEnabled(h, OneShot)

	// Quit only after the loop has had several extra iterations in which
	// the one-shot could (incorrectly) fire again.
	l.AddTimerRelative("quit", 20*time.Millisecond, 0, func(l *Loop) error {
		l.Quit(0)
		return nil
	})

	l.Run()
	assert.Equal(t, 1, runs)
}

func TestIODispatchAndRemove(t *testing.T) {
	l := newLoop(t)

	var pipefd [2]int
	require.NoError(t, unix.Pipe2(pipefd[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(pipefd[0])
	defer unix.Close(pipefd[1])

	got := 0
	h, err := l.AddIO("pipe", pipefd[0], unix.EPOLLIN, 0, func(l *Loop) error {
		var buf [16]byte
		_, _ = unix.Read(pipefd[0], buf[:])
		got++
		l.Remove(Handle{})
		return nil
	})
	require.NoError(t, err)

	_, err = unix.Write(pipefd[1], []byte("x"))
	require.NoError(t, err)

	l.AddTimerRelative("quit", 20*time.Millisecond, 0, func(l *Loop) error {
		l.Remove(h)
		l.Quit(0)
		return nil
	})

	l.Run()
	assert.Equal(t, 1, got)

	// Removing twice is a no-op.
	l.Remove(h)
}

func TestPostRunsAfterDispatch(t *testing.T) {
	l := newLoop(t)

	var order []string
	l.AddPost("post", 0, func(*Loop) error {
		order = append(order, "post")
		return nil
	})
	l.AddTimerRelative("work", 5*time.Millisecond, 0, func(l *Loop) error {
		order = append(order, "work")
		l.Quit(0)
		return nil
	})

	l.Run()
	require.NotEmpty(t, order)
	assert.Equal(t, "work", order[0])
	assert.Contains(t, order, "post")
}

func TestExitSourcesRunOnQuit(t *testing.T) {
	l := newLoop(t)

	var order []string
	l.AddExit("exit-late", 5, func(*Loop) error {
		order = append(order, "late")
		return nil
	})
	l.AddExit("exit-early", -5, func(*Loop) error {
		order = append(order, "early")
		return nil
	})
	l.AddTimerRelative("quit", time.Millisecond, 0, func(l *Loop) error {
		l.Quit(3)
		return nil
	})

	code := l.Run()
	assert.Equal(t, 3, code)
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestRearmPeriodicTimer(t *testing.T) {
	l := newLoop(t)

	runs := 0
	var h Handle
	h = l.AddTimerRelative("tick", time.Millisecond, 0, func(l *Loop) error {
		runs++
		if runs == 3 {
			l.Quit(0)
			return nil
		}
		l.Rearm(h, time.Now().Add(time.Millisecond))
		return nil
	})

	l.Run()
	assert.Equal(t, 3, runs)
}
