package eventloop

import (
	"container/heap"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"unitd/pkg/logging"
)

const subsystem = "EventLoop"

// Loop is the cooperative scheduler. All methods must be called from the
// loop thread, with the exception of Wake, which is safe from anywhere.
type Loop struct {
	epfd int

	io     map[int]*source // fd -> registered io source
	timers timerHeap
	defers []*source
	posts  []*source
	exits  []*source

	seq      uint64
	quit     atomic.Bool
	exitCode atomic.Int32

	wakeR, wakeW int // self-pipe; lets other threads interrupt epoll_wait
}

// New creates a Loop with its epoll instance and internal wake pipe.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}

	var pipefd [2]int
	if err := unix.Pipe2(pipefd[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: pipe2: %w", err)
	}

	l := &Loop{
		epfd:  epfd,
		io:    make(map[int]*source),
		wakeR: pipefd[0],
		wakeW: pipefd[1],
	}

	// The wake pipe is an ordinary io source at the lowest priority so a
	// Wake never starves real work.
	if _, err := l.AddIO("wake", l.wakeR, unix.EPOLLIN, 127, func(*Loop) error {
		var buf [64]byte
		for {
			if _, err := unix.Read(l.wakeR, buf[:]); err != nil {
				return nil
			}
		}
	}); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the epoll instance and wake pipe. Registered fds belong to
// their owners and are not closed here.
func (l *Loop) Close() {
	unix.Close(l.epfd)
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

// Wake interrupts a blocked epoll_wait. Safe to call from any thread.
func (l *Loop) Wake() {
	_, _ = unix.Write(l.wakeW, []byte{1})
}

// Quit asks the loop to stop after the current iteration; exit sources run
// before Run returns code. Safe to call from any thread.
func (l *Loop) Quit(code int) {
	l.exitCode.Store(int32(code))
	l.quit.Store(true)
	l.Wake()
}

func (l *Loop) newSource(name string, kind EventType, priority int8, fn DispatchFunc) *source {
	l.seq++
	return &source{
		name:     name,
		kind:     kind,
		priority: priority,
		enabled:  On,
		dispatch: fn,
		fd:       -1,
		heapIdx:  -1,
		seq:      l.seq,
	}
}

// AddIO registers fd with the epoll instance under the given event mask.
func (l *Loop) AddIO(name string, fd int, events uint32, priority int8, fn DispatchFunc) (Handle, error) {
	if _, exists := l.io[fd]; exists {
		return Handle{}, fmt.Errorf("eventloop: fd %d already registered", fd)
	}
	s := l.newSource(name, Io, priority, fn)
	s.fd = fd
	s.events = events

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return Handle{}, fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	l.io[fd] = s
	return Handle{s}, nil
}

// AddSignalIO registers a signal-funnel fd (the read end of the pipe a
// signal forwarder writes into) as a Signal-typed source; identical to
// AddIO except for the event type, which keeps signal dispatch
// distinguishable in logs and lets callers order it against io sources via
// priority alone.
func (l *Loop) AddSignalIO(name string, fd int, priority int8, fn DispatchFunc) (Handle, error) {
	h, err := l.AddIO(name, fd, unix.EPOLLIN, priority, fn)
	if err == nil {
		h.s.kind = Signal
	}
	return h, err
}

// AddTimer registers a timer source firing at the absolute deadline.
func (l *Loop) AddTimer(name string, kind EventType, deadline time.Time, priority int8, fn DispatchFunc) Handle {
	s := l.newSource(name, kind, priority, fn)
	s.deadline = deadline
	heap.Push(&l.timers, s)
	return Handle{s}
}

// AddTimerRelative registers a timer source firing d from now, resolved
// against the monotonic clock.
func (l *Loop) AddTimerRelative(name string, d time.Duration, priority int8, fn DispatchFunc) Handle {
	return l.AddTimer(name, TimerMonotonic, time.Now().Add(d), priority, fn)
}

// Rearm pushes a timer source back into the heap with a new deadline. Used
// by periodic timers from inside their own dispatch.
func (l *Loop) Rearm(h Handle, deadline time.Time) {
	s := h.s
	if s == nil || s.removed {
		return
	}
	l.timers.remove(s)
	s.deadline = deadline
	if s.enabled == Off {
		s.enabled = On
	}
	heap.Push(&l.timers, s)
}

// AddDefer registers a source dispatched on every iteration while enabled;
// typically registered OneShot via SetEnabled to mean "run this on the next
// turn of the loop".
func (l *Loop) AddDefer(name string, priority int8, fn DispatchFunc) Handle {
	s := l.newSource(name, Defer, priority, fn)
	l.defers = append(l.defers, s)
	return Handle{s}
}

// AddPost registers a source dispatched after any iteration in which at
// least one other source ran.
func (l *Loop) AddPost(name string, priority int8, fn DispatchFunc) Handle {
	s := l.newSource(name, Post, priority, fn)
	l.posts = append(l.posts, s)
	return Handle{s}
}

// AddExit registers a source dispatched once, in priority order, when the
// loop is quitting.
func (l *Loop) AddExit(name string, priority int8, fn DispatchFunc) Handle {
	s := l.newSource(name, Exit, priority, fn)
	l.exits = append(l.exits, s)
	return Handle{s}
}

// SetEnabled switches a source Off, On, or OneShot.
func (l *Loop) SetEnabled(h Handle, e Enabled) {
	if h.s == nil || h.s.removed {
		return
	}
	h.s.enabled = e
}

// Remove unregisters a source. An io source's fd is detached from epoll
// immediately; the source itself is skipped by any dispatch batch already
// collected (cooperative cancellation).
func (l *Loop) Remove(h Handle) {
	s := h.s
	if s == nil || s.removed {
		return
	}
	s.removed = true
	s.enabled = Off

	switch s.kind {
	case Io, Signal:
		if _, ok := l.io[s.fd]; ok {
			_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
			delete(l.io, s.fd)
		}
	case TimerRealtime, TimerBoottime, TimerMonotonic, TimerRealtimeAlarm, TimerBoottimeAlarm:
		l.timers.remove(s)
	}
}

// Run iterates until Quit is called, then runs exit sources and returns the
// exit code. Each iteration: collect expired timers, poll io with a timeout
// equal to the nearest pending timer, dispatch ready sources in priority
// order.
func (l *Loop) Run() int {
	events := make([]unix.EpollEvent, 32)

	for !l.quit.Load() {
		timeout := l.pollTimeout()

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logging.Error(subsystem, err, "epoll_wait failed")
			l.exitCode.Store(2)
			break
		}

		var batch []*source

		now := time.Now()
		for _, s := range l.timers.popExpired(now) {
			if s.removed || s.enabled == Off {
				continue
			}
			batch = append(batch, s)
		}

		for i := 0; i < n; i++ {
			s, ok := l.io[int(events[i].Fd)]
			if !ok || s.enabled == Off {
				continue
			}
			batch = append(batch, s)
		}

		for _, s := range l.collectDefers() {
			batch = append(batch, s)
		}

		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].priority < batch[j].priority
		})

		dispatched := 0
		for _, s := range batch {
			if s.removed || s.enabled == Off {
				continue
			}
			if s.enabled == OneShot {
				s.enabled = Off
			}
			l.dispatchOne(s)
			dispatched++
		}

		if dispatched > 0 {
			for _, s := range l.posts {
				if s.removed || s.enabled == Off {
					continue
				}
				if s.enabled == OneShot {
					s.enabled = Off
				}
				l.dispatchOne(s)
			}
		}
	}

	exits := append([]*source(nil), l.exits...)
	sort.SliceStable(exits, func(i, j int) bool { return exits[i].priority < exits[j].priority })
	for _, s := range exits {
		if s.removed || s.enabled == Off {
			continue
		}
		l.dispatchOne(s)
	}
	return int(l.exitCode.Load())
}

func (l *Loop) dispatchOne(s *source) {
	if err := s.dispatch(l); err != nil {
		logging.Warn(subsystem, "source %s (%s) dispatch: %v", s.name, s.kind, err)
	}
}

func (l *Loop) collectDefers() []*source {
	var out []*source
	for _, s := range l.defers {
		if s.removed || s.enabled == Off {
			continue
		}
		out = append(out, s)
	}
	return out
}

// pollTimeout returns the epoll_wait timeout in milliseconds: 0 if a defer
// source is pending, the delay to the nearest enabled timer otherwise, or
// -1 (block) when nothing is scheduled.
func (l *Loop) pollTimeout() int {
	if len(l.collectDefers()) > 0 {
		return 0
	}

	var nearest *source
	for _, s := range l.timers {
		if s.removed || s.enabled == Off {
			continue
		}
		if nearest == nil || s.deadline.Before(nearest.deadline) {
			nearest = s
		}
	}
	if nearest == nil {
		return -1
	}
	d := time.Until(nearest.deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
