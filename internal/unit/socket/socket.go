package socket

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"unitd/internal/errs"
	"unitd/internal/eventloop"
	"unitd/internal/loader"
	"unitd/internal/unit"
	"unitd/pkg/logging"
)

const subsystem = "Socket"

// TriggerFunc starts the paired service, handing over the listener (or, in
// Accept mode, per-connection) fds. instance is "" for the shared service
// and a synthesized per-connection name under Accept=yes.
type TriggerFunc func(serviceName, instance string, files []*os.File) error

// Socket is the socket sub-unit plugin.
type Socket struct {
	unit.NotifyBase
	unit.NoopSigchld

	mu sync.Mutex

	name string
	def  *unit.Definition

	loop    *eventloop.Loop
	trigger TriggerFunc

	serviceName string
	files       []*os.File
	handles     []eventloop.Handle
	symlinked   []string

	adopted []int // fds inherited across re-exec, consumed by the next Start

	state   State
	active  unit.ActiveState
	nAccept uint64
}

// New returns a Socket sub-unit named name. loop may be nil (the listener
// is then opened but never watched — enough for tests and for units that
// only exist to be socket-activated externally); trigger is invoked on the
// loop thread when a listener becomes readable.
func New(name string, loop *eventloop.Loop, trigger TriggerFunc) *Socket {
	return &Socket{name: name, loop: loop, trigger: trigger, active: unit.Inactive}
}

// Load validates the parsed socket section and emits the Triggers/Before
// edges toward the paired service.
func (s *Socket) Load(def *unit.Definition) ([]unit.ImpliedEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(def.Socket.Listeners) == 0 {
		return nil, &errs.ConfigError{Unit: def.Name, Reason: "socket unit has no Listen directives"}
	}
	if len(def.Socket.Symlinks) > 0 && !loader.CanBeSymlinked(&def.Socket) {
		return nil, &errs.ConfigError{Unit: def.Name, Reason: "Symlinks= requires exactly one eligible filesystem listener"}
	}

	s.def = def
	s.serviceName = def.Socket.Service
	if s.serviceName == "" {
		s.serviceName = strings.TrimSuffix(def.Name, ".socket") + ".service"
	}

	return []unit.ImpliedEdge{
		{Kind: unit.EdgeTriggers, To: s.serviceName},
		{Kind: unit.EdgeBefore, To: s.serviceName},
	}, nil
}

// ServiceName returns the unit this socket activates.
func (s *Socket) ServiceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceName
}

func (s *Socket) CurrentActiveState() unit.ActiveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Socket) SubState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Start opens (or re-adopts) every listener and begins watching. Binding is
// synchronous, so activation completes immediately.
func (s *Socket) Start(ctx context.Context) (unit.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == unit.Active {
		return unit.TransitionImmediate, nil
	}
	s.state = StartPre

	if len(s.adopted) > 0 {
		// Listener fds handed over by the previous manager instance: wrap
		// them as-is, no bind is re-issued.
		for i, fd := range s.adopted {
			s.files = append(s.files, os.NewFile(uintptr(fd), fmt.Sprintf("%s-adopted-%d", s.name, i)))
		}
		s.adopted = nil
	} else {
		for _, l := range s.def.Socket.Listeners {
			f, err := open(l)
			if err != nil {
				s.closeAllLocked()
				s.state = Failed
				s.active = unit.Failed
				return unit.TransitionImmediate, &errs.SpawnError{Unit: s.name, Reason: errs.SpawnExecFailed, Err: err}
			}
			s.files = append(s.files, f)
		}
	}

	if err := s.watchLocked(); err != nil {
		s.closeAllLocked()
		s.state = Failed
		s.active = unit.Failed
		return unit.TransitionImmediate, err
	}
	s.createSymlinksLocked()

	s.state = Listening
	s.active = unit.Active
	return unit.TransitionImmediate, nil
}

func (s *Socket) watchLocked() error {
	if s.loop == nil {
		return nil
	}
	for _, f := range s.files {
		f := f
		h, err := s.loop.AddIO(s.name+"/"+f.Name(), int(f.Fd()), unix.EPOLLIN, 0, func(*eventloop.Loop) error {
			return s.onReadable(f)
		})
		if err != nil {
			return fmt.Errorf("socket %s: watch %s: %w", s.name, f.Name(), err)
		}
		s.handles = append(s.handles, h)
	}
	return nil
}

// onReadable fires on the loop thread when a watched listener has pending
// input or a pending connection.
func (s *Socket) onReadable(f *os.File) error {
	s.mu.Lock()
	accept := s.def.Socket.Accept
	trigger := s.trigger
	s.mu.Unlock()

	if trigger == nil {
		return nil
	}

	if !accept {
		// Hand every listener to the shared service instance and stop
		// watching until it goes back down; the fds stay open here — the
		// service inherits duplicates.
		s.mu.Lock()
		s.state = Running
		s.suspendWatchLocked()
		files := append([]*os.File(nil), s.files...)
		name := s.serviceName
		s.mu.Unlock()

		logging.Info(subsystem, "%s: activity, triggering %s", s.name, name)
		return trigger(name, "", files)
	}

	// Accept=yes: one service instance per connection; the parent listener
	// stays open and keeps accepting.
	nfd, _, err := unix.Accept4(int(f.Fd()), unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return fmt.Errorf("socket %s: accept: %w", s.name, err)
	}

	s.mu.Lock()
	s.nAccept++
	instance := fmt.Sprintf("%s@%d.service", strings.TrimSuffix(s.name, ".socket"), s.nAccept)
	name := s.serviceName
	s.mu.Unlock()

	conn := os.NewFile(uintptr(nfd), instance)
	logging.Info(subsystem, "%s: accepted connection, spawning %s", s.name, instance)
	return trigger(name, instance, []*os.File{conn})
}

func (s *Socket) suspendWatchLocked() {
	if s.loop == nil {
		return
	}
	for _, h := range s.handles {
		s.loop.SetEnabled(h, eventloop.Off)
	}
}

// ResumeWatch re-enables listener watching once the triggered service has
// deactivated, so the next connection re-activates it.
func (s *Socket) ResumeWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != unit.Active {
		return
	}
	s.state = Listening
	if s.loop == nil {
		return
	}
	for _, h := range s.handles {
		s.loop.SetEnabled(h, eventloop.On)
	}
}

func (s *Socket) createSymlinksLocked() {
	if len(s.def.Socket.Symlinks) == 0 {
		return
	}
	var target string
	for _, l := range s.def.Socket.Listeners {
		if l.Kind != unit.ListenNetlink && l.AddressKind == unit.SocketAddressUnix && !l.Abstract {
			target = l.UnixPath
			break
		}
	}
	for _, link := range s.def.Socket.Symlinks {
		if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
			logging.Warn(subsystem, "%s: symlink %s -> %s: %v", s.name, link, target, err)
			continue
		}
		s.symlinked = append(s.symlinked, link)
	}
}

// Stop closes every listener and removes created symlinks and unix socket
// paths.
func (s *Socket) Stop(ctx context.Context, force bool) (unit.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == unit.Inactive {
		return unit.TransitionImmediate, nil
	}
	s.state = StopPre
	s.closeAllLocked()
	s.state = Dead
	s.active = unit.Inactive
	return unit.TransitionImmediate, nil
}

func (s *Socket) closeAllLocked() {
	if s.loop != nil {
		for _, h := range s.handles {
			s.loop.Remove(h)
		}
	}
	s.handles = nil

	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = nil

	for _, link := range s.symlinked {
		_ = os.Remove(link)
	}
	s.symlinked = nil

	if s.def != nil {
		for _, l := range s.def.Socket.Listeners {
			if l.AddressKind == unit.SocketAddressUnix && !l.Abstract {
				_ = os.Remove(l.UnixPath)
			}
		}
	}
}

// Reload is meaningless for a socket; the listeners stay as they are.
func (s *Socket) Reload(ctx context.Context) (unit.Transition, error) {
	return unit.TransitionImmediate, nil
}

// CollectFDs returns the raw listener fds for retention across re-exec.
func (s *Socket) CollectFDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, int(f.Fd()))
	}
	return out
}

// SetAdoptedFDs stages fds inherited from the previous manager instance;
// the next Start wraps them instead of binding fresh sockets.
func (s *Socket) SetAdoptedFDs(fds []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adopted = append([]int(nil), fds...)
}

// Coldplug re-attaches watching after a replay restored the listener fds.
func (s *Socket) Coldplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != unit.Active || len(s.handles) > 0 {
		return
	}
	if err := s.watchLocked(); err != nil {
		logging.Warn(subsystem, "%s: coldplug watch: %v", s.name, err)
	}
}

// EntryClear releases everything on teardown.
func (s *Socket) EntryClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllLocked()
}
