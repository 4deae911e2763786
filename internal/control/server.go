package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/coreos/go-systemd/v22/activation"

	"unitd/pkg/logging"
)

const subsystem = "Control"

// Handler is the manager-side sink for decoded control requests. Methods
// are invoked from per-connection goroutines and must be safe for
// concurrent use.
type Handler interface {
	UnitCommand(action string, units []string) Reply
	SystemCommand(action string) Reply
	ManagerCommand(action string) Reply
	UnitFileCommand(action, file string) Reply
}

// Server accepts control connections and dispatches frames to a Handler.
type Server struct {
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer returns an unstarted Server around handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Listen binds the control socket: an inherited socket-activation listener
// when the manager was itself launched that way, else loopback on the
// default port, falling back to the alternate port when the default is
// taken.
func (s *Server) Listen() (net.Listener, error) {
	if inherited, err := activation.Listeners(); err == nil && len(inherited) > 0 && inherited[0] != nil {
		logging.Info(subsystem, "using inherited control listener %s", inherited[0].Addr())
		return s.setListener(inherited[0]), nil
	}

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", DefaultPort))
	if err != nil {
		l, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", FallbackPort))
		if err != nil {
			return nil, fmt.Errorf("control: bind %d and fallback %d both failed: %w", DefaultPort, FallbackPort, err)
		}
	}
	logging.Info(subsystem, "control listener on %s", l.Addr())
	return s.setListener(l), nil
}

func (s *Server) setListener(l net.Listener) net.Listener {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return l
}

// Serve accepts connections until the listener closes. Each connection is
// handled on its own goroutine; a connection carries any number of frames.
func (s *Server) Serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logging.Warn(subsystem, "accept: %v", err)
			}
			return
		}
		go s.handleConn(conn)
	}
}

// Close shuts the listener down; connections already accepted are not
// closed and keep being served until their clients disconnect.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Debug(subsystem, "connection %s: %v", conn.RemoteAddr(), err)
				_ = writeFrame(conn, Reply{Status: StatusBadRequest, Message: err.Error()})
			}
			return
		}

		reply := s.dispatch(req)
		if err := writeFrame(conn, reply); err != nil {
			logging.Debug(subsystem, "write reply to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) Reply {
	switch {
	case req.UnitComm != nil:
		return s.handler.UnitCommand(req.UnitComm.Action, req.UnitComm.Units)
	case req.SysComm != nil:
		return s.handler.SystemCommand(req.SysComm.Action)
	case req.MngrComm != nil:
		return s.handler.ManagerCommand(req.MngrComm.Action)
	case req.UnitFile != nil:
		return s.handler.UnitFileCommand(req.UnitFile.Action, req.UnitFile.File)
	default:
		return Reply{Status: StatusBadRequest, Message: "empty request envelope"}
	}
}
