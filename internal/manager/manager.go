// Package manager wires the supervisor together: registry, dependency
// graph, job engine, event loop, reaper, reliability store, and control
// listener are assembled into one explicit Manager value passed around
// instead of hidden globals, so a replay can build a second throwaway
// instance for compensation.
package manager

import (
	"os"

	"golang.org/x/sys/unix"

	"unitd/internal/cgroup"
	"unitd/internal/config"
	"unitd/internal/control"
	"unitd/internal/depgraph"
	"unitd/internal/eventloop"
	"unitd/internal/job"
	"unitd/internal/reaper"
	"unitd/internal/reexec"
	"unitd/internal/registry"
	"unitd/internal/reliability"
	"unitd/internal/unit"
	"unitd/internal/unit/socket"
	"unitd/pkg/logging"
)

const subsystem = "Manager"

// Exit codes (spec'd process-level contract).
const (
	ExitClean       = 0
	ExitConfigError = 1
	ExitRuntime     = 2
	ExitStateLost   = reexec.ExitCodeStateLost
)

// Manager is the supervisor aggregate.
type Manager struct {
	cfg config.Config

	reg     *registry.Registry
	graph   *depgraph.Graph
	engine  *job.Engine
	loop    *eventloop.Loop
	reaper  *reaper.Reaper
	cgroups *cgroup.Manager

	store       *reliability.Store // nil: journaling disabled (best-effort)
	coordinator *reexec.Coordinator

	enablement *enablement
	ctrl       *control.Server
	watcher    *config.Watcher

	// reexecR/W funnel a daemon-reload request from a control goroutine
	// onto the loop thread.
	reexecR, reexecW int
}

// New assembles an unstarted Manager from cfg.
func New(cfg config.Config) (*Manager, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		reg:     registry.New(),
		graph:   depgraph.New(),
		loop:    loop,
		cgroups: cgroup.New(cfg.CgroupRoot),
		reexecR: -1,
		reexecW: -1,
	}

	// A journal that cannot be opened degrades to best-effort mode: the
	// manager must never block a transition on disk. Corruption detected
	// past this point (inside reads) stays fatal.
	store, err := reliability.Open(cfg.StateDir)
	if err != nil {
		logging.Warn(subsystem, "reliability store unavailable, journaling disabled: %v", err)
	} else {
		m.store = store
	}

	var relLast *reliability.Last
	if m.store != nil {
		relLast = m.store.Last
	}
	m.engine = job.NewEngine(m.reg, m.graph, relLast)
	m.reaper = reaper.New(m.reg)
	if m.store != nil {
		m.coordinator = reexec.New(m.store, m.reg, m.engine)
	}
	m.enablement = newEnablement(config.NewStorage(cfg.StateDir))
	m.ctrl = control.NewServer(m)

	if err := m.reaper.Install(m.loop); err != nil {
		m.loop.Close()
		return nil, err
	}
	if err := m.installReexecSource(); err != nil {
		m.loop.Close()
		return nil, err
	}
	return m, nil
}

// installReexecSource registers the pipe that serializes daemon-reload
// requests onto the loop thread.
func (m *Manager) installReexecSource() error {
	var pipefd [2]int
	if err := unix.Pipe2(pipefd[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	m.reexecR, m.reexecW = pipefd[0], pipefd[1]
	_, err := m.loop.AddIO("reexec-request", m.reexecR, unix.EPOLLIN, -50, func(*eventloop.Loop) error {
		var buf [16]byte
		for {
			if _, err := unix.Read(m.reexecR, buf[:]); err != nil {
				break
			}
		}
		m.performReexec()
		return nil
	})
	return err
}

// Loop exposes the event loop for the daemon entrypoint.
func (m *Manager) Loop() *eventloop.Loop { return m.loop }

// Registry exposes the unit registry, mainly for tests.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Graph exposes the dependency graph, mainly for tests.
func (m *Manager) Graph() *depgraph.Graph { return m.graph }

// Engine exposes the job engine, mainly for tests.
func (m *Manager) Engine() *job.Engine { return m.engine }

// Serve binds the control listener and starts accepting in the background.
func (m *Manager) Serve() error {
	l, err := m.ctrl.Listen()
	if err != nil {
		return err
	}
	go m.ctrl.Serve(l)

	if m.cfg.WatchUnits {
		w, err := config.NewWatcher(m.cfg.UnitDirs, m.RequestReexec)
		if err != nil {
			logging.Warn(subsystem, "unit directory watcher unavailable: %v", err)
		} else {
			m.watcher = w
		}
	}
	return nil
}

// Run enters the event loop and blocks until shutdown; the return value is
// the process exit code.
func (m *Manager) Run() int {
	code := m.loop.Run()
	m.teardown()
	return code
}

func (m *Manager) teardown() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.ctrl.Close()
	m.reaper.Uninstall()
	if m.reexecR >= 0 {
		unix.Close(m.reexecR)
		unix.Close(m.reexecW)
	}
	for _, e := range m.reg.All() {
		if sub := e.SubUnit(); sub != nil {
			sub.EntryClear()
		}
	}
	if m.store != nil {
		_ = m.store.Close()
	}
	m.loop.Close()
}

// RequestReexec asks the loop thread to perform a live upgrade; safe from
// any goroutine. With journaling disabled the request degrades to a plain
// in-process reload of unit definitions.
func (m *Manager) RequestReexec() {
	if m.reexecW >= 0 {
		_, _ = unix.Write(m.reexecW, []byte{1})
		m.loop.Wake()
	}
}

// performReexec runs on the loop thread: quiesce, serialize, execve. It
// returns on failure, or after the in-place reload used when no
// coordinator is configured.
func (m *Manager) performReexec() {
	if m.coordinator == nil {
		logging.Warn(subsystem, "daemon-reload without a reliability store: re-reading unit files in place")
		m.ReloadDefinitions()
		return
	}

	logging.Info(subsystem, "re-exec requested: quiescing")
	if err := m.coordinator.Prepare(); err != nil {
		logging.Error(subsystem, err, "re-exec preparation failed, resuming")
		m.coordinator.Abort()
		return
	}

	exe, err := os.Executable()
	if err != nil {
		logging.Error(subsystem, err, "cannot resolve own binary, resuming")
		m.coordinator.Abort()
		return
	}

	if err := m.coordinator.Exec(exe, os.Args); err != nil {
		// The store was closed for exec and the fd state is no longer
		// trustworthy.
		logging.Error(subsystem, err, "execve failed after serialization; supervisory state lost")
		m.loop.Quit(ExitStateLost)
	}
}

// ReloadDefinitions re-reads every loaded unit's definition in place, the
// degraded daemon-reload used when no journal is available.
func (m *Manager) ReloadDefinitions() {
	for _, e := range m.reg.All() {
		if e.LoadState() != unit.LoadLoaded {
			continue
		}
		if _, err := m.LoadUnit(e.Name()); err != nil {
			logging.Warn(subsystem, "reload %s: %v", e.Name(), err)
		}
	}
}

// StartEnabled enqueues a start for every enabled unit, the boot
// transaction equivalent.
func (m *Manager) StartEnabled() {
	for _, name := range m.enablement.enabledUnits() {
		if _, err := m.engine.Enqueue(job.Start, name, job.Replace); err != nil {
			logging.Warn(subsystem, "boot start %s: %v", name, err)
		}
	}
}

// Shutdown stops every unit it can and quits the loop. Safe from any
// goroutine.
func (m *Manager) Shutdown() {
	for _, e := range m.reg.All() {
		st := e.ActiveState()
		if st == unit.Active || st == unit.Activating {
			if _, err := m.engine.Enqueue(job.Stop, e.Name(), job.Replace); err != nil {
				logging.Warn(subsystem, "shutdown stop %s: %v", e.Name(), err)
			}
		}
	}
	m.loop.Quit(ExitClean)
}

// onUnitState fans a unit's state change out to the job engine and keeps
// the socket-activation cycle going: when a triggered service goes down,
// its socket resumes watching.
func (m *Manager) onUnitState(id unit.ID, old, new unit.ActiveState) {
	m.engine.OnUnitStateChange(id, old, new)

	if new == unit.Inactive || new == unit.Failed {
		for _, sockID := range m.graph.Deps(id, unit.EdgeTriggeredBy) {
			ent := m.reg.GetByID(sockID)
			if ent == nil {
				continue
			}
			if s, ok := ent.SubUnit().(*socket.Socket); ok {
				s.ResumeWatch()
			}
		}
	}
}
