package manager

import (
	"golang.org/x/sys/unix"

	"unitd/internal/job"
	"unitd/internal/reexec"
	"unitd/internal/reliability"
	"unitd/internal/unit"
	"unitd/internal/unit/socket"
	"unitd/pkg/logging"
)

// Restore replays whatever the previous manager instance left behind:
// adopt retained listener fds into their socket units, reinstate recorded
// active states, re-track surviving child pids, and compensate interrupted
// critical sections. Must run after LoadAll and before the loop starts.
func (m *Manager) Restore() error {
	if m.coordinator == nil {
		return nil
	}

	err := m.coordinator.Restore(m.adoptUnit, m.compensate)
	if err != nil {
		return err
	}

	for _, e := range m.reg.All() {
		if sub := e.SubUnit(); sub != nil {
			sub.Coldplug()
		}
	}
	return nil
}

// adoptUnit reconnects one snapshotted unit to its inherited resources.
func (m *Manager) adoptUnit(name string, snap reliability.UnitSnapshot, fds []int) {
	e := m.reg.Get(name)
	if e == nil || e.LoadState() != unit.LoadLoaded {
		logging.Warn(subsystem, "snapshot names %s but it is no longer loadable; dropping", name)
		closeAdopted(fds)
		return
	}

	if len(fds) > 0 {
		if s, ok := e.SubUnit().(*socket.Socket); ok {
			s.SetAdoptedFDs(fds)
		} else {
			logging.Warn(subsystem, "snapshot carries fds for non-socket unit %s; closing", name)
			closeAdopted(fds)
		}
	}

	for _, pid := range snap.Pids {
		e.AddChild(pid)
		m.reaper.Track(pid, e.ID())
	}

	if verb, ok := reexec.ReinstateVerb(snap.ActiveState); ok {
		if _, err := m.engine.Enqueue(verb, name, job.Replace); err != nil {
			logging.Warn(subsystem, "reinstate %s for %s: %v", verb, name, err)
		}
	}
}

// compensate re-issues the operation an interrupted frame brackets.
func (m *Manager) compensate(unitName string, verb job.Verb) {
	if _, err := m.engine.Enqueue(verb, unitName, job.Replace); err != nil {
		logging.Warn(subsystem, "compensate %s %s: %v", verb, unitName, err)
	}
}

func closeAdopted(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
