// Package reexec drives the manager's live upgrade: quiesce the job
// engine, retain listener fds, serialize supervisory state, execve the new
// binary, and — in the new process — restore what the old one left behind,
// compensating any critical section the journal shows was interrupted.
package reexec

import (
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"unitd/internal/job"
	"unitd/internal/registry"
	"unitd/internal/reliability"
	"unitd/internal/unit"
	"unitd/pkg/logging"
)

const subsystem = "Reexec"

// Coordinator orchestrates the quiesce/serialize/execve/restore flow.
type Coordinator struct {
	store  *reliability.Store
	reg    *registry.Registry
	engine *job.Engine
}

func New(store *reliability.Store, reg *registry.Registry, engine *job.Engine) *Coordinator {
	return &Coordinator{store: store, reg: reg, engine: engine}
}

// Prepare quiesces the engine, retains every fd the units own, and
// serializes the unit graph. After a successful Prepare the only sensible
// next calls are Exec or Abort.
func (c *Coordinator) Prepare() error {
	c.engine.Quiesce()
	if err := c.store.Last.PushFrame(reliability.Frame{F1: reliability.FrameReexecQuiesce}); err != nil {
		return err
	}

	var snaps []reliability.UnitSnapshot
	for _, e := range c.reg.All() {
		snap := reliability.UnitSnapshot{
			Name:        e.Name(),
			Kind:        e.Kind().String(),
			ActiveState: e.ActiveState().String(),
			SubState:    e.SubState(),
			NRestarts:   e.NRestarts(),
			Pids:        e.Children(),
		}
		if sub := e.SubUnit(); sub != nil {
			for _, fd := range sub.CollectFDs() {
				if err := c.store.Pending.Retain(fd); err != nil {
					logging.Warn(subsystem, "retain fd %d of %s: %v", fd, e.Name(), err)
					continue
				}
				snap.FDs = append(snap.FDs, fd)
			}
		}
		snaps = append(snaps, snap)
	}

	if err := c.store.Last.PushFrame(reliability.Frame{F1: reliability.FrameReexecSerialize}); err != nil {
		return err
	}
	if err := c.store.Last.SaveSnapshot(snaps); err != nil {
		return err
	}
	if err := c.store.Last.PopFrame(); err != nil { // serialize done
		return err
	}
	return nil
}

// Exec replaces the process image. On success it does not return; the
// caller deals with a returned error by calling Abort (or exiting with the
// state-lost code if fds can no longer be trusted).
func (c *Coordinator) Exec(argv0 string, argv []string) error {
	if err := c.store.Last.PushFrame(reliability.Frame{F1: reliability.FrameReexecExecve}); err != nil {
		return err
	}
	// The bbolt files must be closed before exec; the new process reopens
	// them.
	if err := c.store.Close(); err != nil {
		return err
	}
	return unix.Exec(argv0, argv, os.Environ())
}

// Abort unwinds a Prepare whose Exec never happened: drop retained fds
// back to cloexec, clear the snapshot and frames, resume the engine.
func (c *Coordinator) Abort() {
	fds, err := c.store.Pending.Take()
	if err == nil {
		for fd := range fds {
			if err := c.store.Pending.Remove(fd); err != nil {
				logging.Warn(subsystem, "unretain fd %d: %v", fd, err)
			}
		}
	}
	_ = c.store.Last.ClearSnapshot()
	_ = c.store.Last.DataClear()
	c.engine.Resume()
}

// AdoptFunc hands a restored unit its inherited listener fds.
type AdoptFunc func(name string, snap reliability.UnitSnapshot, fds []int)

// CompensateFunc re-issues the interrupted operation for a unit during
// frame replay.
type CompensateFunc func(unitName string, verb job.Verb)

// Restore runs in the new (or restarted) process, before the event loop
// starts: adopt retained fds into their units, then walk any interrupted
// frames deepest-first and compensate. Journaling is disabled during
// compensation.
func (c *Coordinator) Restore(adopt AdoptFunc, compensate CompensateFunc) error {
	// Any fd recorded Retaining crashed before it became inheritable and
	// was closed when the pending store was opened; what remains is
	// Retained and live in this process.
	retained, err := c.store.Pending.Take()
	if err != nil {
		return err
	}

	snaps, err := c.store.Last.LoadSnapshot()
	if err != nil {
		return err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })

	for _, snap := range snaps {
		var fds []int
		for _, fd := range snap.FDs {
			if st, ok := retained[fd]; ok && st == reliability.Retained {
				fds = append(fds, fd)
			}
		}
		if adopt != nil {
			adopt(snap.Name, snap, fds)
		}
	}

	// The pending table is authoritative only across the exec boundary;
	// restore the cloexec flag and clear it.
	for fd, st := range retained {
		if st != reliability.Retained {
			continue
		}
		if err := c.store.Pending.Remove(fd); err != nil {
			logging.Warn(subsystem, "clear pending fd %d: %v", fd, err)
		}
	}

	if err := c.replay(compensate); err != nil {
		return err
	}

	if err := c.store.Last.ClearSnapshot(); err != nil {
		return err
	}
	return c.store.Last.DataClear()
}

// replay walks interrupted frames deepest-first and re-issues the work
// they bracket.
func (c *Coordinator) replay(compensate CompensateFunc) error {
	unitName, haveUnit, err := c.store.Last.Unit()
	if err != nil {
		return err
	}
	frames, err := c.store.Last.Frames()
	if err != nil {
		return err
	}
	if !haveUnit && len(frames) == 0 {
		return nil
	}

	c.store.Last.IgnoreSet(true)
	defer c.store.Last.IgnoreSet(false)

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		verb, ok := compensationVerb(f)
		if !ok {
			logging.Debug(subsystem, "frame %s/%s/%s needs no compensation", f.F1, f.F2, f.F3)
			continue
		}
		if !haveUnit {
			logging.Warn(subsystem, "frame %s interrupted but no unit recorded; skipping", f.F1)
			continue
		}
		logging.Info(subsystem, "compensating interrupted %s on %s", f.F1, unitName)
		if compensate != nil {
			compensate(unitName, verb)
		}
	}
	return nil
}

// compensationVerb maps an interrupted frame onto the operation that makes
// the world consistent again: an interrupted start is re-issued, an
// interrupted stop is confirmed by stopping again.
func compensationVerb(f reliability.Frame) (job.Verb, bool) {
	code := f.F1
	if f.F3 != reliability.FrameNone {
		code = f.F3
	} else if f.F2 != reliability.FrameNone {
		code = f.F2
	}

	switch code {
	case reliability.FrameJobRun, reliability.FrameUnitStart,
		reliability.FrameSubStartPre, reliability.FrameSubStart, reliability.FrameSubStartPost:
		return job.Start, true
	case reliability.FrameJobStop, reliability.FrameUnitStop,
		reliability.FrameSubStop, reliability.FrameSubStopSigterm,
		reliability.FrameSubStopSigkill, reliability.FrameSubStopPost:
		return job.Stop, true
	case reliability.FrameJobReload, reliability.FrameUnitReload:
		return job.Reload, true
	default:
		return 0, false
	}
}

// ExitCodeStateLost is the process exit status when a re-exec failed after
// the point of no return.
const ExitCodeStateLost = 3

// ReinstateVerb translates a snapshot's recorded active state into the
// verb that reinstates it during the manager's coldplug pass.
func ReinstateVerb(state string) (job.Verb, bool) {
	switch state {
	case unit.Active.String(), unit.Activating.String():
		return job.Start, true
	case unit.Deactivating.String():
		return job.Stop, true
	default:
		return 0, false
	}
}
