package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"unitd/internal/depgraph"
	"unitd/internal/errs"
	"unitd/internal/registry"
	"unitd/internal/reliability"
	"unitd/internal/unit"
	"unitd/pkg/logging"
)

const subsystem = "JobEngine"

// Engine holds the global job set and dispatches runnable jobs. Per unit,
// at most one job is current (Waiting or Running) and at most one pending
// replacement is queued behind it.
type Engine struct {
	reg   *registry.Registry
	graph *depgraph.Graph
	rel   *reliability.Last // may be nil; journaling is best-effort

	mu     sync.Mutex
	busy   bool
	nextID uint64

	current map[unit.ID]*Job
	pending map[unit.ID]*Job
	order   []*Job // dispatch candidates, in commit (topological) order

	events   []stateEvent
	finished []Snapshot // retired jobs not yet reported to OnFinished

	jobTimeout time.Duration

	// OnFinished, if set, observes every job reaching a terminal state.
	// Invoked without the engine lock held.
	OnFinished func(Snapshot)

	quiesced bool
}

type stateEvent struct {
	id       unit.ID
	newState unit.ActiveState
}

// NewEngine returns an Engine over reg and graph. rel may be nil to disable
// journaling.
func NewEngine(reg *registry.Registry, graph *depgraph.Graph, rel *reliability.Last) *Engine {
	return &Engine{
		reg:     reg,
		graph:   graph,
		rel:     rel,
		current: make(map[unit.ID]*Job),
		pending: make(map[unit.ID]*Job),
	}
}

// SetJobTimeout arms a per-job timeout: a job Running longer than d is
// marked Failed and OnFailure edges run. Zero disables.
func (e *Engine) SetJobTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobTimeout = d
}

// Quiesce stops the engine accepting new transactions; in-flight jobs keep
// running. Used by the re-exec coordinator.
func (e *Engine) Quiesce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quiesced = true
}

// Resume re-opens the engine after a canceled re-exec.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quiesced = false
}

// OnUnitStateChange is the StateChangeCallback wired into every Entry. It
// may be invoked re-entrantly from inside a dispatch; events queue up and
// are drained by the active kick loop.
func (e *Engine) OnUnitStateChange(id unit.ID, old, new unit.ActiveState) {
	e.mu.Lock()
	e.events = append(e.events, stateEvent{id: id, newState: new})
	e.mu.Unlock()
	e.kick()
}

// Jobs returns a snapshot of every live (unfinished) job.
func (e *Engine) Jobs() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Snapshot
	for _, j := range e.order {
		if j.State.Finished() {
			continue
		}
		out = append(out, e.snapshotLocked(j))
	}
	return out
}

func (e *Engine) snapshotLocked(j *Job) Snapshot {
	name := ""
	if ent := e.reg.GetByID(j.Unit); ent != nil {
		name = ent.Name()
	}
	return Snapshot{ID: j.ID, Tx: j.Tx, UnitName: name, Verb: j.Verb, State: j.State}
}

// CurrentJob returns the current job on a unit, if any.
func (e *Engine) CurrentJob(id unit.ID) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.current[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshotLocked(j), true
}

// Idle reports whether no job is Waiting or Running.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.current) == 0
}

// Cancel cancels the current and pending jobs on a unit.
func (e *Engine) Cancel(id unit.ID) {
	e.mu.Lock()
	if j, ok := e.pending[id]; ok {
		j.State = Canceled
		delete(e.pending, id)
	}
	if j, ok := e.current[id]; ok {
		e.finishLocked(j, Canceled)
	}
	e.mu.Unlock()
	e.kick()
}

// kick drives dispatch until no job is runnable and no state event is
// queued. Only one kick loop runs at a time; sub-unit methods are always
// invoked without the engine lock held, so synchronous notifications simply
// queue more events for the same loop.
func (e *Engine) kick() {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return
	}
	e.busy = true

	for {
		e.drainEventsLocked()

		j := e.pickRunnableLocked()
		if j == nil {
			if len(e.events) > 0 {
				continue
			}
			e.busy = false
			done := e.takeFinishedLocked()
			e.mu.Unlock()
			e.reportFinished(done)
			return
		}

		j.State = Running
		e.armTimeoutLocked(j)
		entry := e.reg.GetByID(j.Unit)
		verb := j.Verb
		e.journalStartLocked(j)
		done := e.takeFinishedLocked()
		e.mu.Unlock()

		e.reportFinished(done)
		tr, err := e.invoke(entry, verb)

		// Reflect synchronous outcomes onto the Entry before retiring the
		// job; Notify re-enters OnUnitStateChange, which only queues an
		// event for this same loop.
		var settled unit.ActiveState
		haveSettled := false
		if err != nil && entry != nil && verb != Verify {
			// Verify only reports; it must not mark the unit Failed.
			entry.MarkFailed(err.Error())
		} else if err == nil && entry != nil {
			if sub := entry.SubUnit(); sub != nil {
				settled = sub.CurrentActiveState()
				haveSettled = tr == unit.TransitionImmediate
				// Mirror the sub-unit's state (Activating/Deactivating
				// for async transitions, the settled state otherwise)
				// onto the Entry; a non-settled state only queues an
				// event this loop will ignore.
				entry.Notify(settled)
			}
		}

		e.mu.Lock()
		if j.State != Running {
			// Canceled or timed out while the sub-unit call was in
			// flight; its outcome no longer matters.
			continue
		}
		switch {
		case err != nil:
			e.finishLocked(j, Failed)
		case tr == unit.TransitionImmediate:
			outcome := Done
			if haveSettled && settled == unit.Failed {
				outcome = Failed
			}
			e.finishLocked(j, outcome)
		default:
			// Async: stays Running until a state event settles it.
		}
	}
}

func (e *Engine) takeFinishedLocked() []Snapshot {
	done := e.finished
	e.finished = nil
	return done
}

func (e *Engine) reportFinished(done []Snapshot) {
	if e.OnFinished == nil {
		return
	}
	for _, snap := range done {
		e.OnFinished(snap)
	}
}

// invoke calls the sub-unit method for verb. Runs without the engine lock.
func (e *Engine) invoke(entry *unit.Entry, verb Verb) (unit.Transition, error) {
	if entry == nil {
		return unit.TransitionImmediate, &errs.DependencyError{Reason: errs.DependencyMissing, Detail: "unit entry disappeared"}
	}
	sub := entry.SubUnit()
	if sub == nil {
		return unit.TransitionImmediate, &errs.LoadError{Unit: entry.Name(), Reason: errs.LoadNotFound}
	}

	ctx := context.Background()
	switch verb {
	case Start:
		return sub.Start(ctx)
	case Stop, Restart:
		// Restart runs as Stop; the queued pending Start takes over once
		// the unit settles Inactive.
		return sub.Stop(ctx, false)
	case TryRestart:
		if entry.ActiveState() != unit.Active {
			return unit.TransitionImmediate, nil
		}
		return sub.Stop(ctx, false)
	case Reload:
		return sub.Reload(ctx)
	case Verify:
		if entry.ActiveState() == unit.Active {
			return unit.TransitionImmediate, nil
		}
		return unit.TransitionImmediate, &errs.RuntimeError{Unit: entry.Name(), Reason: errs.RuntimeSignaled, Detail: "unit not active"}
	default: // Nop
		return unit.TransitionImmediate, nil
	}
}

// drainEventsLocked settles Running jobs against queued unit state events.
// Events for units with no attached job (socket activation, restart policy
// acting on its own) are dropped here; the manager observes those through
// its own Entry callbacks.
func (e *Engine) drainEventsLocked() {
	for len(e.events) > 0 {
		ev := e.events[0]
		e.events = e.events[1:]

		j, ok := e.current[ev.id]
		if !ok || j.State != Running {
			continue
		}

		if outcome, settled := jobOutcome(j.Verb, ev.newState); settled {
			e.finishLocked(j, outcome)
		}
	}
}

// jobOutcome maps a settled unit state onto the outcome for a verb, or
// reports the state as not yet settling for that verb.
func jobOutcome(v Verb, st unit.ActiveState) (State, bool) {
	switch v {
	case Start, Reload:
		switch st {
		case unit.Active:
			return Done, true
		case unit.Failed, unit.Inactive:
			return Failed, true
		}
	case Stop, Restart, TryRestart:
		switch st {
		case unit.Inactive:
			return Done, true
		case unit.Failed:
			return Failed, true
		}
	}
	return 0, false
}

// finishLocked retires a job, promotes its pending replacement, and
// propagates failure.
func (e *Engine) finishLocked(j *Job, outcome State) {
	if j.State.Finished() {
		return
	}
	wasRunning := j.State == Running
	j.State = outcome
	if j.timeout != nil {
		j.timeout.Stop()
		j.timeout = nil
	}
	if wasRunning {
		// Only a dispatched job pushed a frame; popping for a job
		// canceled while still Waiting would unbalance the journal.
		e.journalFinishLocked()
	}

	if e.current[j.Unit] == j {
		delete(e.current, j.Unit)
		if p, ok := e.pending[j.Unit]; ok {
			delete(e.pending, j.Unit)
			e.current[j.Unit] = p
			e.order = append(e.order, p)
		}
	}

	logging.Debug(subsystem, "job %d (%s %s) -> %s", j.ID, j.Verb, e.snapshotLocked(j).UnitName, outcome)

	if outcome == Failed {
		e.propagateFailureLocked(j)
	}
	e.finished = append(e.finished, e.snapshotLocked(j))
}

// propagateFailureLocked handles a failed job: Fail-mode transactions abort
// wholesale, then OnFailure edges trigger their units.
func (e *Engine) propagateFailureLocked(j *Job) {
	if j.Mode == Fail {
		for _, other := range e.order {
			if other.Tx == j.Tx && !other.State.Finished() && other != j {
				if other.State == Waiting {
					if e.current[other.Unit] == other {
						delete(e.current, other.Unit)
					}
					other.State = Canceled
				}
			}
		}
	}

	for _, dst := range e.graph.Deps(j.Unit, unit.EdgeOnFailure) {
		ent := e.reg.GetByID(dst)
		if ent == nil {
			continue
		}
		logging.Info(subsystem, "unit %s failed, triggering OnFailure unit %s", e.snapshotLocked(j).UnitName, ent.Name())
		e.enqueueOnFailureLocked(dst)
	}
}

// enqueueOnFailureLocked installs a bare Start job for an OnFailure target,
// bypassing full transaction building (the target's own dependencies were
// resolved when it was loaded; a failure handler must run even while the
// engine is quiesced mid-teardown).
func (e *Engine) enqueueOnFailureLocked(id unit.ID) {
	if _, busy := e.current[id]; busy {
		return
	}
	e.nextID++
	j := &Job{ID: e.nextID, Tx: uuid.New(), Unit: id, Verb: Start, Mode: Replace, State: Waiting}
	e.current[id] = j
	e.order = append(e.order, j)
}

// pickRunnableLocked returns the first Waiting current job whose ordering
// predecessors within its transaction are finished and whose requirement
// predecessors are in an acceptable state.
func (e *Engine) pickRunnableLocked() *Job {
	for _, j := range e.order {
		if j.State != Waiting || e.current[j.Unit] != j {
			continue
		}
		if e.blockedLocked(j) {
			continue
		}
		if failedDep, bad := e.requirementFailedLocked(j); bad {
			logging.Info(subsystem, "job %d (%s): required dependency %s failed", j.ID, j.Verb, failedDep)
			e.finishLocked(j, Failed)
			continue
		}
		return j
	}
	return nil
}

// blockedLocked reports whether an unfinished job in the same transaction
// exists on one of j's ordering predecessors. Start-like jobs wait on After
// edges; stop-like jobs deactivate in inverse order and wait on Before
// edges. Only edges the transaction's topological order kept count — an
// edge dropped to break an ordering cycle must not block.
func (e *Engine) blockedLocked(j *Job) bool {
	if j.Verb == Stop || j.Verb == Restart || j.Verb == TryRestart {
		for _, dep := range e.graph.Deps(j.Unit, unit.EdgeBefore) {
			if other, ok := e.current[dep]; ok && other.Tx == j.Tx && !other.State.Finished() && other.orderIdx > j.orderIdx {
				return true
			}
		}
		return false
	}
	for _, dep := range e.graph.Deps(j.Unit, unit.EdgeAfter) {
		if other, ok := e.current[dep]; ok && other.Tx == j.Tx && !other.State.Finished() && other.orderIdx < j.orderIdx {
			return true
		}
	}
	return false
}

// requirementFailedLocked reports whether a hard requirement of a start-like
// job has already failed, which fails the job without dispatching it.
func (e *Engine) requirementFailedLocked(j *Job) (string, bool) {
	if j.Verb != Start && j.Verb != Restart {
		return "", false
	}
	for _, dep := range e.graph.Deps(j.Unit, unit.EdgeRequires, unit.EdgeRequisite, unit.EdgeBindsTo) {
		ent := e.reg.GetByID(dep)
		if ent == nil {
			continue
		}
		if ent.ActiveState() == unit.Failed {
			return ent.Name(), true
		}
		if other, ok := e.current[dep]; ok && other.Tx == j.Tx && other.State == Failed {
			return ent.Name(), true
		}
	}
	return "", false
}

func (e *Engine) armTimeoutLocked(j *Job) {
	if e.jobTimeout <= 0 {
		return
	}
	job := j
	j.timeout = time.AfterFunc(e.jobTimeout, func() {
		e.mu.Lock()
		if job.State == Running {
			logging.Warn(subsystem, "job %d (%s %s) timed out", job.ID, job.Verb, e.snapshotLocked(job).UnitName)
			e.finishLocked(job, Failed)
		}
		e.mu.Unlock()
		e.kick()
	})
}

func (e *Engine) journalStartLocked(j *Job) {
	if e.rel == nil {
		return
	}
	code := reliability.FrameJobRun
	switch j.Verb {
	case Stop:
		code = reliability.FrameJobStop
	case Reload:
		code = reliability.FrameJobReload
	}
	if err := e.rel.SetUnit(e.nameLocked(j.Unit)); err != nil {
		logging.Warn(subsystem, "journal unit: %v", err)
	}
	if err := e.rel.PushFrame(reliability.Frame{F1: code}); err != nil {
		logging.Warn(subsystem, "journal frame: %v", err)
	}
}

func (e *Engine) journalFinishLocked() {
	if e.rel == nil {
		return
	}
	if err := e.rel.PopFrame(); err != nil {
		logging.Warn(subsystem, "journal pop: %v", err)
	}
	if err := e.rel.ClearUnit(); err != nil {
		logging.Warn(subsystem, "journal clear: %v", err)
	}
}
