package job

import (
	"fmt"

	"github.com/google/uuid"

	"unitd/internal/depgraph"
	"unitd/internal/errs"
	"unitd/internal/unit"
	"unitd/pkg/logging"
)

// txn accumulates a transaction while it is being built. Nothing in here
// touches the engine's global state until commit.
type txn struct {
	id    uuid.UUID
	jobs  map[unit.ID]*Job // primary job per unit
	after map[unit.ID]*Job // queued second half of a restart
	order []unit.ID        // topological activation order over the scope

	cancels []*Job // pre-existing jobs this transaction supersedes
}

// Enqueue builds and commits a transaction for verb on unitName: seed,
// expand along requirement edges per mode, merge against queued jobs,
// order topologically, then install atomically. On error the global job
// set is untouched.
func (e *Engine) Enqueue(verb Verb, unitName string, mode Mode) (uuid.UUID, error) {
	e.mu.Lock()
	if e.quiesced {
		e.mu.Unlock()
		return uuid.Nil, fmt.Errorf("job engine is quiesced (re-exec in progress)")
	}

	seed, ok := e.reg.ID(unitName)
	if !ok {
		e.mu.Unlock()
		return uuid.Nil, &errs.DependencyError{Reason: errs.DependencyMissing, Detail: unitName}
	}

	tx := &txn{
		id:    uuid.New(),
		jobs:  make(map[unit.ID]*Job),
		after: make(map[unit.ID]*Job),
	}

	if err := e.buildLocked(tx, verb, seed, mode); err != nil {
		e.mu.Unlock()
		return uuid.Nil, err
	}
	if err := e.mergeLocked(tx, mode); err != nil {
		e.mu.Unlock()
		return uuid.Nil, err
	}

	e.commitLocked(tx)
	e.mu.Unlock()

	e.kick()
	return tx.id, nil
}

// buildLocked seeds the transaction and expands it per mode.
func (e *Engine) buildLocked(tx *txn, verb Verb, seed unit.ID, mode Mode) error {
	tx.jobs[seed] = e.newJobLocked(tx, seed, verb, mode)
	if verb == Restart || verb == TryRestart {
		tx.after[seed] = e.newJobLocked(tx, seed, Start, mode)
	}

	scope := map[unit.ID]bool{seed: true}

	expand := mode != IgnoreDependencies && mode != IgnoreRequirements
	if expand {
		switch verb {
		case Start, Restart, TryRestart, Reload:
			scope = e.graph.RequirementClosure([]unit.ID{seed}, depgraph.DefaultRequirementKinds)
			for id := range scope {
				if _, ok := tx.jobs[id]; ok {
					continue
				}
				tx.jobs[id] = e.newJobLocked(tx, id, Start, mode)
			}
			// Negative edges fan out stop jobs.
			members := make([]unit.ID, 0, len(scope))
			for id := range scope {
				members = append(members, id)
			}
			for _, id := range members {
				for _, conflict := range e.graph.Deps(id, unit.EdgeConflicts) {
					if existing, ok := tx.jobs[conflict]; ok {
						if existing.Verb == Stop {
							continue
						}
						return &errs.DependencyError{Reason: errs.DependencyConflict,
							Detail: fmt.Sprintf("%s both required and conflicted", e.nameLocked(conflict))}
					}
					tx.jobs[conflict] = e.newJobLocked(tx, conflict, Stop, mode)
					scope[conflict] = true
				}
			}
			// Requirement-edge cycles abort the transaction; the graph is
			// left unchanged.
			if err := e.graph.CheckRequirementCycle(scope, depgraph.DefaultRequirementKinds); err != nil {
				return err
			}
		case Stop:
			// Stopping a unit stops everything bound to it.
			scope = e.reverseRequirementClosureLocked(seed)
			for id := range scope {
				if _, ok := tx.jobs[id]; ok {
					continue
				}
				tx.jobs[id] = e.newJobLocked(tx, id, Stop, mode)
			}
		}
	}

	if mode == Isolate {
		for _, ent := range e.reg.All() {
			if scope[ent.ID()] {
				continue
			}
			st := ent.ActiveState()
			if st == unit.Active || st == unit.Activating {
				tx.jobs[ent.ID()] = e.newJobLocked(tx, ent.ID(), Stop, mode)
				scope[ent.ID()] = true
			}
		}
	}

	res := e.graph.OrderingClosure(scope)
	for _, d := range res.Dropped {
		logging.Warn(subsystem, "ordering cycle: dropped edge %s After %s", e.nameLocked(d.Src), e.nameLocked(d.Dst))
	}
	tx.order = res.Order
	return nil
}

// reverseRequirementClosureLocked walks dependents over the hard
// requirement kinds: units that Require or BindTo anything in the closure
// get stopped along with it.
func (e *Engine) reverseRequirementClosureLocked(seed unit.ID) map[unit.ID]bool {
	out := map[unit.ID]bool{seed: true}
	queue := []unit.ID{seed}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range e.graph.Dependents(id, unit.EdgeRequires, unit.EdgeBindsTo) {
			if !out[dep] {
				out[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// mergeLocked reconciles the transaction against jobs already queued. Per
// the verb×verb table, compatible jobs collapse; incompatible ones resolve
// by mode — Fail aborts the transaction, anything else supersedes the old
// job.
func (e *Engine) mergeLocked(tx *txn, mode Mode) error {
	for id, j := range tx.jobs {
		existing, ok := e.current[id]
		if !ok || existing.State.Finished() {
			continue
		}

		merged, compatible := mergeVerbs(existing.Verb, j.Verb)
		if compatible {
			if existing.State == Waiting {
				// Collapse into the new transaction with the merged verb.
				j.Verb = merged
				tx.cancels = append(tx.cancels, existing)
			} else {
				// Already running with a compatible verb: let it finish
				// and drop ours.
				delete(tx.jobs, id)
			}
			continue
		}

		if mode == Fail {
			return &errs.TransactionConflict{
				Unit:   e.nameLocked(id),
				Detail: fmt.Sprintf("%s conflicts with queued %s", j.Verb, existing.Verb),
			}
		}
		tx.cancels = append(tx.cancels, existing)
	}
	return nil
}

// commitLocked installs the transaction into the global job set. All
// validation has passed; from here the transaction is fully visible.
func (e *Engine) commitLocked(tx *txn) {
	for _, old := range tx.cancels {
		old.State = Canceled
		if e.current[old.Unit] == old {
			delete(e.current, old.Unit)
		}
		if e.pending[old.Unit] == old {
			delete(e.pending, old.Unit)
		}
		e.finished = append(e.finished, e.snapshotLocked(old))
	}

	// Install in topological order so pickRunnable's scan is
	// deterministic.
	idx := 0
	for _, id := range tx.order {
		j, ok := tx.jobs[id]
		if !ok {
			continue
		}
		e.installLocked(tx, j, idx)
		idx++
	}
	// Jobs whose units carry no ordering position (outside the closure's
	// order, e.g. added after the sort) still install, at the tail.
	for id, j := range tx.jobs {
		if e.current[id] == j {
			continue
		}
		e.installLocked(tx, j, idx)
		idx++
	}

	logging.Debug(subsystem, "transaction %s committed: %d job(s)", tx.id, len(tx.jobs))
}

func (e *Engine) installLocked(tx *txn, j *Job, idx int) {
	j.State = Waiting
	j.orderIdx = idx
	e.current[j.Unit] = j
	e.order = append(e.order, j)
	if second, ok := tx.after[j.Unit]; ok {
		second.State = Waiting
		second.orderIdx = idx
		e.pending[j.Unit] = second
	}
}

func (e *Engine) newJobLocked(tx *txn, id unit.ID, verb Verb, mode Mode) *Job {
	e.nextID++
	return &Job{ID: e.nextID, Tx: tx.id, Unit: id, Verb: verb, Mode: mode}
}

func (e *Engine) nameLocked(id unit.ID) string {
	if ent := e.reg.GetByID(id); ent != nil {
		return ent.Name()
	}
	return fmt.Sprintf("unit-%d", id)
}
