package job

import (
	"time"

	"github.com/google/uuid"

	"unitd/internal/unit"
)

// Verb is the requested operation.
type Verb int

const (
	Start Verb = iota
	Stop
	Reload
	Restart
	TryRestart
	Verify
	Nop
)

func (v Verb) String() string {
	switch v {
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Reload:
		return "reload"
	case Restart:
		return "restart"
	case TryRestart:
		return "try-restart"
	case Verify:
		return "verify"
	case Nop:
		return "nop"
	default:
		return "unknown"
	}
}

// Mode governs how a transaction expands and how it treats jobs already
// queued on the same units.
type Mode int

const (
	Replace Mode = iota
	Fail
	Isolate
	IgnoreDependencies
	IgnoreRequirements
)

func (m Mode) String() string {
	switch m {
	case Replace:
		return "replace"
	case Fail:
		return "fail"
	case Isolate:
		return "isolate"
	case IgnoreDependencies:
		return "ignore-dependencies"
	case IgnoreRequirements:
		return "ignore-requirements"
	default:
		return "unknown"
	}
}

// State is a job's lifecycle position.
type State int

const (
	Waiting State = iota
	Running
	Done
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Finished reports whether the job needs no further dispatch.
func (s State) Finished() bool {
	return s == Done || s == Failed || s == Canceled
}

// Job is one verb against one unit, owned by a transaction.
type Job struct {
	ID   uint64
	Tx   uuid.UUID
	Unit unit.ID
	Verb Verb
	Mode Mode

	State State

	// orderIdx is the unit's position in its transaction's (cycle-broken)
	// topological order; dispatch blocking compares positions instead of
	// raw graph edges so a dropped ordering edge cannot deadlock the
	// transaction.
	orderIdx int

	timeout *time.Timer
}

// Snapshot is a read-only copy handed to observers (unitctl, logs).
type Snapshot struct {
	ID       uint64
	Tx       uuid.UUID
	UnitName string
	Verb     Verb
	State    State
}
