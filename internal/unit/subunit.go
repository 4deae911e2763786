package unit

import "context"

// Transition is the immediate outcome of a sub-unit's Start/Stop/Reload
// call: either the state is already settled, or the sub-unit
// will report completion later via the Entry's StateChangeCallback.
type Transition int

const (
	TransitionImmediate Transition = iota
	TransitionAsync
)

// SigchldInfo is the exit payload the reaper hands to a sub-unit's Sigchld
// method: (code, status_signal, dumped_core).
type SigchldInfo struct {
	Pid        int
	Code       int
	Signal     int
	DumpedCore bool
}

// SubUnit is the polymorphic contract every unit kind (service, socket,
// target, mount) implements. The capability set is deliberately small:
// lifecycle entry points, state introspection, child-exit routing, and the
// hooks serialization across re-exec needs.
type SubUnit interface {
	// Load validates and installs the parsed Definition, returning any
	// additional dependency edges it implies (e.g. a socket unit gains a
	// Triggers edge to its target service).
	Load(def *Definition) ([]ImpliedEdge, error)

	// BindNotify installs the closure a sub-unit calls whenever it
	// completes an asynchronous transition (Transition == TransitionAsync)
	// after Start/Stop/Reload has already returned. Entry.Attach wires
	// this to its own Notify method, so the sub-unit never holds a
	// pointer back to its Entry — only this closure.
	BindNotify(fn NotifyFunc)

	Start(ctx context.Context) (Transition, error)
	Stop(ctx context.Context, force bool) (Transition, error)
	Reload(ctx context.Context) (Transition, error)

	CurrentActiveState() ActiveState
	SubState() string

	// Sigchld is mandatory for the service sub-unit; other kinds accept the
	// default no-op embedding NoopSigchld provides.
	Sigchld(info SigchldInfo)

	// CollectFDs returns fds this unit owns, for serialization across
	// re-exec.
	CollectFDs() []int

	// Coldplug reconnects to external resources (timers, socket fds) after
	// a replay; EntryClear releases them on teardown.
	Coldplug()
	EntryClear()
}

// NotifyFunc is how a sub-unit reports an asynchronous ActiveState
// transition back up to its Entry once Start/Stop/Reload has already
// returned TransitionAsync.
type NotifyFunc func(ActiveState)

// ImpliedEdge is a dependency edge a sub-unit's Load wants added to the
// graph beyond what the unit file's [Unit] section names directly — e.g. a
// socket's Triggers/Before edges to its service.
type ImpliedEdge struct {
	Kind EdgeKind
	To   string // unit name; resolved to an ID by the registry at install time
}

// EdgeKind enumerates the tagged edge kinds of the dependency multigraph.
// It lives here, not in internal/depgraph, so that both internal/unit
// (ImpliedEdge) and internal/depgraph can reference it without creating an
// import cycle — depgraph imports unit for ID and EdgeKind; unit never
// imports depgraph.
type EdgeKind int

const (
	EdgeRequires EdgeKind = iota
	EdgeRequisite
	EdgeWants
	EdgeBindsTo
	EdgePartOf
	EdgeBefore
	EdgeAfter
	EdgeTriggers
	EdgeTriggeredBy
	EdgeConflicts
	EdgeOnFailure
	EdgePropagatesReloadTo
	EdgeJoinsNamespaceOf
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeRequires:
		return "Requires"
	case EdgeRequisite:
		return "Requisite"
	case EdgeWants:
		return "Wants"
	case EdgeBindsTo:
		return "BindsTo"
	case EdgePartOf:
		return "PartOf"
	case EdgeBefore:
		return "Before"
	case EdgeAfter:
		return "After"
	case EdgeTriggers:
		return "Triggers"
	case EdgeTriggeredBy:
		return "TriggeredBy"
	case EdgeConflicts:
		return "Conflicts"
	case EdgeOnFailure:
		return "OnFailure"
	case EdgePropagatesReloadTo:
		return "PropagatesReloadTo"
	case EdgeJoinsNamespaceOf:
		return "JoinsNamespaceOf"
	default:
		return "Unknown"
	}
}

// Ordering reports whether the edge kind participates only in topological
// sorting (Before/After) as opposed to requirement fan-out.
func (k EdgeKind) Ordering() bool {
	return k == EdgeBefore || k == EdgeAfter
}

// Inverse returns the edge kind automatically materialized in the opposite
// direction when this edge is inserted (A Before B also records B After A;
// A Requires B also records B RequiredBy A), and whether such an inverse
// exists at all.
func (k EdgeKind) Inverse() (EdgeKind, bool) {
	switch k {
	case EdgeBefore:
		return EdgeAfter, true
	case EdgeAfter:
		return EdgeBefore, true
	case EdgeTriggers:
		return EdgeTriggeredBy, true
	case EdgeTriggeredBy:
		return EdgeTriggers, true
	case EdgeRequires, EdgeRequisite, EdgeWants, EdgeBindsTo:
		return EdgeRequiredBy, true
	default:
		return EdgeKind(-1), false
	}
}

// EdgeRequiredBy is the synthetic reverse-requirement edge materialized for
// Requires/Requisite/Wants/BindsTo. It is informational only
// — the forward requirement-kind edges remain authoritative for fan-out —
// but the reverse index lets the registry answer "who requires me" in O(1).
const EdgeRequiredBy EdgeKind = 100

// NoopSigchld can be embedded by sub-unit kinds (socket, target, mount)
// for which SIGCHLD handling is a no-op.
type NoopSigchld struct{}

func (NoopSigchld) Sigchld(SigchldInfo) {}

// NotifyBase can be embedded by any SubUnit implementation to get
// BindNotify and an Emit helper for reporting asynchronous completions,
// instead of every kind reimplementing the same closure storage.
type NotifyBase struct {
	fn NotifyFunc
}

func (b *NotifyBase) BindNotify(fn NotifyFunc) { b.fn = fn }

// Emit reports an asynchronous ActiveState transition through the bound
// NotifyFunc, if any.
func (b *NotifyBase) Emit(s ActiveState) {
	if b.fn != nil {
		b.fn(s)
	}
}
