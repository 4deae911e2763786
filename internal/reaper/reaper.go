// Package reaper correlates SIGCHLD to the owning unit. Exits are drained
// non-blockingly on each dispatch and routed through a global pid→unit
// index; orphans with no owning unit are logged and discarded.
package reaper

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"unitd/internal/eventloop"
	"unitd/internal/unit"
	"unitd/pkg/logging"
)

const subsystem = "Reaper"

// Owner is the view of the registry the reaper needs: resolve a unit id to
// the Entry whose children set contains the pid.
type Owner interface {
	GetByID(id unit.ID) *unit.Entry
}

// Reaper owns the pid→unit index (invariant: every tracked pid maps to
// exactly one unit) and routes wait statuses to the owning sub-unit.
type Reaper struct {
	mu    sync.Mutex
	pids  map[int]unit.ID
	owner Owner

	sigR, sigW int // pipe the signal forwarder writes into
	sigCh      chan os.Signal
	handle     eventloop.Handle
}

// New returns a Reaper resolving units through owner.
func New(owner Owner) *Reaper {
	return &Reaper{
		pids:  make(map[int]unit.ID),
		owner: owner,
		sigR:  -1,
		sigW:  -1,
	}
}

// Track records that pid belongs to id. Called by spawn sites on the loop
// thread, before the child can possibly exit (the pipeline holds the pid
// until the exec has been issued).
func (r *Reaper) Track(pid int, id unit.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[pid] = id
}

// Untrack drops a pid without routing an exit, used during unit teardown.
func (r *Reaper) Untrack(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, pid)
}

// OwnerOf returns the unit owning pid, if tracked.
func (r *Reaper) OwnerOf(pid int) (unit.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.pids[pid]
	return id, ok
}

// Tracked returns the number of pids currently indexed.
func (r *Reaper) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pids)
}

// Install funnels SIGCHLD into loop: deliveries are forwarded from the Go
// signal handler into a pipe whose read end is a Signal source, so all
// supervisory state is still mutated only from the loop thread.
func (r *Reaper) Install(loop *eventloop.Loop) error {
	var pipefd [2]int
	if err := unix.Pipe2(pipefd[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	r.sigR, r.sigW = pipefd[0], pipefd[1]

	r.sigCh = make(chan os.Signal, 64)
	signal.Notify(r.sigCh, unix.SIGCHLD)
	go func() {
		for range r.sigCh {
			_, _ = unix.Write(r.sigW, []byte{1})
		}
	}()

	h, err := loop.AddSignalIO("sigchld", r.sigR, -100, r.dispatch)
	if err != nil {
		r.Uninstall()
		return err
	}
	r.handle = h
	return nil
}

// Uninstall stops signal forwarding and closes the funnel pipe.
func (r *Reaper) Uninstall() {
	if r.sigCh != nil {
		signal.Stop(r.sigCh)
		close(r.sigCh)
		r.sigCh = nil
	}
	if r.sigR >= 0 {
		unix.Close(r.sigR)
		unix.Close(r.sigW)
		r.sigR, r.sigW = -1, -1
	}
}

// dispatch drains the funnel pipe, then reaps every available child.
func (r *Reaper) dispatch(*eventloop.Loop) error {
	var buf [64]byte
	for {
		if _, err := unix.Read(r.sigR, buf[:]); err != nil {
			break
		}
	}
	r.ReapAll()
	return nil
}

// ReapAll non-blockingly waits for all available children and routes each
// exit to its owning unit.
func (r *Reaper) ReapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		r.route(pid, ws)
	}
}

// route converts a wait status to a SigchldInfo and delivers it to the
// owning unit's sub-unit, clearing the pid from that unit's children.
func (r *Reaper) route(pid int, ws unix.WaitStatus) {
	r.mu.Lock()
	id, ok := r.pids[pid]
	if ok {
		delete(r.pids, pid)
	}
	r.mu.Unlock()

	if !ok {
		logging.Debug(subsystem, "reaped orphan pid %d (status %d), no owning unit", pid, ws)
		return
	}

	e := r.owner.GetByID(id)
	if e == nil {
		logging.Warn(subsystem, "pid %d owned by unknown unit id %d", pid, id)
		return
	}

	info := exitInfo(pid, ws)
	e.RemoveChild(pid)
	if sub := e.SubUnit(); sub != nil {
		sub.Sigchld(info)
	}
}

// exitInfo maps a wait status onto (code, status_signal, dumped_core).
func exitInfo(pid int, ws unix.WaitStatus) unit.SigchldInfo {
	info := unit.SigchldInfo{Pid: pid}
	switch {
	case ws.Exited():
		info.Code = ws.ExitStatus()
	case ws.Signaled():
		info.Signal = int(ws.Signal())
		info.DumpedCore = ws.CoreDump()
		info.Code = 128 + int(ws.Signal())
	}
	return info
}

// Deliver injects a synthetic exit for pid, bypassing wait4. Only the
// tests call it.
func (r *Reaper) Deliver(pid int, code int, sig syscall.Signal, core bool) {
	r.route(pid, synthStatus(code, sig, core))
}

// synthStatus builds a wait status equivalent to the kernel's encoding for
// an exit code or terminating signal.
func synthStatus(code int, sig syscall.Signal, core bool) unix.WaitStatus {
	if sig != 0 {
		w := uint32(sig)
		if core {
			w |= 0x80
		}
		return unix.WaitStatus(w)
	}
	return unix.WaitStatus(uint32(code) << 8)
}
