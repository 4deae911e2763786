package service

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"unitd/internal/cgroup"
	"unitd/internal/errs"
	"unitd/internal/reliability"
	"unitd/internal/unit"
	"unitd/pkg/logging"
)

const subsystem = "Service"

// defaultTimeout is used for TimeoutStartSec/TimeoutStopSec when the unit
// file does not set one, matching the conventional init-system default.
const defaultTimeout = 90 * time.Second

type stage int

const (
	stageCondition stage = iota
	stageStartPre
	stageStart
	stageStartPost
	stageReload
	stageStop
	stageStopPost
)

// Service is the service sub-unit plugin. It owns the
// ExecCondition/.../ExecStopPost pipeline, tracks the main and control
// pids, and drives the Restart= policy and watchdog on its own schedule —
// neither is a Job Engine transaction.
type Service struct {
	unit.NotifyBase

	mu sync.Mutex

	name string
	def  *unit.Definition

	cgroups    *cgroup.Manager
	cgroupPath string

	rel *reliability.Last

	state  State
	active unit.ActiveState

	stage      stage
	queue      *commandQueue
	controlCmd *exec.Cmd
	mainCmd    *exec.Cmd
	forceStop  bool

	nRestarts     int
	restartTimer  *time.Timer
	watchdogTimer *time.Timer
	timeoutTimer  *time.Timer

	frameRoot reliability.FrameCode // outer critical section currently open

	extraFiles []*os.File // inherited listener fds from a triggering socket unit
}

// New returns a Service sub-unit named name, using cgroups for process
// grouping and rel (optional, may be nil in tests) to journal sub-frames
// around each critical transition.
func New(name string, cgroups *cgroup.Manager, rel *reliability.Last) *Service {
	return &Service{name: name, cgroups: cgroups, rel: rel, active: unit.Inactive}
}

// SetExtraFiles attaches fds (e.g. a socket unit's listener) to be
// inherited by the next ExecStart spawn — the socket-activation handoff.
func (s *Service) SetExtraFiles(files []*os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraFiles = files
}

func (s *Service) Load(def *unit.Definition) ([]unit.ImpliedEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(def.Service.ExecStart) == 0 && def.Service.Type != unit.TypeOneshot {
		return nil, &errs.ConfigError{Unit: def.Name, Reason: "ExecStart is required"}
	}
	s.def = def
	if s.cgroups != nil {
		s.cgroupPath = s.cgroups.PathFor(def.Name, def.Service.Slice)
	}
	return nil, nil
}

func (s *Service) CurrentActiveState() unit.ActiveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) SubState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

func (s *Service) CollectFDs() []int { return nil }

func (s *Service) Coldplug() {}

func (s *Service) EntryClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
}

func (s *Service) stopTimersLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	if s.watchdogTimer != nil {
		s.watchdogTimer.Stop()
	}
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
}

// Start begins activation: ExecCondition, then ExecStartPre, then
// ExecStart. It returns promptly; completion is reported
// asynchronously via NotifyBase once Active or Failed is reached.
func (s *Service) Start(ctx context.Context) (unit.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == unit.Active || s.active == unit.Activating {
		return unit.TransitionImmediate, nil
	}

	s.pushFrame(reliability.FrameUnitStart)
	s.active = unit.Activating
	s.state = Condition
	s.stage = stageCondition
	s.queue = newQueue(s.def.Service.ExecCondition)
	s.armTimeout(s.startTimeout())

	if err := s.advanceLocked(ctx); err != nil {
		s.failLocked(err)
		return unit.TransitionImmediate, err
	}
	return unit.TransitionAsync, nil
}

func (s *Service) startTimeout() time.Duration {
	if s.def.Service.TimeoutStartSec > 0 {
		return s.def.Service.TimeoutStartSec
	}
	return defaultTimeout
}

func (s *Service) stopTimeout() time.Duration {
	if s.def.Service.TimeoutStopSec > 0 {
		return s.def.Service.TimeoutStopSec
	}
	return defaultTimeout
}

func (s *Service) armTimeout(d time.Duration) {
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	s.timeoutTimer = time.AfterFunc(d, s.onTimeout)
}

func (s *Service) onTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Condition, StartPre, Start, StartPost:
		logging.Warn(subsystem, "%s: start timed out in %s, killing", s.name, s.state)
		s.killContextLocked(syscall.SIGKILL)
		s.failLocked(&errs.RuntimeError{Unit: s.name, Reason: errs.RuntimeStartTimeout})
	case Stop, StopSigterm:
		logging.Warn(subsystem, "%s: stop timed out in %s, escalating to SIGKILL", s.name, s.state)
		s.state = StopSigkill
		s.killContextLocked(syscall.SIGKILL)
		s.armTimeout(s.stopTimeout())
	case StopSigkill:
		logging.Error(subsystem, nil, "%s: SIGKILL did not terminate unit within timeout", s.name)
		s.finishStopLocked(unit.Failed)
	}
}

// advanceLocked drives the pipeline forward one step: spawn the next
// queued command, or move to the next stage if the queue is exhausted.
// Must be called with s.mu held.
func (s *Service) advanceLocked(ctx context.Context) error {
	for {
		if s.queue != nil && !s.queue.done() {
			ec := s.queue.current()
			cmd, err := spawn(s.name, ec, s.takeExtraFilesLocked())
			if err != nil {
				return err
			}
			if s.stage == stageStart {
				s.mainCmd = cmd
			} else {
				s.controlCmd = cmd
			}
			if s.cgroups != nil && s.cgroupPath != "" {
				_ = s.cgroups.Prepare(s.cgroupPath)
				_ = s.cgroups.Attach(s.cgroupPath, cmd.Process.Pid)
				s.cgroups.ApplyMemory(s.cgroupPath, cgroup.MemoryLimits{
					Min:     s.def.Service.MemoryMin,
					Low:     s.def.Service.MemoryLow,
					High:    s.def.Service.MemoryHigh,
					Max:     firstNonZero(s.def.Service.MemoryMax, s.def.Service.MemoryLimit),
					SwapMax: s.def.Service.MemorySwapMax,
				})
			}
			s.applyOOMScoreAdjust(cmd.Process.Pid)
			return nil
		}

		switch s.stage {
		case stageCondition:
			s.stage = stageStartPre
			s.state = StartPre
			s.queue = newQueue(s.def.Service.ExecStartPre)
			s.pushFrame(reliability.FrameSubStartPre)
		case stageStartPre:
			s.stage = stageStart
			s.state = Start
			s.queue = newQueue(s.def.Service.ExecStart)
			s.pushFrame(reliability.FrameSubStart)
		case stageStart:
			if s.def.Service.Type == unit.TypeOneshot {
				// The main process already ran to completion
				// synchronously with the queue above; reaching here
				// with an empty queue after Oneshot means every
				// ExecStart command exited zero.
				s.state = Exited
			}
			s.stage = stageStartPost
			s.state = StartPost
			s.queue = newQueue(s.def.Service.ExecStartPost)
			s.pushFrame(reliability.FrameSubStartPost)
		case stageStartPost:
			s.popFrame()
			s.state = Running
			s.active = unit.Active
			s.armWatchdogLocked()
			if s.timeoutTimer != nil {
				s.timeoutTimer.Stop()
			}
			s.Emit(unit.Active)
			return nil
		case stageReload:
			s.popFrame()
			s.state = Running
			s.active = unit.Active
			s.Emit(unit.Active)
			return nil
		case stageStop:
			s.stage = stageStopPost
			s.state = StopPost
			s.queue = newQueue(s.def.Service.ExecStopPost)
			s.pushFrame(reliability.FrameSubStopPost)
		case stageStopPost:
			s.popFrame()
			s.finishStopLocked(unit.Inactive)
			return nil
		default:
			return nil
		}
	}
}

func (s *Service) takeExtraFilesLocked() []*os.File {
	if s.stage != stageStart {
		return nil
	}
	f := s.extraFiles
	s.extraFiles = nil
	return f
}

func (s *Service) armWatchdogLocked() {
	if s.def.Service.WatchdogUSec <= 0 {
		return
	}
	if s.watchdogTimer != nil {
		s.watchdogTimer.Stop()
	}
	s.watchdogTimer = time.AfterFunc(s.def.Service.WatchdogUSec, s.onWatchdogExpired)
}

// Keepalive resets the watchdog timer. unitd has no notify-socket listener,
// so WATCHDOG=1 messages from a service are not read and nothing inside
// unitd calls this method.
func (s *Service) Keepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armWatchdogLocked()
}

func (s *Service) onWatchdogExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return
	}
	logging.Error(subsystem, nil, "%s: watchdog timeout", s.name)
	s.killContextLocked(syscall.SIGABRT)
	if s.def.Service.Restart == unit.RestartOnWatchdog || s.def.Service.Restart == unit.RestartAlways {
		s.scheduleRestartLocked()
		return
	}
	s.failLocked(&errs.RuntimeError{Unit: s.name, Reason: errs.RuntimeWatchdogTimeout})
}

// Stop begins deactivation by signalling the unit's processes with
// SIGTERM (or straight to SIGKILL when force is set).
func (s *Service) Stop(ctx context.Context, force bool) (unit.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == unit.Inactive {
		return unit.TransitionImmediate, nil
	}

	s.stopTimersLocked()
	s.pushFrame(reliability.FrameUnitStop)
	s.active = unit.Deactivating
	s.forceStop = force
	s.stage = stageStop
	// Replace whatever start-stage queue was in flight; once the main
	// process is gone the ExecStop commands run, then ExecStopPost.
	s.queue = newQueue(s.def.Service.ExecStop)

	sig := syscall.SIGTERM
	s.state = StopSigterm
	if force {
		sig = syscall.SIGKILL
		s.state = StopSigkill
	}
	s.pushFrame(reliability.FrameSubStop)
	s.killContextLocked(sig)
	s.armTimeout(s.stopTimeout())
	return unit.TransitionAsync, nil
}

func (s *Service) killContextLocked(sig syscall.Signal) {
	// Each child leads its own process group (spawn sets Setpgid), so a
	// negative pid signals the whole group.
	if s.mainCmd != nil && s.mainCmd.Process != nil {
		_ = syscall.Kill(-s.mainCmd.Process.Pid, sig)
	}
	if s.controlCmd != nil && s.controlCmd.Process != nil {
		_ = syscall.Kill(-s.controlCmd.Process.Pid, sig)
	}
	if s.cgroups != nil && s.cgroupPath != "" {
		_ = s.cgroups.KillRecursive(s.cgroupPath, sig, cgroup.IgnoreSelf|cgroup.Sigcont, nil)
	}
}

func (s *Service) finishStopLocked(final unit.ActiveState) {
	s.stopTimersLocked()
	s.state = Dead
	s.nRestarts = 0
	s.active = final
	s.mainCmd = nil
	s.controlCmd = nil
	if s.cgroups != nil && s.cgroupPath != "" {
		_ = s.cgroups.Remove(s.cgroupPath)
	}
	s.Emit(final)
}

// Reload runs ExecReload; a unit with no ExecReload
// directives is a no-op success, matching systemd's own behavior for
// units that don't support reload.
func (s *Service) Reload(ctx context.Context) (unit.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.def.Service.ExecReload) == 0 {
		return unit.TransitionImmediate, nil
	}
	s.pushFrame(reliability.FrameUnitReload)
	s.state = Reload
	s.stage = stageReload
	s.queue = newQueue(s.def.Service.ExecReload)
	if err := s.advanceLocked(context.Background()); err != nil {
		return unit.TransitionImmediate, err
	}
	return unit.TransitionAsync, nil
}

func (s *Service) failLocked(err error) {
	s.stopTimersLocked()
	s.state = Failed
	s.active = unit.Failed
	logging.Error(subsystem, err, "%s: transitioned to failed", s.name)
	s.Emit(unit.Failed)
}

// Sigchld routes a reaped child's exit to whichever pipeline stage it
// belongs to.
func (s *Service) Sigchld(info unit.SigchldInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.mainCmd != nil && s.mainCmd.Process != nil && info.Pid == s.mainCmd.Process.Pid:
		s.handleMainExitLocked(info)
	case s.controlCmd != nil && s.controlCmd.Process != nil && info.Pid == s.controlCmd.Process.Pid:
		s.handleControlExitLocked(info)
	}
}

func (s *Service) handleControlExitLocked(info unit.SigchldInfo) {
	s.controlCmd = nil

	switch s.stage {
	case stageStop, stageStopPost:
		if !s.queue.done() {
			s.queue.advance()
		}
		_ = s.advanceLocked(context.Background())
		return
	}

	if s.queue.done() {
		return
	}
	cmd := s.queue.current()
	if info.Code != 0 && !cmd.Prefix.IgnoreFailure {
		s.failLocked(&errs.SpawnError{Unit: s.name, Reason: errs.SpawnExecFailed,
			Err: errs.ExitError(info.Code)})
		return
	}
	s.queue.advance()
	if err := s.advanceLocked(context.Background()); err != nil {
		s.failLocked(err)
	}
}

func (s *Service) handleMainExitLocked(info unit.SigchldInfo) {
	s.mainCmd = nil

	if s.state == Stop || s.state == StopSigterm || s.state == StopSigkill {
		// Main is gone; begin (or continue) the ExecStop queue.
		_ = s.advanceLocked(context.Background())
		return
	}

	// Oneshot reaches Running only once every ExecStart has
	// run to completion; Forking reaches it when the initial process exits
	// zero, leaving the daemonized children to the cgroup.
	if (s.def.Service.Type == unit.TypeOneshot || s.def.Service.Type == unit.TypeForking) && s.stage == stageStart {
		if info.Code != 0 {
			s.failLocked(&errs.RuntimeError{Unit: s.name, Reason: errs.RuntimeSignaled})
			return
		}
		s.queue.advance()
		if err := s.advanceLocked(context.Background()); err != nil {
			s.failLocked(err)
		}
		return
	}

	if s.state != Running {
		// Main exited before reaching Running in a Simple-style unit:
		// treat like a failed start.
		s.failLocked(&errs.RuntimeError{Unit: s.name, Reason: errs.RuntimeSignaled})
		return
	}

	// Unexpected exit of a running service: consult Restart= policy.
	abnormal := info.Signal != 0 || info.DumpedCore
	if s.shouldRestart(info.Code, abnormal) {
		s.scheduleRestartLocked()
		return
	}
	s.failLocked(&errs.RuntimeError{Unit: s.name, Reason: errs.RuntimeSignaled, Detail: "main process exited"})
}

func (s *Service) shouldRestart(exitCode int, abnormal bool) bool {
	switch s.def.Service.Restart {
	case unit.RestartAlways:
		return true
	case unit.RestartOnSuccess:
		return !abnormal && exitCode == 0
	case unit.RestartOnFailure:
		return abnormal || exitCode != 0
	case unit.RestartOnAbnormal, unit.RestartOnAbort:
		return abnormal
	default:
		return false
	}
}

func (s *Service) scheduleRestartLocked() {
	s.stopTimersLocked()
	s.state = AutoRestart
	s.active = unit.Failed
	s.nRestarts++
	delay := s.def.Service.RestartSec
	s.restartTimer = time.AfterFunc(delay, func() {
		_, _ = s.Start(context.Background())
	})
}

// NRestarts reports how many times the watchdog/exit handler has
// triggered an automatic restart since the unit last stopped; reaching
// Active again does not reset it.
func (s *Service) NRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nRestarts
}

func (s *Service) pushFrame(code reliability.FrameCode) {
	if s.rel == nil {
		return
	}
	switch code {
	case reliability.FrameUnitStart, reliability.FrameUnitStop, reliability.FrameUnitReload:
		s.frameRoot = code
	}
	f := reliability.Frame{F1: code}
	if code != s.frameRoot {
		f = reliability.Frame{F1: s.frameRoot, F2: code}
	}
	if err := s.rel.PushFrame(f); err != nil {
		logging.Warn(subsystem, "push frame %s: %v", code, err)
	}
}

func (s *Service) popFrame() {
	if s.rel == nil {
		return
	}
	if err := s.rel.PopFrame(); err != nil {
		logging.Warn(subsystem, "pop frame: %v", err)
	}
}
