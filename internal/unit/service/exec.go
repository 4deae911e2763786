package service

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"unitd/internal/errs"
	"unitd/internal/unit"
	"unitd/pkg/logging"
)

// spawn forks+execs one ExecCommand and returns the running *exec.Cmd. It
// calls Start, never Wait: reaping happens exclusively through
// internal/reaper's non-blocking wait4 loop, so a second
// waiter here would race it. The child is placed in its own process group
// so kill_context can signal the whole group.
func spawn(unitName string, ec unit.ExecCommand, extraFiles []*os.File) (*exec.Cmd, error) {
	argv0 := ec.Argv0
	if ec.Prefix.OverrideArgv0 && len(ec.Args) > 0 {
		argv0 = ec.Args[0]
	}

	cmd := exec.Command(ec.Argv0, ec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = extraFiles
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if argv0 != ec.Argv0 {
		cmd.Args = append([]string{argv0}, cmd.Args[1:]...)
	}

	if err := cmd.Start(); err != nil {
		return nil, &errs.SpawnError{Unit: unitName, Reason: errs.SpawnExecFailed, Err: err}
	}
	return cmd, nil
}

// applyOOMScoreAdjust writes the configured adjustment for a fresh child.
func (s *Service) applyOOMScoreAdjust(pid int) {
	v := s.def.Service.OOMScoreAdjust
	if v == 0 {
		return
	}
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	if err := os.WriteFile(path, []byte(strconv.Itoa(v)), 0644); err != nil {
		logging.Warn(subsystem, "%s: write %s: %v", s.name, path, err)
	}
}

func firstNonZero(a, b uint64) uint64 {
	if a != 0 {
		return a
	}
	return b
}

// commandQueue is a stage's remaining ExecCommand list plus which entries
// have IgnoreFailure set, tracked so Sigchld can decide whether a nonzero
// exit aborts the stage.
type commandQueue struct {
	cmds []unit.ExecCommand
	idx  int
}

func newQueue(cmds []unit.ExecCommand) *commandQueue {
	return &commandQueue{cmds: cmds}
}

func (q *commandQueue) done() bool { return q == nil || q.idx >= len(q.cmds) }

func (q *commandQueue) current() unit.ExecCommand { return q.cmds[q.idx] }

func (q *commandQueue) advance() { q.idx++ }
