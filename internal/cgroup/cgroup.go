package cgroup

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"unitd/internal/errs"
	"unitd/pkg/logging"
)

const subsystem = "Cgroup"

// KillFlags adjusts how KillRecursive walks a cgroup.
type KillFlags int

const (
	// IgnoreSelf skips the manager's own pid when signalling a cgroup.
	IgnoreSelf KillFlags = 1 << iota
	// Sigcont sends SIGCONT after the primary signal, unless the primary
	// signal was itself SIGCONT or SIGKILL.
	Sigcont
)

// DefaultRoot is the base path under which per-unit cgroups are created
// when New is given an empty root.
const DefaultRoot = "/sys/fs/cgroup/unitd.slice"

// Manager creates and signals per-unit cgroup v2 control groups.
type Manager struct {
	root string
}

// New returns a Manager rooted at root (DefaultRoot if empty).
func New(root string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{root: root}
}

// PathFor returns the cgroup path a unit named name would be created at,
// without creating it, so the unit Entry can record it even when Prepare
// is deferred to first exec.
func (m *Manager) PathFor(name, slice string) string {
	if slice == "" {
		slice = "system.slice"
	}
	return filepath.Join(m.root, slice, name+".cg")
}

// Prepare creates path if it does not exist yet; called before the first
// fork into the cgroup. Idempotent.
func (m *Manager) Prepare(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return &errs.SpawnError{Reason: errs.SpawnCgroupSetup, Err: err}
	}
	return nil
}

// AttachSelf writes the calling process's pid into path's cgroup.procs,
// moving it (and therefore every child it forks from here on, by
// inheritance) into the unit's cgroup. Called from the post-fork,
// pre-exec child side of a spawn.
func (m *Manager) AttachSelf(path string) error {
	return m.Attach(path, os.Getpid())
}

// Attach writes pid into path's cgroup.procs.
func (m *Manager) Attach(path string, pid int) error {
	f, err := os.OpenFile(filepath.Join(path, "cgroup.procs"), os.O_WRONLY, 0)
	if err != nil {
		return &errs.SpawnError{Reason: errs.SpawnCgroupSetup, Err: err}
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// Pids lists every pid currently in path's cgroup.procs.
func (m *Manager) Pids(path string) ([]int, error) {
	f, err := os.Open(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var pids []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, sc.Err()
}

// KillRecursive walks path's cgroup.procs and signals every pid except
// those in excluded. If IgnoreSelf is set, the manager's own pid is always
// excluded regardless of excluded's contents.
func (m *Manager) KillRecursive(path string, sig syscall.Signal, flags KillFlags, excluded map[int]bool) error {
	pids, err := m.Pids(path)
	if err != nil {
		return err
	}

	self := os.Getpid()
	var signalled []int
	for _, pid := range pids {
		if excluded[pid] {
			continue
		}
		if flags&IgnoreSelf != 0 && pid == self {
			continue
		}
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
			logging.Warn(subsystem, "signal %v pid %d in %s: %v", sig, pid, path, err)
			continue
		}
		signalled = append(signalled, pid)
	}

	if flags&Sigcont != 0 && sig != syscall.SIGCONT && sig != syscall.SIGKILL {
		for _, pid := range signalled {
			_ = unix.Kill(pid, syscall.SIGCONT)
		}
	}
	return nil
}

// MemoryLimits carries the cgroup v2 memory controller knobs a unit may
// set. Zero values are left untouched.
type MemoryLimits struct {
	Min     uint64
	Low     uint64
	High    uint64
	Max     uint64
	SwapMax uint64
}

// ApplyMemory writes the memory controller files under path. Failures are
// logged, not fatal: a missing controller must not fail the unit.
func (m *Manager) ApplyMemory(path string, lim MemoryLimits) {
	write := func(file string, v uint64) {
		if v == 0 {
			return
		}
		p := filepath.Join(path, file)
		if err := os.WriteFile(p, []byte(strconv.FormatUint(v, 10)), 0644); err != nil {
			logging.Warn(subsystem, "write %s: %v", p, err)
		}
	}
	write("memory.min", lim.Min)
	write("memory.low", lim.Low)
	write("memory.high", lim.High)
	write("memory.max", lim.Max)
	write("memory.swap.max", lim.SwapMax)
}

// Remove deletes an empty cgroup directory once every process inside it
// has exited (rmdir fails with EBUSY while processes remain).
func (m *Manager) Remove(path string) error {
	if err := unix.Rmdir(path); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
