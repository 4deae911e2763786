// Package cgroup manages per-unit cgroup v2 control groups: lazy creation
// before first exec, and recursive-kill mass signalling.
package cgroup
