// Package service implements the "service" sub-unit plugin: the
// ExecCondition/ExecStartPre/ExecStart/ExecStartPost/ExecStop/ExecStopPost
// pipeline, restart policy, watchdog, and the kill discipline applied to a
// unit's process group and cgroup.
package service
