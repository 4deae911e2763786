// Package unit implements the per-unit runtime aggregate and the sub-unit
// plugin contract that service, socket, target, and mount implementations
// satisfy.
//
// A unit.Entry owns exactly one of those sub-unit implementations, keyed by
// Kind, together with load/active state, the cgroup handle, and the set of
// child pids currently attributed to it. Dispatch onto the sub-unit is by
// interface call, not a type switch, but the Kind is stored on the Entry
// itself so serialization and logging never need to downcast.
package unit
