// Package reliability implements the reliability journal: the "last"
// singleton tables (in-flight unit and frame stack) and the "pending" fd
// table, backed by go.etcd.io/bbolt.
//
// Every state transition that may be interrupted is bracketed by a frame
// in the last store; any record still present at startup denotes
// interrupted work and drives compensation. The pending store tracks the
// Retaining/Retained/Removing/Removed dance a listener fd goes through
// while its close-on-exec flag is toggled around a re-exec.
package reliability
