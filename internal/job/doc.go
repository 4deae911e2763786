// Package job merges, orders, and dispatches jobs (start/stop/reload/
// restart) against units, honoring the dependency graph. A transaction is
// the atomic unit of scheduling: it either commits fully into the global
// job set or leaves it untouched. Completion arrives asynchronously through
// unit active-state transitions; failures propagate along OnFailure edges.
package job
