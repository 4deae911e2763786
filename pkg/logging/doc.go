// Package logging provides unitd's structured logging, shared by the daemon
// and its control client.
//
// Every subsystem logs through subsystem-tagged calls wrapping log/slog:
//
//	logging.Info("JobEngine", "dispatching job %d for unit %s", job.ID, unit.Name)
//	logging.Error("Reliability", err, "frame replay failed for unit %s", name)
//
// InitForDaemon and InitForCLI both install the same slog text handler,
// writing to the given writer and filtering below the given level; they
// differ only in name. Neither detects a journal stream or changes the
// output format. Both binaries share the same Debug/Info/Warn/Error surface
// so subsystem code never needs to know which binary it is running in.
package logging
