// Package config provides the daemon's own configuration: where unit files
// live, where the reliability state directory is, where the cgroup slice is
// rooted, the log level, and whether unit directories are watched. It is
// loaded from a single
// YAML file plus defaults, validated before the manager starts, and its
// unit directories can be watched for drop-in changes.
//
// The unit files themselves are not this package's concern; internal/loader
// parses those. This package also offers a small YAML state store
// (Storage) the manager uses to persist enablement and mask state across
// restarts.
package config
