// Command unitd is the service manager daemon: it loads unit definitions,
// resolves their dependencies, supervises the processes they spawn, and
// answers the control protocol unitctl speaks.
package main

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"unitd/internal/config"
	"unitd/internal/manager"
	"unitd/pkg/logging"
)

// version can be set during build with -ldflags.
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "unitd",
	Short: "Pluggable service manager",
	Long: `unitd brings a host through boot by loading declarative unit
definitions, resolving dependencies among them, driving each unit through
its activation lifecycle, and supervising the processes it spawns.

State is journaled so the manager can be re-executed in place (live
upgrade, daemon-reload) without losing supervisory state or listener file
descriptors.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "/etc/unitd",
		"Directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(manager.ExitConfigError)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(manager.ExitConfigError)
		}
	}
	logging.InitForDaemon(cfg.ParsedLogLevel(), os.Stderr)
	logging.Info("Main", "unitd %s starting", version)

	m, err := manager.New(cfg)
	if err != nil {
		logging.Error("Main", err, "manager initialization failed")
		os.Exit(manager.ExitConfigError)
	}

	m.LoadAll()
	if err := m.Restore(); err != nil {
		logging.Error("Main", err, "state restore failed")
		os.Exit(manager.ExitRuntime)
	}
	if err := m.Serve(); err != nil {
		logging.Error("Main", err, "control listener failed")
		os.Exit(manager.ExitRuntime)
	}
	m.StartEnabled()

	// Under socket activation (or any systemd-style parent) announce
	// readiness; outside one this is a silent no-op.
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && ok {
		logging.Debug("Main", "sd_notify READY sent")
	}

	code := m.Run()
	logging.Info("Main", "unitd exiting with code %d", code)
	os.Exit(code)
	return nil
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "unitd version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(manager.ExitConfigError)
	}
}
