// Command unitctl is the control client for unitd: it queues unit jobs,
// queries status, and drives manager-level operations over the local
// control socket.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version can be set during build with -ldflags.
var version = "dev"

// Exit codes for unitctl itself (the daemon's exit codes are its own).
const (
	exitOK    = 0
	exitError = 1
)

var (
	outputFormat string
	quiet        bool
	noColor      bool
)

var rootCmd = &cobra.Command{
	Use:          "unitctl",
	Short:        "Control the unitd service manager",
	Long:         `unitctl talks to a running unitd over its local control socket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"Output format: table, console, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"Suppress decorative output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored output")
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "unitctl version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitError)
	}
}
