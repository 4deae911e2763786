package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"unitd/internal/control"
	"unitd/internal/formatting"
	"unitd/pkg/logging"
)

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd)
}

var startCmd = &cobra.Command{
	Use:   "start UNIT...",
	Short: "Start one or more units",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unitAction(control.ActionStart, args)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop UNIT...",
	Short: "Stop one or more units",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unitAction(control.ActionStop, args)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart UNIT...",
	Short: "Restart one or more units",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unitAction(control.ActionRestart, args)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status UNIT...",
	Short: "Show the status of one or more units",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.Unit(control.ActionStatus, args)
		if err != nil {
			return err
		}
		if reply.Status != control.StatusOK {
			return fmt.Errorf("%s", reply.Message)
		}

		var rows []control.UnitStatus
		if err := json.Unmarshal([]byte(reply.Message), &rows); err != nil {
			return fmt.Errorf("malformed status reply: %w", err)
		}

		f := newFormatter()
		for _, row := range rows {
			fmt.Print(f.FormatUnitDetail(row))
		}
		return nil
	},
}

func unitAction(action string, units []string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Unit(action, units)
	if err != nil {
		return err
	}
	if reply.Status != control.StatusOK {
		return fmt.Errorf("%s", reply.Message)
	}
	if !quiet {
		fmt.Println(reply.Message)
	}
	return nil
}

func dial() (*control.Client, error) {
	logging.InitForCLI(logging.LevelWarn, os.Stderr)
	return control.Dial()
}

func newFormatter() formatting.Formatter {
	return formatting.NewFormatter(formatting.Options{
		Format: formatting.OutputFormat(outputFormat),
		Quiet:  quiet,
		Color:  !noColor,
	})
}
