package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"unitd/internal/control"
)

func init() {
	rootCmd.AddCommand(listUnitsCmd, daemonReloadCmd, shutdownCmd)
}

var listUnitsCmd = &cobra.Command{
	Use:   "list-units",
	Short: "List all loaded units",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.Manager(control.ActionListUnits)
		if err != nil {
			return err
		}
		if reply.Status != control.StatusOK {
			return fmt.Errorf("%s", reply.Message)
		}

		var rows []control.UnitStatus
		if err := json.Unmarshal([]byte(reply.Message), &rows); err != nil {
			return fmt.Errorf("malformed list reply: %w", err)
		}
		fmt.Print(newFormatter().FormatUnitList(rows))
		return nil
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "daemon-reload",
	Short: "Ask unitd to re-execute itself, retaining supervisory state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.Manager(control.ActionDaemonReload)
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
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop all units and shut the manager down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		reply, err := client.System(control.ActionShutdown)
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
	},
}
