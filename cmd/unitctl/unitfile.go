package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"unitd/internal/control"
)

func init() {
	rootCmd.AddCommand(enableCmd, disableCmd, maskCmd, unmaskCmd)
}

var enableCmd = &cobra.Command{
	Use:   "enable UNIT",
	Short: "Enable a unit to start at boot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fileAction(control.ActionEnable, args[0])
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable UNIT",
	Short: "Disable a unit from starting at boot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fileAction(control.ActionDisable, args[0])
	},
}

var maskCmd = &cobra.Command{
	Use:   "mask UNIT",
	Short: "Mask a unit so it cannot be started at all",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fileAction(control.ActionMask, args[0])
	},
}

var unmaskCmd = &cobra.Command{
	Use:   "unmask UNIT",
	Short: "Undo a mask",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fileAction(control.ActionUnmask, args[0])
	},
}

func fileAction(action, file string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.File(action, file)
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
