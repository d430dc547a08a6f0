//go:build windows

package main

import (
	"scanproxy/service"

	"github.com/spf13/cobra"
)

func init() {
	platformCommands = append(platformCommands, serviceCommand)
}

func serviceCommand() *cobra.Command {
	var action string
	command := &cobra.Command{
		Use:   "service",
		Short: "Manage or run the Windows service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Service(action, configFilename)
		},
	}
	command.Flags().StringVarP(&action, "action", "a", "none", "Windows service action to run. Options are install, start, stop, pause, continue, status, autostart, manualstart and remove")
	return command
}
