package main

import (
	"fmt"
	"os"
	"os/signal"
	"scanproxy/logging"
	"scanproxy/service"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var configFilename string

func main() {
	command := &cobra.Command{
		Use:          "scanproxy",
		Short:        "Forwarding proxy which handles ISA scanning pages of parent proxies",
		SilenceUsage: true,
		RunE:         runProxy,
	}
	command.PersistentFlags().StringVarP(&configFilename, "config", "c", "scanproxy.yaml", "Specify configuration filename.")
	command.AddCommand(hashCommand(), versionCommand())
	for _, extra := range platformCommands {
		command.AddCommand(extra())
	}
	err := command.Execute()
	logging.CloseFiles()
	if err != nil {
		os.Exit(1)
	}
}

// platformCommands holds subcommands only built on some systems.
var platformCommands []func() *cobra.Command

func runProxy(cmd *cobra.Command, args []string) error {
	timeStamp := time.Now().Format(time.RFC1123)
	fmt.Printf("%s INFO: main: Starting version: %s\n", timeStamp, service.Version)

	stop := make(chan struct{})
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-osSignals
		logging.Printf("INFO", "runProxy: SessionID:%d Received %s, shutting down\n", 0, sig)
		close(stop)
	}()
	return service.Run(configFilename, stop)
}

// hashCommand prints the LocalBasicHash value for a password read from the
// terminal.
func hashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash",
		Short: "Create the password hash for proxy.LocalBasicHash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("Enter Password: ")
			bytePassword, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Printf("\n")
			if err != nil {
				return fmt.Errorf("password read error: %w", err)
			}
			fmt.Printf("%s\n", service.PasswordHash(string(bytePassword)))
			return nil
		},
	}
}
