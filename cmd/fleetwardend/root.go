package main

import (
	"github.com/spf13/cobra"
)

var flagControllerURL string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetwardend",
		Short: "Fleet control daemon and operator CLI",
		Version: formatVersion(),
	}

	root.PersistentFlags().StringVar(&flagControllerURL, "controller-url", defaultControllerURL(), "base URL of a running 'fleetwardend serve' control API")

	root.AddCommand(newServeCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newRollbackCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newFleetCmd())
	return root
}

func defaultControllerURL() string {
	return "http://127.0.0.1:8080"
}
