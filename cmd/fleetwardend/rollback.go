package main

import (
	"github.com/spf13/cobra"
)

func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <device-id> <snapshot-id>",
		Short: "Restore one snapshot on one device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var result any
			err := client.post("/v1/rollback", map[string]any{
				"device_id":   args[0],
				"snapshot_id": args[1],
			}, &result)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "batch <device-id> <batch-id>",
		Short: "Restore every snapshot in a batch on one device, in reverse creation order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var result any
			err := client.post("/v1/rollback/batch", map[string]any{
				"device_id": args[0],
				"batch_id":  args[1],
			}, &result)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	})

	return cmd
}
