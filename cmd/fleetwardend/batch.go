package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBatchCmd() *cobra.Command {
	var (
		nodeIDs       []string
		groups        []string
		shell         string
		stopOnFailure bool
	)

	cmd := &cobra.Command{
		Use:   "batch <command> [command...]",
		Short: "Run a sequence of commands on one or more targeted devices, in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var resp struct {
				BatchID string `json:"batch_id"`
			}
			err := client.post("/v1/batch", map[string]any{
				"target": map[string]any{
					"node_ids": nodeIDs,
					"groups":   groups,
				},
				"commands":        args,
				"shell":           shell,
				"stop_on_failure": stopOnFailure,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Println(resp.BatchID)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&nodeIDs, "device", nil, "target device id (repeatable)")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "target group (repeatable)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell session to run in")
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", true, "halt remaining steps once a step fails on every device")

	cmd.AddCommand(&cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show a batch execution's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var batch any
			if err := client.get("/v1/batch/"+args[0], &batch); err != nil {
				return err
			}
			return printJSON(batch)
		},
	})

	return cmd
}
