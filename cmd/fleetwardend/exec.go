package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExecCmd() *cobra.Command {
	var (
		nodeIDs  []string
		groups   []string
		labels   map[string]string
		shell    string
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Run a command on one or more targeted devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var resp struct {
				ExecutionID string `json:"execution_id"`
			}
			err := client.post("/v1/exec", map[string]any{
				"target": map[string]any{
					"node_ids": nodeIDs,
					"groups":   groups,
					"labels":   labels,
				},
				"command":  args[0],
				"shell":    shell,
				"strategy": strategy,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Println(resp.ExecutionID)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&nodeIDs, "device", nil, "target device id (repeatable)")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "target group (repeatable)")
	cmd.Flags().StringToStringVar(&labels, "label", nil, "target label selector key=value (repeatable)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell session to run in (defaults to the agent's default shell)")
	cmd.Flags().StringVar(&strategy, "strategy", "parallel", "fan-out strategy (parallel)")

	cmd.AddCommand(&cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show a group execution's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var exec any
			if err := client.get("/v1/exec/"+args[0], &exec); err != nil {
				return err
			}
			return printJSON(exec)
		},
	})

	return cmd
}
