package main

import (
	"github.com/spf13/cobra"
)

func newFleetCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Inspect and manage the device roster",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			path := "/v1/fleet"
			if group != "" {
				path += "?group=" + group
			}
			var nodes any
			if err := client.get(path, &nodes); err != nil {
				return err
			}
			return printJSON(nodes)
		},
	}
	listCmd.Flags().StringVar(&group, "group", "", "filter by group")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "register <device-id> <hostname> <address>",
		Short: "Register a device in the roster",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var node any
			err := client.post("/v1/fleet/register", map[string]any{
				"id":       args[0],
				"hostname": args[1],
				"address":  args[2],
			}, &node)
			if err != nil {
				return err
			}
			return printJSON(node)
		},
	})

	return cmd
}
