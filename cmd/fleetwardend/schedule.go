package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled command tasks",
	}

	cmd.AddCommand(newScheduleAddCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flagControllerURL)
			var tasks any
			if err := client.get("/v1/schedule", &tasks); err != nil {
				return err
			}
			return printJSON(tasks)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pause <task-id>",
		Args:  cobra.ExactArgs(1),
		RunE:  scheduleActionRunE("pause"),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resume <task-id>",
		Args:  cobra.ExactArgs(1),
		RunE:  scheduleActionRunE("resume"),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <task-id>",
		Args:  cobra.ExactArgs(1),
		RunE:  scheduleActionRunE("cancel"),
	})

	return cmd
}

func scheduleActionRunE(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(flagControllerURL)
		return client.post(fmt.Sprintf("/v1/schedule/%s/%s", args[0], action), nil, nil)
	}
}

func newScheduleAddCmd() *cobra.Command {
	var (
		name          string
		nodeIDs       []string
		groups        []string
		shell         string
		stopOnFailure bool
		at            string
		timeOfDay     string
		cronExpr      string
		recurrence    string
	)

	cmd := &cobra.Command{
		Use:   "add <command> [command...]",
		Short: "Create a scheduled command task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"shell":           shell,
				"stop_on_failure": stopOnFailure,
			}
			if len(args) == 1 {
				payload["command"] = args[0]
			} else {
				payload["commands"] = args
			}
			rawPayload, err := json.Marshal(payload)
			if err != nil {
				return err
			}

			rec := map[string]any{"kind": recurrence}
			switch recurrence {
			case "once":
				rec["at"] = at
			case "daily", "weekly", "monthly":
				rec["time_of_day"] = timeOfDay
			case "cron":
				rec["cron_expr"] = cronExpr
			}

			client := newAPIClient(flagControllerURL)
			var task any
			err = client.post("/v1/schedule", map[string]any{
				"name":       name,
				"type":       "command",
				"device_ids": nodeIDs,
				"group_ids":  groups,
				"payload":    json.RawMessage(rawPayload),
				"recurrence": rec,
			}, &task)
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringSliceVar(&nodeIDs, "device", nil, "target device id (repeatable)")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "target group (repeatable)")
	cmd.Flags().StringVar(&shell, "shell", "", "shell session to run in")
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", true, "batch: halt remaining steps on a total-failure step")
	cmd.Flags().StringVar(&recurrence, "recurrence", "once", "once|daily|weekly|monthly|cron")
	cmd.Flags().StringVar(&at, "at", "", "once: RFC3339 fire time")
	cmd.Flags().StringVar(&timeOfDay, "time-of-day", "", "daily/weekly/monthly: HH:MM")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron: 5-field cron expression")

	return cmd
}
