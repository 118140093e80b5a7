package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "pipeline",
	Short:   "Inspect and manage the work queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	Long: `List work items. By default only active items are shown: pending,
in progress, failed awaiting retry, and dead.

Examples:
  contimg queue list
  contimg queue list --state dead
  contimg queue list --type publish_product --all`,
	Run: func(cmd *cobra.Command, args []string) {
		states, _ := cmd.Flags().GetStringSlice("state")
		jobType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		if len(states) == 0 && !all {
			states = []string{"pending", "in_progress", "failed", "dead"}
		}

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		items, err := client.QueueList(&control.QueueListArgs{
			States:  states,
			JobType: jobType,
			Limit:   limit,
		})
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(items)
			return
		}
		fmt.Println(ui.RenderQueueTable(items, tableWidth()))
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one work item",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		item, err := client.QueueShow(args[0])
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(item)
			return
		}

		pairs := [][2]string{
			{"ID", item.ID},
			{"Type", item.JobType},
			{"State", ui.RenderState(string(item.State))},
			{"Attempts", fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries+1)},
			{"Next attempt", item.NextAttemptAt.Local().Format("2006-01-02 15:04:05")},
			{"Created", ui.Age(item.CreatedAt)},
			{"Updated", ui.Age(item.UpdatedAt)},
		}
		if item.LeaseOwner != "" {
			pairs = append(pairs, [2]string{"Lease owner", item.LeaseOwner})
			if item.LeaseDeadline != nil {
				pairs = append(pairs, [2]string{"Lease until", item.LeaseDeadline.Local().Format("2006-01-02 15:04:05")})
			}
		}
		if item.LastError != "" {
			pairs = append(pairs, [2]string{"Last error", item.LastError})
		}
		if len(item.Payload) > 0 {
			pairs = append(pairs, [2]string{"Payload", compactJSON(item.Payload)})
		}
		fmt.Println(ui.RenderKeyValues("Work Item", pairs, tableWidth()))
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-arm a dead or failed work item",
	Long: `Reset a dead or failed work item to pending with a fresh retry budget.
The daemon picks it up on its next scheduler tick.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		item, err := client.QueueRetry(args[0])
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(item)
			return
		}
		fmt.Printf("%s %s re-armed (%s)\n", ui.RenderPass(ui.IconPass), item.ID, ui.RenderState(string(item.State)))
	},
}

func init() {
	queueListCmd.Flags().StringSliceP("state", "s", nil, "Filter by state (pending, in_progress, completed, failed, dead)")
	queueListCmd.Flags().StringP("type", "t", "", "Filter by job type (process_group, publish_product)")
	queueListCmd.Flags().Int("limit", 0, "Maximum items to return")
	queueListCmd.Flags().Bool("all", false, "Include completed items")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

// compactJSON renders raw JSON on one line for key-value display.
func compactJSON(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
