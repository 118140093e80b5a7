package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
	"github.com/meridian-obs/contimg/internal/ui"
)

// statusReport is the JSON form of the status command's output.
type statusReport struct {
	Workspace       string                     `json:"workspace"`
	Status          string                     `json:"status"`
	PID             int                        `json:"pid,omitempty"`
	Version         string                     `json:"version,omitempty"`
	UptimeSeconds   float64                    `json:"uptime_seconds,omitempty"`
	LastActivity    string                     `json:"last_activity,omitempty"`
	Groups          map[types.GroupState]int   `json:"groups,omitempty"`
	Queue           *storage.QueueStats        `json:"queue,omitempty"`
	Products        map[types.ProductState]int `json:"products,omitempty"`
	ActiveLocks     int                        `json:"active_locks,omitempty"`
	VersionMismatch bool                       `json:"version_mismatch,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "daemon",
	Short:   "Show daemon and pipeline status",
	Long: `Show the workspace daemon's status: process details, group and queue
counts, and product totals.

Examples:
  contimg status
  contimg status --json`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		client, err := control.TryConnect(cfg.SocketPath())
		if err != nil {
			fatal("%v", err)
		}
		if client == nil {
			if jsonOutput {
				outputJSON(statusReport{Workspace: cfg.Workspace, Status: "not_running"})
			} else {
				fmt.Printf("%s\n\n", ui.RenderMuted("○ not running"))
				fmt.Printf("  Workspace:  %s\n", shortenPath(cfg.Workspace))
				fmt.Printf("\n  To start:   contimg run\n")
			}
			return
		}
		defer func() { _ = client.Close() }()

		st, err := client.Status()
		if err != nil {
			fatal("failed to read status: %v", err)
		}

		mismatch := st.Version != "" && st.Version != Version
		status := "running"
		if mismatch {
			status = "outdated"
		}

		if jsonOutput {
			outputJSON(statusReport{
				Workspace:       st.Workspace,
				Status:          status,
				PID:             st.PID,
				Version:         st.Version,
				UptimeSeconds:   st.UptimeSeconds,
				LastActivity:    st.LastActivityTime,
				Groups:          st.Groups,
				Queue:           st.Queue,
				Products:        st.Products,
				ActiveLocks:     st.ActiveLocks,
				VersionMismatch: mismatch,
			})
			return
		}

		if mismatch {
			fmt.Printf("%s (PID %d, v%s)\n", ui.RenderWarn(ui.IconWarn+" outdated"), st.PID, st.Version)
			fmt.Printf("  %s\n\n", ui.RenderWarn(fmt.Sprintf("CLI version: %s", Version)))
		} else {
			fmt.Printf("%s (PID %d, v%s)\n\n", ui.RenderPass(ui.IconPass+" running"), st.PID, st.Version)
		}

		fmt.Printf("  Workspace:  %s\n", shortenPath(st.Workspace))
		fmt.Printf("  Uptime:     %s\n", formatUptime(st.UptimeSeconds))
		if t, err := time.Parse(time.RFC3339, st.LastActivityTime); err == nil {
			fmt.Printf("  Activity:   %s\n", ui.Age(t))
		}
		fmt.Println()

		fmt.Printf("  Groups:     %s\n", countLine(groupCounts(st.Groups)))
		fmt.Printf("  Queue:      %s\n", countLine(queueCounts(st.Queue)))
		fmt.Printf("  Products:   %s\n", countLine(productCounts(st.Products)))
		if st.ActiveLocks > 0 {
			fmt.Printf("  Locks:      %d active\n", st.ActiveLocks)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// shortenPath replaces the home directory with ~ for display.
func shortenPath(p string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}

func formatUptime(seconds float64) string {
	return time.Duration(seconds * float64(time.Second)).Round(time.Second).String()
}

// countLine joins non-zero state counts, or renders "none".
func countLine(parts []string) string {
	if len(parts) == 0 {
		return ui.RenderMuted("none")
	}
	return strings.Join(parts, ", ")
}

func groupCounts(m map[types.GroupState]int) []string {
	order := []types.GroupState{
		types.GroupCollecting, types.GroupPending, types.GroupInProgress,
		types.GroupCompleted, types.GroupFailed,
	}
	var parts []string
	for _, st := range order {
		if n := m[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, ui.RenderState(string(st))))
		}
	}
	return parts
}

func queueCounts(qs *storage.QueueStats) []string {
	if qs == nil {
		return nil
	}
	order := []types.WorkState{
		types.WorkPending, types.WorkInProgress, types.WorkCompleted,
		types.WorkFailed, types.WorkDead,
	}
	var parts []string
	for _, st := range order {
		if n := qs.ByState[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, ui.RenderState(string(st))))
		}
	}
	return parts
}

func productCounts(m map[types.ProductState]int) []string {
	order := []types.ProductState{
		types.ProductStaging, types.ProductValidated, types.ProductPublishing,
		types.ProductPublished, types.ProductFailed, types.ProductRetracted,
	}
	var parts []string
	for _, st := range order {
		if n := m[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, ui.RenderState(string(st))))
		}
	}
	return parts
}
