package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
)

var stopCmd = &cobra.Command{
	Use:     "stop",
	GroupID: "daemon",
	Short:   "Stop the workspace daemon",
	Long: `Ask the workspace daemon to exit cleanly over its control socket.

The daemon drains in-flight work bookkeeping before exiting; leased jobs
are re-armed on the next start.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		wait, _ := cmd.Flags().GetDuration("wait")

		client, err := control.TryConnect(cfg.SocketPath())
		if err != nil {
			fatal("%v", err)
		}
		if client == nil {
			fmt.Println("No daemon running.")
			return
		}
		defer func() { _ = client.Close() }()

		if err := client.Shutdown(); err != nil {
			fatal("failed to request shutdown: %v", err)
		}

		// Poll the socket until it disappears or the wait elapses.
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(cfg.SocketPath()); os.IsNotExist(err) {
				fmt.Println("Daemon stopped.")
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintf(os.Stderr, "Shutdown requested; daemon still draining after %s\n", wait)
	},
}

func init() {
	stopCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the daemon to exit")
	rootCmd.AddCommand(stopCmd)
}
