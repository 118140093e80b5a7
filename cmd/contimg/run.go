package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/services"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "daemon",
	Short:   "Run the pipeline daemon",
	Long: `Run the pipeline daemon in the foreground: the ingest watcher, worker
pool, scheduler, and control socket, all against this workspace.

Only one daemon may run per workspace; a second start is refused. The
daemon exits cleanly on SIGINT/SIGTERM or 'contimg stop'.

Examples:
  contimg run                      # Run against the discovered workspace
  contimg --config /obs/contimg.yaml run`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		control.ServerVersion = Version

		daemon, err := services.New(cfg, services.Options{})
		if err != nil {
			fatal("%v", err)
		}

		runErr := daemon.Run(rootCtx)
		if closeErr := daemon.Close(); closeErr != nil && runErr == nil {
			runErr = fmt.Errorf("shutdown incomplete: %w", closeErr)
		}
		if runErr != nil {
			fatal("%v", runErr)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
