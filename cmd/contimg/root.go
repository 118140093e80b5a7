package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/ui"
)

var (
	// rootCtx is canceled on SIGINT/SIGTERM so blocking commands unwind.
	rootCtx context.Context

	// configPath is the --config override; empty means workspace discovery.
	configPath string

	// jsonOutput switches commands from styled output to machine JSON.
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "contimg",
	Short: "Continuum imaging pipeline",
	Long: `contimg watches a raw-data directory for subband files, assembles them
into observation groups, and drives each group through conversion,
calibration, imaging, validation, and publication.

Most commands talk to a running daemon over its control socket; start
one with 'contimg run'. Workspace discovery walks up from the current
directory looking for contimg.yaml or a .contimg state directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to contimg.yaml (overrides discovery)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "daemon", Title: "Daemon Commands:"},
		&cobra.Group{ID: "pipeline", Title: "Pipeline Commands:"},
	)
}

// Execute runs the CLI. Called from main.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	rootCtx = ctx

	control.ClientVersion = Version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fatal prints an error and exits. Run handlers use it where the error
// leaves nothing to clean up.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// outputJSON writes v as indented JSON on stdout.
func outputJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("failed to encode JSON: %v", err)
	}
	fmt.Println(string(data))
}

// loadConfig resolves the workspace configuration, honoring --config.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("%v", err)
	}
	return cfg
}

// connectDaemon reaches the workspace daemon or exits with a hint.
func connectDaemon(cfg *config.Config) *control.Client {
	client, err := control.Connect(cfg.SocketPath())
	if err != nil {
		fatal("%v", err)
	}
	return client
}

// tableWidth is the render width for list output.
func tableWidth() int {
	w := ui.GetWidth()
	if w > 160 {
		w = 160
	}
	return w
}
