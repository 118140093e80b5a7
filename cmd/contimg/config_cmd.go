package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/stages"
	"github.com/meridian-obs/contimg/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Show or validate the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration after defaults, the config file,
and CONTIMG_* environment variables have been merged. The output is a
valid contimg.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if jsonOutput {
			outputJSON(cfg)
			return
		}
		fmt.Print(renderConfigYAML(cfg))
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and kernel manifest",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail(ui.IconFail), err)
			os.Exit(1)
		}
		fmt.Printf("%s configuration valid (%s)\n", ui.RenderPass(ui.IconPass), cfg.Workspace)

		plan, err := orchestrator.NewPlan(stages.Catalog(stages.Deps{}))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail(ui.IconFail), err)
			os.Exit(1)
		}
		names := plan.StageNames()
		if err := cfg.ValidateStageNames(names); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail(ui.IconFail), err)
			os.Exit(1)
		}
		fmt.Printf("%s stage names valid (%d stages)\n", ui.RenderPass(ui.IconPass), len(names))

		if _, err := os.Stat(cfg.Kernel.ManifestPath); os.IsNotExist(err) {
			fmt.Printf("%s no kernel manifest at %s\n", ui.RenderWarn(ui.IconWarn), cfg.Kernel.ManifestPath)
			return
		}
		m, err := kernel.LoadManifest(cfg.Kernel.ManifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail(ui.IconFail), err)
			os.Exit(1)
		}
		fmt.Printf("%s kernel %s %s ok (%d ops, protocol %s)\n",
			ui.RenderPass(ui.IconPass), m.Name, m.Version, len(m.Ops), kernel.ProtocolVersion)
	},
}

// renderConfigYAML writes the configuration by hand rather than through a
// marshaler so durations come out as "15m0s" instead of nanosecond integers.
func renderConfigYAML(cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Effective configuration, workspace %s\n", cfg.Workspace)

	b.WriteString("paths:\n")
	fmt.Fprintf(&b, "  raw: %q\n", cfg.Paths.Raw)
	fmt.Fprintf(&b, "  staging: %q\n", cfg.Paths.Staging)
	fmt.Fprintf(&b, "  published: %q\n", cfg.Paths.Published)
	fmt.Fprintf(&b, "  caltables: %q\n", cfg.Paths.CalTables)
	fmt.Fprintf(&b, "  logs: %q\n", cfg.Paths.Logs)
	fmt.Fprintf(&b, "  state_dir: %q\n", cfg.Paths.StateDir)

	b.WriteString("ingest:\n")
	fmt.Fprintf(&b, "  complete_threshold: %d\n", cfg.Ingest.CompleteThreshold)
	fmt.Fprintf(&b, "  eligible_threshold: %d\n", cfg.Ingest.EligibleThreshold)
	fmt.Fprintf(&b, "  semi_complete_delay: %s\n", cfg.Ingest.SemiCompleteDelay)
	fmt.Fprintf(&b, "  quiescence: %s\n", cfg.Ingest.Quiescence)
	fmt.Fprintf(&b, "  poll_interval: %s\n", cfg.Ingest.PollInterval)
	fmt.Fprintf(&b, "  patterns: [%s]\n", quotedList(cfg.Ingest.Patterns))

	b.WriteString("orchestrator:\n")
	fmt.Fprintf(&b, "  worker_count: %d\n", cfg.Orchestrator.WorkerCount)
	fmt.Fprintf(&b, "  lease_duration: %s\n", cfg.Orchestrator.LeaseDuration)
	fmt.Fprintf(&b, "  heartbeat_interval: %s\n", cfg.Orchestrator.HeartbeatInterval)
	b.WriteString("  default_retry:\n")
	writeRetry(&b, "    ", cfg.Orchestrator.DefaultRetry)

	b.WriteString("scheduler:\n")
	fmt.Fprintf(&b, "  tick_interval: %s\n", cfg.Scheduler.TickInterval)

	if len(cfg.Stages) > 0 {
		b.WriteString("stages:\n")
		names := make([]string, 0, len(cfg.Stages))
		for name := range cfg.Stages {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sc := cfg.Stages[name]
			fmt.Fprintf(&b, "  %s:\n", name)
			if sc.Enabled != nil {
				fmt.Fprintf(&b, "    enabled: %t\n", *sc.Enabled)
			}
			if sc.Timeout > 0 {
				fmt.Fprintf(&b, "    timeout: %s\n", sc.Timeout)
			}
			if sc.Retry != (config.RetryConfig{}) {
				b.WriteString("    retry:\n")
				writeRetry(&b, "      ", sc.Retry)
			}
		}
	}

	b.WriteString("calibration:\n")
	fmt.Fprintf(&b, "  bp_validity: %s\n", cfg.Calibration.BPValidity)
	fmt.Fprintf(&b, "  gain_validity: %s\n", cfg.Calibration.GainValidity)
	fmt.Fprintf(&b, "  catalog_path: %q\n", cfg.Calibration.CatalogPath)

	b.WriteString("publish:\n")
	fmt.Fprintf(&b, "  auto_publish_default: %t\n", cfg.Publish.AutoPublishDefault)
	fmt.Fprintf(&b, "  max_attempts: %d\n", cfg.Publish.MaxAttempts)
	fmt.Fprintf(&b, "  retry_delay: %s\n", cfg.Publish.RetryDelay)

	b.WriteString("resources:\n")
	fmt.Fprintf(&b, "  ms_lock_timeout: %s\n", cfg.Resources.MSLockTimeout)

	b.WriteString("kernel:\n")
	fmt.Fprintf(&b, "  manifest_path: %q\n", cfg.Kernel.ManifestPath)
	fmt.Fprintf(&b, "  bin_dir: %q\n", cfg.Kernel.BinDir)

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(&b, "  file: %q\n", cfg.Logging.File)
	fmt.Fprintf(&b, "  max_size_mb: %d\n", cfg.Logging.MaxSizeMB)
	fmt.Fprintf(&b, "  max_backups: %d\n", cfg.Logging.MaxBackups)
	fmt.Fprintf(&b, "  max_age_days: %d\n", cfg.Logging.MaxAgeDays)

	return b.String()
}

func writeRetry(b *strings.Builder, indent string, r config.RetryConfig) {
	if r.MaxAttempts > 0 {
		fmt.Fprintf(b, "%smax_attempts: %d\n", indent, r.MaxAttempts)
	}
	if r.BaseDelay > 0 {
		fmt.Fprintf(b, "%sbase_delay: %s\n", indent, r.BaseDelay)
	}
	if r.MaxDelay > 0 {
		fmt.Fprintf(b, "%smax_delay: %s\n", indent, r.MaxDelay)
	}
	if r.Multiplier > 0 {
		fmt.Fprintf(b, "%smultiplier: %g\n", indent, r.Multiplier)
	}
	if r.JitterFraction > 0 {
		fmt.Fprintf(b, "%sjitter_fraction: %g\n", indent, r.JitterFraction)
	}
}

func quotedList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
