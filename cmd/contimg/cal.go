package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/ui"
)

var calCmd = &cobra.Command{
	Use:     "cal",
	GroupID: "pipeline",
	Short:   "Manage calibration artifacts",
}

var calListCmd = &cobra.Command{
	Use:   "list",
	Short: "List calibration artifacts",
	Long: `List calibration artifacts, newest first.

Examples:
  contimg cal list
  contimg cal list --set 2026-03-01_bandpass
  contimg cal list --status active`,
	Run: func(cmd *cobra.Command, args []string) {
		set, _ := cmd.Flags().GetString("set")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		arts, err := client.CalList(&control.CalListArgs{SetName: set, Status: status, Limit: limit})
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(arts)
			return
		}
		fmt.Println(ui.RenderCalTable(arts, tableWidth()))
	},
}

var calRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an externally produced calibration table",
	Long: `Register a calibration table solved outside the pipeline.

The validity window may be given as MJD values or as timestamps; when
omitted it defaults to the configured validity for the table type.

Examples:
  contimg cal register --set manual_bp --type BP --path /data/cal/bp.tbl
  contimg cal register --set manual_g --type GP --path /data/cal/gp.tbl \
    --valid-start 60000.5 --valid-end "2026-03-02T00:00:00Z"`,
	Run: func(cmd *cobra.Command, args []string) {
		set, _ := cmd.Flags().GetString("set")
		tableType, _ := cmd.Flags().GetString("type")
		path, _ := cmd.Flags().GetString("path")
		order, _ := cmd.Flags().GetInt("order")
		validStart, _ := cmd.Flags().GetString("valid-start")
		validEnd, _ := cmd.Flags().GetString("valid-end")

		regArgs := &control.CalRegisterArgs{
			SetName:    set,
			Type:       tableType,
			Path:       path,
			OrderIndex: order,
		}
		if validStart != "" {
			v, err := parseMJDFlag(validStart)
			if err != nil {
				fatal("invalid --valid-start: %v", err)
			}
			regArgs.ValidStartMJD = v
		}
		if validEnd != "" {
			v, err := parseMJDFlag(validEnd)
			if err != nil {
				fatal("invalid --valid-end: %v", err)
			}
			regArgs.ValidEndMJD = v
		}

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		art, err := client.CalRegister(regArgs)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(art)
			return
		}
		fmt.Printf("%s registered %s table #%d in set %s (valid MJD %.5f - %.5f)\n",
			ui.RenderPass(ui.IconPass), art.Type, art.ID, art.SetName, art.ValidStartMJD, art.ValidEndMJD)
	},
}

var calRetireCmd = &cobra.Command{
	Use:   "retire [artifact-id]",
	Short: "Retire a calibration artifact or a whole set",
	Long: `Retire a single artifact by id, or every active artifact in a set
with --set. Retired artifacts are never selected for new jobs.

Examples:
  contimg cal retire 42
  contimg cal retire --set 2026-03-01_bandpass`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		set, _ := cmd.Flags().GetString("set")
		if len(args) == 0 && set == "" {
			fatal("provide an artifact id or --set")
		}
		if len(args) == 1 && set != "" {
			fatal("provide an artifact id or --set, not both")
		}

		retireArgs := &control.CalRetireArgs{SetName: set}
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fatal("invalid artifact id %q", args[0])
			}
			retireArgs.ID = id
		}

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		resp, err := client.CalRetire(retireArgs)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(resp)
			return
		}
		noun := "artifact"
		if resp.Retired != 1 {
			noun = "artifacts"
		}
		fmt.Printf("%s retired %d %s\n", ui.RenderPass(ui.IconPass), resp.Retired, noun)
	},
}

func init() {
	calListCmd.Flags().String("set", "", "Filter by set name")
	calListCmd.Flags().String("status", "", "Filter by status (active, retired, failed)")
	calListCmd.Flags().Int("limit", 0, "Maximum artifacts to return")

	calRegisterCmd.Flags().String("set", "", "Set name grouping related tables")
	calRegisterCmd.Flags().String("type", "", "Table type (K, BA, BP, GA, GP, 2G, FLUX)")
	calRegisterCmd.Flags().String("path", "", "Path to the calibration table")
	calRegisterCmd.Flags().Int("order", 0, "Application order within the set")
	calRegisterCmd.Flags().String("valid-start", "", "Validity window start (MJD or timestamp)")
	calRegisterCmd.Flags().String("valid-end", "", "Validity window end (MJD or timestamp)")
	_ = calRegisterCmd.MarkFlagRequired("set")  // Only fails if flag missing (caught in tests)
	_ = calRegisterCmd.MarkFlagRequired("type") // Only fails if flag missing (caught in tests)
	_ = calRegisterCmd.MarkFlagRequired("path") // Only fails if flag missing (caught in tests)

	calRetireCmd.Flags().String("set", "", "Retire every active artifact in this set")

	calCmd.AddCommand(calListCmd)
	calCmd.AddCommand(calRegisterCmd)
	calCmd.AddCommand(calRetireCmd)
	rootCmd.AddCommand(calCmd)
}
