package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/ui"
)

var publishCmd = &cobra.Command{
	Use:     "publish",
	GroupID: "pipeline",
	Short:   "Manage published products",
}

var publishRetractCmd = &cobra.Command{
	Use:   "retract <data-id>",
	Short: "Retract a published product",
	Long: `Retract a published product. The published copy is removed and the
product is marked retracted; the staged copy is kept.

Examples:
  contimg publish retract image_2026-03-01T12:30:00
  contimg publish retract image_2026-03-01T12:30:00 --yes`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		dataID := args[0]

		if !yes && !ui.PromptYesNo(fmt.Sprintf("Retract %s from the published area?", dataID), false) {
			fmt.Println("Cancelled.")
			return
		}

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		prod, err := client.Retract(dataID)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(prod)
			return
		}
		fmt.Printf("%s %s retracted (staged copy kept at %s)\n",
			ui.RenderPass(ui.IconPass), prod.DataID, prod.StagePath)
	},
}

func init() {
	publishRetractCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	publishCmd.AddCommand(publishRetractCmd)
	rootCmd.AddCommand(publishCmd)
}
