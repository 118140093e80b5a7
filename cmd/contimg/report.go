package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/types"
	"github.com/meridian-obs/contimg/internal/ui"
)

var reportCmd = &cobra.Command{
	Use:     "report <group-id>",
	GroupID: "pipeline",
	Short:   "Render an observation report for a group",
	Long: `Compose a report for one observation group: group state, registered
products with their gate statuses, and the processing timeline.

Examples:
  contimg report 2026-03-01T12:30:00
  contimg report 2026-03-01T12:30:00 --raw > report.md`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetBool("raw")

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		group, err := client.GroupsShow(args[0])
		if err != nil {
			fatal("%v", err)
		}
		products, err := client.ProductsList(&control.ProductsListArgs{GroupID: group.ID})
		if err != nil {
			fatal("%v", err)
		}
		events, err := client.EventsTail(&control.EventsTailArgs{GroupID: group.ID, Limit: 50})
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(struct {
				Group    *types.Group      `json:"group"`
				Products []*types.Product  `json:"products"`
				Events   []*types.JobEvent `json:"events"`
			}{group, products, events})
			return
		}

		md := buildGroupReport(group, products, events)
		if raw {
			fmt.Print(md)
			return
		}
		out, err := ui.RenderMarkdown(md, tableWidth())
		if err != nil {
			fatal("%v", err)
		}
		fmt.Print(out)
	},
}

func buildGroupReport(g *types.Group, products []*types.Product, events []*types.JobEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Observation %s\n\n", g.ID)
	fmt.Fprintf(&b, "- **State**: %s\n", g.State)
	fmt.Fprintf(&b, "- **Subbands**: %d/%d\n", g.SubbandsPresent, g.ExpectedSubbands)
	fmt.Fprintf(&b, "- **Received**: %s\n", g.ReceivedAt.UTC().Format(time.RFC3339))
	if g.RADeg != 0 || g.DecDeg != 0 {
		fmt.Fprintf(&b, "- **Pointing**: RA %.4f, Dec %+.4f deg\n", g.RADeg, g.DecDeg)
	}
	if g.ObsMJD > 0 {
		fmt.Fprintf(&b, "- **Observed**: MJD %.5f\n", g.ObsMJD)
	}
	if g.Calibrator != nil {
		fmt.Fprintf(&b, "- **Calibrator**: %s (%.1f Jy at %.2f deg)\n",
			g.Calibrator.Name, g.Calibrator.FluxJy, g.Calibrator.SeparationDeg)
	}
	if g.ErrorMessage != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", g.ErrorMessage)
	}

	b.WriteString("\n## Products\n\n")
	if len(products) == 0 {
		b.WriteString("None registered.\n")
	} else {
		b.WriteString("| Data ID | Type | State | QA | Validation |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, p := range products {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				p.DataID, p.DataType, p.State, p.QAStatus, p.ValidationStatus)
		}
	}

	b.WriteString("\n## Timeline\n\n")
	if len(events) == 0 {
		b.WriteString("No recorded events.\n")
	} else {
		b.WriteString("| Time (UTC) | Event | Stage | Detail |\n")
		b.WriteString("|---|---|---|---|\n")
		// Oldest first reads better in a report; the daemon sends newest first.
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				ev.CreatedAt.UTC().Format("2006-01-02 15:04:05"), ev.EventType, ev.Stage, ev.Detail)
		}
	}
	return b.String()
}

func init() {
	reportCmd.Flags().Bool("raw", false, "Print the markdown source instead of rendering it")
	rootCmd.AddCommand(reportCmd)
}
