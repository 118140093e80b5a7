package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/types"
	"github.com/meridian-obs/contimg/internal/ui"
)

var productsCmd = &cobra.Command{
	Use:     "products",
	GroupID: "pipeline",
	Short:   "Inspect pipeline products",
}

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products",
	Long: `List registered products, newest observation first.

With --box the listing switches to a sky-position query and the other
filters are ignored. Boxes that cross RA=0 are written with ra_lo > ra_hi.

Examples:
  contimg products list --type image --state published
  contimg products list --group 2026-03-01T12:30:00
  contimg products list --since "last tuesday"
  contimg products list --box 210.5:214.0,-1.25:1.25`,
	Run: func(cmd *cobra.Command, args []string) {
		dataType, _ := cmd.Flags().GetString("type")
		states, _ := cmd.Flags().GetStringSlice("state")
		group, _ := cmd.Flags().GetString("group")
		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		box, _ := cmd.Flags().GetString("box")
		limit, _ := cmd.Flags().GetInt("limit")

		listArgs := &control.ProductsListArgs{
			DataType: dataType,
			States:   states,
			GroupID:  group,
			Limit:    limit,
		}
		if since != "" {
			v, err := parseMJDFlag(since)
			if err != nil {
				fatal("invalid --since: %v", err)
			}
			listArgs.MinObsMJD = v
		}
		if until != "" {
			v, err := parseMJDFlag(until)
			if err != nil {
				fatal("invalid --until: %v", err)
			}
			listArgs.MaxObsMJD = v
		}
		if box != "" {
			b, err := parseBoxFlag(box)
			if err != nil {
				fatal("invalid --box: %v", err)
			}
			listArgs.Box = b
		}

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		prods, err := client.ProductsList(listArgs)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(prods)
			return
		}
		fmt.Println(ui.RenderProductsTable(prods, tableWidth()))
	},
}

var productsShowCmd = &cobra.Command{
	Use:   "show <data-id>",
	Short: "Show one product with its lineage",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		resp, err := client.ProductsShow(args[0])
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(resp)
			return
		}

		p := resp.Product
		pairs := [][2]string{
			{"Data ID", p.DataID},
			{"Type", p.DataType},
			{"State", ui.RenderState(string(p.State))},
			{"Group", p.GroupID},
			{"Staged at", p.StagePath},
		}
		if p.PublishedPath != "" {
			pairs = append(pairs, [2]string{"Published at", p.PublishedPath})
		}
		if p.ObsStartMJD > 0 {
			pairs = append(pairs, [2]string{"Observed", fmt.Sprintf("MJD %.5f - %.5f", p.ObsStartMJD, p.ObsEndMJD)})
		}
		if p.RADeg != 0 || p.DecDeg != 0 {
			pairs = append(pairs, [2]string{"Pointing", fmt.Sprintf("%.4f %+.4f deg", p.RADeg, p.DecDeg)})
		}
		pairs = append(pairs,
			[2]string{"QA", renderGate(p.QAStatus, types.QAPassed)},
			[2]string{"Validation", renderGate(p.ValidationStatus, types.ValidationValidated)},
			[2]string{"Finalization", renderGate(p.FinalizationStatus, types.FinalizationFinalized)},
		)
		if p.PhotometryStatus != "" {
			pairs = append(pairs, [2]string{"Photometry", renderGate(p.PhotometryStatus, types.PhotometryCompleted)})
		}
		auto := "disabled"
		if p.AutoPublish {
			auto = "enabled"
		}
		pairs = append(pairs, [2]string{"Auto-publish", auto})
		if p.PublishError != "" {
			pairs = append(pairs, [2]string{"Publish error", ui.RenderFail(p.PublishError)})
		}
		if p.Provenance.CreatorStage != "" {
			pairs = append(pairs, [2]string{"Created by", p.Provenance.CreatorStage})
		}
		fmt.Println(ui.RenderKeyValues("Product", pairs, tableWidth()))

		fmt.Println()
		fmt.Println(ui.HeaderStyle.Render("Lineage"))
		fmt.Println(ui.RenderAncestryTree(p, resp.Ancestors))
	},
}

// parseBoxFlag parses "ra_lo:ra_hi,dec_lo:dec_hi" into a sky box. A box whose
// ra_lo exceeds ra_hi crosses the RA=0 meridian, which the query understands.
func parseBoxFlag(s string) (*types.SkyBox, error) {
	halves := strings.Split(s, ",")
	if len(halves) != 2 {
		return nil, fmt.Errorf("expected ra_lo:ra_hi,dec_lo:dec_hi, got %q", s)
	}
	var vals [4]float64
	for i, part := range []string{halves[0], halves[1]} {
		bounds := strings.Split(part, ":")
		if len(bounds) != 2 {
			return nil, fmt.Errorf("expected lo:hi, got %q", part)
		}
		for j, b := range bounds {
			v, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
			if err != nil {
				return nil, fmt.Errorf("bad coordinate %q", b)
			}
			vals[i*2+j] = v
		}
	}
	box := &types.SkyBox{RAMin: vals[0], RAMax: vals[1], DecMin: vals[2], DecMax: vals[3]}
	if box.DecMin > box.DecMax {
		return nil, fmt.Errorf("dec_lo %.4f exceeds dec_hi %.4f", box.DecMin, box.DecMax)
	}
	return box, nil
}

// renderGate colors a publish-gate status: the satisfying value green,
// pending muted, warnings yellow, everything else red.
func renderGate(status, ok string) string {
	switch status {
	case ok:
		return ui.RenderPass(status)
	case "pending", "":
		return ui.RenderMuted(status)
	case types.QAWarning:
		return ui.RenderWarn(status)
	default:
		return ui.RenderFail(status)
	}
}

func init() {
	productsListCmd.Flags().StringP("type", "t", "", "Filter by data type (measurement_set, image, mosaic, crossmatch, photometry)")
	productsListCmd.Flags().StringSliceP("state", "s", nil, "Filter by state (staging, validated, publishing, published, failed, retracted)")
	productsListCmd.Flags().StringP("group", "g", "", "Only products of this group")
	productsListCmd.Flags().String("since", "", "Only products observed after this time (MJD, RFC 3339, or natural language)")
	productsListCmd.Flags().String("until", "", "Only products observed before this time")
	productsListCmd.Flags().String("box", "", "Sky box query: ra_lo:ra_hi,dec_lo:dec_hi in degrees")
	productsListCmd.Flags().Int("limit", 0, "Maximum products to return")

	productsCmd.AddCommand(productsListCmd)
	productsCmd.AddCommand(productsShowCmd)
	rootCmd.AddCommand(productsCmd)
}
