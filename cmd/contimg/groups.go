package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/types"
	"github.com/meridian-obs/contimg/internal/ui"
)

var groupsCmd = &cobra.Command{
	Use:     "groups",
	GroupID: "pipeline",
	Short:   "Inspect observation groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List observation groups",
	Long: `List observation groups, newest first.

Examples:
  contimg groups list
  contimg groups list --state failed
  contimg groups list --since "6 hours ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		states, _ := cmd.Flags().GetStringSlice("state")
		since, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")

		listArgs := &control.GroupsListArgs{States: states, Limit: limit}
		if since != "" {
			t, err := parseTimeFlag(since)
			if err != nil {
				fatal("invalid --since: %v", err)
			}
			listArgs.Since = t.UTC().Format(time.RFC3339)
		}

		cfg := loadConfig()
		client := connectDaemon(cfg)
		defer func() { _ = client.Close() }()

		groups, err := client.GroupsList(listArgs)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(groups)
			return
		}
		fmt.Println(ui.RenderGroupsTable(groups, tableWidth()))
	},
}

var groupsShowCmd = &cobra.Command{
	Use:   "show <group-id>",
	Short: "Show one group with its products and recent events",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
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
		events, err := client.EventsTail(&control.EventsTailArgs{GroupID: group.ID, Limit: 15})
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

		pairs := [][2]string{
			{"Group", group.ID},
			{"State", ui.RenderState(string(group.State))},
			{"Subbands", fmt.Sprintf("%d/%d", group.SubbandsPresent, group.ExpectedSubbands)},
			{"Received", ui.Age(group.ReceivedAt)},
			{"Updated", ui.Age(group.LastUpdate)},
		}
		if group.RADeg != 0 || group.DecDeg != 0 {
			pairs = append(pairs, [2]string{"Pointing", fmt.Sprintf("%.4f %+.4f deg", group.RADeg, group.DecDeg)})
		}
		if group.Calibrator != nil {
			pairs = append(pairs, [2]string{"Calibrator", fmt.Sprintf("%s (%.1f Jy, %.2f deg away)",
				group.Calibrator.Name, group.Calibrator.FluxJy, group.Calibrator.SeparationDeg)})
		}
		if group.ErrorMessage != "" {
			pairs = append(pairs, [2]string{"Error", ui.RenderFail(group.ErrorMessage)})
		}
		fmt.Println(ui.RenderKeyValues("Group", pairs, tableWidth()))

		if len(products) > 0 {
			fmt.Println()
			fmt.Println(ui.HeaderStyle.Render("Products"))
			fmt.Println(ui.RenderProductsTable(products, tableWidth()))
		}
		if len(events) > 0 {
			fmt.Println()
			fmt.Println(ui.HeaderStyle.Render("Recent Events"))
			fmt.Println(ui.RenderEventsTable(events, tableWidth()))
		}
	},
}

func init() {
	groupsListCmd.Flags().StringSliceP("state", "s", nil, "Filter by state (collecting, pending, in_progress, completed, failed)")
	groupsListCmd.Flags().String("since", "", "Only groups received after this time (RFC 3339 or natural language)")
	groupsListCmd.Flags().Int("limit", 0, "Maximum groups to return")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsShowCmd)
	rootCmd.AddCommand(groupsCmd)
}
