package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moltbunker/stakedash/pkg/types"
)

func NewTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List tier pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tiers, err := cfg.ResolveTiers()
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(tiers)
			}
			fmt.Print(RenderTable([]string{"SLUG", "NAME", "COLLECTION", "IDS", "DEFAULT PLAN"}, tierRows(tiers)))
			return nil
		},
	}
}

func tierRows(tiers []types.TierDescriptor) [][]string {
	rows := make([][]string, 0, len(tiers))
	for _, t := range tiers {
		rows = append(rows, []string{
			t.Slug,
			t.Name,
			types.ShortAddress(t.Collection),
			fmt.Sprintf("%d-%d", t.IDMin, t.IDMax),
			t.DefaultPlan.Label(),
		})
	}
	return rows
}
