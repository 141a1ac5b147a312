package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbunker/stakedash/internal/blacklist"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
)

const (
	loadTimeout = 60 * time.Second
	// settleTimeout bounds waiting for blacklist answers after a load.
	settleTimeout = 10 * time.Second
	settlePoll    = 100 * time.Millisecond
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <tier>",
		Short: "Show a tier page once",
		Long:  "Load the wallet inventory, stakes and reward balance for a tier and print the page.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			env, err := openRuntime(cmd.Context(), cfg, metrics.NewCollector())
			if err != nil {
				return err
			}
			defer env.Close()

			page, err := env.app.Page(strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			var view dashboard.View
			err = WithSpinner("Loading "+page.Tier().Name, func() error {
				view, err = loadSettled(cmd.Context(), page)
				return err
			})
			if err != nil {
				logging.Debug("page load incomplete", logging.Component("cli"), logging.Err(err))
			}
			if jsonOutput() {
				return printJSON(view)
			}
			if err != nil {
				Warning("Some reads failed, showing partial data: " + err.Error())
			}
			fmt.Print(renderView(view))
			return nil
		},
	}
}

// loadSettled loads page and waits briefly for blacklist lookups on the
// wallet grid, so one-shot output shows answers rather than "pending".
// On a load error the partial view is returned with it.
func loadSettled(parent context.Context, page *dashboard.Page) (dashboard.View, error) {
	ctx, cancel := context.WithTimeout(parent, loadTimeout)
	defer cancel()
	view, err := page.Load(ctx)
	if err != nil {
		return view, err
	}

	deadline := time.NewTimer(settleTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for hasPendingLookups(view) {
		select {
		case <-ctx.Done():
			return view, nil
		case <-deadline.C:
			return view, nil
		case <-ticker.C:
			view = page.View()
		}
	}
	return view, nil
}

func hasPendingLookups(v dashboard.View) bool {
	for _, c := range v.Unstaked {
		if c.Blacklist == blacklist.Unknown.String() {
			return true
		}
	}
	return false
}
