package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/util"
)

const clearScreen = "\033[H\033[2J"

func NewWatchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <tier>",
		Short: "Live view of a tier page",
		Long: `Follow a tier page in the terminal. Pending rewards and unlock countdowns
update every tick. Without a terminal, a view is printed every --interval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Print interval when output is not a terminal")
	return cmd
}

func runWatch(parent context.Context, slug string, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := openRuntime(ctx, cfg, metrics.NewCollector())
	if err != nil {
		return err
	}
	defer env.Close()

	page, err := env.app.Page(strings.ToLower(slug))
	if err != nil {
		return err
	}
	release := page.Open()
	defer release()

	views := make(chan dashboard.View, 1)
	var mu sync.Mutex
	unsubscribe := page.Subscribe(func(v dashboard.View) {
		mu.Lock()
		defer mu.Unlock()
		select {
		case <-views:
		default:
		}
		views <- v
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	util.GoTracked(&wg, "watch-app", func() { env.app.Run(ctx) })
	defer wg.Wait()

	tty := isTTY()
	printer := rate.Sometimes{Interval: interval}
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-views:
			if jsonOutput() {
				printer.Do(func() { _ = printJSON(v) })
				continue
			}
			if tty {
				fmt.Print(clearScreen + renderView(v))
				continue
			}
			printer.Do(func() { fmt.Println(renderView(v)) })
		}
	}
}
