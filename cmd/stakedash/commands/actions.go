package commands

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/pkg/types"
)

var errCancelled = errors.New("cancelled")

// actionResult is the --output json form of a mined action.
type actionResult struct {
	Slot   string `json:"slot"`
	TxHash string `json:"txHash"`
}

func NewStakeCmd() *cobra.Command {
	var planFlag string

	cmd := &cobra.Command{
		Use:   "stake <tier> <tokenId>",
		Short: "Stake an NFT from your wallet",
		Long: `Approve the staking pool for the collection if needed, then stake the NFT.
Without --plan, a terminal prompts for the plan; otherwise the tier default is used.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTokenArg(args[1])
			if err != nil {
				return err
			}
			env, page, err := openPage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer env.Close()

			if _, err := loadSettled(cmd.Context(), page); err != nil {
				return err
			}
			plan, err := choosePlan(planFlag, page.Tier().DefaultPlan)
			if err != nil {
				return err
			}
			label := fmt.Sprintf("Staking #%s (%s)", id, plan.Label())
			return runAction(cmd.Context(), env.app, label, func() (*action.Run, error) {
				return page.Stake(id, &plan)
			})
		},
	}
	cmd.Flags().StringVar(&planFlag, "plan", "", "Lock plan: 3, 6 or 12 (months), or index 0-2")
	return cmd
}

func NewUnstakeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "unstake <tier> <tokenId>",
		Short: "Unstake an NFT and claim its reward",
		Long:  "Withdraw a staked NFT whose lock has ended. Its pending reward is paid out with it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTokenArg(args[1])
			if err != nil {
				return err
			}
			env, page, err := openPage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer env.Close()

			// Unstaking needs the stakes, not the wallet scan.
			if _, err := env.app.Store().Revalidate(cmd.Context()); err != nil {
				return err
			}
			if card, ok := page.View().FindStaked(id); ok && !yes && isTTY() {
				msg := fmt.Sprintf("Unstake #%s and claim %s?", card.TokenID, card.Pending)
				if err := confirm(msg); err != nil {
					return err
				}
			}
			return runAction(cmd.Context(), env.app, fmt.Sprintf("Unstaking #%s", id), func() (*action.Run, error) {
				return page.Unstake(id)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func NewClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Claim rewards from every stake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if _, err := env.app.Store().Revalidate(cmd.Context()); err != nil {
				return err
			}
			return runAction(cmd.Context(), env.app, "Claiming rewards", env.app.ClaimAll)
		},
	}
}

func NewReferralCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "referral <id|address>",
		Short: "Register a referrer",
		Long:  "Register the referrer for your wallet, given as an NFT id or an address.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := contracts.ParseReferrer(args[0])
			if err != nil {
				return err
			}
			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			return runAction(cmd.Context(), env.app, "Registering referral", func() (*action.Run, error) {
				return env.app.RegisterReferral(ref)
			})
		},
	}
}

func openEnv(ctx context.Context) (*runtimeEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openRuntime(ctx, cfg, metrics.NewCollector())
}

func openPage(ctx context.Context, slug string) (*runtimeEnv, *dashboard.Page, error) {
	env, err := openEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	page, err := env.app.Page(strings.ToLower(slug))
	if err != nil {
		env.Close()
		return nil, nil, err
	}
	return env, page, nil
}

// runAction starts an action and waits for it to be mined. Failures print
// the slot's toast before returning the error.
func runAction(ctx context.Context, app *dashboard.App, label string, start func() (*action.Run, error)) error {
	run, err := start()
	if err != nil {
		return err
	}
	var hash common.Hash
	err = WithSpinner(label, func() error {
		var werr error
		hash, werr = run.Wait(ctx)
		return werr
	})
	if err != nil {
		for _, t := range app.Orchestrator().Status().Toasts {
			if t.Slot == run.Slot() {
				fmt.Println(toastLine(t))
			}
		}
		return err
	}
	if jsonOutput() {
		return printJSON(actionResult{Slot: run.Slot(), TxHash: hash.Hex()})
	}
	Success(fmt.Sprintf("%s: mined in %s", label, hash.Hex()))
	return nil
}

func parseTokenArg(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

// choosePlan resolves --plan, prompting on a terminal when it is unset.
func choosePlan(flag string, def types.Plan) (types.Plan, error) {
	if flag != "" {
		return types.ParsePlan(flag)
	}
	if !isTTY() {
		return def, nil
	}

	plan := def
	options := make([]huh.Option[types.Plan], 0, len(types.Plans))
	for _, p := range types.Plans {
		text := fmt.Sprintf("%s  %s monthly", p.Label(), p.YieldHint())
		options = append(options, huh.NewOption(text, p))
	}
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[types.Plan]().
				Title("Lock plan").
				Description("Rewards accrue until you unstake; the NFT is locked for the plan length.").
				Options(options...).
				Value(&plan),
		),
	).WithTheme(huh.ThemeBase()).Run()
	if err != nil {
		return def, err
	}
	return plan, nil
}

func confirm(msg string) error {
	ok := false
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(msg).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithTheme(huh.ThemeBase()).Run()
	if err != nil {
		return err
	}
	if !ok {
		return errCancelled
	}
	return nil
}
