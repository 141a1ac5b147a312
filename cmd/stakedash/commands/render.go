package commands

import (
	"fmt"
	"strings"

	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/pkg/types"
)

// renderView draws one tier page for the terminal.
func renderView(v dashboard.View) string {
	var sb strings.Builder

	account := "not connected"
	if v.Account.Connected {
		account = v.Account.Short
	}
	sb.WriteString(fmt.Sprintf("%s  %s  %s\n", Logo(), StyleHeader.Render(v.Tier.Name), StyleMuted.Render(account)))
	if v.Banner != nil {
		sb.WriteString(Banner(v.Banner.Message))
		sb.WriteString("\n")
	}

	sb.WriteString(StatusBox(v.Tier.Name+" stats", statsFields(v)))
	sb.WriteString("\n")

	sb.WriteString(SectionHeader("Wallet"))
	sb.WriteString("\n")
	switch {
	case v.Empty.Wallet != "":
		sb.WriteString(Hint(v.Empty.Wallet) + "\n")
	case len(v.Unstaked) > 0:
		sb.WriteString(RenderTable([]string{"ID", "NAME", "PLAN", "BLACKLIST", "STATE"}, unstakedRows(v.Unstaked)))
	}
	if v.ScanDegraded && len(v.Probes) > 0 {
		sb.WriteString(KeyValue("Probing", strings.Join(v.Probes, ", ")) + "\n")
	}

	sb.WriteString(SectionHeader("Staked"))
	sb.WriteString("\n")
	switch {
	case v.Empty.Staked != "":
		sb.WriteString(Hint(v.Empty.Staked) + "\n")
	case len(v.Staked) > 0:
		sb.WriteString(RenderTable([]string{"ID", "PLAN", "PENDING", "UNLOCKS IN", "STATE"}, stakedRows(v.Staked)))
	}

	if len(v.Toasts) > 0 {
		sb.WriteString("\n")
		for _, t := range v.Toasts {
			sb.WriteString(toastLine(t) + "\n")
		}
	}
	return sb.String()
}

func statsFields(v dashboard.View) [][2]string {
	if !v.Stats.Loaded {
		return [][2]string{{"Status", "loading"}}
	}
	balance := v.Stats.RewardBalance
	if v.Stats.RewardSymbol != "" {
		balance += " " + v.Stats.RewardSymbol
	}
	claim := "-"
	if v.ClaimAllEnabled || v.ClaimAllState != types.ActionIdle {
		claim = StatusBadge(actionLabel(v.ClaimAllState, v.ClaimAllEnabled))
	}
	return [][2]string{
		{"Staked", fmt.Sprintf("%d", v.Stats.TotalStaked)},
		{"Balance", balance},
		{"Pending", v.Stats.TotalPending},
		{"Claim all", claim},
	}
}

func unstakedRows(cards []dashboard.UnstakedCard) [][]string {
	rows := make([][]string, 0, len(cards))
	for _, c := range cards {
		name := c.Name
		if name == "" {
			name = "#" + c.TokenID
		}
		rows = append(rows, []string{
			c.TokenID,
			name,
			c.DefaultPlan.Label(),
			c.Blacklist,
			actionLabel(c.State, c.StakeEnabled),
		})
	}
	return rows
}

func stakedRows(cards []dashboard.StakedCard) [][]string {
	rows := make([][]string, 0, len(cards))
	for _, c := range cards {
		unlock := c.Countdown
		if c.Unlocked {
			unlock = "unlocked"
		}
		rows = append(rows, []string{
			c.TokenID,
			c.PlanLabel,
			c.Pending,
			unlock,
			actionLabel(c.State, c.UnstakeEnabled),
		})
	}
	return rows
}

// actionLabel names a card's action state; idle cards show whether the
// action is available.
func actionLabel(state types.ActionState, enabled bool) string {
	if state != types.ActionIdle {
		return string(state)
	}
	if enabled {
		return "ready"
	}
	return "locked"
}

func toastLine(t action.Toast) string {
	msg := t.Message
	if t.Reason != "" {
		msg += ": " + t.Reason
	}
	if t.Retryable {
		msg += " (retryable)"
	}
	if !isTTY() {
		return fmt.Sprintf("[%s] %s", strings.ToUpper(string(t.Level)), msg)
	}
	switch t.Level {
	case action.LevelSuccess:
		return StyleSuccess.Render("  " + msg)
	case action.LevelError:
		return StyleError.Render("  " + msg)
	default:
		return StyleInfo.Render("  " + msg)
	}
}
