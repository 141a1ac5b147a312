package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

func TestCommandConstructors(t *testing.T) {
	serve := NewServeCmd()
	if serve.Use != "serve" {
		t.Errorf("Use mismatch: got %s, want serve", serve.Use)
	}
	if serve.Flags().Lookup("http-addr") == nil {
		t.Error("--http-addr flag should exist")
	}

	watch := NewWatchCmd()
	if watch.Use != "watch <tier>" {
		t.Errorf("Use mismatch: got %s, want watch <tier>", watch.Use)
	}
	if f := watch.Flags().Lookup("interval"); f == nil || f.DefValue != "10s" {
		t.Errorf("--interval flag: got %+v, want default 10s", f)
	}

	stake := NewStakeCmd()
	if stake.Use != "stake <tier> <tokenId>" {
		t.Errorf("Use mismatch: got %s", stake.Use)
	}
	if stake.Flags().Lookup("plan") == nil {
		t.Error("--plan flag should exist")
	}
	if err := stake.Args(stake, []string{"starter"}); err == nil {
		t.Error("stake should require two args")
	}

	unstake := NewUnstakeCmd()
	if f := unstake.Flags().ShorthandLookup("y"); f == nil || f.Name != "yes" {
		t.Error("-y should be the shorthand for --yes")
	}

	for _, c := range []struct{ got, want string }{
		{NewStatusCmd().Use, "status <tier>"},
		{NewClaimCmd().Use, "claim"},
		{NewReferralCmd().Use, "referral <id|address>"},
		{NewTiersCmd().Use, "tiers"},
		{NewVersionCmd().Use, "version"},
		{NewDoctorCmd().Use, "doctor"},
	} {
		if c.got != c.want {
			t.Errorf("Use mismatch: got %s, want %s", c.got, c.want)
		}
	}
}

func TestNewConfigCmd(t *testing.T) {
	cmd := NewConfigCmd()
	if cmd.Use != "config" {
		t.Errorf("Use mismatch: got %s, want config", cmd.Use)
	}
	subs := map[string]bool{}
	for _, c := range cmd.Commands() {
		subs[c.Name()] = true
	}
	for _, name := range []string{"init", "show", "validate"} {
		if !subs[name] {
			t.Errorf("config %s subcommand missing", name)
		}
	}

	initCmd, _, err := cmd.Find([]string{"init"})
	if err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"non-interactive", "force"} {
		if initCmd.Flags().Lookup(flag) == nil {
			t.Errorf("--%s flag should exist", flag)
		}
	}
}

func TestParseTokenArg(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"42", 42, true},
		{"#42", 42, true},
		{" 7 ", 7, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"0x10", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, err := parseTokenArg(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("parseTokenArg(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got.Int64() != tt.want {
			t.Errorf("parseTokenArg(%q) = %s, want %d", tt.in, got, tt.want)
		}
	}
}

func TestChoosePlan(t *testing.T) {
	plan, err := choosePlan("12", types.Plan3Months)
	if err != nil || plan != types.Plan12Months {
		t.Errorf("choosePlan(12) = %v, %v", plan, err)
	}
	if _, err := choosePlan("9", types.Plan3Months); !errors.Is(err, types.ErrInvalidPlan) {
		t.Errorf("choosePlan(9) err = %v, want ErrInvalidPlan", err)
	}
	// Test output is not a terminal, so no prompt.
	plan, err = choosePlan("", types.Plan6Months)
	if err != nil || plan != types.Plan6Months {
		t.Errorf("choosePlan default = %v, %v", plan, err)
	}
}

func TestActionLabel(t *testing.T) {
	tests := []struct {
		state   types.ActionState
		enabled bool
		want    string
	}{
		{types.ActionIdle, true, "ready"},
		{types.ActionIdle, false, "locked"},
		{types.ActionSubmitting, false, "submitting"},
		{types.ActionFailed, true, "failed"},
	}
	for _, tt := range tests {
		if got := actionLabel(tt.state, tt.enabled); got != tt.want {
			t.Errorf("actionLabel(%s, %v) = %s, want %s", tt.state, tt.enabled, got, tt.want)
		}
	}
}

func TestRenderViewPlain(t *testing.T) {
	v := dashboard.View{
		Tier:    dashboard.TierView{Name: "Starter", Slug: "starter"},
		Account: dashboard.AccountView{Connected: true, Short: "0x1234…abcd"},
		Stats: dashboard.Stats{
			Loaded:        true,
			TotalStaked:   1,
			RewardBalance: "12.5000",
			RewardSymbol:  "RWD",
			TotalPending:  "0.1234",
		},
		ClaimAllEnabled: true,
		Unstaked: []dashboard.UnstakedCard{
			{TokenID: "7", Name: "Starter #7", DefaultPlan: types.Plan3Months, Blacklist: "clear", StakeEnabled: true},
		},
		Staked: []dashboard.StakedCard{
			{TokenID: "3", PlanLabel: "6 MO", Pending: "0.1234", Countdown: "0d 0h 50m 0s"},
			{TokenID: "4", PlanLabel: "3 MO", Pending: "1.000000", Unlocked: true, UnstakeEnabled: true},
		},
		Toasts: []action.Toast{
			{Slot: action.SlotClaimAll, Level: action.LevelError, Message: "Claim failed", Reason: "execution reverted", Retryable: true},
		},
	}

	out := renderView(v)
	for _, want := range []string{
		"Starter",
		"0x1234…abcd",
		"12.5000 RWD",
		"0.1234",
		"Starter #7",
		"3 MO",
		"clear",
		"ready",
		"0d 0h 50m 0s",
		"unlocked",
		"[ERROR] Claim failed: execution reverted (retryable)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRenderViewBannersAndEmptyStates(t *testing.T) {
	v := dashboard.View{
		Tier:   dashboard.TierView{Name: "Basic", Slug: "basic"},
		Banner: &dashboard.Banner{Kind: dashboard.BannerNoWallet, Message: dashboard.MsgConnectWallet},
		Empty: dashboard.Empty{
			Wallet: dashboard.MsgNoNFTs,
			Staked: dashboard.MsgNoStakes,
		},
		ScanDegraded: true,
		Probes:       []string{"11", "12"},
	}

	out := renderView(v)
	for _, want := range []string{
		"not connected",
		"[!] " + dashboard.MsgConnectWallet,
		"loading",
		dashboard.MsgNoNFTs,
		dashboard.MsgNoStakes,
		"Probing:",
		"11, 12",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "PENDING") {
		t.Error("empty staked grid should not render a table")
	}
}

func TestTierRows(t *testing.T) {
	rows := tierRows(types.BuiltinTiers())
	if len(rows) != len(types.BuiltinTiers()) {
		t.Fatalf("got %d rows", len(rows))
	}
	for _, row := range rows {
		if len(row) != 5 {
			t.Fatalf("row %v has %d columns", row, len(row))
		}
		if !strings.Contains(row[3], "-") {
			t.Errorf("id range %q", row[3])
		}
	}
}

func TestWalletProvider(t *testing.T) {
	addr := "0x00000000000000000000000000000000000000aa"
	p, err := walletProvider(config.WalletConfig{Address: addr})
	if err != nil {
		t.Fatal(err)
	}
	ro, ok := p.(wallet.ReadOnly)
	if !ok || ro.Address != common.HexToAddress(addr) {
		t.Errorf("provider = %#v, want read-only %s", p, addr)
	}

	p, err = walletProvider(config.WalletConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if ro, ok := p.(wallet.ReadOnly); !ok || ro.Address != (common.Address{}) {
		t.Errorf("provider = %#v, want empty read-only", p)
	}
}

func TestChainAndDashboardConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cc := chainConfig(cfg.Chain)
	if cc.ChainID != 137 || cc.ViewTimeout != 30*time.Second {
		t.Errorf("chain config = %+v", cc)
	}
	if cc.Retry.BaseDelay != 500*time.Millisecond || cc.Retry.MaxRetries != 4 || cc.Retry.Multiplier != 2 {
		t.Errorf("retry = %+v", cc.Retry)
	}

	tiers, err := cfg.ResolveTiers()
	if err != nil {
		t.Fatal(err)
	}
	dc := dashboardConfig(cfg, tiers)
	if dc.ChainID != 137 || len(dc.Tiers) != len(tiers) {
		t.Errorf("dashboard config = %+v", dc)
	}
	if dc.Pool != common.HexToAddress(cfg.Contracts.Staking) {
		t.Errorf("pool = %s", dc.Pool.Hex())
	}
	if dc.WalletPoll != 0 {
		t.Errorf("read-only session should not poll, got %s", dc.WalletPoll)
	}

	cfg.Wallet.Signer = "/tmp/clef.ipc"
	if got := dashboardConfig(cfg, tiers).WalletPoll; got != 2*time.Second {
		t.Errorf("signer session poll = %s, want 2s", got)
	}
}

func TestLoadConfigFlagOverlay(t *testing.T) {
	prev := [...]string{ConfigPath, SignerEndpoint, WatchAddress, LogLevel}
	t.Cleanup(func() {
		ConfigPath, SignerEndpoint, WatchAddress, LogLevel = prev[0], prev[1], prev[2], prev[3]
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	base := config.DefaultConfig()
	base.Wallet.Signer = "/tmp/clef.ipc"
	if err := base.Save(path); err != nil {
		t.Fatal(err)
	}

	ConfigPath = path
	WatchAddress = "0x00000000000000000000000000000000000000bb"
	SignerEndpoint = ""
	LogLevel = "debug"

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Wallet.Signer != "" {
		t.Errorf("--address should drop the signer, got %q", cfg.Wallet.Signer)
	}
	if cfg.Wallet.Address != WatchAddress {
		t.Errorf("address = %q", cfg.Wallet.Address)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}

	WatchAddress = "not-an-address"
	if _, err := loadConfig(); err == nil {
		t.Error("invalid --address should fail validation")
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestMessageHelpersPlain(t *testing.T) {
	out := captureStdout(t, func() {
		Warning("Some reads failed, showing partial data: rpc down")
		fmt.Println(KeyValue("Probing", "11, 12"))
	})
	for _, want := range []string{
		"[WARN] Some reads failed, showing partial data: rpc down",
		"Probing:",
		"11, 12",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
