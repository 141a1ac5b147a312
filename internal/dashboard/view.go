package dashboard

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/accrual"
	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/blacklist"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// User-facing empty states and banners.
const (
	MsgNoNFTs        = "No NFTs found in wallet."
	MsgScanDegraded  = "Scan degraded — enter an NFT id manually."
	MsgNoStakes      = "No active stakes found for this tier."
	MsgConnectWallet = "Connect a wallet to continue."
	msgWrongChain    = "Wrong network: switch your wallet to chain %d."
)

// BannerKind identifies a page-level banner.
type BannerKind string

const (
	BannerNoWallet   BannerKind = "no_wallet"
	BannerWrongChain BannerKind = "wrong_chain"
)

type Banner struct {
	Kind    BannerKind `json:"kind"`
	Message string     `json:"message"`
}

type TierView struct {
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Collection  string     `json:"collection"`
	IDMin       uint32     `json:"idMin"`
	IDMax       uint32     `json:"idMax"`
	DefaultPlan types.Plan `json:"defaultPlan"`
}

type AccountView struct {
	Address   string `json:"address,omitempty"`
	Short     string `json:"short,omitempty"`
	ChainID   uint64 `json:"chainId,omitempty"`
	Connected bool   `json:"connected"`
}

// Stats is the header region.
type Stats struct {
	Loaded        bool   `json:"loaded"`
	TotalStaked   int    `json:"totalStaked"`
	RewardBalance string `json:"rewardBalance"`
	RewardSymbol  string `json:"rewardSymbol,omitempty"`
	TotalPending  string `json:"totalPending"`
}

type ReferralView struct {
	State  types.ActionState `json:"state"`
	Busy   bool              `json:"busy"`
	TxHash string            `json:"txHash,omitempty"`
}

type PlanOption struct {
	Plan     types.Plan `json:"plan"`
	Label    string     `json:"label"`
	LockDays int        `json:"lockDays"`
	Yield    string     `json:"yield"`
}

// UnstakedCard is one wallet grid entry.
type UnstakedCard struct {
	TokenID      string            `json:"tokenId"`
	Name         string            `json:"name,omitempty"`
	Image        string            `json:"image,omitempty"`
	Source       types.ItemSource  `json:"source"`
	DefaultPlan  types.Plan        `json:"defaultPlan"`
	Blacklist    string            `json:"blacklist"`
	StakeEnabled bool              `json:"stakeEnabled"`
	Slot         string            `json:"slot"`
	State        types.ActionState `json:"state"`
	TxHash       string            `json:"txHash,omitempty"`
}

// StakedCard is one staked grid entry, decorated with the live yield.
type StakedCard struct {
	TokenID        string            `json:"tokenId"`
	Plan           types.Plan        `json:"plan"`
	PlanLabel      string            `json:"planLabel"`
	StakedAt       uint64            `json:"stakedAt"`
	LockEndTime    uint64            `json:"lockEndTime"`
	PendingWei     string            `json:"pendingWei"`
	Pending        string            `json:"pending"`
	Countdown      string            `json:"countdown"`
	Unlocked       bool              `json:"unlocked"`
	UnstakeEnabled bool              `json:"unstakeEnabled"`
	Slot           string            `json:"slot"`
	State          types.ActionState `json:"state"`
	TxHash         string            `json:"txHash,omitempty"`
}

// Empty holds the empty-state messages, blank when the region has content
// or is still loading.
type Empty struct {
	Wallet string `json:"wallet,omitempty"`
	Staked string `json:"staked,omitempty"`
}

// View is an immutable render of one tier page.
type View struct {
	Version         uint64            `json:"version"`
	NowSec          uint64            `json:"now"`
	Tier            TierView          `json:"tier"`
	Account         AccountView       `json:"account"`
	Banner          *Banner           `json:"banner,omitempty"`
	Stats           Stats             `json:"stats"`
	Referral        ReferralView      `json:"referral"`
	Plans           []PlanOption      `json:"plans"`
	Unstaked        []UnstakedCard    `json:"unstaked"`
	Staked          []StakedCard      `json:"staked"`
	ClaimAllEnabled bool              `json:"claimAllEnabled"`
	ClaimAllState   types.ActionState `json:"claimAllState"`
	Empty           Empty             `json:"empty"`
	ScanDegraded    bool              `json:"scanDegraded"`
	Probes          []string          `json:"probes,omitempty"`
	Toasts          []action.Toast    `json:"toasts"`
}

// FindUnstaked returns the wallet card for id, if listed.
func (v View) FindUnstaked(id *big.Int) (UnstakedCard, bool) {
	for _, c := range v.Unstaked {
		if c.TokenID == id.String() {
			return c, true
		}
	}
	return UnstakedCard{}, false
}

// FindStaked returns the staked card for id, if listed.
func (v View) FindStaked(id *big.Int) (StakedCard, bool) {
	for _, c := range v.Staked {
		if c.TokenID == id.String() {
			return c, true
		}
	}
	return StakedCard{}, false
}

// viewInput is everything a page render depends on.
type viewInput struct {
	tier            types.TierDescriptor
	chainID         uint64
	account         wallet.Account
	inventory       inventory.Snapshot
	probes          []*big.Int
	snapshot        *types.UserSnapshot
	balance         Balance
	status          action.Status
	blacklist       func(collection common.Address, id *big.Int) blacklist.Status
	hideBlacklisted bool
	now             uint64
}

func planOptions() []PlanOption {
	out := make([]PlanOption, 0, len(types.Plans))
	for _, p := range types.Plans {
		out = append(out, PlanOption{
			Plan:     p,
			Label:    p.Label(),
			LockDays: int(p.DurationHint().Hours() / 24),
			Yield:    p.YieldHint(),
		})
	}
	return out
}

func tierView(t types.TierDescriptor) TierView {
	return TierView{
		Name:        t.Name,
		Slug:        t.Slug,
		Collection:  t.Collection.Hex(),
		IDMin:       t.IDMin,
		IDMax:       t.IDMax,
		DefaultPlan: t.DefaultPlan,
	}
}

// buildView composes a page view. It performs no I/O.
func buildView(in viewInput) View {
	v := View{
		NowSec:   in.now,
		Tier:     tierView(in.tier),
		Plans:    planOptions(),
		Unstaked: []UnstakedCard{},
		Staked:   []StakedCard{},
		Toasts:   in.status.Toasts,
		Stats:    Stats{RewardBalance: "-", TotalPending: "-"},
	}
	if v.Toasts == nil {
		v.Toasts = []action.Toast{}
	}

	acct := in.account
	if !acct.Connected {
		v.Banner = &Banner{Kind: BannerNoWallet, Message: MsgConnectWallet}
		return v
	}
	v.Account = AccountView{
		Address:   acct.Address.Hex(),
		Short:     types.ShortAddress(acct.Address),
		ChainID:   acct.ChainID,
		Connected: true,
	}
	if in.chainID != 0 && acct.ChainID != in.chainID {
		v.Banner = &Banner{Kind: BannerWrongChain, Message: fmt.Sprintf(msgWrongChain, in.chainID)}
	}

	referral := in.status.Slot(action.SlotReferral)
	v.Referral = ReferralView{State: referral.State, Busy: in.status.Busy(action.SlotReferral), TxHash: referral.TxHash}

	snap := in.snapshot
	if snap != nil && snap.Address() != acct.Address {
		snap = nil
	}
	if in.balance.Account == acct.Address {
		v.Stats.RewardBalance = in.balance.Display()
		v.Stats.RewardSymbol = in.balance.Symbol
	}

	claimAllBusy := in.status.Busy(action.SlotClaimAll)
	v.ClaimAllState = in.status.Slot(action.SlotClaimAll).State

	var staked map[types.StakeKey]struct{}
	if snap != nil {
		staked = snap.StakedKeys()
		v.Stats.Loaded = true
		v.Stats.TotalStaked = snap.Len()
		v.Stats.TotalPending = accrual.FormatReward4(snap.TotalPendingWei())
		v.ClaimAllEnabled = snap.Len() > 0 && !claimAllBusy
		v.Staked = stakedCards(in, snap, claimAllBusy)
		if len(v.Staked) == 0 {
			v.Empty.Staked = MsgNoStakes
		}
	}

	inv := in.inventory
	if inv.Loaded && inv.Owner == acct.Address {
		v.ScanDegraded = inv.Degraded
		v.Unstaked = unstakedCards(in, inv.Items, staked)
		switch {
		case inv.Degraded:
			v.Empty.Wallet = MsgScanDegraded
		case len(v.Unstaked) == 0:
			v.Empty.Wallet = MsgNoNFTs
		}
	}
	for _, id := range in.probes {
		v.Probes = append(v.Probes, id.String())
	}
	return v
}

func unstakedCards(in viewInput, items []types.WalletItem, staked map[types.StakeKey]struct{}) []UnstakedCard {
	cards := make([]UnstakedCard, 0, len(items))
	for _, it := range items {
		if _, ok := staked[it.Key()]; ok {
			continue
		}
		status := blacklist.Unknown
		if in.blacklist != nil {
			status = in.blacklist(it.Collection, it.TokenID)
		}
		if status == blacklist.Blacklisted && in.hideBlacklisted {
			continue
		}
		slot := action.StakeSlot(it.Collection, it.TokenID)
		st := in.status.Slot(slot)
		card := UnstakedCard{
			TokenID:      it.TokenID.String(),
			Source:       it.Source,
			DefaultPlan:  in.tier.DefaultPlan,
			Blacklist:    status.String(),
			StakeEnabled: status != blacklist.Blacklisted && st.State != types.ActionSubmitting,
			Slot:         slot,
			State:        st.State,
			TxHash:       st.TxHash,
		}
		if it.Metadata != nil {
			card.Name = it.Metadata.Name
			card.Image = it.Metadata.Image
		}
		cards = append(cards, card)
	}
	return cards
}

func stakedCards(in viewInput, snap *types.UserSnapshot, claimAllBusy bool) []StakedCard {
	var stakes []types.Stake
	for _, s := range snap.Stakes() {
		if in.tier.Owns(s.Collection, s.TokenID) {
			stakes = append(stakes, s)
		}
	}
	sort.Slice(stakes, func(i, j int) bool { return stakes[i].TokenID.Cmp(stakes[j].TokenID) < 0 })

	cards := make([]StakedCard, 0, len(stakes))
	for _, s := range stakes {
		slot := action.UnstakeSlot(s.Collection, s.TokenID)
		st := in.status.Slot(slot)
		pending := accrual.LivePending(s, in.now)
		unlocked := accrual.Unlocked(s, in.now)
		cards = append(cards, StakedCard{
			TokenID:        s.TokenID.String(),
			Plan:           s.PlanIndex,
			PlanLabel:      s.PlanIndex.Label(),
			StakedAt:       s.StakedAt,
			LockEndTime:    s.LockEndTime,
			PendingWei:     pending.String(),
			Pending:        accrual.FormatReward6(pending),
			Countdown:      accrual.Countdown(accrual.Remaining(s, in.now)),
			Unlocked:       unlocked,
			UnstakeEnabled: unlocked && !claimAllBusy && st.State != types.ActionSubmitting,
			Slot:           slot,
			State:          st.State,
			TxHash:         st.TxHash,
		})
	}
	return cards
}
