package action

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/chain/chainmock"
	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/state"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

var (
	coll    = types.DefaultCollection
	starter = types.BuiltinTiers()[0]
)

type counter struct{ n atomic.Int32 }

func (c *counter) Invalidate() { c.n.Add(1) }

type env struct {
	d         *chainmock.Deployment
	wallet    *chainmock.Wallet
	session   *wallet.Session
	client    *chain.Client
	store     *state.Store
	orch      *Orchestrator
	stateInv  *counter
	walletInv *counter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	d := chainmock.Deploy(true)
	w := chainmock.NewWallet(2)
	m := metrics.NewCollector()
	client, session, err := d.Connect(w, m)
	if err != nil {
		t.Fatal(err)
	}
	store := state.NewStore(contracts.NewStakingPool(client, chainmock.PoolAddress), session, nil, m, state.Config{})
	orch := New(client, store, Config{
		Pool:     chainmock.PoolAddress,
		Referral: chainmock.ReferralAddress,
		ToastTTL: 250 * time.Millisecond,
		Clock:    d.Chain.Now,
	}, m)
	t.Cleanup(orch.Close)

	e := &env{d: d, wallet: w, session: session, client: client, store: store, orch: orch,
		stateInv: &counter{}, walletInv: &counter{}}
	orch.AddInvalidator(ScopeState, e.stateInv)
	orch.AddInvalidator(ScopeInventory, e.walletInv)
	return e
}

func (e *env) owner() common.Address { return e.wallet.Address(0) }

func (e *env) revalidate(t *testing.T) *types.UserSnapshot {
	t.Helper()
	snap, err := e.store.Revalidate(context.Background())
	if err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	return snap
}

func (e *env) stake(t *testing.T, id int64, plan types.Plan) {
	t.Helper()
	run, err := e.orch.Stake(coll, big.NewInt(id), plan)
	if err != nil {
		t.Fatalf("Stake(%d): %v", id, err)
	}
	if _, err := wait(t, run); err != nil {
		t.Fatalf("stake %d failed: %v", id, err)
	}
}

func wait(t *testing.T, run *Run) (common.Hash, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return run.Wait(ctx)
}

func minedMethods(d *chainmock.Deployment) []string {
	var out []string
	for _, c := range d.Chain.Mined() {
		out = append(out, c.Method)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStakeFlowApprovesThenStakes(t *testing.T) {
	e := newEnv(t)
	e.d.Collection.Mint(e.owner(), 101, 250)
	scanner := inventory.NewScanner(time.Second, nil, inventory.EnumerableStrategy{Reader: e.client})
	tracker := inventory.NewTracker(starter, scanner, e.session, nil, time.Hour)

	grid, err := tracker.Refresh(context.Background())
	if err != nil || len(grid.Items) != 2 {
		t.Fatalf("expected both ids unstaked, got %+v %v", grid.Items, err)
	}

	var states []types.ActionState
	var mu sync.Mutex
	unsub := e.orch.Subscribe(func(st Status) {
		mu.Lock()
		states = append(states, st.Slot(StakeSlot(coll, big.NewInt(101))).State)
		mu.Unlock()
	})
	defer unsub()

	run, err := e.orch.Stake(coll, big.NewInt(101), types.Plan3Months)
	if err != nil {
		t.Fatal(err)
	}
	if run.Slot() != "stake:"+coll.Hex()+":101" {
		t.Errorf("unexpected slot %s", run.Slot())
	}
	hash, err := wait(t, run)
	if err != nil {
		t.Fatalf("stake flow failed: %v", err)
	}
	if hash == (common.Hash{}) {
		t.Error("missing stake tx hash")
	}

	mined := e.d.Chain.Mined()
	if len(mined) != 2 || mined[0].Method != "setApprovalForAll" || mined[1].Method != "stake" {
		t.Fatalf("expected approval then stake, got %v", minedMethods(e.d))
	}
	if op := mined[0].Args[0].(common.Address); op != chainmock.PoolAddress {
		t.Errorf("approval granted to %s", op.Hex())
	}
	ids := mined[1].Args[1].([]*big.Int)
	if len(ids) != 1 || ids[0].Int64() != 101 || mined[1].Args[2].(*big.Int).Int64() != 0 {
		t.Errorf("unexpected stake args %v", mined[1].Args)
	}
	if e.stateInv.n.Load() != 1 || e.walletInv.n.Load() != 1 {
		t.Errorf("expected state and inventory invalidation, got %d/%d", e.stateInv.n.Load(), e.walletInv.n.Load())
	}

	snap := e.revalidate(t)
	stakes := snap.Stakes()
	if len(stakes) != 1 || stakes[0].TokenID.Int64() != 101 || stakes[0].PlanIndex != types.Plan3Months {
		t.Fatalf("unexpected snapshot %+v", stakes)
	}
	if stakes[0].StakedAt != e.d.Chain.Now() || stakes[0].LastClaimTime != stakes[0].StakedAt {
		t.Errorf("unexpected stake times %+v", stakes[0])
	}
	grid, err = tracker.Refresh(context.Background())
	if err != nil || len(grid.Items) != 1 || grid.Items[0].TokenID.Int64() != 250 {
		t.Errorf("wallet grid should show only 250, got %+v", grid.Items)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == types.ActionMined {
				return true
			}
		}
		return false
	})
	mu.Lock()
	if states[0] != types.ActionSubmitting {
		t.Errorf("expected Submitting first, got %v", states)
	}
	mu.Unlock()
	waitFor(t, func() bool { return e.orch.Status().Slot(run.Slot()).State == types.ActionIdle })

	// approval is not requested twice
	e.stake(t, 250, types.Plan12Months)
	if got := minedMethods(e.d); len(got) != 3 || got[2] != "stake" {
		t.Errorf("expected a bare stake, got %v", got)
	}
}

func TestStakeApprovalRejected(t *testing.T) {
	e := newEnv(t)
	e.d.Collection.Mint(e.owner(), 101)
	e.wallet.RejectNext(1)

	run, err := e.orch.Stake(coll, big.NewInt(101), types.Plan3Months)
	if err != nil {
		t.Fatal(err)
	}
	_, err = wait(t, run)
	if !errors.Is(err, ErrApprovalFailed) || !errors.Is(err, chain.ErrUserRejected) {
		t.Fatalf("expected rejected approval, got %v", err)
	}
	if len(e.d.Chain.Mined()) != 0 {
		t.Error("nothing should be mined")
	}

	st := e.orch.Status()
	if st.Slot(run.Slot()).State != types.ActionFailed {
		t.Errorf("expected Failed, got %s", st.Slot(run.Slot()).State)
	}
	if len(st.Toasts) != 1 || st.Toasts[0].Level != LevelInfo || st.Toasts[0].Retryable {
		t.Fatalf("rejection should be a silent toast, got %+v", st.Toasts)
	}
	if st.Toasts[0].Message != "Approval failed: Request rejected in wallet" {
		t.Errorf("unexpected message %q", st.Toasts[0].Message)
	}
	if _, err := e.orch.Retry(run.Slot()); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("rejection is retried by gesture, not Retry: %v", err)
	}
	if e.stateInv.n.Load() != 0 {
		t.Error("failed write must not invalidate")
	}
}

func TestStakeRevertSurfacesReason(t *testing.T) {
	e := newEnv(t)
	e.d.Collection.Mint(e.owner(), 7)
	e.d.Pool.Blacklist(coll, 7)

	run, err := e.orch.Stake(coll, big.NewInt(7), types.Plan3Months)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, run); !errors.Is(err, chain.ErrReverted) {
		t.Fatalf("expected revert, got %v", err)
	}
	toasts := e.orch.Status().Toasts
	if len(toasts) != 1 || toasts[0].Reason != "token blacklisted" || toasts[0].Message != "Transaction reverted: token blacklisted" {
		t.Errorf("unexpected toast %+v", toasts)
	}
	if got := minedMethods(e.d); len(got) != 1 || got[0] != "setApprovalForAll" {
		t.Errorf("only the approval should be mined, got %v", got)
	}
}

func TestStakeValidation(t *testing.T) {
	e := newEnv(t)
	if _, err := e.orch.Stake(coll, big.NewInt(1), types.Plan(3)); !errors.Is(err, types.ErrInvalidPlan) {
		t.Errorf("expected ErrInvalidPlan, got %v", err)
	}
	if _, err := e.orch.Stake(coll, nil, types.Plan3Months); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestSlotSerializesWrites(t *testing.T) {
	e := newEnv(t)
	e.d.Collection.Mint(e.owner(), 101)
	release := e.wallet.Hold()

	run, err := e.orch.Stake(coll, big.NewInt(101), types.Plan3Months)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.orch.Stake(coll, big.NewInt(101), types.Plan6Months); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("expected ErrSlotBusy, got %v", err)
	}
	if !e.orch.Status().Busy(run.Slot()) {
		t.Error("slot should report busy while the prompt is open")
	}
	release()
	if _, err := wait(t, run); err != nil {
		t.Fatal(err)
	}
}

func seedStake(e *env, id int64, lockEnd uint64) {
	now := e.d.Chain.Now()
	e.d.Collection.Mint(chainmock.PoolAddress, id)
	e.d.Pool.Seed(types.Stake{
		Collection: coll, TokenID: big.NewInt(id),
		StakedAt: now, LastClaimTime: now, LockEndTime: lockEnd,
		RewardRate: big.NewInt(1e15), PlanIndex: types.Plan3Months, Owner: e.owner(),
	})
}

func TestClaimAllBatchesSnapshotOrder(t *testing.T) {
	e := newEnv(t)
	if _, err := e.orch.ClaimAll(); !errors.Is(err, ErrNothingToClaim) {
		t.Errorf("expected ErrNothingToClaim without a snapshot, got %v", err)
	}
	e.revalidate(t)
	if _, err := e.orch.ClaimAll(); !errors.Is(err, ErrNothingToClaim) {
		t.Errorf("expected ErrNothingToClaim with no stakes, got %v", err)
	}

	lock := e.d.Chain.Now() + 90*86400
	seedStake(e, 101, lock)
	seedStake(e, 250, lock)
	e.d.Chain.Advance(100)
	e.revalidate(t)

	run, err := e.orch.ClaimAll()
	if err != nil {
		t.Fatal(err)
	}
	if run.Slot() != SlotClaimAll {
		t.Errorf("unexpected slot %s", run.Slot())
	}
	if _, err := wait(t, run); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	mined := e.d.Chain.Mined()
	if len(mined) != 1 || mined[0].Method != "claimReward" {
		t.Fatalf("expected one claimReward, got %v", minedMethods(e.d))
	}
	colls, ids := mined[0].Args[0].([]common.Address), mined[0].Args[1].([]*big.Int)
	if len(colls) != 2 || colls[0] != coll || colls[1] != coll || ids[0].Int64() != 101 || ids[1].Int64() != 250 {
		t.Errorf("unexpected claim args %v %v", colls, ids)
	}
	for _, s := range e.d.Pool.Stakes(e.owner()) {
		if s.LastClaimTime != e.d.Chain.Now() {
			t.Errorf("lastClaimTime of %s not advanced", s.TokenID)
		}
	}
	if got := e.d.Token.BalanceOf(e.owner()); got.Cmp(big.NewInt(2e17)) != 0 {
		t.Errorf("expected 0.2 tokens paid, got %s", got)
	}
	if e.stateInv.n.Load() != 1 || e.walletInv.n.Load() != 1 {
		t.Errorf("claim should invalidate state and inventory, got %d/%d", e.stateInv.n.Load(), e.walletInv.n.Load())
	}

	snap := e.revalidate(t)
	if snap.TotalPendingWei().Sign() != 0 {
		t.Errorf("pending should reset after claim, got %s", snap.TotalPendingWei())
	}
}

func TestUnstakeGatedOnLockEnd(t *testing.T) {
	e := newEnv(t)
	e.d.Collection.Mint(e.owner(), 101)
	e.stake(t, 101, types.Plan3Months)
	snap := e.revalidate(t)
	s, _ := snap.Find(coll, big.NewInt(101))

	e.d.Chain.SetTime(s.LockEndTime - 1)
	if e.orch.CanUnstake(s, e.d.Chain.Now()) {
		t.Error("unstake must be disabled one second before lock end")
	}
	if _, err := e.orch.Unstake(coll, big.NewInt(101)); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	e.d.Chain.SetTime(s.LockEndTime)
	if !e.orch.CanUnstake(s, e.d.Chain.Now()) {
		t.Error("unstake must be enabled at lock end")
	}
	run, err := e.orch.Unstake(coll, big.NewInt(101))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, run); err != nil {
		t.Fatalf("unstake failed: %v", err)
	}
	if len(e.d.Pool.Stakes(e.owner())) != 0 {
		t.Error("stake should be removed")
	}
	if e.d.Collection.OwnerOf(101) != e.owner() {
		t.Error("NFT should return to the owner")
	}
	if e.walletInv.n.Load() != 2 {
		t.Errorf("stake and unstake should both invalidate inventory, got %d", e.walletInv.n.Load())
	}
	if snap := e.revalidate(t); snap.Len() != 0 {
		t.Errorf("next snapshot should omit the stake, got %d", snap.Len())
	}
	if _, err := e.orch.Unstake(coll, big.NewInt(101)); !errors.Is(err, ErrNotStaked) {
		t.Errorf("expected ErrNotStaked, got %v", err)
	}
}

func TestClaimAllBlocksUnstake(t *testing.T) {
	e := newEnv(t)
	seedStake(e, 101, e.d.Chain.Now())
	snap := e.revalidate(t)
	s, _ := snap.Find(coll, big.NewInt(101))

	release := e.wallet.Hold()
	run, err := e.orch.ClaimAll()
	if err != nil {
		t.Fatal(err)
	}
	if e.orch.CanUnstake(s, e.d.Chain.Now()) {
		t.Error("unstake must be disabled while claim-all is in flight")
	}
	if _, err := e.orch.Unstake(coll, big.NewInt(101)); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("expected ErrSlotBusy, got %v", err)
	}
	release()
	if _, err := wait(t, run); err != nil {
		t.Fatal(err)
	}
	if !e.orch.CanUnstake(s, e.d.Chain.Now()) {
		t.Error("unstake should re-enable after claim-all")
	}
}

func TestTransportFailureRetry(t *testing.T) {
	e := newEnv(t)
	ref, err := contracts.ParseReferrer("42")
	if err != nil {
		t.Fatal(err)
	}
	e.d.Chain.FailNext(chainmock.OpSendTransaction, errors.New("dial tcp: connection refused"), 1)

	run, err := e.orch.RegisterReferral(ref)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, run); !errors.Is(err, chain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	toasts := e.orch.Status().Toasts
	if len(toasts) != 1 || !toasts[0].Retryable || toasts[0].Slot != SlotReferral {
		t.Fatalf("expected a retryable toast, got %+v", toasts)
	}

	retried, err := e.orch.Retry(SlotReferral)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, retried); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if e.d.Referral.Referrer(e.owner()) != "42" {
		t.Errorf("referrer not registered: %q", e.d.Referral.Referrer(e.owner()))
	}
	if e.stateInv.n.Load() != 0 || e.walletInv.n.Load() != 0 {
		t.Error("referral registration invalidates nothing")
	}
	if _, err := e.orch.Retry(SlotReferral); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("successful slot has nothing to retry: %v", err)
	}
}

func TestAccountChangeSkipsInvalidation(t *testing.T) {
	e := newEnv(t)
	seedStake(e, 101, e.d.Chain.Now()+100)
	e.revalidate(t)
	e.d.Chain.SetAutomine(false)

	run, err := e.orch.ClaimAll()
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return e.orch.Status().Slot(SlotClaimAll).TxHash != "" })

	e.wallet.Use(1)
	if _, err := e.session.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.d.Chain.Mine()

	if _, err := wait(t, run); err != nil {
		t.Fatalf("in-flight write should still complete, got %v", err)
	}
	if e.stateInv.n.Load() != 0 {
		t.Error("post-mine invalidation must be discarded after an account change")
	}
}

func TestDismissAndExpiry(t *testing.T) {
	e := newEnv(t)
	e.d.Collection.Mint(e.owner(), 7)
	e.d.Pool.Blacklist(coll, 7)

	run, err := e.orch.Stake(coll, big.NewInt(7), types.Plan3Months)
	if err != nil {
		t.Fatal(err)
	}
	wait(t, run)
	if len(e.orch.Status().Toasts) != 1 {
		t.Fatal("expected a toast")
	}
	e.orch.Dismiss(run.Slot())
	st := e.orch.Status()
	if len(st.Toasts) != 0 || st.Slot(run.Slot()).State != types.ActionIdle {
		t.Errorf("dismiss should clear the slot, got %+v", st)
	}

	e.d.Collection.Mint(e.owner(), 8)
	run, err = e.orch.Stake(coll, big.NewInt(8), types.Plan3Months)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, run); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st := e.orch.Status()
		return len(st.Toasts) == 0 && st.Slot(run.Slot()).State == types.ActionIdle
	})
}

func TestDismissWhileSubmittingSuppressesToast(t *testing.T) {
	e := newEnv(t)
	e.d.Collection.Mint(e.owner(), 9)
	release := e.wallet.Hold()

	run, err := e.orch.Stake(coll, big.NewInt(9), types.Plan3Months)
	if err != nil {
		t.Fatal(err)
	}
	e.orch.Dismiss(run.Slot())
	if s := e.orch.Status().Slot(run.Slot()); s.State != types.ActionSubmitting || !s.Dismissed {
		t.Errorf("in-flight write keeps its slot, got %+v", s)
	}
	release()
	if _, err := wait(t, run); err != nil {
		t.Fatal(err)
	}
	if n := len(e.orch.Status().Toasts); n != 0 {
		t.Errorf("dismissed flow should not toast, got %d", n)
	}
}

func TestFailureToastMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		level     Level
		message   string
		retryable bool
	}{
		{"rejected", &chain.Error{Kind: chain.KindUserRejected}, LevelInfo, "Request rejected in wallet", false},
		{"reverted", &chain.Error{Kind: chain.KindReverted, Reason: "not token owner"}, LevelError, "Transaction reverted: not token owner", false},
		{"reverted without reason", &chain.Error{Kind: chain.KindReverted}, LevelError, "Transaction reverted", false},
		{"funds", &chain.Error{Kind: chain.KindInsufficientFunds}, LevelError, "Insufficient funds for gas", false},
		{"transport", &chain.Error{Kind: chain.KindTransport}, LevelError, "Network error, please retry", true},
		{"nonce", &chain.Error{Kind: chain.KindStaleNonce}, LevelError, "Transaction nonce out of date, please retry", true},
		{"decode", &chain.Error{Kind: chain.KindDecode}, LevelError, "Something went wrong", false},
		{"no wallet", &chain.Error{Kind: chain.KindNoWallet}, LevelError, "Connect a wallet to continue.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := failureToast("slot", types.ActionStake, tt.err)
			if got.Level != tt.level || got.Message != tt.message || got.Retryable != tt.retryable {
				t.Errorf("got %+v", got)
			}
		})
	}
}
