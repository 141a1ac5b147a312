// Package action runs the dashboard's on-chain write flows. Each flow owns a
// slot; a slot runs at most one flow at a time.
package action

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/moltbunker/stakedash/internal/accrual"
	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/util"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

var (
	// ErrApprovalFailed wraps the error of a failed setApprovalForAll.
	ErrApprovalFailed = errors.New("approval failed")
	// ErrSlotBusy is returned when the slot already has a write in flight.
	ErrSlotBusy = errors.New("action already in progress")
	// ErrLocked is returned for an unstake before lockEndTime.
	ErrLocked = errors.New("stake is still locked")
	// ErrNothingToClaim is returned by ClaimAll without stakes.
	ErrNothingToClaim = errors.New("no stakes to claim")
	// ErrNotStaked is returned for an unstake of a token missing from the snapshot.
	ErrNotStaked = errors.New("token is not staked")
	// ErrNotRetryable is returned by Retry when the slot has no retryable failure.
	ErrNotRetryable = errors.New("nothing to retry")
)

// DefaultToastTTL is how long terminal states and toasts stay visible.
const DefaultToastTTL = 6 * time.Second

// Global slots.
const (
	SlotClaimAll = "claim-all"
	SlotReferral = "referral"
)

// StakeSlot names the per-NFT stake slot.
func StakeSlot(collection common.Address, id *big.Int) string {
	return fmt.Sprintf("stake:%s:%s", collection.Hex(), id)
}

// UnstakeSlot names the per-stake unstake slot.
func UnstakeSlot(collection common.Address, id *big.Int) string {
	return fmt.Sprintf("unstake:%s:%s", collection.Hex(), id)
}

// Chain is the part of the chain client the flows use.
type Chain interface {
	contracts.Transactor
	WaitMined(ctx context.Context, h *chain.TxHandle) (*ethtypes.Receipt, error)
	Session() *wallet.Session
}

// SnapshotSource provides the current staking snapshot.
type SnapshotSource interface {
	Current() *types.UserSnapshot
}

// Invalidator is notified after a successful write.
type Invalidator interface {
	Invalidate()
}

// Scope selects which writes notify an Invalidator.
type Scope int

const (
	// ScopeState is notified after stake, unstake and claim.
	ScopeState Scope = iota
	// ScopeInventory is notified after stake and unstake.
	ScopeInventory
)

// Config holds orchestrator settings.
type Config struct {
	Pool     common.Address
	Referral common.Address
	ToastTTL time.Duration
	// Clock returns unix seconds for the client-side lock check.
	Clock func() uint64
}

// SlotStatus is the published state of one slot.
type SlotStatus struct {
	Slot      string            `json:"slot"`
	Kind      types.ActionKind  `json:"kind"`
	State     types.ActionState `json:"state"`
	TxHash    string            `json:"txHash,omitempty"`
	Dismissed bool              `json:"dismissed,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Status is an immutable copy of every non-idle slot and the live toasts.
type Status struct {
	Slots  []SlotStatus `json:"slots"`
	Toasts []Toast      `json:"toasts"`
}

// Slot returns the status of slot, Idle when absent.
func (s Status) Slot(slot string) SlotStatus {
	for _, st := range s.Slots {
		if st.Slot == slot {
			return st
		}
	}
	return SlotStatus{Slot: slot, State: types.ActionIdle}
}

// Busy reports whether slot has a write in flight.
func (s Status) Busy(slot string) bool {
	return s.Slot(slot).State == types.ActionSubmitting
}

// Run is one started flow.
type Run struct {
	slot string
	done chan struct{}
	err  error
	hash common.Hash
}

func (r *Run) Slot() string { return r.slot }

// Done is closed when the flow reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the flow finishes or ctx is done. It returns the flow's
// error and the hash of its final transaction.
func (r *Run) Wait(ctx context.Context) (common.Hash, error) {
	select {
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	case <-r.done:
		return r.hash, r.err
	}
}

type slotState struct {
	SlotStatus
	run   *Run
	reset *time.Timer
}

// Orchestrator serializes writes per slot and reports outcomes as toasts.
type Orchestrator struct {
	chain     Chain
	pool      *contracts.StakingPoolContract
	referral  *contracts.ReferralManagerContract
	snapshots SnapshotSource
	metrics   *metrics.Collector
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	slots        map[string]*slotState
	retries      map[string]func() (*Run, error)
	toasts       []Toast
	toastTimers  map[uint64]*time.Timer
	nextToast    uint64
	invalidators map[Scope]map[int]Invalidator
	nextInv      int
	subs         map[int]func(Status)
	nextSub      int
	closed       bool
}

// New creates an orchestrator. m may be nil.
func New(c Chain, snapshots SnapshotSource, cfg Config, m *metrics.Collector) *Orchestrator {
	if cfg.ToastTTL <= 0 {
		cfg.ToastTTL = DefaultToastTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = accrual.NewTicker(0, nil).Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		chain:        c,
		pool:         contracts.NewStakingPool(c, cfg.Pool),
		referral:     contracts.NewReferralManager(c, cfg.Referral),
		snapshots:    snapshots,
		metrics:      m,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		slots:        make(map[string]*slotState),
		retries:      make(map[string]func() (*Run, error)),
		toastTimers:  make(map[uint64]*time.Timer),
		invalidators: map[Scope]map[int]Invalidator{ScopeState: {}, ScopeInventory: {}},
		subs:         make(map[int]func(Status)),
	}
}

// AddInvalidator registers inv for successful writes in scope.
func (o *Orchestrator) AddInvalidator(scope Scope, inv Invalidator) (remove func()) {
	o.mu.Lock()
	id := o.nextInv
	o.nextInv++
	o.invalidators[scope][id] = inv
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.invalidators[scope], id)
		o.mu.Unlock()
	}
}

// Subscribe registers fn for every slot or toast change.
func (o *Orchestrator) Subscribe(fn func(Status)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Status returns a copy of the current slots and toasts.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() Status {
	st := Status{Slots: make([]SlotStatus, 0, len(o.slots)), Toasts: make([]Toast, len(o.toasts))}
	for _, s := range o.slots {
		st.Slots = append(st.Slots, s.SlotStatus)
	}
	sort.Slice(st.Slots, func(i, j int) bool { return st.Slots[i].Slot < st.Slots[j].Slot })
	copy(st.Toasts, o.toasts)
	return st
}

// notifyLocked snapshots the status and returns a func publishing it.
// Call the returned func after releasing o.mu.
func (o *Orchestrator) notifyLocked() func() {
	st := o.statusLocked()
	subs := make([]func(Status), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(st)
		}
	}
}

// ClaimAllInFlight reports whether a claim-all write is pending. Unstake
// controls are disabled meanwhile.
func (o *Orchestrator) ClaimAllInFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busyLocked(SlotClaimAll)
}

func (o *Orchestrator) busyLocked(slot string) bool {
	s, ok := o.slots[slot]
	return ok && s.State == types.ActionSubmitting
}

// begin moves slot to Submitting and starts flow on its own goroutine.
func (o *Orchestrator) begin(slot string, kind types.ActionKind, retry func() (*Run, error), flow func(ctx context.Context, r *Run) error) (*Run, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, context.Canceled
	}
	if o.busyLocked(slot) {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSlotBusy, slot)
	}
	if prev, ok := o.slots[slot]; ok && prev.reset != nil {
		prev.reset.Stop()
	}
	run := &Run{slot: slot, done: make(chan struct{})}
	o.slots[slot] = &slotState{
		SlotStatus: SlotStatus{Slot: slot, Kind: kind, State: types.ActionSubmitting, UpdatedAt: time.Now()},
		run:        run,
	}
	delete(o.retries, slot)
	o.dropToastsLocked(slot)
	publish := o.notifyLocked()
	o.mu.Unlock()
	publish()

	o.metrics.RecordAction(string(kind), string(types.ActionSubmitting))
	logging.Info("action started", logging.Component("action"), logging.Slot(slot), "kind", string(kind))

	util.GoTracked(&o.wg, "action-"+slot, func() {
		err := flow(o.ctx, run)
		o.finish(slot, run, retry, err)
	})
	return run, nil
}

// setStep records the kind and tx hash of the step being awaited.
func (o *Orchestrator) setStep(slot string, kind types.ActionKind, h *chain.TxHandle) {
	o.mu.Lock()
	s, ok := o.slots[slot]
	if !ok {
		o.mu.Unlock()
		return
	}
	s.Kind = kind
	if h != nil {
		s.TxHash = h.Hash.Hex()
	}
	s.UpdatedAt = time.Now()
	publish := o.notifyLocked()
	o.mu.Unlock()
	publish()
}

func (o *Orchestrator) finish(slot string, run *Run, retry func() (*Run, error), err error) {
	o.mu.Lock()
	s := o.slots[slot]
	kind := s.Kind
	state := types.ActionMined
	var toast Toast
	if err != nil {
		state = types.ActionFailed
		toast = failureToast(slot, kind, err)
		if toast.Retryable && retry != nil {
			o.retries[slot] = retry
		}
	} else {
		toast = Toast{Slot: slot, Kind: kind, Level: LevelSuccess, Message: successMessage(kind, labelOf(slot))}
	}
	toast.TxHash = s.TxHash
	s.State = state
	s.UpdatedAt = time.Now()
	if !s.Dismissed && !o.closed {
		o.addToastLocked(toast)
	}
	if !o.closed {
		s.reset = time.AfterFunc(o.cfg.ToastTTL, func() { o.resetSlot(slot, run) })
	}
	publish := o.notifyLocked()
	o.mu.Unlock()

	run.err = err
	close(run.done)
	publish()

	o.metrics.RecordAction(string(kind), string(state))
	if err != nil {
		logging.Warn("action failed", logging.Component("action"), logging.Slot(slot),
			"kind", string(kind), "error_kind", chain.KindOf(err).String(), logging.Err(err))
		return
	}
	logging.Info("action mined", logging.Component("action"), logging.Slot(slot), "kind", string(kind))
}

func labelOf(slot string) string {
	for i := len(slot) - 1; i >= 0; i-- {
		if slot[i] == ':' {
			return "#" + slot[i+1:]
		}
	}
	return ""
}

// resetSlot returns a terminal slot to Idle unless a newer run replaced it.
func (o *Orchestrator) resetSlot(slot string, run *Run) {
	o.mu.Lock()
	s, ok := o.slots[slot]
	if !ok || s.run != run || !s.State.Terminal() {
		o.mu.Unlock()
		return
	}
	delete(o.slots, slot)
	publish := o.notifyLocked()
	o.mu.Unlock()
	publish()
}

func (o *Orchestrator) addToastLocked(t Toast) {
	o.nextToast++
	t.ID = o.nextToast
	t.CreatedAt = time.Now()
	t.ExpiresAt = t.CreatedAt.Add(o.cfg.ToastTTL)
	o.toasts = append(o.toasts, t)
	id := t.ID
	o.toastTimers[id] = time.AfterFunc(o.cfg.ToastTTL, func() { o.expireToast(id) })
}

func (o *Orchestrator) expireToast(id uint64) {
	o.mu.Lock()
	delete(o.toastTimers, id)
	for i, t := range o.toasts {
		if t.ID == id {
			o.toasts = append(o.toasts[:i:i], o.toasts[i+1:]...)
			publish := o.notifyLocked()
			o.mu.Unlock()
			publish()
			return
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) dropToastsLocked(slot string) {
	kept := o.toasts[:0:0]
	for _, t := range o.toasts {
		if t.Slot == slot {
			if timer := o.toastTimers[t.ID]; timer != nil {
				timer.Stop()
				delete(o.toastTimers, t.ID)
			}
			continue
		}
		kept = append(kept, t)
	}
	o.toasts = kept
}

// invalidate notifies scopes unless the account changed during the write.
func (o *Orchestrator) invalidate(epoch uint64, scopes ...Scope) {
	if o.chain.Session().Current().Epoch != epoch {
		logging.Info("account changed during write, skipping refresh", logging.Component("action"))
		return
	}
	o.mu.Lock()
	var targets []Invalidator
	for _, scope := range scopes {
		for _, inv := range o.invalidators[scope] {
			targets = append(targets, inv)
		}
	}
	o.mu.Unlock()
	for _, inv := range targets {
		inv.Invalidate()
	}
}

// send submits a write and waits for it to be mined.
func (o *Orchestrator) send(ctx context.Context, r *Run, kind types.ActionKind, submit func(ctx context.Context) (*chain.TxHandle, error)) error {
	o.setStep(r.slot, kind, nil)
	h, err := submit(ctx)
	if err != nil {
		return err
	}
	o.setStep(r.slot, kind, h)
	if _, err := o.chain.WaitMined(ctx, h); err != nil {
		return err
	}
	r.hash = h.Hash
	return nil
}

// Stake approves the pool for the collection if needed, then stakes id
// under plan.
func (o *Orchestrator) Stake(collection common.Address, id *big.Int, plan types.Plan) (*Run, error) {
	if id == nil {
		return nil, errors.New("missing token id")
	}
	if !plan.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidPlan, plan)
	}
	id = new(big.Int).Set(id)
	slot := StakeSlot(collection, id)
	epoch := o.chain.Session().Current().Epoch

	return o.begin(slot, types.ActionStake,
		func() (*Run, error) { return o.Stake(collection, id, plan) },
		func(ctx context.Context, r *Run) error {
			owner := o.chain.Session().Current().Address
			nft := contracts.NewCollection(o.chain, collection)

			approved, err := nft.IsApprovedForAll(ctx, owner, o.pool.Address())
			if err != nil {
				return err
			}
			if !approved {
				err := o.send(ctx, r, types.ActionApprove, func(ctx context.Context) (*chain.TxHandle, error) {
					return nft.SetApprovalForAll(ctx, o.pool.Address(), true)
				})
				if err != nil {
					return fmt.Errorf("%w: %w", ErrApprovalFailed, err)
				}
			}

			err = o.send(ctx, r, types.ActionStake, func(ctx context.Context) (*chain.TxHandle, error) {
				return o.pool.Stake(ctx, []common.Address{collection}, []*big.Int{id}, plan)
			})
			if err != nil {
				return err
			}
			o.invalidate(epoch, ScopeState, ScopeInventory)
			return nil
		})
}

// ClaimAll claims every stake in the current snapshot in one transaction.
func (o *Orchestrator) ClaimAll() (*Run, error) {
	snap := o.snapshots.Current()
	if snap == nil || snap.Len() == 0 {
		return nil, ErrNothingToClaim
	}
	collections, ids := snap.ClaimArgs()
	epoch := o.chain.Session().Current().Epoch

	return o.begin(SlotClaimAll, types.ActionClaim, o.ClaimAll,
		func(ctx context.Context, r *Run) error {
			err := o.send(ctx, r, types.ActionClaim, func(ctx context.Context) (*chain.TxHandle, error) {
				return o.pool.ClaimReward(ctx, collections, ids)
			})
			if err != nil {
				return err
			}
			o.invalidate(epoch, ScopeState, ScopeInventory)
			return nil
		})
}

// CanUnstake reports whether the unstake control for (collection, id) is
// enabled at nowSec.
func (o *Orchestrator) CanUnstake(s types.Stake, nowSec uint64) bool {
	return accrual.Unlocked(s, nowSec) && !o.ClaimAllInFlight()
}

// Unstake withdraws an unlocked stake and claims its reward.
func (o *Orchestrator) Unstake(collection common.Address, id *big.Int) (*Run, error) {
	if id == nil {
		return nil, errors.New("missing token id")
	}
	snap := o.snapshots.Current()
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotStaked, id)
	}
	stake, ok := snap.Find(collection, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotStaked, id)
	}
	if now := o.cfg.Clock(); !accrual.Unlocked(stake, now) {
		return nil, fmt.Errorf("%w: %s remaining", ErrLocked, accrual.Countdown(accrual.Remaining(stake, now)))
	}
	if o.ClaimAllInFlight() {
		return nil, fmt.Errorf("%w: %s", ErrSlotBusy, SlotClaimAll)
	}
	id = new(big.Int).Set(id)
	epoch := o.chain.Session().Current().Epoch

	return o.begin(UnstakeSlot(collection, id), types.ActionUnstake,
		func() (*Run, error) { return o.Unstake(collection, id) },
		func(ctx context.Context, r *Run) error {
			err := o.send(ctx, r, types.ActionUnstake, func(ctx context.Context) (*chain.TxHandle, error) {
				return o.pool.Unstake(ctx, []common.Address{collection}, []*big.Int{id})
			})
			if err != nil {
				return err
			}
			o.invalidate(epoch, ScopeState, ScopeInventory)
			return nil
		})
}

// RegisterReferral registers ref. It invalidates nothing.
func (o *Orchestrator) RegisterReferral(ref contracts.Referrer) (*Run, error) {
	if ref.Address == nil && ref.ID == nil {
		return nil, contracts.ErrInvalidReferrer
	}
	return o.begin(SlotReferral, types.ActionRegisterReferral,
		func() (*Run, error) { return o.RegisterReferral(ref) },
		func(ctx context.Context, r *Run) error {
			return o.send(ctx, r, types.ActionRegisterReferral, func(ctx context.Context) (*chain.TxHandle, error) {
				return o.referral.Register(ctx, ref)
			})
		})
}

// Retry re-runs the last failed flow of slot when its failure was retryable.
func (o *Orchestrator) Retry(slot string) (*Run, error) {
	o.mu.Lock()
	retry, ok := o.retries[slot]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRetryable, slot)
	}
	return retry()
}

// Dismiss clears slot's toasts and terminal state. A write in flight keeps
// running; only its outcome toast is suppressed.
func (o *Orchestrator) Dismiss(slot string) {
	o.mu.Lock()
	o.dropToastsLocked(slot)
	delete(o.retries, slot)
	if s, ok := o.slots[slot]; ok {
		if s.State == types.ActionSubmitting {
			s.Dismissed = true
		} else {
			if s.reset != nil {
				s.reset.Stop()
			}
			delete(o.slots, slot)
		}
	}
	publish := o.notifyLocked()
	o.mu.Unlock()
	publish()
}

// Close abandons waits for in-flight writes and stops timers. Transactions
// already sent stay with the wallet.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.slots {
		if s.reset != nil {
			s.reset.Stop()
		}
	}
	for _, timer := range o.toastTimers {
		timer.Stop()
	}
}
