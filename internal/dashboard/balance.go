package dashboard

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/accrual"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/wallet"
)

// DefaultBalanceInterval is the reward balance poll period while a view is open.
const DefaultBalanceInterval = 30 * time.Second

// errBalanceSuperseded marks a balance read that finished after an account change.
var errBalanceSuperseded = errors.New("balance superseded")

// TokenReader is the reward token surface.
type TokenReader interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Decimals(ctx context.Context) (uint8, error)
	Symbol(ctx context.Context) (string, error)
}

// Balance is the connected account's reward token balance.
type Balance struct {
	Account  common.Address
	Epoch    uint64
	Loaded   bool
	Symbol   string
	Decimals uint8
	Wei      *big.Int
}

// Display formats the balance to 4 fractional digits, or "-" before the
// first read.
func (b Balance) Display() string {
	if !b.Loaded || b.Wei == nil {
		return "-"
	}
	return accrual.FormatUnits(b.Wei, b.Decimals, 4)
}

// BalancePoller keeps the reward token balance of the session's account.
// Symbol and decimals are read once.
type BalancePoller struct {
	token    TokenReader
	session  *wallet.Session
	presence *wallet.Presence
	interval time.Duration

	mu       sync.RWMutex
	current  Balance
	symbol   string
	decimals uint8
	haveMeta bool
	hiddenAt time.Time
	cancel   context.CancelFunc
	subs     map[int]func(Balance)
	nextSub  int

	kick chan struct{}
}

// NewBalancePoller creates a poller. presence may be nil.
func NewBalancePoller(token TokenReader, session *wallet.Session, presence *wallet.Presence, interval time.Duration) *BalancePoller {
	if interval <= 0 {
		interval = DefaultBalanceInterval
	}
	return &BalancePoller{
		token:    token,
		session:  session,
		presence: presence,
		interval: interval,
		subs:     make(map[int]func(Balance)),
		kick:     make(chan struct{}, 1),
	}
}

func (b *BalancePoller) Current() Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Invalidate schedules a read on the Run loop.
func (b *BalancePoller) Invalidate() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *BalancePoller) Subscribe(fn func(Balance)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *BalancePoller) metadata(ctx context.Context) (string, uint8, error) {
	b.mu.RLock()
	if b.haveMeta {
		defer b.mu.RUnlock()
		return b.symbol, b.decimals, nil
	}
	b.mu.RUnlock()

	decimals, err := b.token.Decimals(ctx)
	if err != nil {
		return "", 0, err
	}
	symbol, err := b.token.Symbol(ctx)
	if err != nil {
		return "", 0, err
	}
	b.mu.Lock()
	b.symbol, b.decimals, b.haveMeta = symbol, decimals, true
	b.mu.Unlock()
	return symbol, decimals, nil
}

// Refresh reads the balance now.
func (b *BalancePoller) Refresh(ctx context.Context) (Balance, error) {
	acct := b.session.Current()
	start := time.Now()
	if !acct.Connected {
		return b.apply(Balance{Account: acct.Address, Epoch: acct.Epoch}, start)
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	symbol, decimals, err := b.metadata(readCtx)
	if err == nil {
		var wei *big.Int
		if wei, err = b.token.BalanceOf(readCtx, acct.Address); err == nil {
			return b.apply(Balance{
				Account:  acct.Address,
				Epoch:    acct.Epoch,
				Loaded:   true,
				Symbol:   symbol,
				Decimals: decimals,
				Wei:      wei,
			}, start)
		}
	}
	if ctx.Err() == nil && readCtx.Err() != nil {
		return b.Current(), errBalanceSuperseded
	}
	return b.Current(), err
}

func (b *BalancePoller) apply(next Balance, start time.Time) (Balance, error) {
	b.mu.Lock()
	if b.session.Current().Epoch != next.Epoch || start.Before(b.hiddenAt) {
		cur := b.current
		b.mu.Unlock()
		return cur, errBalanceSuperseded
	}
	b.current = next
	subs := make([]func(Balance), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return next, nil
}

func (b *BalancePoller) reset(acct wallet.Account) {
	b.mu.Lock()
	if b.current.Account != acct.Address {
		b.current = Balance{Account: acct.Address, Epoch: acct.Epoch}
	}
	b.mu.Unlock()
}

// suspend abandons the in-flight read when the last view closes.
func (b *BalancePoller) suspend() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.hiddenAt = time.Now()
	b.mu.Unlock()
}

// Run reads on start, on account change, on Invalidate and every interval
// while visible, until ctx is done.
func (b *BalancePoller) Run(ctx context.Context) {
	unsubAccount := b.session.Subscribe(func(acct wallet.Account) {
		b.reset(acct)
		b.Invalidate()
	})
	defer unsubAccount()
	unsubPresence := b.presence.Subscribe(func(visible bool) {
		if visible {
			b.Invalidate()
			return
		}
		b.suspend()
	})
	defer unsubPresence()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := true
	for {
		if pending && b.presence.Visible() {
			pending = false
			if _, err := b.Refresh(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, errBalanceSuperseded) {
				logging.Warn("reward balance refresh failed", logging.Component("dashboard"), logging.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending = true
		case <-b.kick:
			pending = true
		}
	}
}
