package wallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/logging"
)

// Account is the connected wallet as last observed.
type Account struct {
	Address   common.Address `json:"address"`
	ChainID   uint64         `json:"chainId"`
	Connected bool           `json:"connected"`
	// Epoch increments on every account or chain change.
	Epoch uint64 `json:"epoch"`
}

// ChainIDReader is the RPC the wallet is attached to.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Session is the process-wide wallet connection. Components read the
// current account from it and subscribe to changes.
type Session struct {
	provider Provider
	chain    ChainIDReader

	mu      sync.RWMutex
	current Account
	subs    map[int]func(Account)
	nextSub int
}

// NewSession creates a session. Call Refresh or Watch to populate it.
func NewSession(provider Provider, chain ChainIDReader) *Session {
	return &Session{
		provider: provider,
		chain:    chain,
		subs:     make(map[int]func(Account)),
	}
}

// Provider returns the wallet used for signing.
func (s *Session) Provider() Provider {
	return s.provider
}

// Current returns the latest observed account.
func (s *Session) Current() Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn for account or chain changes. fn runs on the
// goroutine that observed the change and must not block.
func (s *Session) Subscribe(fn func(Account)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Refresh polls the provider and the RPC chain id. Subscribers are notified
// when either changed.
func (s *Session) Refresh(ctx context.Context) (Account, error) {
	addrs, err := s.provider.Accounts(ctx)
	if err != nil {
		return s.Current(), err
	}
	chainID, err := s.chain.ChainID(ctx)
	if err != nil {
		return s.Current(), err
	}

	next := Account{ChainID: chainID.Uint64()}
	if len(addrs) > 0 {
		next.Address = addrs[0]
		next.Connected = true
	}
	return s.apply(next), nil
}

func (s *Session) apply(next Account) Account {
	s.mu.Lock()
	prev := s.current
	if prev.Address == next.Address && prev.ChainID == next.ChainID && prev.Connected == next.Connected {
		s.mu.Unlock()
		return prev
	}
	next.Epoch = prev.Epoch + 1
	s.current = next
	subs := make([]func(Account), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	logging.Info("wallet changed",
		logging.Component("wallet"),
		logging.Address(next.Address.Hex()),
		"chain_id", next.ChainID,
		"connected", next.Connected,
		"epoch", next.Epoch,
	)
	for _, fn := range subs {
		fn(next)
	}
	return next
}

// Watch polls until ctx is done.
func (s *Session) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			logging.Debug("wallet refresh failed", logging.Component("wallet"), logging.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
