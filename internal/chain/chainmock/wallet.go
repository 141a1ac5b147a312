package chainmock

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RejectedError is the EIP-1193 error a wallet returns when the user
// dismisses the prompt.
type RejectedError struct{}

func (RejectedError) Error() string  { return "user rejected the request" }
func (RejectedError) ErrorCode() int { return 4001 }

// Wallet is a wallet.Provider holding real keys, with controls for the
// user's side of the prompt.
type Wallet struct {
	mu      sync.Mutex
	keys    []*ecdsa.PrivateKey
	active  int // -1 when disconnected
	reject  int
	hold    chan struct{}
	prompts int
}

// NewWallet creates a wallet with n generated accounts, the first active.
func NewWallet(n int) *Wallet {
	w := &Wallet{}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		w.keys = append(w.keys, key)
	}
	return w
}

// Address returns the i-th account address.
func (w *Wallet) Address(i int) common.Address {
	return crypto.PubkeyToAddress(w.keys[i].PublicKey)
}

// Use switches the active account; -1 disconnects.
func (w *Wallet) Use(i int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = i
}

// RejectNext makes the next n prompts fail as user-rejected.
func (w *Wallet) RejectNext(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reject = n
}

// Hold makes prompts block until the returned release is called.
func (w *Wallet) Hold() (release func()) {
	ch := make(chan struct{})
	w.mu.Lock()
	w.hold = ch
	w.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			if w.hold == ch {
				w.hold = nil
			}
			w.mu.Unlock()
			close(ch)
		})
	}
}

// Prompts counts signature requests, including rejected ones.
func (w *Wallet) Prompts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prompts
}

func (w *Wallet) Accounts(ctx context.Context) ([]common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active < 0 || w.active >= len(w.keys) {
		return nil, nil
	}
	return []common.Address{crypto.PubkeyToAddress(w.keys[w.active].PublicKey)}, nil
}

func (w *Wallet) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	w.mu.Lock()
	w.prompts++
	hold := w.hold
	w.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reject > 0 {
		w.reject--
		return nil, RejectedError{}
	}
	for _, key := range w.keys {
		if crypto.PubkeyToAddress(key.PublicKey) == account {
			return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		}
	}
	return nil, errors.New("unknown account")
}
