package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrNoAccount is returned when the provider exposes no account.
	ErrNoAccount = errors.New("no wallet account connected")
	// ErrReadOnly is returned by providers that can watch but not sign.
	ErrReadOnly = errors.New("wallet is read-only")
)

// Provider is the user's wallet. It owns the keys; the dashboard only asks
// it for accounts and signatures.
type Provider interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	// SignTx prompts the user. It may block for as long as the user takes.
	SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ExternalSigner talks to a clef instance over IPC or HTTP.
type ExternalSigner struct {
	endpoint string
	signer   *external.ExternalSigner
}

// DialExternal connects to clef at endpoint (IPC path or http URL).
func DialExternal(endpoint string) (*ExternalSigner, error) {
	s, err := external.NewExternalSigner(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect external signer %s: %w", endpoint, err)
	}
	return &ExternalSigner{endpoint: endpoint, signer: s}, nil
}

func (e *ExternalSigner) Endpoint() string {
	return e.endpoint
}

// Accounts lists the accounts clef is willing to expose. An empty list means
// the user has not approved any.
func (e *ExternalSigner) Accounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	accts := e.signer.Accounts()
	out := make([]common.Address, len(accts))
	for i, a := range accts {
		out[i] = a.Address
	}
	return out, nil
}

func (e *ExternalSigner) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.signer.SignTx(accounts.Account{Address: account}, tx, chainID)
}

// ReadOnly watches a fixed address. Every write fails with ErrReadOnly.
type ReadOnly struct {
	Address common.Address
}

func (r ReadOnly) Accounts(ctx context.Context) ([]common.Address, error) {
	if r.Address == (common.Address{}) {
		return nil, nil
	}
	return []common.Address{r.Address}, nil
}

func (r ReadOnly) SignTx(ctx context.Context, account common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return nil, ErrReadOnly
}
