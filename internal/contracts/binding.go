package contracts

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
)

// Reader performs decoded view calls. *chain.Client satisfies it.
type Reader interface {
	ReadView(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...any) ([]any, error)
}

// Transactor adds wallet-signed writes.
type Transactor interface {
	Reader
	WriteTx(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...any) (*chain.TxHandle, error)
}

// output asserts the i-th decoded output to T, reporting a Decode error on
// a shape mismatch.
func output[T any](outs []any, i int, method string, contract common.Address) (T, error) {
	var zero T
	if len(outs) <= i {
		return zero, chain.DecodeError(method, contract, fmt.Errorf("expected %d outputs, got %d", i+1, len(outs)))
	}
	v, ok := outs[i].(T)
	if !ok {
		return zero, chain.DecodeError(method, contract, fmt.Errorf("output %d has type %T, want %T", i, outs[i], zero))
	}
	return v, nil
}

func writer(r Reader, method string) (Transactor, error) {
	w, ok := r.(Transactor)
	if !ok {
		return nil, &chain.Error{Kind: chain.KindNoWallet, Op: method, Reason: "client is read-only"}
	}
	return w, nil
}
