package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RewardTokenContract binds the ERC-20 reward token.
type RewardTokenContract struct {
	client  Reader
	address common.Address
}

// NewRewardToken binds the token at address.
func NewRewardToken(client Reader, address common.Address) *RewardTokenContract {
	return &RewardTokenContract{client: client, address: address}
}

func (t *RewardTokenContract) Address() common.Address {
	return t.address
}

// BalanceOf returns the raw token balance of account.
func (t *RewardTokenContract) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	outs, err := t.client.ReadView(ctx, t.address, RewardToken, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return output[*big.Int](outs, 0, "balanceOf", t.address)
}

func (t *RewardTokenContract) Decimals(ctx context.Context) (uint8, error) {
	outs, err := t.client.ReadView(ctx, t.address, RewardToken, "decimals")
	if err != nil {
		return 0, err
	}
	return output[uint8](outs, 0, "decimals", t.address)
}

func (t *RewardTokenContract) Symbol(ctx context.Context) (string, error) {
	outs, err := t.client.ReadView(ctx, t.address, RewardToken, "symbol")
	if err != nil {
		return "", err
	}
	return output[string](outs, 0, "symbol", t.address)
}
