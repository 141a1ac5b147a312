package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
)

// CollectionContract binds one ERC-721 collection.
type CollectionContract struct {
	client  Reader
	address common.Address
}

// NewCollection binds the collection at address.
func NewCollection(client Reader, address common.Address) *CollectionContract {
	return &CollectionContract{client: client, address: address}
}

func (c *CollectionContract) Address() common.Address {
	return c.address
}

// BalanceOf returns how many tokens owner holds.
func (c *CollectionContract) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	outs, err := c.client.ReadView(ctx, c.address, Collection, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return output[*big.Int](outs, 0, "balanceOf", c.address)
}

// TokenOfOwnerByIndex is the ERC-721 enumerable lookup. Collections without
// the extension revert or return nothing.
func (c *CollectionContract) TokenOfOwnerByIndex(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error) {
	outs, err := c.client.ReadView(ctx, c.address, Collection, "tokenOfOwnerByIndex", owner, index)
	if err != nil {
		return nil, err
	}
	return output[*big.Int](outs, 0, "tokenOfOwnerByIndex", c.address)
}

// OwnerOf returns the current owner of tokenID.
func (c *CollectionContract) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	outs, err := c.client.ReadView(ctx, c.address, Collection, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return output[common.Address](outs, 0, "ownerOf", c.address)
}

// IsApprovedForAll reports whether operator may move all of owner's tokens.
func (c *CollectionContract) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	outs, err := c.client.ReadView(ctx, c.address, Collection, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	return output[bool](outs, 0, "isApprovedForAll", c.address)
}

// SetApprovalForAll submits the operator approval.
func (c *CollectionContract) SetApprovalForAll(ctx context.Context, operator common.Address, approved bool) (*chain.TxHandle, error) {
	w, err := writer(c.client, "setApprovalForAll")
	if err != nil {
		return nil, err
	}
	return w.WriteTx(ctx, c.address, Collection, "setApprovalForAll", operator, approved)
}
