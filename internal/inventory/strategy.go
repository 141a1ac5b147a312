// Package inventory discovers the NFTs a wallet holds within a tier's
// token id range.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/internal/indexer"
	"github.com/moltbunker/stakedash/pkg/types"
)

var (
	// ErrNotEnumerable means the collection lacks tokenOfOwnerByIndex.
	ErrNotEnumerable = errors.New("collection does not support enumeration")
	// ErrNoProbe means probe mode has no user-entered ids to verify.
	ErrNoProbe = errors.New("no token ids entered")
	// ErrProbeUnverified means none of the entered ids is owned and in range.
	ErrProbeUnverified = errors.New("entered token ids are not owned by this wallet")
)

// Request describes one scan.
type Request struct {
	Tier     types.TierDescriptor
	Owner    common.Address
	ProbeIDs []*big.Int
}

// Strategy is one way of listing a wallet's tokens.
type Strategy interface {
	Name() string
	Scan(ctx context.Context, req Request) ([]types.WalletItem, error)
}

// NFTLister is the indexer capability.
type NFTLister interface {
	Enabled() bool
	NFTsForOwner(ctx context.Context, owner, collection common.Address) ([]indexer.Token, error)
}

// IndexerStrategy asks the external NFT index.
type IndexerStrategy struct {
	Indexer NFTLister
}

func (IndexerStrategy) Name() string { return string(types.SourceIndexer) }

func (s IndexerStrategy) Scan(ctx context.Context, req Request) ([]types.WalletItem, error) {
	if s.Indexer == nil || !s.Indexer.Enabled() {
		return nil, indexer.ErrDisabled
	}
	tokens, err := s.Indexer.NFTsForOwner(ctx, req.Owner, req.Tier.Collection)
	if err != nil {
		return nil, err
	}
	items := make([]types.WalletItem, 0, len(tokens))
	for _, tok := range tokens {
		items = append(items, types.WalletItem{
			Collection: req.Tier.Collection,
			TokenID:    tok.TokenID,
			Metadata:   tok.Metadata,
			Source:     types.SourceIndexer,
		})
	}
	return items, nil
}

// EnumerableStrategy walks balanceOf / tokenOfOwnerByIndex.
type EnumerableStrategy struct {
	Reader contracts.Reader
}

func (EnumerableStrategy) Name() string { return string(types.SourceEnumerable) }

func (s EnumerableStrategy) Scan(ctx context.Context, req Request) ([]types.WalletItem, error) {
	coll := contracts.NewCollection(s.Reader, req.Tier.Collection)
	balance, err := coll.BalanceOf(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if !balance.IsInt64() {
		return nil, fmt.Errorf("implausible balance %s", balance)
	}

	n := balance.Int64()
	items := make([]types.WalletItem, 0, n)
	for i := int64(0); i < n; i++ {
		id, err := coll.TokenOfOwnerByIndex(ctx, req.Owner, big.NewInt(i))
		if err != nil {
			if i == 0 && errors.Is(err, chain.ErrReverted) {
				return nil, fmt.Errorf("%w: %v", ErrNotEnumerable, err)
			}
			return nil, err
		}
		items = append(items, types.WalletItem{
			Collection: req.Tier.Collection,
			TokenID:    id,
			Source:     types.SourceEnumerable,
		})
	}
	return items, nil
}

// ProbeStrategy verifies ids the user typed in with ownerOf.
type ProbeStrategy struct {
	Reader contracts.Reader
}

func (ProbeStrategy) Name() string { return string(types.SourceProbe) }

func (s ProbeStrategy) Scan(ctx context.Context, req Request) ([]types.WalletItem, error) {
	if len(req.ProbeIDs) == 0 {
		return nil, ErrNoProbe
	}
	coll := contracts.NewCollection(s.Reader, req.Tier.Collection)

	var items []types.WalletItem
	for _, id := range req.ProbeIDs {
		if !req.Tier.Contains(id) {
			continue
		}
		owner, err := coll.OwnerOf(ctx, id)
		if err != nil {
			// Nonexistent ids revert; anything else aborts the probe.
			if errors.Is(err, chain.ErrReverted) {
				continue
			}
			return nil, err
		}
		if owner != req.Owner {
			continue
		}
		items = append(items, types.WalletItem{
			Collection: req.Tier.Collection,
			TokenID:    new(big.Int).Set(id),
			Source:     types.SourceProbe,
		})
	}
	if len(items) == 0 {
		return nil, ErrProbeUnverified
	}
	return items, nil
}
