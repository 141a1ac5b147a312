package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ItemSource records which inventory strategy produced a WalletItem.
type ItemSource string

const (
	SourceIndexer    ItemSource = "indexer"
	SourceEnumerable ItemSource = "enumerable"
	SourceProbe      ItemSource = "probe"
)

// NFTMetadata is carried through from the indexer without interpretation.
type NFTMetadata struct {
	Name  string          `json:"name,omitempty"`
	Image string          `json:"image,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// WalletItem is an NFT the connected address holds inside a tier's range.
type WalletItem struct {
	Collection common.Address `json:"collection"`
	TokenID    *big.Int       `json:"tokenId"`
	Metadata   *NFTMetadata   `json:"metadata,omitempty"`
	Source     ItemSource     `json:"source"`
}

// Key returns the (collection, tokenId) identity.
func (w WalletItem) Key() StakeKey {
	return KeyOf(w.Collection, w.TokenID)
}
