package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StakeKey identifies a stake (and an NFT) across collections.
type StakeKey struct {
	Collection common.Address
	TokenID    string // decimal
}

// KeyOf builds the key for (collection, id).
func KeyOf(collection common.Address, id *big.Int) StakeKey {
	return StakeKey{Collection: collection, TokenID: id.String()}
}

// Stake is one NFT committed to the staking pool, as reported by getUserFullState.
type Stake struct {
	Collection    common.Address `json:"collection"`
	TokenID       *big.Int       `json:"tokenId"`
	StakedAt      uint64         `json:"stakedAt"`
	LastClaimTime uint64         `json:"lastClaimTime"`
	LockEndTime   uint64         `json:"lockEndTime"`
	RewardRate    *big.Int       `json:"rewardRate"` // wei per second
	PlanIndex     Plan           `json:"planIndex"`
	Owner         common.Address `json:"owner"`
}

// Key returns the (collection, tokenId) identity.
func (s Stake) Key() StakeKey {
	return KeyOf(s.Collection, s.TokenID)
}

// Clone deep-copies the big integer fields.
func (s Stake) Clone() Stake {
	c := s
	if s.TokenID != nil {
		c.TokenID = new(big.Int).Set(s.TokenID)
	}
	if s.RewardRate != nil {
		c.RewardRate = new(big.Int).Set(s.RewardRate)
	}
	return c
}

// UserSnapshot is the immutable result of one getUserFullState call.
// Accessors hand out copies; nothing mutates a snapshot after construction.
type UserSnapshot struct {
	address      common.Address
	stakes       []Stake
	totalPending *big.Int
	fetchedAtMs  uint64
	epoch        uint64
}

// NewUserSnapshot copies its inputs into a new snapshot.
func NewUserSnapshot(address common.Address, stakes []Stake, totalPending *big.Int, fetchedAtMs, epoch uint64) *UserSnapshot {
	cp := make([]Stake, len(stakes))
	for i, s := range stakes {
		cp[i] = s.Clone()
	}
	total := new(big.Int)
	if totalPending != nil {
		total.Set(totalPending)
	}
	return &UserSnapshot{
		address:      address,
		stakes:       cp,
		totalPending: total,
		fetchedAtMs:  fetchedAtMs,
		epoch:        epoch,
	}
}

func (s *UserSnapshot) Address() common.Address { return s.address }
func (s *UserSnapshot) FetchedAtMs() uint64      { return s.fetchedAtMs }
func (s *UserSnapshot) Epoch() uint64            { return s.epoch }
func (s *UserSnapshot) Len() int                 { return len(s.stakes) }

// Stakes returns a copy of the stakes in contract order.
func (s *UserSnapshot) Stakes() []Stake {
	out := make([]Stake, len(s.stakes))
	for i, st := range s.stakes {
		out[i] = st.Clone()
	}
	return out
}

// TotalPendingWei returns a copy of the contract-reported total.
func (s *UserSnapshot) TotalPendingWei() *big.Int {
	return new(big.Int).Set(s.totalPending)
}

// Find returns the stake for (collection, id).
func (s *UserSnapshot) Find(collection common.Address, id *big.Int) (Stake, bool) {
	for _, st := range s.stakes {
		if st.Collection == collection && st.TokenID.Cmp(id) == 0 {
			return st.Clone(), true
		}
	}
	return Stake{}, false
}

// StakedKeys returns the set of staked (collection, tokenId) pairs.
func (s *UserSnapshot) StakedKeys() map[StakeKey]struct{} {
	out := make(map[StakeKey]struct{}, len(s.stakes))
	for _, st := range s.stakes {
		out[st.Key()] = struct{}{}
	}
	return out
}

// ClaimArgs builds the equal-length argument arrays for claimReward,
// preserving snapshot order.
func (s *UserSnapshot) ClaimArgs() ([]common.Address, []*big.Int) {
	collections := make([]common.Address, len(s.stakes))
	ids := make([]*big.Int, len(s.stakes))
	for i, st := range s.stakes {
		collections[i] = st.Collection
		ids[i] = new(big.Int).Set(st.TokenID)
	}
	return collections, ids
}

func (s *UserSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Address         common.Address `json:"address"`
		Stakes          []Stake        `json:"stakes"`
		TotalPendingWei string         `json:"totalPendingWei"`
		FetchedAtMs     uint64         `json:"fetchedAtMs"`
	}{s.address, s.stakes, s.totalPending.String(), s.fetchedAtMs})
}
