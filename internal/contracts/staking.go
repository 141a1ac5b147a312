package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/pkg/types"
)

// StakeInfo mirrors the pool's StakeInfo tuple. Field names follow the ABI
// component names so abi.ConvertType can map the decoded struct.
type StakeInfo struct {
	Collection    common.Address `json:"collection"`
	TokenId       *big.Int       `json:"tokenId"`
	StakedAt      *big.Int       `json:"stakedAt"`
	LastClaimTime *big.Int       `json:"lastClaimTime"`
	LockEndTime   *big.Int       `json:"lockEndTime"`
	RewardRate    *big.Int       `json:"rewardRate"`
	PlanIndex     *big.Int       `json:"planIndex"`
	Owner         common.Address `json:"owner"`
}

// Stake converts the tuple, rejecting values the dashboard cannot represent.
func (si StakeInfo) Stake() (types.Stake, error) {
	for name, v := range map[string]*big.Int{
		"tokenId": si.TokenId, "stakedAt": si.StakedAt, "lastClaimTime": si.LastClaimTime,
		"lockEndTime": si.LockEndTime, "rewardRate": si.RewardRate, "planIndex": si.PlanIndex,
	} {
		if v == nil {
			return types.Stake{}, fmt.Errorf("stake field %s missing", name)
		}
	}
	if !si.StakedAt.IsUint64() || !si.LastClaimTime.IsUint64() || !si.LockEndTime.IsUint64() {
		return types.Stake{}, fmt.Errorf("stake %s timestamps overflow uint64", si.TokenId)
	}
	if !si.PlanIndex.IsUint64() || si.PlanIndex.Uint64() > uint64(types.Plan12Months) {
		return types.Stake{}, fmt.Errorf("stake %s: %w: %s", si.TokenId, types.ErrInvalidPlan, si.PlanIndex)
	}
	plan := types.Plan(si.PlanIndex.Uint64())
	return types.Stake{
		Collection:    si.Collection,
		TokenID:       new(big.Int).Set(si.TokenId),
		StakedAt:      si.StakedAt.Uint64(),
		LastClaimTime: si.LastClaimTime.Uint64(),
		LockEndTime:   si.LockEndTime.Uint64(),
		RewardRate:    new(big.Int).Set(si.RewardRate),
		PlanIndex:     plan,
		Owner:         si.Owner,
	}, nil
}

// StakeInfoOf is the inverse of StakeInfo.Stake, used when encoding state.
func StakeInfoOf(s types.Stake) StakeInfo {
	return StakeInfo{
		Collection:    s.Collection,
		TokenId:       new(big.Int).Set(s.TokenID),
		StakedAt:      new(big.Int).SetUint64(s.StakedAt),
		LastClaimTime: new(big.Int).SetUint64(s.LastClaimTime),
		LockEndTime:   new(big.Int).SetUint64(s.LockEndTime),
		RewardRate:    new(big.Int).Set(s.RewardRate),
		PlanIndex:     big.NewInt(int64(s.PlanIndex)),
		Owner:         s.Owner,
	}
}

// StakingPoolContract binds the staking pool.
type StakingPoolContract struct {
	client  Reader
	address common.Address
}

// NewStakingPool binds the pool at address.
func NewStakingPool(client Reader, address common.Address) *StakingPoolContract {
	return &StakingPoolContract{client: client, address: address}
}

func (p *StakingPoolContract) Address() common.Address {
	return p.address
}

// UserFullState returns the user's stakes in contract order and the
// contract-reported pending total.
func (p *StakingPoolContract) UserFullState(ctx context.Context, user common.Address) ([]types.Stake, *big.Int, error) {
	const method = "getUserFullState"
	outs, err := p.client.ReadView(ctx, p.address, StakingPool, method, user)
	if err != nil {
		return nil, nil, err
	}
	if len(outs) != 2 {
		return nil, nil, chain.DecodeError(method, p.address, fmt.Errorf("expected 2 outputs, got %d", len(outs)))
	}
	infos, err := convertStakeInfos(outs[0])
	if err != nil {
		return nil, nil, chain.DecodeError(method, p.address, err)
	}
	total, err := output[*big.Int](outs, 1, method, p.address)
	if err != nil {
		return nil, nil, err
	}

	stakes := make([]types.Stake, 0, len(infos))
	for _, info := range infos {
		s, err := info.Stake()
		if err != nil {
			return nil, nil, chain.DecodeError(method, p.address, err)
		}
		stakes = append(stakes, s)
	}
	return stakes, total, nil
}

func convertStakeInfos(raw any) (infos []StakeInfo, err error) {
	// ConvertType panics when the shapes disagree.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected stakes shape %T: %v", raw, r)
		}
	}()
	infos = *abi.ConvertType(raw, new([]StakeInfo)).(*[]StakeInfo)
	return infos, nil
}

// IsBlacklisted reports whether (collection, tokenID) may not be staked.
func (p *StakingPoolContract) IsBlacklisted(ctx context.Context, collection common.Address, tokenID *big.Int) (bool, error) {
	outs, err := p.client.ReadView(ctx, p.address, StakingPool, "isBlacklisted", collection, tokenID)
	if err != nil {
		return false, err
	}
	return output[bool](outs, 0, "isBlacklisted", p.address)
}

// Stake submits stake(collections, tokenIds, plan).
func (p *StakingPoolContract) Stake(ctx context.Context, collections []common.Address, tokenIDs []*big.Int, plan types.Plan) (*chain.TxHandle, error) {
	if err := equalLength("stake", collections, tokenIDs); err != nil {
		return nil, err
	}
	if !plan.Valid() {
		return nil, fmt.Errorf("stake: %w: %d", types.ErrInvalidPlan, plan)
	}
	w, err := writer(p.client, "stake")
	if err != nil {
		return nil, err
	}
	return w.WriteTx(ctx, p.address, StakingPool, "stake", collections, tokenIDs, big.NewInt(int64(plan)))
}

// Unstake submits unstake(collections, tokenIds). The pool reverts while locked.
func (p *StakingPoolContract) Unstake(ctx context.Context, collections []common.Address, tokenIDs []*big.Int) (*chain.TxHandle, error) {
	if err := equalLength("unstake", collections, tokenIDs); err != nil {
		return nil, err
	}
	w, err := writer(p.client, "unstake")
	if err != nil {
		return nil, err
	}
	return w.WriteTx(ctx, p.address, StakingPool, "unstake", collections, tokenIDs)
}

// ClaimReward submits one batched claimReward(collections, tokenIds).
func (p *StakingPoolContract) ClaimReward(ctx context.Context, collections []common.Address, tokenIDs []*big.Int) (*chain.TxHandle, error) {
	if err := equalLength("claimReward", collections, tokenIDs); err != nil {
		return nil, err
	}
	w, err := writer(p.client, "claimReward")
	if err != nil {
		return nil, err
	}
	return w.WriteTx(ctx, p.address, StakingPool, "claimReward", collections, tokenIDs)
}

func equalLength(method string, collections []common.Address, ids []*big.Int) error {
	if len(collections) != len(ids) {
		return fmt.Errorf("%s: %d collections for %d token ids", method, len(collections), len(ids))
	}
	if len(ids) == 0 {
		return fmt.Errorf("%s: no tokens given", method)
	}
	return nil
}
