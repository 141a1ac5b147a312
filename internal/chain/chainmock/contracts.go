package chainmock

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/pkg/types"
)

// Pool simulates the staking pool: per-second rewards paid in the reward
// token on claim and unstake.
type Pool struct {
	chain     *Chain
	address   common.Address
	token     *Token
	rates     [3]*big.Int
	durations [3]uint64
	stakes    map[common.Address][]types.Stake
	blacklist map[types.StakeKey]bool
}

// DeployPool registers a pool paying rates[plan] wei/sec with lock
// durations[plan] seconds. token may be nil.
func (c *Chain) DeployPool(addr common.Address, token *Token, rates [3]*big.Int, durations [3]uint64) *Pool {
	p := &Pool{
		chain:     c,
		address:   addr,
		token:     token,
		rates:     rates,
		durations: durations,
		stakes:    make(map[common.Address][]types.Stake),
		blacklist: make(map[types.StakeKey]bool),
	}
	c.register(addr, p)
	return p
}

func (p *Pool) Address() common.Address { return p.address }

// Blacklist marks (collection, id) as unstakeable.
func (p *Pool) Blacklist(collection common.Address, id int64) {
	p.chain.mu.Lock()
	defer p.chain.mu.Unlock()
	p.blacklist[types.KeyOf(collection, big.NewInt(id))] = true
}

// Stakes returns owner's stakes in contract order.
func (p *Pool) Stakes(owner common.Address) []types.Stake {
	p.chain.mu.Lock()
	defer p.chain.mu.Unlock()
	out := make([]types.Stake, len(p.stakes[owner]))
	for i, s := range p.stakes[owner] {
		out[i] = s.Clone()
	}
	return out
}

// Seed inserts a stake directly, bypassing transfer and approval.
func (p *Pool) Seed(s types.Stake) {
	p.chain.mu.Lock()
	defer p.chain.mu.Unlock()
	p.stakes[s.Owner] = append(p.stakes[s.Owner], s.Clone())
}

func (p *Pool) abi() *abi.ABI { return contracts.StakingPool }

func (p *Pool) pending(s types.Stake) *big.Int {
	now := p.chain.now
	if now <= s.LastClaimTime {
		return new(big.Int)
	}
	return new(big.Int).Mul(s.RewardRate, new(big.Int).SetUint64(now-s.LastClaimTime))
}

func (p *Pool) indexOf(owner, collection common.Address, id *big.Int) int {
	for i, s := range p.stakes[owner] {
		if s.Collection == collection && s.TokenID.Cmp(id) == 0 {
			return i
		}
	}
	return -1
}

func (p *Pool) exec(from common.Address, method string, args []interface{}, commit bool) ([]interface{}, error) {
	switch method {
	case "getUserFullState":
		user := args[0].(common.Address)
		infos := make([]contracts.StakeInfo, 0, len(p.stakes[user]))
		total := new(big.Int)
		for _, s := range p.stakes[user] {
			infos = append(infos, contracts.StakeInfoOf(s))
			total.Add(total, p.pending(s))
		}
		return []interface{}{infos, total}, nil

	case "isBlacklisted":
		key := types.KeyOf(args[0].(common.Address), args[1].(*big.Int))
		return []interface{}{p.blacklist[key]}, nil

	case "stake":
		collections, ids := args[0].([]common.Address), args[1].([]*big.Int)
		plan := args[2].(*big.Int)
		if len(collections) != len(ids) {
			return nil, revert("length mismatch")
		}
		if !plan.IsUint64() || plan.Uint64() > 2 {
			return nil, revert("invalid plan")
		}
		for i, coll := range collections {
			nft, ok := p.chain.contracts[coll].(*NFT)
			if !ok {
				return nil, revert("unsupported collection")
			}
			if p.blacklist[types.KeyOf(coll, ids[i])] {
				return nil, revert("token blacklisted")
			}
			if nft.owners[ids[i].String()] != from {
				return nil, revert("not token owner")
			}
			if !nft.approvals[from][p.address] {
				return nil, revert("ERC721: caller is not token owner or approved")
			}
		}
		if !commit {
			return nil, nil
		}
		idx := plan.Uint64()
		for i, coll := range collections {
			p.chain.contracts[coll].(*NFT).owners[ids[i].String()] = p.address
			p.stakes[from] = append(p.stakes[from], types.Stake{
				Collection:    coll,
				TokenID:       new(big.Int).Set(ids[i]),
				StakedAt:      p.chain.now,
				LastClaimTime: p.chain.now,
				LockEndTime:   p.chain.now + p.durations[idx],
				RewardRate:    new(big.Int).Set(p.rates[idx]),
				PlanIndex:     types.Plan(idx),
				Owner:         from,
			})
		}
		return nil, nil

	case "unstake", "claimReward":
		collections, ids := args[0].([]common.Address), args[1].([]*big.Int)
		if len(collections) != len(ids) {
			return nil, revert("length mismatch")
		}
		for i, coll := range collections {
			j := p.indexOf(from, coll, ids[i])
			if j < 0 {
				return nil, revert("not staked")
			}
			if method == "unstake" && p.chain.now < p.stakes[from][j].LockEndTime {
				return nil, revert("stake is locked")
			}
		}
		if !commit {
			return nil, nil
		}
		for i, coll := range collections {
			j := p.indexOf(from, coll, ids[i])
			s := p.stakes[from][j]
			if p.token != nil {
				p.token.mintLocked(from, p.pending(s))
			}
			if method == "claimReward" {
				p.stakes[from][j].LastClaimTime = p.chain.now
				continue
			}
			if nft, ok := p.chain.contracts[coll].(*NFT); ok {
				nft.owners[ids[i].String()] = from
			}
			p.stakes[from] = append(p.stakes[from][:j], p.stakes[from][j+1:]...)
		}
		return nil, nil
	}
	return nil, &RevertError{}
}

// NFT simulates an ERC-721 collection, optionally enumerable.
type NFT struct {
	chain      *Chain
	address    common.Address
	enumerable bool
	owners     map[string]common.Address // decimal id -> owner
	approvals  map[common.Address]map[common.Address]bool
}

// DeployCollection registers an ERC-721 at addr.
func (c *Chain) DeployCollection(addr common.Address, enumerable bool) *NFT {
	n := &NFT{
		chain:      c,
		address:    addr,
		enumerable: enumerable,
		owners:     make(map[string]common.Address),
		approvals:  make(map[common.Address]map[common.Address]bool),
	}
	c.register(addr, n)
	return n
}

func (n *NFT) Address() common.Address { return n.address }

// Mint assigns ids to owner.
func (n *NFT) Mint(owner common.Address, ids ...int64) {
	n.chain.mu.Lock()
	defer n.chain.mu.Unlock()
	for _, id := range ids {
		n.owners[big.NewInt(id).String()] = owner
	}
}

// OwnerOf returns the owner of id, or the zero address.
func (n *NFT) OwnerOf(id int64) common.Address {
	n.chain.mu.Lock()
	defer n.chain.mu.Unlock()
	return n.owners[big.NewInt(id).String()]
}

// Approved reports isApprovedForAll(owner, operator).
func (n *NFT) Approved(owner, operator common.Address) bool {
	n.chain.mu.Lock()
	defer n.chain.mu.Unlock()
	return n.approvals[owner][operator]
}

func (n *NFT) abi() *abi.ABI { return contracts.Collection }

func (n *NFT) tokensOf(owner common.Address) []*big.Int {
	var ids []*big.Int
	for id, o := range n.owners {
		if o == owner {
			v, _ := new(big.Int).SetString(id, 10)
			ids = append(ids, v)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}

func (n *NFT) exec(from common.Address, method string, args []interface{}, commit bool) ([]interface{}, error) {
	switch method {
	case "balanceOf":
		return []interface{}{big.NewInt(int64(len(n.tokensOf(args[0].(common.Address)))))}, nil
	case "tokenOfOwnerByIndex":
		if !n.enumerable {
			return nil, &RevertError{}
		}
		ids := n.tokensOf(args[0].(common.Address))
		idx := args[1].(*big.Int)
		if !idx.IsInt64() || idx.Int64() >= int64(len(ids)) {
			return nil, revert("ERC721Enumerable: owner index out of bounds")
		}
		return []interface{}{ids[idx.Int64()]}, nil
	case "ownerOf":
		owner, ok := n.owners[args[0].(*big.Int).String()]
		if !ok {
			return nil, revert("ERC721: invalid token ID")
		}
		return []interface{}{owner}, nil
	case "isApprovedForAll":
		return []interface{}{n.approvals[args[0].(common.Address)][args[1].(common.Address)]}, nil
	case "setApprovalForAll":
		operator, approved := args[0].(common.Address), args[1].(bool)
		if operator == from {
			return nil, revert("ERC721: approve to caller")
		}
		if commit {
			if n.approvals[from] == nil {
				n.approvals[from] = make(map[common.Address]bool)
			}
			n.approvals[from][operator] = approved
		}
		return nil, nil
	}
	return nil, &RevertError{}
}

// Token simulates the ERC-20 reward token.
type Token struct {
	chain    *Chain
	address  common.Address
	symbol   string
	decimals uint8
	balances map[common.Address]*big.Int
}

// DeployToken registers an ERC-20 at addr.
func (c *Chain) DeployToken(addr common.Address, symbol string, decimals uint8) *Token {
	t := &Token{
		chain:    c,
		address:  addr,
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[common.Address]*big.Int),
	}
	c.register(addr, t)
	return t
}

func (t *Token) Address() common.Address { return t.address }

// Mint credits amount to account.
func (t *Token) Mint(account common.Address, amount *big.Int) {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	t.mintLocked(account, amount)
}

func (t *Token) mintLocked(account common.Address, amount *big.Int) {
	bal, ok := t.balances[account]
	if !ok {
		bal = new(big.Int)
		t.balances[account] = bal
	}
	bal.Add(bal, amount)
}

// BalanceOf returns account's balance.
func (t *Token) BalanceOf(account common.Address) *big.Int {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	if bal, ok := t.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (t *Token) abi() *abi.ABI { return contracts.RewardToken }

func (t *Token) exec(from common.Address, method string, args []interface{}, commit bool) ([]interface{}, error) {
	switch method {
	case "balanceOf":
		bal, ok := t.balances[args[0].(common.Address)]
		if !ok {
			bal = new(big.Int)
		}
		return []interface{}{new(big.Int).Set(bal)}, nil
	case "decimals":
		return []interface{}{t.decimals}, nil
	case "symbol":
		return []interface{}{t.symbol}, nil
	}
	return nil, &RevertError{}
}

// Referral simulates the referral manager. Each account registers once.
type Referral struct {
	chain      *Chain
	address    common.Address
	registered map[common.Address]string
}

// DeployReferral registers a referral manager at addr.
func (c *Chain) DeployReferral(addr common.Address) *Referral {
	r := &Referral{chain: c, address: addr, registered: make(map[common.Address]string)}
	c.register(addr, r)
	return r
}

// Referrer returns what account registered with, or "".
func (r *Referral) Referrer(account common.Address) string {
	r.chain.mu.Lock()
	defer r.chain.mu.Unlock()
	return r.registered[account]
}

func (r *Referral) abi() *abi.ABI { return contracts.ReferralManager }

func (r *Referral) exec(from common.Address, method string, args []interface{}, commit bool) ([]interface{}, error) {
	var ref string
	switch method {
	case "register":
		addr := args[0].(common.Address)
		if addr == from {
			return nil, revert("cannot refer yourself")
		}
		ref = addr.Hex()
	case "register0":
		ref = args[0].(*big.Int).String()
	default:
		return nil, &RevertError{}
	}
	if _, done := r.registered[from]; done {
		return nil, revert("already registered")
	}
	if commit {
		r.registered[from] = ref
	}
	return nil, nil
}
