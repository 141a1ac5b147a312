package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs for the staking pool and its collaborators on Polygon.
// Only the methods the dashboard calls are declared.

// StakingPoolABI is the ABI for the NFT staking pool
const StakingPoolABI = `[
	{
		"inputs": [
			{"internalType": "address[]", "name": "collections", "type": "address[]"},
			{"internalType": "uint256[]", "name": "tokenIds", "type": "uint256[]"},
			{"internalType": "uint256", "name": "_planIndex", "type": "uint256"}
		],
		"name": "stake",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address[]", "name": "collections", "type": "address[]"},
			{"internalType": "uint256[]", "name": "tokenIds", "type": "uint256[]"}
		],
		"name": "unstake",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address[]", "name": "collections", "type": "address[]"},
			{"internalType": "uint256[]", "name": "tokenIds", "type": "uint256[]"}
		],
		"name": "claimReward",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
		"name": "getUserFullState",
		"outputs": [
			{
				"components": [
					{"internalType": "address", "name": "collection", "type": "address"},
					{"internalType": "uint256", "name": "tokenId", "type": "uint256"},
					{"internalType": "uint256", "name": "stakedAt", "type": "uint256"},
					{"internalType": "uint256", "name": "lastClaimTime", "type": "uint256"},
					{"internalType": "uint256", "name": "lockEndTime", "type": "uint256"},
					{"internalType": "uint256", "name": "rewardRate", "type": "uint256"},
					{"internalType": "uint256", "name": "planIndex", "type": "uint256"},
					{"internalType": "address", "name": "owner", "type": "address"}
				],
				"internalType": "struct StakingPoolV5.StakeInfo[]",
				"name": "stakes",
				"type": "tuple[]"
			},
			{"internalType": "uint256", "name": "totalPending", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "collection", "type": "address"},
			{"internalType": "uint256", "name": "tokenId", "type": "uint256"}
		],
		"name": "isBlacklisted",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// CollectionABI is the ERC-721 subset used for inventory and approval.
// tokenOfOwnerByIndex is optional on-chain; callers must tolerate its absence.
const CollectionABI = `[
	{
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "index", "type": "uint256"}
		],
		"name": "tokenOfOwnerByIndex",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"name": "ownerOf",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "operator", "type": "address"}
		],
		"name": "isApprovedForAll",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "operator", "type": "address"},
			{"name": "approved", "type": "bool"}
		],
		"name": "setApprovalForAll",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// RewardTokenABI is the ERC-20 subset for the stats balance
const RewardTokenABI = `[
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "symbol",
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ReferralManagerABI declares both register overloads. go-ethereum names the
// second one register0.
const ReferralManagerABI = `[
	{
		"inputs": [{"internalType": "address", "name": "_referrer", "type": "address"}],
		"name": "register",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "_referrerId", "type": "uint256"}],
		"name": "register",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Parsed ABIs, shared by every binding.
var (
	StakingPool     = mustParse("staking pool", StakingPoolABI)
	Collection      = mustParse("collection", CollectionABI)
	RewardToken     = mustParse("reward token", RewardTokenABI)
	ReferralManager = mustParse("referral manager", ReferralManagerABI)
)

func mustParse(name, raw string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse %s ABI: %v", name, err))
	}
	return &parsed
}
