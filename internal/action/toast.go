package action

import (
	"errors"
	"fmt"
	"time"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/pkg/types"
)

// Level is the toast severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Toast is a transient message about one slot's outcome.
type Toast struct {
	ID        uint64           `json:"id"`
	Slot      string           `json:"slot"`
	Kind      types.ActionKind `json:"kind"`
	Level     Level            `json:"level"`
	Message   string           `json:"message"`
	Reason    string           `json:"reason,omitempty"`
	Retryable bool             `json:"retryable"`
	TxHash    string           `json:"txHash,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// successMessage describes a mined flow.
func successMessage(kind types.ActionKind, label string) string {
	switch kind {
	case types.ActionApprove:
		return "Approval confirmed"
	case types.ActionStake:
		return "Staked " + label
	case types.ActionUnstake:
		return "Unstaked " + label + " and claimed rewards"
	case types.ActionClaim:
		return "Rewards claimed"
	case types.ActionRegisterReferral:
		return "Referral registered"
	}
	return "Transaction confirmed"
}

// failureToast maps a flow error onto what the user sees. Rejections are
// informational; only transport-like failures offer a retry.
func failureToast(slot string, kind types.ActionKind, err error) Toast {
	t := Toast{Slot: slot, Kind: kind, Level: LevelError}

	prefix := ""
	if errors.Is(err, ErrApprovalFailed) {
		prefix = "Approval failed: "
	}

	switch chain.KindOf(err) {
	case chain.KindUserRejected:
		t.Level = LevelInfo
		t.Message = prefix + "Request rejected in wallet"
	case chain.KindReverted:
		t.Reason = chain.ReasonOf(err)
		if t.Reason != "" {
			t.Message = prefix + "Transaction reverted: " + t.Reason
		} else {
			t.Message = prefix + "Transaction reverted"
		}
	case chain.KindInsufficientFunds:
		t.Message = prefix + "Insufficient funds for gas"
	case chain.KindTransport:
		t.Message = prefix + "Network error, please retry"
		t.Retryable = true
	case chain.KindStaleNonce:
		t.Message = prefix + "Transaction nonce out of date, please retry"
		t.Retryable = true
	case chain.KindNoWallet:
		t.Message = "Connect a wallet to continue."
	case chain.KindWrongChain:
		t.Message = prefix + "Wrong network"
		t.Reason = chain.ReasonOf(err)
	default:
		t.Message = prefix + "Something went wrong"
		logging.Error("action failed unexpectedly",
			logging.Component("action"), logging.Slot(slot), "kind", string(kind), logging.Err(err))
	}
	return t
}

// String is used in CLI output.
func (t Toast) String() string {
	if t.TxHash != "" {
		return fmt.Sprintf("%s (%s)", t.Message, t.TxHash)
	}
	return t.Message
}
