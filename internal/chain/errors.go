package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/moltbunker/stakedash/internal/wallet"
)

// Kind classifies chain client failures for the UI.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoWallet
	KindWrongChain
	KindUserRejected
	KindInsufficientFunds
	KindReverted
	KindTransport
	KindDecode
	KindStaleNonce
)

func (k Kind) String() string {
	switch k {
	case KindNoWallet:
		return "no wallet"
	case KindWrongChain:
		return "wrong chain"
	case KindUserRejected:
		return "user rejected"
	case KindInsufficientFunds:
		return "insufficient funds"
	case KindReverted:
		return "reverted"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindStaleNonce:
		return "stale nonce"
	}
	return "unknown"
}

// Retryable reports whether a user-initiated retry makes sense. Only
// Transport is retried automatically, and only for reads.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindStaleNonce
}

// Error is the single error type surfaced by the chain client.
type Error struct {
	Kind   Kind
	Op     string // contract method or RPC step
	Reason string // revert reason when the contract supplied one
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind so callers can write errors.Is(err, chain.ErrReverted).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Sentinels for errors.Is.
var (
	ErrNoWallet          = &Error{Kind: KindNoWallet}
	ErrWrongChain        = &Error{Kind: KindWrongChain}
	ErrUserRejected      = &Error{Kind: KindUserRejected}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrReverted          = &Error{Kind: KindReverted}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrDecode            = &Error{Kind: KindDecode}
	ErrStaleNonce        = &Error{Kind: KindStaleNonce}
)

// KindOf returns the kind of err, classifying foreign errors on the way.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify("", err).Kind
}

// ReasonOf returns the revert reason carried by err, if any.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// IsTransport is the retry predicate for reads.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}

// userRejectedCode is the EIP-1193 code wallets use for a dismissed prompt.
const userRejectedCode = 4001

var (
	rejectedMarkers = []string{"request denied", "user rejected", "user denied", "rejected by user", "cancelled by user"}
	fundsMarkers    = []string{"insufficient funds"}
	nonceMarkers    = []string{"nonce too low", "replacement transaction underpriced", "already known", "invalid nonce"}
)

// Classify maps an RPC, wallet or ABI error onto the taxonomy.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	wrap := func(k Kind, reason string) *Error {
		return &Error{Kind: k, Op: op, Reason: reason, Err: err}
	}

	if errors.Is(err, wallet.ErrNoAccount) || errors.Is(err, wallet.ErrReadOnly) {
		return wrap(KindNoWallet, "")
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return wrap(KindUserRejected, "")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rejectedMarkers):
		return wrap(KindUserRejected, "")
	case containsAny(msg, fundsMarkers):
		return wrap(KindInsufficientFunds, "")
	case containsAny(msg, nonceMarkers):
		return wrap(KindStaleNonce, "")
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := revertReason(dataErr.ErrorData()); ok {
			return wrap(KindReverted, reason)
		}
	}
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(err.Error()[i+len("execution reverted"):], ":"))
		return wrap(KindReverted, reason)
	}

	// Timeouts, cancellations and dial failures all land here.
	return wrap(KindTransport, "")
}

// DecodeError marks a response that does not match the ABI.
func DecodeError(op string, contract common.Address, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Err: fmt.Errorf("contract %s: %w", contract.Hex(), err)}
}

// revertReason extracts an Error(string) reason from rpc error data. Custom
// errors without a string payload yield their selector.
func revertReason(data interface{}) (string, bool) {
	var raw []byte
	switch v := data.(type) {
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return "", false
		}
		raw = b
	case []byte:
		raw = v
	default:
		return "", false
	}
	if len(raw) == 0 {
		return "", true
	}
	if reason, err := abi.UnpackRevert(raw); err == nil {
		return reason, true
	}
	if len(raw) >= 4 {
		return "custom error " + hexutil.Encode(raw[:4]), true
	}
	return "", true
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
