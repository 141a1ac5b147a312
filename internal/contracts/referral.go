package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
)

// ErrInvalidReferrer is returned for input that is neither an address nor an id.
var ErrInvalidReferrer = errors.New("referrer must be an address or a positive id")

// Referrer is either an address or a numeric referrer id.
type Referrer struct {
	Address *common.Address
	ID      *big.Int
}

// ParseReferrer accepts a 0x address or a decimal id.
func ParseReferrer(s string) (Referrer, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if !common.IsHexAddress(s) {
			return Referrer{}, fmt.Errorf("%w: %q", ErrInvalidReferrer, s)
		}
		addr := common.HexToAddress(s)
		if addr == (common.Address{}) {
			return Referrer{}, fmt.Errorf("%w: zero address", ErrInvalidReferrer)
		}
		return Referrer{Address: &addr}, nil
	}
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() <= 0 {
		return Referrer{}, fmt.Errorf("%w: %q", ErrInvalidReferrer, s)
	}
	return Referrer{ID: id}, nil
}

func (r Referrer) String() string {
	if r.Address != nil {
		return r.Address.Hex()
	}
	if r.ID != nil {
		return r.ID.String()
	}
	return ""
}

// ReferralManagerContract binds the referral manager.
type ReferralManagerContract struct {
	client  Reader
	address common.Address
}

// NewReferralManager binds the manager at address.
func NewReferralManager(client Reader, address common.Address) *ReferralManagerContract {
	return &ReferralManagerContract{client: client, address: address}
}

func (r *ReferralManagerContract) Address() common.Address {
	return r.address
}

// Register submits register(address) or register(uint256) depending on the
// referrer's form.
func (r *ReferralManagerContract) Register(ctx context.Context, ref Referrer) (*chain.TxHandle, error) {
	w, err := writer(r.client, "register")
	if err != nil {
		return nil, err
	}
	switch {
	case ref.Address != nil:
		return w.WriteTx(ctx, r.address, ReferralManager, "register", *ref.Address)
	case ref.ID != nil:
		return w.WriteTx(ctx, r.address, ReferralManager, "register0", ref.ID)
	}
	return nil, ErrInvalidReferrer
}
