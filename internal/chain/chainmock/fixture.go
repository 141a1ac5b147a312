package chainmock

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/util"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// Plan lock durations and rates used by Deploy.
var (
	DefaultDurations = [3]uint64{90 * 86400, 180 * 86400, 365 * 86400}
	DefaultRates     = [3]*big.Int{big.NewInt(1e15), big.NewInt(2e15), big.NewInt(3e15)}
)

// Well-known fixture addresses.
var (
	PoolAddress     = common.HexToAddress("0x8157481610c639D210d74FA8419308DAAaAD566a")
	TokenAddress    = common.HexToAddress("0x64487539aa9d61Bdc652A5755bbe30Ee96cFcEb2")
	ReferralAddress = common.HexToAddress("0xF6EeC70971B7769Db3a7F3daffCF8F00AfeF47b9")
)

// Deployment is a chain with the full contract set.
type Deployment struct {
	Chain      *Chain
	Pool       *Pool
	Token      *Token
	Collection *NFT
	Referral   *Referral
}

// Deploy creates a Polygon-like chain with the pool, an 18-decimal reward
// token, the default collection and a referral manager.
func Deploy(enumerable bool) *Deployment {
	c := New(137)
	token := c.DeployToken(TokenAddress, "RWD", 18)
	return &Deployment{
		Chain:      c,
		Token:      token,
		Pool:       c.DeployPool(PoolAddress, token, DefaultRates, DefaultDurations),
		Collection: c.DeployCollection(types.DefaultCollection, enumerable),
		Referral:   c.DeployReferral(ReferralAddress),
	}
}

// ClientConfig is chain.DefaultConfig with millisecond retries.
func ClientConfig() chain.Config {
	cfg := chain.DefaultConfig()
	cfg.Retry = &util.RetryConfig{MaxRetries: 4, BaseDelay: time.Millisecond, Multiplier: 2, Jitter: 0.25}
	cfg.ConfirmPoll = 10 * time.Millisecond
	return cfg
}

// Connect builds a refreshed wallet session over w and a client over the
// deployment. m may be nil.
func (d *Deployment) Connect(w *Wallet, m *metrics.Collector) (*chain.Client, *wallet.Session, error) {
	session := wallet.NewSession(w, d.Chain)
	if _, err := session.Refresh(context.Background()); err != nil {
		return nil, nil, err
	}
	client, err := chain.NewClient(ClientConfig(), []chain.Endpoint{d.Chain.Endpoint("mock://primary")}, session, m)
	if err != nil {
		return nil, nil, err
	}
	return client, session, nil
}
