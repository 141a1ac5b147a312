package doctor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// checkTimeout bounds each network check.
const checkTimeout = 10 * time.Second

// ConfigChecker reports the outcome of loading the config file.
type ConfigChecker struct {
	path string
	cfg  *config.Config
	err  error
}

func NewConfigChecker(path string, cfg *config.Config, err error) *ConfigChecker {
	return &ConfigChecker{path: path, cfg: cfg, err: err}
}

func (c *ConfigChecker) Name() string       { return "Config" }
func (c *ConfigChecker) Category() Category { return CategoryConfig }

func (c *ConfigChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}
	if c.err != nil {
		result.Status = StatusError
		result.Message = "Config: invalid"
		result.Details = c.err.Error()
		result.Hint = "stakedash config validate"
		return result
	}
	tiers, err := c.cfg.ResolveTiers()
	if err != nil {
		result.Status = StatusError
		result.Message = "Config: invalid tiers"
		result.Details = err.Error()
		return result
	}
	result.Status = StatusOK
	result.Message = fmt.Sprintf("Config: %s (%d tiers)", c.path, len(tiers))
	return result
}

// ChainIDReader is the part of an RPC connection the endpoint check needs.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dialer connects to one RPC URL.
type Dialer func(ctx context.Context, url string) (ChainIDReader, func(), error)

// RPCChecker checks one endpoint is reachable and on the configured chain.
type RPCChecker struct {
	url     string
	chainID int64
	dial    Dialer
}

func NewRPCChecker(url string, chainID int64, dial Dialer) *RPCChecker {
	return &RPCChecker{url: url, chainID: chainID, dial: dial}
}

func (c *RPCChecker) Name() string       { return "RPC " + logging.RedactURL(c.url) }
func (c *RPCChecker) Category() Category { return CategoryChain }

func (c *RPCChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	backend, closeFn, err := c.dial(ctx, c.url)
	if err != nil {
		result.Status = StatusError
		result.Message = "RPC: unreachable"
		result.Details = logging.RedactURL(err.Error())
		return result
	}
	defer closeFn()

	id, err := backend.ChainID(ctx)
	if err != nil {
		result.Status = StatusError
		result.Message = "RPC: chain id query failed"
		result.Details = logging.RedactURL(err.Error())
		return result
	}
	if id.Int64() != c.chainID {
		result.Status = StatusError
		result.Message = fmt.Sprintf("RPC: wrong chain %s", id)
		result.Hint = fmt.Sprintf("point chain.rpc_url at chain %d", c.chainID)
		return result
	}
	result.Status = StatusOK
	result.Message = fmt.Sprintf("RPC: chain %s", id)
	return result
}

// CodeReader reads deployed bytecode.
type CodeReader interface {
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
}

// ContractChecker checks bytecode is deployed at a configured address.
type ContractChecker struct {
	label   string
	address common.Address
	code    CodeReader
}

// NewContractChecker creates a checker for label at address. A nil reader
// skips the check.
func NewContractChecker(label string, address common.Address, code CodeReader) *ContractChecker {
	return &ContractChecker{label: label, address: address, code: code}
}

func (c *ContractChecker) Name() string       { return c.label }
func (c *ContractChecker) Category() Category { return CategoryContracts }

func (c *ContractChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}
	if c.code == nil {
		result.Status = StatusSkipped
		result.Message = c.label + ": no RPC connection"
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	code, err := c.code.CodeAt(ctx, c.address, nil)
	switch {
	case err != nil:
		result.Status = StatusError
		result.Message = c.label + ": lookup failed"
		result.Details = err.Error()
	case len(code) == 0:
		result.Status = StatusError
		result.Message = fmt.Sprintf("%s: no contract at %s", c.label, types.ShortAddress(c.address))
		result.Hint = "check the contracts section of the config"
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("%s: %s", c.label, types.ShortAddress(c.address))
	}
	return result
}

// SignerChecker checks the configured wallet exposes an account.
type SignerChecker struct {
	wallet config.WalletConfig
	dial   func(endpoint string) (wallet.Provider, error)
}

func NewSignerChecker(wc config.WalletConfig, dial func(endpoint string) (wallet.Provider, error)) *SignerChecker {
	return &SignerChecker{wallet: wc, dial: dial}
}

func (c *SignerChecker) Name() string       { return "Wallet" }
func (c *SignerChecker) Category() Category { return CategoryWallet }

func (c *SignerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}
	if c.wallet.Signer == "" {
		if c.wallet.Address != "" {
			result.Status = StatusOK
			result.Message = "Wallet: read-only " + types.ShortAddress(common.HexToAddress(c.wallet.Address))
			return result
		}
		result.Status = StatusWarning
		result.Message = "Wallet: not configured"
		result.Hint = "set wallet.signer, or pass --address to watch read-only"
		return result
	}

	provider, err := c.dial(c.wallet.Signer)
	if err != nil {
		result.Status = StatusError
		result.Message = "Wallet: signer unreachable"
		result.Details = err.Error()
		result.Hint = "start clef and check wallet.signer"
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	accts, err := provider.Accounts(ctx)
	switch {
	case err != nil:
		result.Status = StatusError
		result.Message = "Wallet: account query failed"
		result.Details = err.Error()
	case len(accts) == 0:
		result.Status = StatusWarning
		result.Message = "Wallet: no accounts approved"
		result.Hint = "approve an account in clef"
	default:
		result.Status = StatusOK
		result.Message = "Wallet: " + types.ShortAddress(accts[0])
	}
	return result
}

// IndexerChecker issues one query against the NFT index provider.
type IndexerChecker struct {
	cfg        config.IndexerConfig
	lister     inventory.NFTLister
	collection common.Address
}

// NewIndexerChecker creates an indexer checker. lister may be nil when the
// indexer is not active.
func NewIndexerChecker(cfg config.IndexerConfig, lister inventory.NFTLister, collection common.Address) *IndexerChecker {
	return &IndexerChecker{cfg: cfg, lister: lister, collection: collection}
}

func (c *IndexerChecker) Name() string       { return "Indexer" }
func (c *IndexerChecker) Category() Category { return CategoryIndexer }

func (c *IndexerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}
	if !c.cfg.Enabled {
		result.Status = StatusSkipped
		result.Message = "Indexer: disabled"
		return result
	}
	if !c.cfg.Active() || c.lister == nil {
		result.Status = StatusWarning
		result.Message = "Indexer: no API key, wallets are scanned on-chain"
		result.Hint = "set indexer.api_key or STAKEDASH_INDEXER_API_KEY"
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	// The zero address owns nothing; the call only proves the key works.
	if _, err := c.lister.NFTsForOwner(ctx, common.Address{}, c.collection); err != nil {
		result.Status = StatusWarning
		result.Message = "Indexer: query failed, wallets are scanned on-chain"
		result.Details = logging.RedactURL(err.Error())
		return result
	}
	result.Status = StatusOK
	result.Message = "Indexer: reachable"
	return result
}
