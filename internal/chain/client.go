package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/util"
	"github.com/moltbunker/stakedash/internal/wallet"
)

// Backend is the JSON-RPC surface the client needs. *ethclient.Client
// satisfies it; tests supply fakes that ABI-encode canned responses.
type Backend interface {
	bind.ContractCaller
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Endpoint is one configured RPC URL and its connection.
type Endpoint struct {
	URL     string
	Backend Backend
}

// Config holds chain client settings
type Config struct {
	ChainID          int64
	Confirmations    int
	ViewTimeout      time.Duration
	Retry            *util.RetryConfig
	EndpointRecovery time.Duration
	GasMultiplier    float64
	ConfirmPoll      time.Duration
}

// DefaultConfig returns the Polygon mainnet defaults
func DefaultConfig() Config {
	return Config{
		ChainID:          137,
		Confirmations:    1,
		ViewTimeout:      30 * time.Second,
		Retry:            util.DefaultRetryConfig(),
		EndpointRecovery: 30 * time.Second,
		GasMultiplier:    1.2,
		ConfirmPoll:      2 * time.Second,
	}
}

// Dial connects to every URL. The first URL is the wallet's RPC and carries
// writes; all of them serve reads. Unreachable secondaries are skipped.
func Dial(ctx context.Context, urls []string) ([]Endpoint, func(), error) {
	var (
		eps     []Endpoint
		clients []*ethclient.Client
	)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for i, u := range urls {
		c, err := ethclient.DialContext(ctx, u)
		if err != nil {
			if i == 0 {
				closeAll()
				return nil, func() {}, Classify("dial", err)
			}
			logging.Warn("skipping rpc endpoint", logging.Component("chain"), "url", logging.RedactURL(u), logging.Err(err))
			continue
		}
		clients = append(clients, c)
		eps = append(eps, Endpoint{URL: u, Backend: c})
	}
	return eps, closeAll, nil
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Hash     common.Hash
	Method   string
	Contract common.Address
	From     common.Address
	// Epoch is the wallet epoch at submission.
	Epoch  uint64
	SentAt time.Time
	Tx     *types.Transaction
}

// Client is a facade over the wallet RPC: decoded view calls with retry and
// failover, and wallet-signed writes guarded by the chain id.
type Client struct {
	cfg       Config
	chainID   *big.Int
	primary   Endpoint
	endpoints map[string]Backend
	tracker   *EndpointTracker
	session   *wallet.Session
	metrics   *metrics.Collector

	// Held from nonce lookup to broadcast so two slots never share a nonce.
	nonceMu sync.Mutex
}

// NewClient creates a client over endpoints. session may be nil for
// read-only use; metrics may be nil.
func NewClient(cfg Config, endpoints []Endpoint, session *wallet.Session, m *metrics.Collector) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one rpc endpoint is required")
	}
	if cfg.Retry == nil {
		cfg.Retry = util.DefaultRetryConfig()
	}
	if cfg.ViewTimeout <= 0 {
		cfg.ViewTimeout = 30 * time.Second
	}
	if cfg.GasMultiplier < 1 {
		cfg.GasMultiplier = 1.2
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}

	urls := make([]string, len(endpoints))
	byURL := make(map[string]Backend, len(endpoints))
	for i, ep := range endpoints {
		urls[i] = ep.URL
		byURL[ep.URL] = ep.Backend
	}
	return &Client{
		cfg:       cfg,
		chainID:   big.NewInt(cfg.ChainID),
		primary:   endpoints[0],
		endpoints: byURL,
		tracker:   NewEndpointTracker(urls, cfg.EndpointRecovery),
		session:   session,
		metrics:   m,
	}, nil
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Endpoints reports read endpoint health.
func (c *Client) Endpoints() []EndpointStatus {
	return c.tracker.Status()
}

// Session returns the wallet session, or nil for read-only clients.
func (c *Client) Session() *wallet.Session {
	return c.session
}

// ReadView packs and calls a view method, retrying transport failures with
// backoff across healthy endpoints, and returns the unpacked outputs.
func (c *Client) ReadView(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...any) ([]any, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, DecodeError("pack "+method, contract, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ViewTimeout)
	defer cancel()

	retry := *c.cfg.Retry
	retry.RetryIf = IsTransport
	retry.OnRetry = func(attempt int, err error, next time.Duration) {
		c.metrics.RecordReadRetry(method)
		logging.Debug("retrying view call",
			logging.Component("chain"), "method", method, "attempt", attempt, "delay", next, logging.Err(err))
	}

	start := time.Now()
	var lastURL string
	raw, result := util.RetryWithValue(ctx, &retry, func() ([]byte, error) {
		url := c.tracker.Order(lastURL)[0]
		lastURL = url
		callStart := time.Now()
		out, err := c.endpoints[url].CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
		if err != nil {
			cerr := Classify(method, err)
			c.tracker.Record(url, time.Since(callStart), cerr.Kind == KindTransport)
			return nil, cerr
		}
		c.tracker.Record(url, time.Since(callStart), false)
		return out, nil
	})
	if result.LastError != nil {
		c.metrics.RecordRead(method, metrics.OutcomeError, time.Since(start))
		return nil, finalReadError(method, result)
	}

	outs, err := parsed.Unpack(method, raw)
	if err != nil {
		derr := DecodeError(method, contract, err)
		c.metrics.RecordRead(method, "decode_error", time.Since(start))
		logging.Error("view call returned undecodable data",
			logging.Component("chain"), "method", method, "contract", contract.Hex(), logging.Err(err))
		return nil, derr
	}
	c.metrics.RecordRead(method, metrics.OutcomeOK, time.Since(start))
	return outs, nil
}

func finalReadError(method string, result *util.RetryResult) error {
	var ce *Error
	if !errors.As(result.LastError, &ce) {
		return Classify(method, result.LastError)
	}
	if ce.Kind != KindTransport {
		return ce
	}
	return &Error{Kind: KindTransport, Op: method, Err: fmt.Errorf("after %d attempts: %w", result.Attempts, result.LastError)}
}

// WriteTx builds, signs (prompting the wallet) and broadcasts a call to
// method. It fails with NoWallet or WrongChain before any prompt, and with
// Reverted when gas estimation shows the call would fail.
func (c *Client) WriteTx(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...any) (*TxHandle, error) {
	if c.session == nil {
		return nil, &Error{Kind: KindNoWallet, Op: method, Err: wallet.ErrNoAccount}
	}
	acct := c.session.Current()
	if !acct.Connected {
		return nil, &Error{Kind: KindNoWallet, Op: method, Err: wallet.ErrNoAccount}
	}
	if acct.ChainID != c.chainID.Uint64() {
		return nil, &Error{Kind: KindWrongChain, Op: method,
			Reason: fmt.Sprintf("wallet is on chain %d, expected %d", acct.ChainID, c.cfg.ChainID)}
	}

	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, DecodeError("pack "+method, contract, err)
	}

	backend := c.primary.Backend
	msg := ethereum.CallMsg{From: acct.Address, To: &contract, Data: input}

	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil {
		c.metrics.RecordTx(method, "estimate_failed")
		return nil, Classify(method, err)
	}
	gas = uint64(float64(gas) * c.cfg.GasMultiplier)

	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, Classify(method, err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, Classify(method, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, acct.Address)
	if err != nil {
		return nil, Classify(method, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &contract,
		Data:      input,
	})

	signed, err := c.session.Provider().SignTx(ctx, acct.Address, tx, c.chainID)
	if err != nil {
		cerr := Classify(method, err)
		c.metrics.RecordTx(method, txOutcome(cerr.Kind))
		return nil, cerr
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		cerr := Classify(method, err)
		c.metrics.RecordTx(method, txOutcome(cerr.Kind))
		return nil, cerr
	}

	c.metrics.RecordTx(method, "sent")
	logging.Info("transaction sent",
		logging.Component("chain"), "method", method, logging.TxHash(signed.Hash().Hex()),
		logging.Address(acct.Address.Hex()), "nonce", nonce)

	return &TxHandle{
		Hash:     signed.Hash(),
		Method:   method,
		Contract: contract,
		From:     acct.Address,
		Epoch:    acct.Epoch,
		SentAt:   time.Now(),
		Tx:       signed,
	}, nil
}

func txOutcome(k Kind) string {
	switch k {
	case KindUserRejected:
		return "rejected"
	case KindReverted:
		return "reverted"
	}
	return metrics.OutcomeError
}

// WaitMined blocks until the transaction is mined and, if configured,
// confirmed. There is no timeout: mining is chain-paced. A failed receipt
// becomes Reverted, with the reason recovered by replaying the call at the
// receipt's block.
func (c *Client) WaitMined(ctx context.Context, h *TxHandle) (*types.Receipt, error) {
	backend := c.primary.Backend

	receipt, err := bind.WaitMined(ctx, backend, h.Tx)
	if err != nil {
		return nil, Classify(h.Method, err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		reason := c.replayReason(ctx, h, receipt)
		c.metrics.RecordTx(h.Method, "reverted")
		return receipt, &Error{Kind: KindReverted, Op: h.Method, Reason: reason,
			Err: fmt.Errorf("transaction %s failed", h.Hash.Hex())}
	}

	if c.cfg.Confirmations > 1 {
		target := receipt.BlockNumber.Uint64() + uint64(c.cfg.Confirmations) - 1
		ticker := time.NewTicker(c.cfg.ConfirmPoll)
		defer ticker.Stop()
		for {
			current, err := backend.BlockNumber(ctx)
			if err == nil && current >= target {
				break
			}
			select {
			case <-ctx.Done():
				return receipt, Classify(h.Method, ctx.Err())
			case <-ticker.C:
			}
		}
	}

	c.metrics.RecordTx(h.Method, "mined")
	logging.Info("transaction mined",
		logging.Component("chain"), "method", h.Method, logging.TxHash(h.Hash.Hex()),
		"block", receipt.BlockNumber.Uint64())
	return receipt, nil
}

func (c *Client) replayReason(ctx context.Context, h *TxHandle, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{From: h.From, To: h.Tx.To(), Gas: h.Tx.Gas(), Data: h.Tx.Data()}
	_, err := c.primary.Backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ""
	}
	return Classify(h.Method, err).Reason
}

// OnAccountOrChainChange registers cb for wallet changes.
func (c *Client) OnAccountOrChainChange(cb func(wallet.Account)) (unsubscribe func()) {
	if c.session == nil {
		return func() {}
	}
	return c.session.Subscribe(cb)
}

// BlockTime returns the latest block timestamp in seconds.
func (c *Client) BlockTime(ctx context.Context) (uint64, error) {
	url := c.tracker.Order("")[0]
	head, err := c.endpoints[url].HeaderByNumber(ctx, nil)
	if err != nil {
		cerr := Classify("latest header", err)
		c.tracker.Record(url, 0, cerr.Kind == KindTransport)
		return 0, cerr
	}
	return head.Time, nil
}
