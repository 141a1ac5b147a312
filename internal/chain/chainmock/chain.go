// Package chainmock is an in-memory chain for tests. It implements
// chain.Backend, executes calls against simulated staking pool, ERC-721,
// ERC-20 and referral contracts, and mines transactions on send.
package chainmock

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/stakedash/internal/chain"
)

// Backend method names usable with FailNext, alongside contract method names.
const (
	OpSendTransaction = "SendTransaction"
	OpEstimateGas     = "EstimateGas"
	OpChainID         = "ChainID"
	OpHeaderByNumber  = "HeaderByNumber"
)

// DefaultTime is the initial block timestamp.
const DefaultTime uint64 = 1_700_000_000

// MethodCall records a contract invocation
type MethodCall struct {
	Method    string
	From      common.Address
	To        common.Address
	Args      []interface{}
	Commit    bool // true for successfully mined transactions
	Timestamp time.Time
}

// RevertError is what a node returns for a reverted call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() interface{} {
	if e.Reason == "" {
		return "0x"
	}
	return hexutil.Encode(PackRevert(e.Reason))
}

func revert(format string, args ...interface{}) error {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

// PackRevert encodes reason as Error(string) revert data.
func PackRevert(reason string) []byte {
	stringTy, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	if err != nil {
		panic(err)
	}
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

type contract interface {
	abi() *abi.ABI
	// exec runs method with the chain lock held. Writes only mutate state
	// when commit is set.
	exec(from common.Address, method string, args []interface{}, commit bool) ([]interface{}, error)
}

type gate struct {
	match   func(MethodCall) bool
	release chan struct{}
}

// Chain is a single-node chain with instant mining.
type Chain struct {
	mu sync.Mutex

	chainID  *big.Int
	now      uint64
	block    uint64
	baseFee  *big.Int
	tip      *big.Int
	automine bool

	contracts map[common.Address]contract
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*types.Receipt
	pending   []*types.Transaction

	calls    []MethodCall
	failures map[string][]error
	gates    []*gate
}

// New creates an empty chain with id chainID.
func New(chainID int64) *Chain {
	return &Chain{
		chainID:   big.NewInt(chainID),
		now:       DefaultTime,
		block:     1000,
		baseFee:   big.NewInt(30_000_000_000),
		tip:       big.NewInt(2_000_000_000),
		automine:  true,
		contracts: make(map[common.Address]contract),
		nonces:    make(map[common.Address]uint64),
		receipts:  make(map[common.Hash]*types.Receipt),
		failures:  make(map[string][]error),
	}
}

// Endpoint wraps the chain as a client endpoint.
func (c *Chain) Endpoint(url string) chain.Endpoint {
	return chain.Endpoint{URL: url, Backend: c}
}

// Now returns the block timestamp.
func (c *Chain) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetTime sets the block timestamp for subsequent calls and blocks.
func (c *Chain) SetTime(t uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the block timestamp forward by secs.
func (c *Chain) Advance(secs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += secs
}

// SetChainID changes the id the node reports, simulating a network switch.
func (c *Chain) SetChainID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainID = big.NewInt(id)
}

// SetAutomine controls whether sent transactions are mined immediately.
func (c *Chain) SetAutomine(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.automine = on
}

// FailNext makes the next n invocations of op fail with err. op is a
// contract method name or one of the Op constants.
func (c *Chain) FailNext(op string, err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.failures[op] = append(c.failures[op], err)
	}
}

// Gate blocks view calls matching match until release is called.
func (c *Chain) Gate(match func(MethodCall) bool) (release func()) {
	g := &gate{match: match, release: make(chan struct{})}
	c.mu.Lock()
	c.gates = append(c.gates, g)
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			for i, other := range c.gates {
				if other == g {
					c.gates = append(c.gates[:i], c.gates[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
			close(g.release)
		})
	}
}

// Calls returns all recorded contract calls
func (c *Chain) Calls() []MethodCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MethodCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsTo returns recorded calls of method.
func (c *Chain) CallsTo(method string) []MethodCall {
	var out []MethodCall
	for _, call := range c.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Mined returns the successful transactions' calls in mining order.
func (c *Chain) Mined() []MethodCall {
	var out []MethodCall
	for _, call := range c.Calls() {
		if call.Commit {
			out = append(out, call)
		}
	}
	return out
}

// ResetCalls clears the call log
func (c *Chain) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Mine mines all pending transactions, one block each.
func (c *Chain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	for _, tx := range pending {
		c.mineLocked(tx)
	}
}

func (c *Chain) takeFailure(op string) error {
	queue := c.failures[op]
	if len(queue) == 0 {
		return nil
	}
	c.failures[op] = queue[1:]
	return queue[0]
}

func (c *Chain) register(addr common.Address, ct contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[addr] = ct
}

// decode resolves the target contract and method for calldata.
func (c *Chain) decode(to *common.Address, data []byte) (contract, *abi.Method, []interface{}, error) {
	if to == nil {
		return nil, nil, nil, errors.New("contract creation not supported")
	}
	ct, ok := c.contracts[*to]
	if !ok {
		// Calls to accounts without code succeed with empty output.
		return nil, nil, nil, nil
	}
	if len(data) < 4 {
		return nil, nil, nil, &RevertError{}
	}
	method, err := ct.abi().MethodById(data[:4])
	if err != nil {
		// Unknown selector: no fallback function.
		return nil, nil, nil, &RevertError{}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid calldata for %s: %w", method.Name, err)
	}
	return ct, method, args, nil
}

// CallContract implements bind.ContractCaller
func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	ct, method, args, err := c.decode(msg.To, msg.Data)
	if err != nil || ct == nil {
		c.mu.Unlock()
		return nil, err
	}
	call := MethodCall{Method: method.Name, From: msg.From, To: *msg.To, Args: args, Timestamp: time.Now()}
	c.calls = append(c.calls, call)
	if err := c.takeFailure(method.Name); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	var wait chan struct{}
	for _, g := range c.gates {
		if g.match(call) {
			wait = g.release
			break
		}
	}
	if wait != nil {
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	outs, err := ct.exec(msg.From, method.Name, args, false)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(outs...)
}

// CodeAt implements bind.ContractCaller
func (c *Chain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contracts[account]; ok {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

// TransactionReceipt implements bind.DeployBackend
func (c *Chain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *r
	return &cp, nil
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(OpChainID); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.chainID), nil
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(OpHeaderByNumber); err != nil {
		return nil, err
	}
	return &types.Header{
		Number:  new(big.Int).SetUint64(c.block),
		Time:    c.now,
		BaseFee: new(big.Int).Set(c.baseFee),
	}, nil
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.tip), nil
}

// EstimateGas dry-runs the call, surfacing reverts as a node would.
func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(OpEstimateGas); err != nil {
		return 0, err
	}
	ct, method, args, err := c.decode(msg.To, msg.Data)
	if err != nil {
		return 0, err
	}
	if ct == nil {
		return 21_000, nil
	}
	if _, err := ct.exec(msg.From, method.Name, args, false); err != nil {
		return 0, err
	}
	return 100_000, nil
}

// SendTransaction validates the signature and nonce, then mines or queues.
func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(OpSendTransaction); err != nil {
		return err
	}
	if tx.ChainId().Cmp(c.chainID) != 0 {
		return fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() < c.nonces[from] {
		return errors.New("nonce too low")
	}
	if tx.Nonce() > c.nonces[from] {
		return fmt.Errorf("nonce gap: got %d, want %d", tx.Nonce(), c.nonces[from])
	}
	c.nonces[from]++
	if c.automine {
		c.mineLocked(tx)
	} else {
		c.pending = append(c.pending, tx)
	}
	return nil
}

func (c *Chain) mineLocked(tx *types.Transaction) {
	c.block++
	from, _ := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	status := types.ReceiptStatusSuccessful

	ct, method, args, err := c.decode(tx.To(), tx.Data())
	if err == nil && ct != nil {
		// Validate first so a revert leaves no partial state.
		if _, err = ct.exec(from, method.Name, args, false); err == nil {
			_, err = ct.exec(from, method.Name, args, true)
		}
		c.calls = append(c.calls, MethodCall{
			Method: method.Name, From: from, To: *tx.To(), Args: args, Commit: err == nil, Timestamp: time.Now(),
		})
	}
	if err != nil {
		status = types.ReceiptStatusFailed
	}
	c.receipts[tx.Hash()] = &types.Receipt{
		Type:        tx.Type(),
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     100_000,
		BlockNumber: new(big.Int).SetUint64(c.block),
	}
}
