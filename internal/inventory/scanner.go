package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/moltbunker/stakedash/internal/indexer"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/pkg/types"
)

// ErrScanDegraded is reported when every strategy failed. The UI should
// offer manual id entry.
var ErrScanDegraded = errors.New("scan degraded: enter an NFT id manually")

// DefaultStrategyTimeout bounds each strategy.
const DefaultStrategyTimeout = 8 * time.Second

// Result is the outcome of one scan. Items are sorted by token id and
// restricted to the tier's collection and range.
type Result struct {
	Items     []types.WalletItem
	Degraded  bool
	Strategy  string
	FetchedAt time.Time
}

// Scanner tries strategies in order and stops at the first success.
type Scanner struct {
	strategies []Strategy
	timeout    time.Duration
	metrics    *metrics.Collector
}

// NewScanner creates a scanner. metrics may be nil.
func NewScanner(timeout time.Duration, m *metrics.Collector, strategies ...Strategy) *Scanner {
	if timeout <= 0 {
		timeout = DefaultStrategyTimeout
	}
	return &Scanner{strategies: strategies, timeout: timeout, metrics: m}
}

// Scan lists req.Owner's tokens. When every strategy fails it returns a
// degraded, empty result together with an error wrapping ErrScanDegraded.
// A cancelled ctx returns ctx.Err().
func (s *Scanner) Scan(ctx context.Context, req Request) (Result, error) {
	var causes []error
	for i, strategy := range s.strategies {
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		items, err := strategy.Scan(sctx, req)
		cancel()

		if err == nil {
			s.metrics.RecordScan(strategy.Name(), metrics.OutcomeOK)
			return Result{
				Items:     normalize(req.Tier, items),
				Strategy:  strategy.Name(),
				FetchedAt: time.Now(),
			}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		outcome := metrics.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		if isSkip(err) {
			outcome = "skipped"
		}
		s.metrics.RecordScan(strategy.Name(), outcome)
		causes = append(causes, fmt.Errorf("%s: %w", strategy.Name(), err))

		next := "none"
		if i+1 < len(s.strategies) {
			next = s.strategies[i+1].Name()
		}
		logging.Warn("inventory strategy failed, escalating",
			logging.Component("inventory"),
			logging.Tier(req.Tier.Slug),
			"strategy", strategy.Name(),
			"next", next,
			logging.Err(err),
		)
	}

	return Result{Degraded: true, Items: []types.WalletItem{}, FetchedAt: time.Now()},
		fmt.Errorf("%w: %w", ErrScanDegraded, errors.Join(causes...))
}

func isSkip(err error) bool {
	return errors.Is(err, ErrNoProbe) || errors.Is(err, indexer.ErrDisabled)
}

// normalize keeps in-range items of the tier's collection, drops
// duplicates and sorts by id so the grid is stable across refreshes.
func normalize(tier types.TierDescriptor, items []types.WalletItem) []types.WalletItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]types.WalletItem, 0, len(items))
	for _, it := range items {
		if it.TokenID == nil || !tier.Owns(it.Collection, it.TokenID) {
			continue
		}
		key := it.TokenID.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID.Cmp(out[j].TokenID) < 0 })
	return out
}
