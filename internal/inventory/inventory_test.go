package inventory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/chain/chainmock"
	"github.com/moltbunker/stakedash/internal/indexer"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

var starter = types.BuiltinTiers()[0]

type fakeIndexer struct {
	enabled bool
	tokens  []indexer.Token
	err     error
	calls   int
}

func (f *fakeIndexer) Enabled() bool { return f.enabled }

func (f *fakeIndexer) NFTsForOwner(ctx context.Context, owner, collection common.Address) ([]indexer.Token, error) {
	f.calls++
	return f.tokens, f.err
}

// blockingStrategy waits for its deadline.
type blockingStrategy struct{}

func (blockingStrategy) Name() string { return "blocking" }

func (blockingStrategy) Scan(ctx context.Context, req Request) ([]types.WalletItem, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type env struct {
	d       *chainmock.Deployment
	wallet  *chainmock.Wallet
	session *wallet.Session
	client  *chain.Client
}

func newEnv(t *testing.T, enumerable bool) *env {
	t.Helper()
	d := chainmock.Deploy(enumerable)
	w := chainmock.NewWallet(2)
	client, session, err := d.Connect(w, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &env{d: d, wallet: w, session: session, client: client}
}

func (e *env) scanner(idx NFTLister) *Scanner {
	return NewScanner(time.Second, nil,
		IndexerStrategy{Indexer: idx},
		EnumerableStrategy{Reader: e.client},
		ProbeStrategy{Reader: e.client},
	)
}

func ids(items []types.WalletItem) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.TokenID.Int64()
	}
	return out
}

func equalIDs(a []int64, b ...int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScannerPrefersIndexer(t *testing.T) {
	e := newEnv(t, true)
	idx := &fakeIndexer{enabled: true, tokens: []indexer.Token{
		{TokenID: big.NewInt(250), Metadata: &types.NFTMetadata{Name: "Starter #250"}},
		{TokenID: big.NewInt(101)},
		{TokenID: big.NewInt(101)},
		{TokenID: big.NewInt(2_000_500)},
	}}

	res, err := e.scanner(idx).Scan(context.Background(), Request{Tier: starter, Owner: e.wallet.Address(0)})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Strategy != "indexer" || res.Degraded {
		t.Errorf("strategy=%s degraded=%v", res.Strategy, res.Degraded)
	}
	if got := ids(res.Items); !equalIDs(got, 101, 250) {
		t.Errorf("expected [101 250], got %v", got)
	}
	if res.Items[1].Metadata == nil || res.Items[1].Metadata.Name != "Starter #250" {
		t.Error("indexer metadata not carried through")
	}
	if len(e.d.Chain.CallsTo("balanceOf")) != 0 {
		t.Error("chain should not be scanned when the indexer answers")
	}
}

func TestScannerEscalatesToEnumerable(t *testing.T) {
	e := newEnv(t, true)
	owner := e.wallet.Address(0)
	e.d.Collection.Mint(owner, 101, 5, 2_000_500)
	e.d.Collection.Mint(e.wallet.Address(1), 7)
	idx := &fakeIndexer{enabled: true, err: errors.New("unexpected status: 503 Service Unavailable")}

	res, err := e.scanner(idx).Scan(context.Background(), Request{Tier: starter, Owner: owner})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Strategy != "enumerable" {
		t.Errorf("expected enumerable, got %s", res.Strategy)
	}
	if got := ids(res.Items); !equalIDs(got, 5, 101) {
		t.Errorf("expected [5 101], got %v", got)
	}
	if idx.calls != 1 {
		t.Errorf("expected one indexer call, got %d", idx.calls)
	}
}

func TestScannerSkipsDisabledIndexer(t *testing.T) {
	e := newEnv(t, true)
	e.d.Collection.Mint(e.wallet.Address(0), 9)

	res, err := e.scanner(&fakeIndexer{}).Scan(context.Background(), Request{Tier: starter, Owner: e.wallet.Address(0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != "enumerable" || !equalIDs(ids(res.Items), 9) {
		t.Errorf("unexpected result %s %v", res.Strategy, ids(res.Items))
	}
}

func TestScannerDegradedWithoutProbe(t *testing.T) {
	e := newEnv(t, false)
	e.d.Collection.Mint(e.wallet.Address(0), 42)
	idx := &fakeIndexer{enabled: true, err: errors.New("boom")}

	res, err := e.scanner(idx).Scan(context.Background(), Request{Tier: starter, Owner: e.wallet.Address(0)})
	if !errors.Is(err, ErrScanDegraded) {
		t.Fatalf("expected ErrScanDegraded, got %v", err)
	}
	if !errors.Is(err, ErrNotEnumerable) || !errors.Is(err, ErrNoProbe) {
		t.Errorf("causes not joined: %v", err)
	}
	if !res.Degraded || len(res.Items) != 0 {
		t.Errorf("expected degraded empty result, got %+v", res)
	}
}

func TestScannerProbeVerifiesOwnership(t *testing.T) {
	e := newEnv(t, false)
	owner := e.wallet.Address(0)
	e.d.Collection.Mint(owner, 42)
	e.d.Collection.Mint(e.wallet.Address(1), 43)
	idx := &fakeIndexer{enabled: true, err: errors.New("boom")}

	req := Request{Tier: starter, Owner: owner, ProbeIDs: []*big.Int{
		big.NewInt(43), big.NewInt(42), big.NewInt(44), big.NewInt(7_000_000),
	}}
	res, err := e.scanner(idx).Scan(context.Background(), req)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Strategy != "probe" || !equalIDs(ids(res.Items), 42) {
		t.Errorf("expected probe [42], got %s %v", res.Strategy, ids(res.Items))
	}
	if n := len(e.d.Chain.CallsTo("ownerOf")); n != 3 {
		t.Errorf("out-of-range id must not be probed, got %d ownerOf calls", n)
	}

	req.ProbeIDs = []*big.Int{big.NewInt(43)}
	res, err = e.scanner(idx).Scan(context.Background(), req)
	if !errors.Is(err, ErrProbeUnverified) || !res.Degraded {
		t.Errorf("foreign id should leave the scan degraded, got %v", err)
	}
}

func TestScannerStrategyTimeout(t *testing.T) {
	e := newEnv(t, true)
	e.d.Collection.Mint(e.wallet.Address(0), 3)
	s := NewScanner(20*time.Millisecond, nil, blockingStrategy{}, EnumerableStrategy{Reader: e.client})

	start := time.Now()
	res, err := s.Scan(context.Background(), Request{Tier: starter, Owner: e.wallet.Address(0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != "enumerable" {
		t.Errorf("expected escalation past the timed-out strategy, got %s", res.Strategy)
	}
	if time.Since(start) > time.Second {
		t.Error("strategy timeout not applied")
	}
}

func TestScannerParentCancel(t *testing.T) {
	s := NewScanner(time.Second, nil, blockingStrategy{}, blockingStrategy{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.Scan(ctx, Request{Tier: starter}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the parent's error, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	in := []types.WalletItem{
		{Collection: types.DefaultCollection, TokenID: big.NewInt(30)},
		{Collection: types.DefaultCollection, TokenID: big.NewInt(2)},
		{Collection: other, TokenID: big.NewInt(5)},
		{Collection: types.DefaultCollection, TokenID: big.NewInt(30)},
		{Collection: types.DefaultCollection, TokenID: big.NewInt(0)},
		{Collection: types.DefaultCollection},
		{Collection: types.DefaultCollection, TokenID: big.NewInt(1_000_000)},
	}
	if got := ids(normalize(starter, in)); !equalIDs(got, 2, 30, 1_000_000) {
		t.Errorf("unexpected normalized ids %v", got)
	}
}

func TestTrackerManualProbeAfterDegradedScan(t *testing.T) {
	e := newEnv(t, false)
	owner := e.wallet.Address(0)
	e.d.Collection.Mint(owner, 42)
	tr := NewTracker(starter, e.scanner(&fakeIndexer{enabled: true, err: errors.New("boom")}), e.session, nil, time.Hour)

	if tr.Current().Loaded {
		t.Error("fresh tracker should not be loaded")
	}
	snap, err := tr.Refresh(context.Background())
	if err != nil {
		t.Fatalf("degraded scan is a result, got %v", err)
	}
	if !snap.Degraded || len(snap.Items) != 0 || !snap.Loaded {
		t.Fatalf("expected degraded empty snapshot, got %+v", snap)
	}

	if err := tr.AddProbe(big.NewInt(7_000_000)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := tr.AddProbe(big.NewInt(42)); err != nil {
		t.Fatal(err)
	}
	snap, err = tr.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Degraded || snap.Strategy != "probe" || !equalIDs(ids(snap.Items), 42) {
		t.Errorf("expected probe [42], got %+v", snap)
	}
	if cur := tr.Current(); cur.Owner != owner || !equalIDs(ids(cur.Items), 42) {
		t.Errorf("Current not updated: %+v", cur)
	}
}

func TestTrackerDisconnectedIsEmpty(t *testing.T) {
	e := newEnv(t, true)
	e.wallet.Use(-1)
	if _, err := e.session.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr := NewTracker(starter, e.scanner(nil), e.session, nil, time.Hour)

	snap, err := tr.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Loaded || len(snap.Items) != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if len(e.d.Chain.CallsTo("balanceOf")) != 0 {
		t.Error("no scan without a connected wallet")
	}
}

func TestTrackerDropsScanFromPreviousAccount(t *testing.T) {
	e := newEnv(t, true)
	e.d.Collection.Mint(e.wallet.Address(0), 11)
	tr := NewTracker(starter, e.scanner(nil), e.session, nil, time.Hour)

	release := e.d.Chain.Gate(func(c chainmock.MethodCall) bool { return c.Method == "balanceOf" })
	done := make(chan error, 1)
	go func() {
		_, err := tr.Refresh(context.Background())
		done <- err
	}()

	waitFor(t, func() bool { return len(e.d.Chain.CallsTo("balanceOf")) == 1 })
	e.wallet.Use(1)
	if _, err := e.session.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	release()

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Errorf("expected ErrSuperseded, got %v", err)
	}
	if tr.Current().Loaded {
		t.Error("stale scan must not be applied")
	}
}

func TestTrackerRunFollowsAccountChanges(t *testing.T) {
	e := newEnv(t, true)
	e.d.Collection.Mint(e.wallet.Address(0), 11)
	e.d.Collection.Mint(e.wallet.Address(1), 22, 23)
	presence := wallet.NewPresence()
	release := presence.Acquire()
	defer release()

	tr := NewTracker(starter, e.scanner(nil), e.session, presence, time.Hour)
	updates := make(chan Snapshot, 16)
	unsub := tr.Subscribe(func(s Snapshot) {
		select {
		case updates <- s:
		default:
		}
	})
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	waitFor(t, func() bool { return equalIDs(ids(tr.Current().Items), 11) })
	if err := tr.AddProbe(big.NewInt(11)); err != nil {
		t.Fatal(err)
	}

	e.wallet.Use(1)
	if _, err := e.session.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		cur := tr.Current()
		return cur.Owner == e.wallet.Address(1) && equalIDs(ids(cur.Items), 22, 23)
	})
	if len(tr.Probes()) != 0 {
		t.Error("probe ids must be cleared on account change")
	}

	e.d.Collection.Mint(e.wallet.Address(1), 24)
	tr.Invalidate()
	waitFor(t, func() bool { return equalIDs(ids(tr.Current().Items), 22, 23, 24) })
	if len(updates) == 0 {
		t.Error("subscriber never notified")
	}
}

func TestTrackerHiddenDefersRefresh(t *testing.T) {
	e := newEnv(t, true)
	e.d.Collection.Mint(e.wallet.Address(0), 11)
	presence := wallet.NewPresence()
	tr := NewTracker(starter, e.scanner(nil), e.session, presence, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	tr.Invalidate()
	time.Sleep(50 * time.Millisecond)
	if len(e.d.Chain.CallsTo("balanceOf")) != 0 {
		t.Fatal("hidden tracker must not scan")
	}

	release := presence.Acquire()
	defer release()
	waitFor(t, func() bool { return equalIDs(ids(tr.Current().Items), 11) })
}

func TestTrackerHideAbandonsScan(t *testing.T) {
	e := newEnv(t, true)
	e.d.Collection.Mint(e.wallet.Address(0), 11)
	presence := wallet.NewPresence()
	tr := NewTracker(starter, e.scanner(nil), e.session, presence, time.Hour)

	gate := e.d.Chain.Gate(func(c chainmock.MethodCall) bool { return c.Method == "balanceOf" })
	defer gate()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	release := presence.Acquire()
	waitFor(t, func() bool { return len(e.d.Chain.CallsTo("balanceOf")) == 1 })
	release()
	gate()
	time.Sleep(50 * time.Millisecond)
	if tr.Current().Loaded {
		t.Fatal("scan started before the last view closed was applied")
	}

	release = presence.Acquire()
	defer release()
	waitFor(t, func() bool { return equalIDs(ids(tr.Current().Items), 11) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
