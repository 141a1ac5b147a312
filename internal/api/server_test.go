package api

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/chain/chainmock"
	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/pkg/types"
)

type env struct {
	d      *chainmock.Deployment
	wallet *chainmock.Wallet
	app    *dashboard.App
	srv    *Server
	ts     *httptest.Server
}

func newEnv(t *testing.T, mutate func(*ServerConfig)) *env {
	t.Helper()
	d := chainmock.Deploy(true)
	w := chainmock.NewWallet(1)
	m := metrics.NewCollector()
	client, _, err := d.Connect(w, m)
	if err != nil {
		t.Fatal(err)
	}
	tiers := types.BuiltinTiers()[:2]
	app, err := dashboard.New(client, nil, dashboard.Config{
		ChainID:         137,
		Tiers:           tiers,
		Pool:            chainmock.PoolAddress,
		RewardToken:     chainmock.TokenAddress,
		Referral:        chainmock.ReferralAddress,
		HideBlacklisted: true,
		ToastTTL:        time.Second,
		TickInterval:    20 * time.Millisecond,
		StrategyTimeout: time.Second,
		Clock:           func() time.Time { return time.Unix(int64(d.Chain.Now()), 0) },
	}, m)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(app.Close)

	cfg := DefaultServerConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Version = "test"
	if mutate != nil {
		mutate(cfg)
	}
	srv := NewServer(app, cfg, m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{d: d, wallet: w, app: app, srv: srv, ts: ts}
}

func (e *env) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIndexListsTiers(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.do(t, http.MethodGet, "/", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var resp IndexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tiers) != 2 || resp.Tiers[0].Slug != "starter" || resp.Tiers[1].Path != "/basic" {
		t.Errorf("unexpected tiers %+v", resp.Tiers)
	}
	if !resp.HideBlacklisted {
		t.Error("expected hideBlacklisted")
	}
}

func TestUnknownTier(t *testing.T) {
	e := newEnv(t, nil)
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/gold", ""},
		{http.MethodPost, "/gold/stake", `{"tokenId":"1"}`},
	} {
		code, body := e.do(t, tc.method, tc.path, tc.body)
		if code != http.StatusNotFound || !strings.Contains(string(body), "unknown tier") {
			t.Errorf("%s %s: expected 404 unknown tier, got %d %s", tc.method, tc.path, code, body)
		}
	}
}

func TestStakeAcceptedAndVisibleInView(t *testing.T) {
	e := newEnv(t, nil)
	owner := e.wallet.Address(0)
	e.d.Collection.Mint(owner, 101, 102)

	code, body := e.do(t, http.MethodPost, "/starter/stake", `{"tokenId":"101","plan":"6mo"}`)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, body)
	}
	var ack ActionResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatal(err)
	}
	slot := action.StakeSlot(types.DefaultCollection, big.NewInt(101))
	if ack.Slot != slot || ack.State != types.ActionSubmitting {
		t.Fatalf("unexpected ack %+v", ack)
	}
	waitFor(t, func() bool {
		return e.app.Orchestrator().Status().Slot(slot).State == types.ActionMined
	})

	code, body = e.do(t, http.MethodGet, "/starter", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var view dashboard.View
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatal(err)
	}
	card, ok := view.FindStaked(big.NewInt(101))
	if !ok || card.Plan != types.Plan6Months || card.PlanLabel != "6 MO" {
		t.Errorf("expected 101 staked on the 6 month plan, got %+v", card)
	}
	if _, ok := view.FindUnstaked(big.NewInt(102)); !ok {
		t.Error("102 should stay in the wallet grid")
	}
	if view.Stats.TotalStaked != 1 {
		t.Errorf("unexpected stats %+v", view.Stats)
	}
}

func TestActionErrors(t *testing.T) {
	e := newEnv(t, func(c *ServerConfig) { c.MaxRequestSize = 64 })
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed body", "/starter/stake", `{`, http.StatusBadRequest},
		{"unknown field", "/starter/stake", `{"tokenId":"1","amount":3}`, http.StatusBadRequest},
		{"missing token", "/starter/stake", `{}`, http.StatusBadRequest},
		{"negative token", "/starter/stake", `{"tokenId":"-5"}`, http.StatusBadRequest},
		{"outside tier", "/starter/stake", `{"tokenId":1000001}`, http.StatusBadRequest},
		{"bad plan", "/starter/stake", `{"tokenId":"5","plan":"9"}`, http.StatusBadRequest},
		{"oversized body", "/starter/stake", `{"tokenId":"1","plan":"` + strings.Repeat("x", 128) + `"}`, http.StatusRequestEntityTooLarge},
		{"unstake not staked", "/starter/unstake", `{"tokenId":"5"}`, http.StatusConflict},
		{"probe outside tier", "/basic/probe", `{"tokenId":"5"}`, http.StatusBadRequest},
		{"nothing to claim", "/claim", "", http.StatusConflict},
		{"bad referrer", "/referral", `{"referrer":"abc"}`, http.StatusBadRequest},
		{"nothing to retry", "/actions/claim-all/retry", "", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, http.MethodPost, tt.path, tt.body)
			if code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, code, body)
			}
			var resp map[string]string
			if err := json.Unmarshal(body, &resp); err != nil || resp["error"] == "" {
				t.Errorf("expected a JSON error body, got %s", body)
			}
		})
	}
}

func TestProbeAndReferral(t *testing.T) {
	e := newEnv(t, nil)

	code, body := e.do(t, http.MethodPost, "/starter/probe", `{"tokenId":42}`)
	if code != http.StatusAccepted || !strings.Contains(string(body), `"42"`) {
		t.Fatalf("probe: got %d %s", code, body)
	}

	code, body = e.do(t, http.MethodPost, "/referral", `{"referrer":"42"}`)
	if code != http.StatusAccepted {
		t.Fatalf("referral: got %d %s", code, body)
	}
	waitFor(t, func() bool {
		return e.app.Orchestrator().Status().Slot(action.SlotReferral).State == types.ActionMined
	})
	if got := e.d.Referral.Referrer(e.wallet.Address(0)); got != "42" {
		t.Errorf("expected referrer 42, got %q", got)
	}

	code, body = e.do(t, http.MethodPost, "/actions/"+action.SlotReferral+"/dismiss", "")
	if code != http.StatusOK || !strings.Contains(string(body), "dismissed") {
		t.Errorf("dismiss: got %d %s", code, body)
	}
	if st := e.app.Orchestrator().Status(); len(st.Toasts) != 0 {
		t.Errorf("dismiss should clear toasts, got %+v", st.Toasts)
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, func(c *ServerConfig) {
		c.RateLimitRequests = 2
		c.RateLimitBurst = 2
		c.RateLimitWindow = time.Hour
	})
	for i := 0; i < 2; i++ {
		if code, body := e.do(t, http.MethodGet, "/", ""); code != http.StatusOK {
			t.Fatalf("request %d: got %d %s", i, code, body)
		}
	}

	resp, err := http.Get(e.ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "3600" || !strings.Contains(string(body), "rate limit exceeded") {
		t.Errorf("unexpected rejection %q %s", resp.Header.Get("Retry-After"), body)
	}

	// health and metrics are exempt
	if code, _ := e.do(t, http.MethodGet, "/metrics", ""); code != http.StatusOK {
		t.Errorf("metrics should not be rate limited, got %d", code)
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		headers map[string]string
		want    string
	}{
		{"remote addr", false, nil, "10.0.0.1"},
		{"untrusted forwarded", false, map[string]string{"X-Forwarded-For": "1.1.1.1"}, "10.0.0.1"},
		{"cloudflare", true, map[string]string{"CF-Connecting-IP": "2.2.2.2", "X-Forwarded-For": "1.1.1.1"}, "2.2.2.2"},
		{"first forwarded", true, map[string]string{"X-Forwarded-For": "1.1.1.1, 3.3.3.3"}, "1.1.1.1"},
		{"real ip", true, map[string]string{"X-Real-IP": " 4.4.4.4 "}, "4.4.4.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			cfg.TrustProxy = tt.trust
			s := NewServer(nil, cfg, nil)
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "10.0.0.1:5555"
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := s.extractClientIP(r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanupRateLimiters(t *testing.T) {
	s := NewServer(nil, DefaultServerConfig(), nil)
	s.getRateLimiter("1.2.3.4")
	s.cleanupRateLimiters(time.Now().Add(-time.Minute))
	if _, ok := s.rateLimiters.Load("1.2.3.4"); !ok {
		t.Fatal("fresh limiter should survive cleanup")
	}
	s.cleanupRateLimiters(time.Now().Add(time.Minute))
	if _, ok := s.rateLimiters.Load("1.2.3.4"); ok {
		t.Error("stale limiter should be removed")
	}
}

func TestServerConfigFrom(t *testing.T) {
	c := config.DefaultAPIConfig()
	c.RateLimitWindowSecs = 30
	c.AllowedOrigins = []string{"https://dash.example"}
	cfg := ServerConfigFrom(c, "1.2.3")
	if cfg.HTTPAddr != c.HTTPAddr || cfg.RateLimitRequests != 120 || cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.MaxRequestSize != 64*1024 || cfg.Version != "1.2.3" || len(cfg.AllowedOrigins) != 1 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestHandleHealthCheck(t *testing.T) {
	e := newEnv(t, nil)

	rec := httptest.NewRecorder()
	e.srv.handleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "unhealthy" || resp.Reason != "server not running" {
		t.Errorf("unexpected response %+v", resp)
	}

	e.srv.mu.Lock()
	e.srv.running = true
	e.srv.mu.Unlock()

	rec = httptest.NewRecorder()
	e.srv.handleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected Content-Type %q", ct)
	}
	resp = HealthResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || !resp.Connected || resp.ChainID != 137 || resp.Version != "test" || resp.Uptime == "" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestMetricsCountRequests(t *testing.T) {
	e := newEnv(t, nil)
	e.do(t, http.MethodGet, "/", "")
	e.do(t, http.MethodGet, "/gold", "")

	code, body := e.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	for _, want := range []string{
		`stakedash_api_requests_total{code="200",route="index"} 1`,
		`stakedash_api_requests_total{code="404",route="view"} 1`,
		"stakedash_uptime_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStartStop(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.srv.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	resp, err := http.Get("http://" + e.srv.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := e.srv.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}

func TestStreamPublishesViews(t *testing.T) {
	e := newEnv(t, nil)
	e.d.Collection.Mint(e.wallet.Address(0), 7)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.app.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/starter/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	defer conn.Close()

	type frame struct {
		Type string         `json:"type"`
		Data dashboard.View `json:"data"`
	}
	next := func(match func(frame) bool) frame {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				t.Fatalf("read: %v", err)
			}
			if match(f) {
				return f
			}
		}
	}

	f := next(func(f frame) bool { return f.Type == "view" && len(f.Data.Unstaked) == 1 })
	if f.Data.Tier.Slug != "starter" || f.Data.Unstaked[0].TokenID != "7" {
		t.Errorf("unexpected view %+v", f.Data)
	}
	if n := e.srv.Hub().ClientCount(); n != 1 {
		t.Errorf("expected 1 stream, got %d", n)
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	next(func(f frame) bool { return f.Type == "pong" })

	e.srv.Hub().Broadcast("settings", map[string]bool{"hideBlacklisted": false})
	next(func(f frame) bool { return f.Type == "settings" })

	conn.Close()
	waitFor(t, func() bool { return e.srv.Hub().ClientCount() == 0 })
}
