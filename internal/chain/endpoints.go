package chain

import (
	"sort"
	"sync"
	"time"
)

const (
	maxConsecutiveErrors = 3
	ewmaAlpha            = 0.3
	// Unmeasured endpoints sort behind measured fast ones.
	initialLatency = 100 * time.Millisecond
)

// EndpointStatus is a point-in-time view of one read endpoint.
type EndpointStatus struct {
	URL             string        `json:"url"`
	Healthy         bool          `json:"healthy"`
	Latency         time.Duration `json:"latency"`
	ConsecutiveErrs int           `json:"consecutiveErrors"`
	LastSuccess     time.Time     `json:"lastSuccess"`
	LastError       time.Time     `json:"lastError"`
}

type endpointState struct {
	EndpointStatus
	samples int
}

// EndpointTracker orders read endpoints by health and EWMA latency.
// Three consecutive transport errors mark an endpoint unhealthy; it becomes
// eligible again, behind healthy ones, after the recovery interval.
type EndpointTracker struct {
	mu        sync.RWMutex
	endpoints []*endpointState
	recovery  time.Duration
	now       func() time.Time
}

// NewEndpointTracker creates a tracker. All endpoints start healthy.
func NewEndpointTracker(urls []string, recovery time.Duration) *EndpointTracker {
	eps := make([]*endpointState, len(urls))
	for i, u := range urls {
		eps[i] = &endpointState{EndpointStatus: EndpointStatus{URL: u, Healthy: true, Latency: initialLatency}}
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &EndpointTracker{endpoints: eps, recovery: recovery, now: time.Now}
}

// Record feeds the outcome of one call. Only transport failures count
// against an endpoint; a revert proves the node is alive.
func (et *EndpointTracker) Record(url string, latency time.Duration, transportErr bool) {
	et.mu.Lock()
	defer et.mu.Unlock()

	ep := et.find(url)
	if ep == nil {
		return
	}
	if transportErr {
		ep.ConsecutiveErrs++
		ep.LastError = et.now()
		if ep.ConsecutiveErrs >= maxConsecutiveErrors {
			ep.Healthy = false
		}
		return
	}

	ep.ConsecutiveErrs = 0
	ep.LastSuccess = et.now()
	ep.Healthy = true
	if ep.samples == 0 {
		ep.Latency = latency
	} else {
		ep.Latency = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(ep.Latency))
	}
	ep.samples++
}

// Order returns the URLs to try, best first. after, when set, is rotated to
// the back so a retry goes to a different node.
func (et *EndpointTracker) Order(after string) []string {
	et.mu.RLock()
	defer et.mu.RUnlock()

	now := et.now()
	type candidate struct {
		url      string
		latency  time.Duration
		recovery bool
	}
	var cands []candidate
	for _, ep := range et.endpoints {
		switch {
		case ep.Healthy:
			cands = append(cands, candidate{url: ep.URL, latency: ep.Latency})
		case now.Sub(ep.LastError) >= et.recovery:
			cands = append(cands, candidate{url: ep.URL, latency: ep.Latency, recovery: true})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].recovery != cands[j].recovery {
			return !cands[i].recovery
		}
		return cands[i].latency < cands[j].latency
	})

	urls := make([]string, 0, len(cands))
	var last []string
	for _, c := range cands {
		if c.url == after && len(cands) > 1 {
			last = append(last, c.url)
			continue
		}
		urls = append(urls, c.url)
	}
	urls = append(urls, last...)
	if len(urls) == 0 && len(et.endpoints) > 0 {
		// Everything is down and cooling off; keep trying the primary.
		urls = append(urls, et.endpoints[0].URL)
	}
	return urls
}

// Status returns a copy of every endpoint's state in configuration order.
func (et *EndpointTracker) Status() []EndpointStatus {
	et.mu.RLock()
	defer et.mu.RUnlock()
	out := make([]EndpointStatus, len(et.endpoints))
	for i, ep := range et.endpoints {
		out[i] = ep.EndpointStatus
	}
	return out
}

// Len returns the total number of tracked endpoints.
func (et *EndpointTracker) Len() int {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return len(et.endpoints)
}

func (et *EndpointTracker) find(url string) *endpointState {
	for _, ep := range et.endpoints {
		if ep.URL == url {
			return ep
		}
	}
	return nil
}
