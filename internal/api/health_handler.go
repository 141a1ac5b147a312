package api

import (
	"net/http"
	"time"
)

// startTime records when the server package was initialized for uptime calculation.
var startTime = time.Now()

// HealthResponse is the JSON response for the /health endpoint
type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Connected bool   `json:"wallet_connected"`
	ChainID   uint64 `json:"chain_id,omitempty"`
	Streams   int    `json:"streams"`
	Reason    string `json:"reason,omitempty"`
}

// handleHealthCheck handles GET /health for load balancer probes. A
// disconnected or wrong-network wallet is reported but stays healthy; the
// dashboard renders a banner for both.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	if !running {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Reason:  "server not running",
			Version: s.config.Version,
		})
		return
	}

	uptime := time.Since(startTime)
	if s.metrics != nil {
		uptime = s.metrics.Uptime()
	}
	resp := HealthResponse{
		Status:  "healthy",
		Uptime:  uptime.Round(time.Second).String(),
		Version: s.config.Version,
		Streams: s.wsHub.ClientCount(),
	}
	if s.app != nil {
		acct := s.app.Session().Current()
		resp.Connected = acct.Connected
		resp.ChainID = acct.ChainID
	}
	writeJSON(w, http.StatusOK, resp)
}
