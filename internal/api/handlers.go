package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/pkg/types"
)

// TierSummary is one entry of the tier index.
type TierSummary struct {
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Path        string     `json:"path"`
	Collection  string     `json:"collection"`
	IDMin       uint32     `json:"idMin"`
	IDMax       uint32     `json:"idMax"`
	DefaultPlan types.Plan `json:"defaultPlan"`
}

// IndexResponse is the response for GET /
type IndexResponse struct {
	Tiers           []TierSummary `json:"tiers"`
	HideBlacklisted bool          `json:"hideBlacklisted"`
}

// TokenRequest is the body of the per-token actions.
type TokenRequest struct {
	TokenID json.Number `json:"tokenId"`
	Plan    *PlanParam  `json:"plan,omitempty"`
}

// PlanParam accepts a plan as an index (0, 1, 2) or a label ("3", "6mo", "12").
type PlanParam struct {
	Plan types.Plan
}

func (p *PlanParam) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	plan, err := types.ParsePlan(raw)
	if err != nil {
		return err
	}
	p.Plan = plan
	return nil
}

// ReferralRequest is the body of POST /referral
type ReferralRequest struct {
	Referrer string `json:"referrer"`
}

// ActionResponse acknowledges an accepted action. The outcome arrives as a
// toast in the view stream.
type ActionResponse struct {
	Slot  string            `json:"slot"`
	State types.ActionState `json:"state"`
}

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	resp := IndexResponse{HideBlacklisted: s.app.HideBlacklisted()}
	for _, t := range s.app.Tiers() {
		resp.Tiers = append(resp.Tiers, TierSummary{
			Name:        t.Name,
			Slug:        t.Slug,
			Path:        "/" + t.Slug,
			Collection:  t.Collection.Hex(),
			IDMin:       t.IDMin,
			IDMax:       t.IDMax,
			DefaultPlan: t.DefaultPlan,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleView handles GET /{tier}. The page counts as viewed for the
// duration of the request, and its inputs are read fresh.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	page, ok := s.page(w, r)
	if !ok {
		return
	}
	release := page.Open()
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), s.config.LoadTimeout)
	defer cancel()
	view, err := page.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			writeError(w, http.StatusGatewayTimeout, "chain reads timed out")
			return
		}
		// The view still carries whatever loaded; partial data beats none.
		logging.Warn("page load incomplete",
			logging.Component("api"),
			logging.Tier(page.Tier().Slug),
			logging.Err(err))
	}
	writeJSON(w, http.StatusOK, view)
}

// handleStake handles POST /{tier}/stake
func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	page, ok := s.page(w, r)
	if !ok {
		return
	}
	var req TokenRequest
	if !readJSON(w, r, &req) {
		return
	}
	id, err := parseTokenID(req.TokenID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var plan *types.Plan
	if req.Plan != nil {
		plan = &req.Plan.Plan
	}
	run, err := page.Stake(id, plan)
	s.writeAction(w, run, err)
}

// handleUnstake handles POST /{tier}/unstake
func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	page, ok := s.page(w, r)
	if !ok {
		return
	}
	var req TokenRequest
	if !readJSON(w, r, &req) {
		return
	}
	id, err := parseTokenID(req.TokenID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := page.Unstake(id)
	s.writeAction(w, run, err)
}

// handleProbe handles POST /{tier}/probe, entering a token id manually.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	page, ok := s.page(w, r)
	if !ok {
		return
	}
	var req TokenRequest
	if !readJSON(w, r, &req) {
		return
	}
	id, err := parseTokenID(req.TokenID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := page.AddProbe(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	ids := make([]string, 0)
	for _, p := range page.Tracker().Probes() {
		ids = append(ids, p.String())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"probes": ids})
}

// handleClaim handles POST /claim
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.ClaimAll()
	s.writeAction(w, run, err)
}

// handleReferral handles POST /referral
func (s *Server) handleReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	if !readJSON(w, r, &req) {
		return
	}
	ref, err := contracts.ParseReferrer(req.Referrer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.app.RegisterReferral(ref)
	s.writeAction(w, run, err)
}

// handleRetry handles POST /actions/{slot}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.Retry(r.PathValue("slot"))
	s.writeAction(w, run, err)
}

// handleDismiss handles POST /actions/{slot}/dismiss
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	slot := r.PathValue("slot")
	s.app.Dismiss(slot)
	writeJSON(w, http.StatusOK, map[string]string{"slot": slot, "status": "dismissed"})
}

// page resolves the {tier} path value, writing 404 for unknown slugs.
func (s *Server) page(w http.ResponseWriter, r *http.Request) (*dashboard.Page, bool) {
	page, err := s.app.Page(strings.ToLower(r.PathValue("tier")))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return page, true
}

func (s *Server) writeAction(w http.ResponseWriter, run *action.Run, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ActionResponse{Slot: run.Slot(), State: types.ActionSubmitting})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dashboard.ErrUnknownTier):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrOutOfRange),
		errors.Is(err, types.ErrInvalidPlan),
		errors.Is(err, contracts.ErrInvalidReferrer):
		return http.StatusBadRequest
	case errors.Is(err, dashboard.ErrBlacklisted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, action.ErrSlotBusy),
		errors.Is(err, action.ErrLocked),
		errors.Is(err, action.ErrNothingToClaim),
		errors.Is(err, action.ErrNotStaked),
		errors.Is(err, action.ErrNotRetryable),
		errors.Is(err, chain.ErrNoWallet):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func parseTokenID(n json.Number) (*big.Int, error) {
	if n == "" {
		return nil, errors.New("missing tokenId")
	}
	id, ok := new(big.Int).SetString(n.String(), 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid tokenId %q", n)
	}
	return id, nil
}

// readJSON decodes the request body, writing 400 or 413 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
