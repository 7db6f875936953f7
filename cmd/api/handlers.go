package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bountyescrow/access"
	"bountyescrow/auth"
	"bountyescrow/bounty"
	"bountyescrow/httpx"
	"bountyescrow/principal"
)

// decimal is an unsigned integer carried as a JSON string so that values
// above 2^53 survive JavaScript clients. Bare numbers are accepted too.
type decimal uint64

func (d *decimal) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid decimal %q", s)
	}
	*d = decimal(v)
	return nil
}

type bountyResponse struct {
	ID            string `json:"id"`
	Sponsor       string `json:"sponsor"`
	Hunter        string `json:"hunter"`
	Amount        string `json:"amount"`
	Escrowed      string `json:"escrowed"`
	MetadataURI   string `json:"metadataURI"`
	Description   string `json:"description"`
	SubmissionURI string `json:"submissionURI"`
	Status        string `json:"status"`
	StatusCode    uint8  `json:"statusCode"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

func toBountyResponse(b bounty.Bounty) bountyResponse {
	return bountyResponse{
		ID:            strconv.FormatInt(b.ID, 10),
		Sponsor:       b.Sponsor.String(),
		Hunter:        b.Hunter.String(),
		Amount:        strconv.FormatUint(b.Amount, 10),
		Escrowed:      strconv.FormatUint(b.Escrowed, 10),
		MetadataURI:   b.MetadataURI,
		Description:   b.Description,
		SubmissionURI: b.SubmissionURI,
		Status:        b.Status.String(),
		StatusCode:    uint8(b.Status),
		CreatedAt:     b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type eventResponse struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req auth.RegisterRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	cred, err := s.authService.Register(r.Context(), caller, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"address":  cred.Address.String(),
		"checksum": cred.Address.Checksum(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"token":     res.Token,
		"address":   res.Principal.String(),
		"expiresAt": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateBounty(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req struct {
		ID          decimal `json:"id"`
		MetadataURI string  `json:"metadataURI"`
		Description string  `json:"description"`
		Value       decimal `json:"value"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if uint64(req.ID) > 1<<63-1 {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_ID", "id out of range", nil)
		return
	}

	created, err := s.bountyService.Create(r.Context(), bounty.CreateParams{
		ID:          int64(req.ID),
		Sponsor:     caller,
		MetadataURI: req.MetadataURI,
		Description: req.Description,
		Value:       uint64(req.Value),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toBountyResponse(created))
}

func (s *Server) handleListBounties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters bounty.Filters

	if v := q.Get("status"); v != "" {
		status, err := parseStatusParam(v)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error(), nil)
			return
		}
		filters.Status = &status
	}
	for key, dst := range map[string]*principal.Address{"sponsor": &filters.Sponsor, "hunter": &filters.Hunter} {
		if v := q.Get(key); v != "" {
			addr, err := principal.ParseAddress(v)
			if err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "INVALID_ADDRESS", fmt.Sprintf("%s: %v", key, err), nil)
				return
			}
			*dst = addr
		}
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("pageSize"))

	res, err := s.bountyService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]bountyResponse, 0, len(res.Items))
	for _, b := range res.Items {
		items = append(items, toBountyResponse(b))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "total": res.Total})
}

// parseStatusParam accepts a status name or its numeric code.
func parseStatusParam(v string) (bounty.Status, error) {
	if n, err := strconv.ParseUint(v, 10, 8); err == nil {
		status := bounty.Status(n)
		if !status.Valid() {
			return 0, fmt.Errorf("unknown status %d", n)
		}
		return status, nil
	}
	return bounty.ParseStatus(v)
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyIDParam(w, r)
	if !ok {
		return
	}
	b, err := s.bountyService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleBountyEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyIDParam(w, r)
	if !ok {
		return
	}
	events, err := s.bountyService.Events(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, eventResponse{
			Seq:       e.Seq,
			Type:      string(e.Type),
			Actor:     e.Actor.String(),
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSubmitFix(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	id, ok := bountyIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Hunter        string `json:"hunter"`
		SubmissionURI string `json:"submissionURI"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	hunter := principal.ZeroAddress
	if req.Hunter != "" {
		parsed, err := principal.ParseAddress(req.Hunter)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		hunter = parsed
	}

	b, err := s.bountyService.SubmitFix(r.Context(), bounty.SubmitParams{
		ID:            id,
		Caller:        caller,
		Hunter:        hunter,
		SubmissionURI: req.SubmissionURI,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleApproveFix(w http.ResponseWriter, r *http.Request) {
	s.handleCallerTransition(w, r, s.bountyService.ApproveFix)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleCallerTransition(w, r, s.bountyService.Cancel)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleCallerTransition(w, r, s.bountyService.Refund)
}

type callerTransition func(ctx context.Context, id int64, caller principal.Address) (bounty.Bounty, error)

func (s *Server) handleCallerTransition(w http.ResponseWriter, r *http.Request, op callerTransition) {
	caller, _ := callerFrom(r.Context())
	id, ok := bountyIDParam(w, r)
	if !ok {
		return
	}
	b, err := op(r.Context(), id, caller)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBountyResponse(b))
}

func bountyIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_ID", fmt.Sprintf("invalid bounty id %q", raw), nil)
		return 0, false
	}
	return id, true
}

func (s *Server) handleHasCapability(w http.ResponseWriter, r *http.Request) {
	c, p, ok := capabilityParams(w, r)
	if !ok {
		return
	}
	held, err := s.capabilityService.HasCapability(r.Context(), p, c)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"principal":  p.String(),
		"capability": string(c),
		"granted":    held,
	})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	s.handleCapabilityChange(w, r, s.capabilityService.Grant)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.handleCapabilityChange(w, r, s.capabilityService.Revoke)
}

type capabilityChange func(ctx context.Context, caller, p principal.Address, c access.Capability) (bool, error)

func (s *Server) handleCapabilityChange(w http.ResponseWriter, r *http.Request, op capabilityChange) {
	caller, _ := callerFrom(r.Context())
	c, p, ok := capabilityParams(w, r)
	if !ok {
		return
	}
	changed, err := op(r.Context(), caller, p, c)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"principal":  p.String(),
		"capability": string(c),
		"changed":    changed,
	})
}

func capabilityParams(w http.ResponseWriter, r *http.Request) (access.Capability, principal.Address, bool) {
	c, err := access.ParseCapability(chi.URLParam(r, "capability"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "UNKNOWN_CAPABILITY", err.Error(), nil)
		return "", "", false
	}
	p, err := principal.ParseAddress(chi.URLParam(r, "principal"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error(), nil)
		return "", "", false
	}
	return c, p, true
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address, ok := addressParam(w, r)
	if !ok {
		return
	}
	balance, err := s.ledgerService.Balance(r.Context(), address)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"address": address.String(),
		"balance": strconv.FormatUint(balance, 10),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	address, ok := addressParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal `json:"amount"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	balance, err := s.ledgerService.Deposit(r.Context(), caller, address, uint64(req.Amount))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"address": address.String(),
		"balance": strconv.FormatUint(balance, 10),
	})
}

func addressParam(w http.ResponseWriter, r *http.Request) (principal.Address, bool) {
	address, err := principal.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error(), nil)
		return "", false
	}
	return address, true
}
