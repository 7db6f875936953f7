package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bountyescrow/access"
	"bountyescrow/auth"
	"bountyescrow/bounty"
	"bountyescrow/httpx"
	"bountyescrow/ledger"
	"bountyescrow/principal"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "principal"

type authService interface {
	Register(ctx context.Context, caller principal.Address, req auth.RegisterRequest) (*auth.Credential, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (principal.Address, error)
}

type bountyService interface {
	Create(ctx context.Context, params bounty.CreateParams) (bounty.Bounty, error)
	SubmitFix(ctx context.Context, params bounty.SubmitParams) (bounty.Bounty, error)
	ApproveFix(ctx context.Context, id int64, caller principal.Address) (bounty.Bounty, error)
	Refund(ctx context.Context, id int64, caller principal.Address) (bounty.Bounty, error)
	Cancel(ctx context.Context, id int64, caller principal.Address) (bounty.Bounty, error)
	Get(ctx context.Context, id int64) (bounty.Bounty, error)
	List(ctx context.Context, filters bounty.Filters) (bounty.ListResult, error)
	Events(ctx context.Context, id int64) ([]bounty.Event, error)
}

type capabilityService interface {
	Grant(ctx context.Context, caller, p principal.Address, c access.Capability) (bool, error)
	Revoke(ctx context.Context, caller, p principal.Address, c access.Capability) (bool, error)
	HasCapability(ctx context.Context, p principal.Address, c access.Capability) (bool, error)
}

type ledgerService interface {
	Deposit(ctx context.Context, caller, to principal.Address, amount uint64) (uint64, error)
	Balance(ctx context.Context, address principal.Address) (uint64, error)
}

// Server exposes the escrow engine, the access registry and the ledger over
// HTTP.
type Server struct {
	authService       authService
	bountyService     bountyService
	capabilityService capabilityService
	ledgerService     ledgerService
	logger            *slog.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/login", s.handleLogin)

		api.Get("/bounties", s.handleListBounties)
		api.Get("/bounties/{id}", s.handleGetBounty)
		api.Get("/bounties/{id}/events", s.handleBountyEvents)
		api.Get("/capabilities/{capability}/{principal}", s.handleHasCapability)
		api.Get("/accounts/{address}", s.handleBalance)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireAuth)
			authed.Post("/auth/register", s.handleRegister)
			authed.Post("/bounties", s.handleCreateBounty)
			authed.Post("/bounties/{id}/submission", s.handleSubmitFix)
			authed.Post("/bounties/{id}/approve", s.handleApproveFix)
			authed.Post("/bounties/{id}/cancel", s.handleCancel)
			authed.Post("/bounties/{id}/refund", s.handleRefund)
			authed.Put("/capabilities/{capability}/{principal}", s.handleGrant)
			authed.Delete("/capabilities/{capability}/{principal}", s.handleRevoke)
			authed.Post("/accounts/{address}/deposit", s.handleDeposit)
		})
	})
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "MISSING_TOKEN", "bearer token required", nil)
			return
		}
		caller, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(ctx context.Context) (principal.Address, bool) {
	caller, ok := ctx.Value(ctxKeyPrincipal).(principal.Address)
	return caller, ok && !caller.IsZero()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.logger != nil {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}
	})
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{bounty.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{bounty.ErrDuplicateID, http.StatusConflict, "DUPLICATE_ID"},
	{bounty.ErrInvalidStateTransition, http.StatusConflict, "INVALID_STATE_TRANSITION"},
	{bounty.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
	{access.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
	{ledger.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
	{access.ErrLastAdministrator, http.StatusConflict, "LAST_ADMINISTRATOR"},
	{ledger.ErrInsufficientFunds, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
	{bounty.ErrZeroAmount, http.StatusBadRequest, "ZERO_AMOUNT"},
	{ledger.ErrZeroAmount, http.StatusBadRequest, "ZERO_AMOUNT"},
	{ledger.ErrAmountOutOfRange, http.StatusBadRequest, "AMOUNT_OUT_OF_RANGE"},
	{ledger.ErrSupplyExceeded, http.StatusUnprocessableEntity, "SUPPLY_EXCEEDED"},
	{bounty.ErrEmptyMetadata, http.StatusBadRequest, "EMPTY_METADATA"},
	{bounty.ErrEmptySubmission, http.StatusBadRequest, "EMPTY_SUBMISSION"},
	{bounty.ErrInvalidAddress, http.StatusBadRequest, "INVALID_ADDRESS"},
	{bounty.ErrInvalidID, http.StatusBadRequest, "INVALID_ID"},
	{access.ErrInvalidAddress, http.StatusBadRequest, "INVALID_ADDRESS"},
	{ledger.ErrInvalidAddress, http.StatusBadRequest, "INVALID_ADDRESS"},
	{principal.ErrInvalidAddress, http.StatusBadRequest, "INVALID_ADDRESS"},
	{access.ErrUnknownCapability, http.StatusBadRequest, "UNKNOWN_CAPABILITY"},
	{auth.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
	{auth.ErrWeakPassword, http.StatusBadRequest, "WEAK_PASSWORD"},
	{auth.ErrDuplicatePrincipal, http.StatusConflict, "DUPLICATE_PRINCIPAL"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "INVALID_TOKEN"},
}

// writeServiceError maps a domain error onto a status code. Unknown errors
// are logged and reported as 500 without their text.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			httpx.WriteError(w, m.status, m.code, err.Error(), nil)
			return
		}
	}
	if s.logger != nil {
		s.logger.Error("unhandled service error", "error", err)
	}
	httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
