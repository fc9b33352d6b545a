package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"escrowflow/appeal"
	"escrowflow/arbitrator"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

type ctxKey string

const (
	ctxKeyUserID  ctxKey = "userID"
	ctxKeyAddress ctxKey = "address"
	ctxKeyRole    ctxKey = "role"
)

type escrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (*escrow.Transaction, error)
	Get(ctx context.Context, id string) (*escrow.Transaction, error)
	Events(ctx context.Context, id string) ([]escrow.Event, error)
	Pay(ctx context.Context, id string, caller ledger.Address, amount ledger.Amount) (*escrow.Transaction, error)
	Reimburse(ctx context.Context, id string, caller ledger.Address, amount ledger.Amount) (*escrow.Transaction, error)
	ExecuteTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
	PayArbitrationFee(ctx context.Context, id string, caller ledger.Address, side ledger.Side, value ledger.Amount) (*escrow.Transaction, error)
	TimeOut(ctx context.Context, id string, side ledger.Side) (*escrow.Transaction, error)
	FundAppeal(ctx context.Context, id string, contributor ledger.Address, side ledger.Side, value ledger.Amount) (*escrow.Transaction, error)
	SubmitEvidence(ctx context.Context, id string, caller ledger.Address, uri string) (*escrow.Transaction, error)
	ClaimUnclaimed(ctx context.Context, id string, caller ledger.Address) (ledger.Amount, error)
	RuleOnDispute(ctx context.Context, id ledger.DisputeID, caller ledger.Address, ruling arbitrator.Ruling) error
	Reconcile(ctx context.Context, id string) (*escrow.Transaction, error)
}

type withdrawalService interface {
	AmountWithdrawable(ctx context.Context, id string, contributor ledger.Address) (ledger.Amount, error)
	Withdraw(ctx context.Context, id string, contributor ledger.Address, round int) (ledger.Amount, error)
	BatchWithdraw(ctx context.Context, id string, contributor ledger.Address, from, to int) (ledger.Amount, error)
}

type disputeService interface {
	List(ctx context.Context, party ledger.Address, transactionID string) ([]dispute.Summary, error)
}

// operatorArbitrator is the local arbitrator's operator surface.
type operatorArbitrator interface {
	GiveRuling(ctx context.Context, id ledger.DisputeID, ruling arbitrator.Ruling) error
	Finalize(ctx context.Context, id ledger.DisputeID) error
}

type accountBook interface {
	Balance(addr ledger.Address) ledger.Amount
}

// Server holds the HTTP handlers. Nil services disable their routes'
// functionality with 501.
type Server struct {
	authService       *auth.Service
	escrowService     escrowService
	withdrawalService withdrawalService
	disputeService    disputeService
	localArbitrator   operatorArbitrator
	accounts          accountBook
	log               *zap.SugaredLogger
}

func (s *Server) Routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	authed := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireAuth(h))
	}
	authed("POST /api/transactions", s.handleCreateTransaction)
	authed("GET /api/transactions/{id}", s.handleGetTransaction)
	authed("GET /api/transactions/{id}/events", s.handleEvents)
	authed("POST /api/transactions/{id}/pay", s.handlePay)
	authed("POST /api/transactions/{id}/reimburse", s.handleReimburse)
	authed("POST /api/transactions/{id}/execute", s.handleExecute)
	authed("POST /api/transactions/{id}/fee", s.handlePayFee)
	authed("POST /api/transactions/{id}/timeout", s.handleTimeOut)
	authed("POST /api/transactions/{id}/appeal", s.handleFundAppeal)
	authed("POST /api/transactions/{id}/evidence", s.handleEvidence)
	authed("POST /api/transactions/{id}/claim", s.handleClaim)
	authed("POST /api/transactions/{id}/reconcile", s.handleReconcile)
	authed("GET /api/transactions/{id}/withdrawable", s.handleWithdrawable)
	authed("POST /api/transactions/{id}/withdraw", s.handleWithdraw)
	authed("GET /api/disputes", s.handleDisputes)
	authed("GET /api/accounts/me", s.handleAccount)

	authed("POST /api/arbitrator/rulings", s.handleRulingCallback)
	authed("POST /api/arbitrator/disputes/{disputeID}/ruling", s.handleGiveRuling)
	authed("POST /api/arbitrator/disputes/{disputeID}/finalize", s.handleFinalize)
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authService == nil {
			writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, principal.UserID)
		ctx = context.WithValue(ctx, ctxKeyAddress, principal.Address)
		ctx = context.WithValue(ctx, ctxKeyRole, principal.Role)
		next(w, r.WithContext(ctx))
	})
}

func addressFrom(ctx context.Context) (ledger.Address, bool) {
	addr, ok := ctx.Value(ctxKeyAddress).(ledger.Address)
	return addr, ok && addr != ""
}

func roleFrom(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

func (s *Server) logger() *zap.SugaredLogger {
	if s.log == nil {
		return zap.NewNop().Sugar()
	}
	return s.log
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrArbitratorPending):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, arbitrator.ErrUnknownDispute):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, arbitrator.ErrNotAppealable), errors.Is(err, appeal.ErrAlreadyFunded),
		errors.Is(err, appeal.ErrWindowClosed), errors.Is(err, arbitrator.ErrInsufficientFee):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientPayment), errors.Is(err, escrow.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrInvalidRound), errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, ledger.ErrArithmeticOverflow), errors.Is(err, arbitrator.ErrInvalidRuling),
		errors.Is(err, dispute.ErrInvalidRuling), errors.Is(err, appeal.ErrNoContribution):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger().Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func parseAmount(raw string) (ledger.Amount, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return ledger.Amount(v), nil
}

func parseSide(raw string) (ledger.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "a", "1":
		return ledger.SideA, nil
	case "b", "2":
		return ledger.SideB, nil
	default:
		return ledger.SideNone, ledger.ErrInvalidSide
	}
}

func parseDisputeID(raw string) (ledger.DisputeID, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return ledger.DisputeID(v), nil
}
