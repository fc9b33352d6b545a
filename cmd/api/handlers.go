package main

import (
	"errors"
	"net/http"
	"time"

	"escrowflow/arbitrator"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

type roundResponse struct {
	Number     int      `json:"number"`
	PaidA      string   `json:"paidA"`
	PaidB      string   `json:"paidB"`
	FundedA    bool     `json:"fundedA"`
	FundedB    bool     `json:"fundedB"`
	RewardPool string   `json:"rewardPool"`
	Appealed   bool     `json:"appealed"`
	Funders    []string `json:"funders"`
}

type transactionResponse struct {
	ID              string            `json:"id"`
	PartyA          string            `json:"partyA"`
	PartyB          string            `json:"partyB"`
	Amount          string            `json:"amount"`
	Balance         string            `json:"balance"`
	FeeA            string            `json:"feeA"`
	FeeB            string            `json:"feeB"`
	Status          string            `json:"status"`
	CreatedAt       string            `json:"createdAt"`
	LastInteraction string            `json:"lastInteraction"`
	DisputeID       *uint64           `json:"disputeId,omitempty"`
	DisputeStatus   string            `json:"disputeStatus,omitempty"`
	Ruling          *uint             `json:"ruling,omitempty"`
	Rounds          []roundResponse   `json:"rounds,omitempty"`
	Unclaimed       map[string]string `json:"unclaimed,omitempty"`
	Pending         string            `json:"pending,omitempty"`
}

func toTransactionResponse(tx *escrow.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:              tx.ID,
		PartyA:          string(tx.PartyA),
		PartyB:          string(tx.PartyB),
		Amount:          tx.Locked.String(),
		Balance:         tx.Balance.String(),
		FeeA:            tx.FeeA.String(),
		FeeB:            tx.FeeB.String(),
		Status:          string(tx.Status),
		CreatedAt:       tx.CreatedAt.UTC().Format(time.RFC3339),
		LastInteraction: tx.LastInteraction.UTC().Format(time.RFC3339),
	}
	if d := tx.Dispute; d != nil {
		id := uint64(d.ID)
		resp.DisputeID = &id
		resp.DisputeStatus = string(d.Status)
		if d.Resolved() {
			ruling := uint(d.Ruling)
			resp.Ruling = &ruling
		}
		var rounds []*ledger.Round
		if tx.Rounds != nil {
			rounds = tx.Rounds.Rounds(d.ID)
		}
		for _, round := range rounds {
			funders := make([]string, 0, len(round.Contributions))
			for _, addr := range round.Contributors() {
				funders = append(funders, string(addr))
			}
			resp.Rounds = append(resp.Rounds, roundResponse{
				Number:     round.Key.Number,
				PaidA:      round.Paid[ledger.SideA].String(),
				PaidB:      round.Paid[ledger.SideB].String(),
				FundedA:    round.Funded[ledger.SideA],
				FundedB:    round.Funded[ledger.SideB],
				RewardPool: round.RewardPool.String(),
				Appealed:   round.Appealed,
				Funders:    funders,
			})
		}
	}
	if tx.Pending != nil {
		resp.Pending = string(tx.Pending.Kind)
	}
	if len(tx.Unclaimed) > 0 {
		resp.Unclaimed = make(map[string]string, len(tx.Unclaimed))
		for addr, amount := range tx.Unclaimed {
			resp.Unclaimed[string(addr)] = amount.String()
		}
	}
	return resp
}

type disputeResponse struct {
	ID            uint64  `json:"id"`
	TransactionID string  `json:"transactionId"`
	Status        string  `json:"status"`
	Ruling        uint    `json:"ruling"`
	RoundCount    int     `json:"roundCount"`
	CreatedAt     string  `json:"createdAt"`
	ResolvedAt    *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(d dispute.Summary) disputeResponse {
	resp := disputeResponse{
		ID:            uint64(d.ID),
		TransactionID: d.TransactionID,
		Status:        string(d.Status),
		Ruling:        uint(d.Ruling),
		RoundCount:    d.RoundCount,
		CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.ResolvedAt != nil {
		resolved := d.ResolvedAt.UTC().Format(time.RFC3339)
		resp.ResolvedAt = &resolved
	}
	return resp
}

type eventResponse struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.authService == nil {
		writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == auth.RoleArbitrator {
		writeError(w, http.StatusForbidden, "arbitrator accounts are provisioned by the operator")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      user.ID,
		"address": string(user.Address),
		"role":    string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.authService == nil {
		writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   result.Token,
		"address": string(result.User.Address),
		"role":    string(result.User.Role),
	})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if roleFrom(r.Context()) != auth.RoleParty {
		writeError(w, http.StatusForbidden, "only parties may open transactions")
		return
	}
	var req struct {
		Receiver       string `json:"receiver"`
		Amount         string `json:"amount"`
		PaymentTimeout string `json:"paymentTimeout"`
		FeeTimeout     string `json:"feeTimeout"`
		MetaEvidence   string `json:"metaEvidence"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative integer")
		return
	}
	params := escrow.CreateParams{
		PartyA:       caller,
		PartyB:       ledger.Address(req.Receiver),
		Value:        amount,
		MetaEvidence: req.MetaEvidence,
	}
	if params.PaymentTimeout, err = parseTimeout(req.PaymentTimeout); err != nil {
		writeError(w, http.StatusBadRequest, "paymentTimeout must be a positive duration")
		return
	}
	if params.FeeTimeout, err = parseTimeout(req.FeeTimeout); err != nil {
		writeError(w, http.StatusBadRequest, "feeTimeout must be a positive duration")
		return
	}
	if params.PartyB == "" || params.PartyB == caller {
		writeError(w, http.StatusBadRequest, "receiver must be another address")
		return
	}
	tx, err := s.escrowService.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.escrowService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.escrowService.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, eventResponse{
			Seq:       ev.Seq,
			Type:      string(ev.Type),
			Actor:     string(ev.Actor),
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// parseTimeout returns zero for an empty value so the engine default applies.
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return d, nil
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// amountOp decodes {"amount"} and applies op on behalf of the caller.
func (s *Server) amountOp(w http.ResponseWriter, r *http.Request, op func(caller ledger.Address, amount ledger.Amount) (*escrow.Transaction, error)) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative integer")
		return
	}
	tx, err := op(caller, amount)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.amountOp(w, r, func(caller ledger.Address, amount ledger.Amount) (*escrow.Transaction, error) {
		return s.escrowService.Pay(r.Context(), id, caller, amount)
	})
}

func (s *Server) handleReimburse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.amountOp(w, r, func(caller ledger.Address, amount ledger.Amount) (*escrow.Transaction, error) {
		return s.escrowService.Reimburse(r.Context(), id, caller, amount)
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	tx, err := s.escrowService.ExecuteTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// callerSide resolves which side of the transaction the caller is.
func (s *Server) callerSide(r *http.Request, id string) (ledger.Address, ledger.Side, error) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		return "", ledger.SideNone, escrow.ErrUnauthorized
	}
	tx, err := s.escrowService.Get(r.Context(), id)
	if err != nil {
		return "", ledger.SideNone, err
	}
	side := tx.SideOf(caller)
	if side == ledger.SideNone {
		return "", ledger.SideNone, escrow.ErrUnauthorized
	}
	return caller, side, nil
}

func (s *Server) handlePayFee(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.amountOp(w, r, func(caller ledger.Address, amount ledger.Amount) (*escrow.Transaction, error) {
		_, side, err := s.callerSide(r, id)
		if err != nil {
			return nil, err
		}
		return s.escrowService.PayArbitrationFee(r.Context(), id, caller, side, amount)
	})
}

func (s *Server) handleTimeOut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, side, err := s.callerSide(r, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	tx, err := s.escrowService.TimeOut(r.Context(), id, side)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleFundAppeal(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Side   string `json:"side"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be a or b")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative integer")
		return
	}
	tx, err := s.escrowService.FundAppeal(r.Context(), r.PathValue("id"), caller, side, amount)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		URI string `json:"uri"`
	}
	if err := decodeJSON(r, &req); err != nil || req.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	tx, err := s.escrowService.SubmitEvidence(r.Context(), r.PathValue("id"), caller, req.URI)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toTransactionResponse(tx))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	paid, err := s.escrowService.ClaimUnclaimed(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": paid.String()})
}

// handleReconcile completes a pending arbitrator call of the transaction.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, _, err := s.callerSide(r, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	tx, err := s.escrowService.Reconcile(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleWithdrawable(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	amount, err := s.withdrawalService.AmountWithdrawable(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Round *int `json:"round"`
		From  *int `json:"from"`
		To    *int `json:"to"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var (
		paid ledger.Amount
		err  error
	)
	switch {
	case req.Round != nil:
		paid, err = s.withdrawalService.Withdraw(r.Context(), r.PathValue("id"), caller, *req.Round)
	case req.From != nil && req.To != nil:
		paid, err = s.withdrawalService.BatchWithdraw(r.Context(), r.PathValue("id"), caller, *req.From, *req.To)
	default:
		writeError(w, http.StatusBadRequest, "round or from/to is required")
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": paid.String()})
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	summaries, err := s.disputeService.List(r.Context(), caller, r.URL.Query().Get("transactionId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(summaries))
	for _, d := range summaries {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.accounts == nil {
		writeError(w, http.StatusNotImplemented, "balances are not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": string(caller),
		"balance": s.accounts.Balance(caller).String(),
	})
}

type rulingRequest struct {
	DisputeID uint64 `json:"disputeId"`
	Ruling    uint   `json:"ruling"`
}

// handleRulingCallback receives final rulings from a remote arbitrator.
func (s *Server) handleRulingCallback(w http.ResponseWriter, r *http.Request) {
	caller, ok := addressFrom(r.Context())
	if !ok || roleFrom(r.Context()) != auth.RoleArbitrator {
		writeError(w, http.StatusForbidden, "arbitrator role required")
		return
	}
	var req rulingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.escrowService.RuleOnDispute(r.Context(), ledger.DisputeID(req.DisputeID), caller, arbitrator.Ruling(req.Ruling))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ruled"})
}

func (s *Server) operator(w http.ResponseWriter, r *http.Request) (ledger.DisputeID, bool) {
	if s.localArbitrator == nil {
		writeError(w, http.StatusNotImplemented, "no local arbitrator")
		return 0, false
	}
	if roleFrom(r.Context()) != auth.RoleArbitrator {
		writeError(w, http.StatusForbidden, "arbitrator role required")
		return 0, false
	}
	id, err := parseDisputeID(r.PathValue("disputeID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGiveRuling(w http.ResponseWriter, r *http.Request) {
	id, ok := s.operator(w, r)
	if !ok {
		return
	}
	var req struct {
		Ruling uint `json:"ruling"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.localArbitrator.GiveRuling(r.Context(), id, arbitrator.Ruling(req.Ruling)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "appealable"})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := s.operator(w, r)
	if !ok {
		return
	}
	if err := s.localArbitrator.Finalize(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "solved"})
}
