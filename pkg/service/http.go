package service

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/peertrade/escrow-coordinator/pkg/app/errors"
	apphttp "github.com/peertrade/escrow-coordinator/pkg/app/http"
	"github.com/peertrade/escrow-coordinator/pkg/auth"
	"github.com/peertrade/escrow-coordinator/pkg/dispute"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/gateway"
	"github.com/peertrade/escrow-coordinator/pkg/harness"
	"github.com/peertrade/escrow-coordinator/pkg/token"
)

// HTTP wraps the EscrowService to provide HTTP endpoints
type HTTP struct {
	service *EscrowService
	logger  *zap.Logger
}

// RegisterRoutes registers the coordinator endpoints on the given chi router
func RegisterRoutes(r chi.Router, service *EscrowService, logger *zap.Logger) {
	h := &HTTP{
		service: service,
		logger:  logger,
	}

	r.Route("/escrows", func(r chi.Router) {
		r.Post("/", apphttp.HandleError(h.create))
		r.Route("/{network}/{escrowID}", func(r chi.Router) {
			r.Get("/", apphttp.HandleError(h.get))
			r.Get("/actions", apphttp.HandleError(h.actions))
			r.Post("/fund", apphttp.HandleError(h.fund))
			r.Post("/fiat-paid", apphttp.HandleError(h.markFiatPaid))
			r.Post("/release", apphttp.HandleError(h.release))
			r.Post("/cancel", apphttp.HandleError(h.cancel))
			r.Post("/auto-cancel", apphttp.HandleError(h.autoCancel))
			r.Post("/sequential-address", apphttp.HandleError(h.updateSequentialAddress))
			r.Route("/dispute", func(r chi.Router) {
				r.Post("/", apphttp.HandleError(h.openDispute))
				r.Post("/response", apphttp.HandleError(h.respondToDispute))
				r.Post("/resolution", apphttp.HandleError(h.resolveDispute))
				r.Post("/default-judgment", apphttp.HandleError(h.defaultJudgment))
			})
		})
	})

	r.Get("/balances/{network}/{address}", apphttp.HandleError(h.balance))

	r.Route("/harness", func(r chi.Router) {
		r.Post("/lifecycle", apphttp.HandleError(h.runLifecycle))
		r.Post("/dispute", apphttp.HandleError(h.runDisputeWorkflow))
		r.Get("/runs/{runID}", apphttp.HandleError(h.runResults))
	})
}

// RegisterEventRoutes registers the long-lived streaming endpoints. They are
// registered separately so the server can keep them outside the per-request
// timeout middleware.
func RegisterEventRoutes(r chi.Router, service *EscrowService, logger *zap.Logger) {
	h := &HTTP{
		service: service,
		logger:  logger,
	}

	r.Get("/trades/{tradeID}/events", h.events)
}

type createEscrowRequest struct {
	Network           string    `json:"network"`
	TradeID           uint64    `json:"trade_id"`
	Caller            string    `json:"caller,omitempty"`
	Seller            string    `json:"seller"`
	Buyer             string    `json:"buyer"`
	Arbitrator        string    `json:"arbitrator"`
	Amount            uint64    `json:"amount,omitempty"`
	AmountDisplay     string    `json:"amount_display,omitempty"`
	Sequential        bool      `json:"sequential,omitempty"`
	SequentialAddress string    `json:"sequential_address,omitempty"`
	DepositDeadline   time.Time `json:"deposit_deadline,omitempty"`
	FiatDeadline      time.Time `json:"fiat_deadline,omitempty"`
	EscrowID          uint64    `json:"escrow_id,omitempty"`
}

type opRequest struct {
	TradeID    uint64 `json:"trade_id"`
	Caller     string `json:"caller,omitempty"`
	NewAddress string `json:"new_address,omitempty"`
}

type disputeRequest struct {
	TradeID      uint64 `json:"trade_id"`
	Caller       string `json:"caller,omitempty"`
	EvidenceHash string `json:"evidence_hash,omitempty"`
	Bond         uint64 `json:"bond,omitempty"`
	BuyerWins    bool   `json:"buyer_wins,omitempty"`
	Explanation  string `json:"explanation,omitempty"`
}

type resultResponse struct {
	TxReference string `json:"tx_reference"`
	EscrowID    uint64 `json:"escrow_id"`
	State       string `json:"state,omitempty"`
}

type disputeResponse struct {
	Initiator          string    `json:"initiator"`
	InitiatedAt        time.Time `json:"initiated_at"`
	ResponseDeadline   time.Time `json:"response_deadline"`
	BuyerEvidenceHash  string    `json:"buyer_evidence_hash,omitempty"`
	SellerEvidenceHash string    `json:"seller_evidence_hash,omitempty"`
	ResolutionHash     string    `json:"resolution_hash,omitempty"`
}

type escrowResponse struct {
	EscrowID          uint64           `json:"escrow_id"`
	TradeID           uint64           `json:"trade_id"`
	Seller            string           `json:"seller"`
	Buyer             string           `json:"buyer"`
	Arbitrator        string           `json:"arbitrator"`
	Amount            uint64           `json:"amount"`
	AmountDisplay     string           `json:"amount_display"`
	Fee               uint64           `json:"fee"`
	TrackedBalance    uint64           `json:"tracked_balance"`
	DepositDeadline   time.Time        `json:"deposit_deadline"`
	FiatDeadline      time.Time        `json:"fiat_deadline,omitempty"`
	State             string           `json:"state"`
	FiatPaid          bool             `json:"fiat_paid"`
	Sequential        bool             `json:"sequential,omitempty"`
	SequentialAddress string           `json:"sequential_address,omitempty"`
	Counter           uint64           `json:"counter"`
	Dispute           *disputeResponse `json:"dispute,omitempty"`
	Degraded          bool             `json:"reconciliation_degraded,omitempty"`
}

func toResultResponse(res *gateway.Result) *resultResponse {
	return &resultResponse{
		TxReference: res.TxReference,
		EscrowID:    res.EscrowID,
		State:       string(res.ConfirmedState),
	}
}

func toEscrowResponse(v *EscrowView) *escrowResponse {
	e := v.Escrow
	resp := &escrowResponse{
		EscrowID:          e.EscrowID,
		TradeID:           e.TradeID,
		Seller:            e.Seller,
		Buyer:             e.Buyer,
		Arbitrator:        e.Arbitrator,
		Amount:            e.Amount,
		AmountDisplay:     token.USDC.FormatAmount(e.Amount),
		Fee:               e.Fee,
		TrackedBalance:    e.TrackedBalance,
		DepositDeadline:   e.DepositDeadline,
		FiatDeadline:      e.FiatDeadline,
		State:             string(e.State),
		FiatPaid:          e.FiatPaid,
		Sequential:        e.Sequential,
		SequentialAddress: e.SequentialAddress,
		Counter:           e.Counter,
		Degraded:          v.Degraded,
	}
	if d := e.Dispute; d != nil {
		resp.Dispute = &disputeResponse{
			Initiator:          d.Initiator,
			InitiatedAt:        d.InitiatedAt,
			ResponseDeadline:   d.ResponseDeadline(),
			BuyerEvidenceHash:  hashString(d.BuyerEvidenceHash),
			SellerEvidenceHash: hashString(d.SellerEvidenceHash),
			ResolutionHash:     hashString(d.ResolutionHash),
		}
	}
	return resp
}

func hashString(h escrow.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) error {
	var req createEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	caller, err := callerFor(r, req.Caller)
	if err != nil {
		return err
	}
	amount := req.Amount
	if amount == 0 && req.AmountDisplay != "" {
		amount, err = token.USDC.ParseAmount(req.AmountDisplay)
		if err != nil {
			return apperrors.BadRequestError(err, "invalid amount_display")
		}
	}

	res, err := h.service.CreateEscrow(r.Context(), gateway.CreateRequest{
		Network:           req.Network,
		TradeID:           req.TradeID,
		Caller:            caller,
		Seller:            req.Seller,
		Buyer:             req.Buyer,
		Arbitrator:        req.Arbitrator,
		Amount:            amount,
		Sequential:        req.Sequential,
		SequentialAddress: req.SequentialAddress,
		DepositDeadline:   req.DepositDeadline,
		FiatDeadline:      req.FiatDeadline,
		EscrowID:          req.EscrowID,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, toResultResponse(res))
	return nil
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) error {
	network, escrowID, err := pathTarget(r)
	if err != nil {
		return err
	}
	tradeID, err := queryUint(r, "trade_id")
	if err != nil {
		return err
	}
	view, err := h.service.GetEscrow(r.Context(), network, escrowID, tradeID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toEscrowResponse(view))
	return nil
}

func (h *HTTP) actions(w http.ResponseWriter, r *http.Request) error {
	network, escrowID, err := pathTarget(r)
	if err != nil {
		return err
	}
	tradeID, err := queryUint(r, "trade_id")
	if err != nil {
		return err
	}
	party, err := callerFor(r, r.URL.Query().Get("party"))
	if err != nil {
		return err
	}
	actions, err := h.service.Actions(r.Context(), network, escrowID, tradeID, party)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
	return nil
}

type serviceOp func(r *http.Request, req gateway.OpRequest, body opRequest) (*gateway.Result, error)

// handleOp factors the shared decode/attribution path of the single-escrow
// lifecycle endpoints.
func (h *HTTP) handleOp(w http.ResponseWriter, r *http.Request, op serviceOp) error {
	network, escrowID, err := pathTarget(r)
	if err != nil {
		return err
	}
	var body opRequest
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	caller, err := callerFor(r, body.Caller)
	if err != nil {
		return err
	}
	res, err := op(r, gateway.OpRequest{
		Network:  network,
		EscrowID: escrowID,
		TradeID:  body.TradeID,
		Caller:   caller,
	}, body)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toResultResponse(res))
	return nil
}

func (h *HTTP) fund(w http.ResponseWriter, r *http.Request) error {
	return h.handleOp(w, r, func(r *http.Request, req gateway.OpRequest, _ opRequest) (*gateway.Result, error) {
		return h.service.FundEscrow(r.Context(), req)
	})
}

func (h *HTTP) markFiatPaid(w http.ResponseWriter, r *http.Request) error {
	return h.handleOp(w, r, func(r *http.Request, req gateway.OpRequest, _ opRequest) (*gateway.Result, error) {
		return h.service.MarkFiatPaid(r.Context(), req)
	})
}

func (h *HTTP) release(w http.ResponseWriter, r *http.Request) error {
	return h.handleOp(w, r, func(r *http.Request, req gateway.OpRequest, _ opRequest) (*gateway.Result, error) {
		return h.service.ReleaseEscrow(r.Context(), req)
	})
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) error {
	return h.handleOp(w, r, func(r *http.Request, req gateway.OpRequest, _ opRequest) (*gateway.Result, error) {
		return h.service.CancelEscrow(r.Context(), req)
	})
}

func (h *HTTP) autoCancel(w http.ResponseWriter, r *http.Request) error {
	return h.handleOp(w, r, func(r *http.Request, req gateway.OpRequest, _ opRequest) (*gateway.Result, error) {
		return h.service.AutoCancel(r.Context(), req)
	})
}

func (h *HTTP) updateSequentialAddress(w http.ResponseWriter, r *http.Request) error {
	return h.handleOp(w, r, func(r *http.Request, req gateway.OpRequest, body opRequest) (*gateway.Result, error) {
		return h.service.UpdateSequentialAddress(r.Context(), req, body.NewAddress)
	})
}

func (h *HTTP) openDispute(w http.ResponseWriter, r *http.Request) error {
	req, body, err := h.disputeTarget(r)
	if err != nil {
		return err
	}
	evidence, err := parseHash(body.EvidenceHash)
	if err != nil {
		return err
	}
	res, err := h.service.OpenDispute(r.Context(), req, evidence, body.Bond)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, &resultResponse{TxReference: res.TxReference, EscrowID: req.EscrowID, State: string(res.ConfirmedState)})
	return nil
}

func (h *HTTP) respondToDispute(w http.ResponseWriter, r *http.Request) error {
	req, body, err := h.disputeTarget(r)
	if err != nil {
		return err
	}
	evidence, err := parseHash(body.EvidenceHash)
	if err != nil {
		return err
	}
	res, err := h.service.RespondToDispute(r.Context(), req, evidence, body.Bond)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, &resultResponse{TxReference: res.TxReference, EscrowID: req.EscrowID, State: string(res.ConfirmedState)})
	return nil
}

func (h *HTTP) resolveDispute(w http.ResponseWriter, r *http.Request) error {
	req, body, err := h.disputeTarget(r)
	if err != nil {
		return err
	}
	res, err := h.service.ResolveDispute(r.Context(), req, body.BuyerWins, body.Explanation)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, &resultResponse{TxReference: res.TxReference, EscrowID: req.EscrowID, State: string(res.ConfirmedState)})
	return nil
}

func (h *HTTP) defaultJudgment(w http.ResponseWriter, r *http.Request) error {
	req, _, err := h.disputeTarget(r)
	if err != nil {
		return err
	}
	res, err := h.service.DefaultJudgment(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, &resultResponse{TxReference: res.TxReference, EscrowID: req.EscrowID, State: string(res.ConfirmedState)})
	return nil
}

func (h *HTTP) disputeTarget(r *http.Request) (dispute.Request, disputeRequest, error) {
	network, escrowID, err := pathTarget(r)
	if err != nil {
		return dispute.Request{}, disputeRequest{}, err
	}
	var body disputeRequest
	if err := decodeJSON(r, &body); err != nil {
		return dispute.Request{}, disputeRequest{}, err
	}
	caller, err := callerFor(r, body.Caller)
	if err != nil {
		return dispute.Request{}, disputeRequest{}, err
	}
	return dispute.Request{
		Network:  network,
		EscrowID: escrowID,
		TradeID:  body.TradeID,
		Party:    caller,
	}, body, nil
}

func (h *HTTP) balance(w http.ResponseWriter, r *http.Request) error {
	network := chi.URLParam(r, "network")
	address := chi.URLParam(r, "address")
	bal, err := h.service.GetBalance(r.Context(), network, address)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"network":         network,
		"address":         address,
		"balance":         bal,
		"balance_display": token.USDC.FormatAmount(bal),
	})
	return nil
}

type scenarioRequest struct {
	Network           string `json:"network"`
	TradeID           uint64 `json:"trade_id"`
	Amount            uint64 `json:"amount"`
	Seller            string `json:"seller"`
	Buyer             string `json:"buyer"`
	Arbitrator        string `json:"arbitrator"`
	Sequential        bool   `json:"sequential,omitempty"`
	SequentialAddress string `json:"sequential_address,omitempty"`
	DepositWindow     string `json:"deposit_window,omitempty"`
	FiatWindow        string `json:"fiat_window,omitempty"`
	BuyerWins         bool   `json:"buyer_wins,omitempty"`
	Explanation       string `json:"explanation,omitempty"`
}

type stepResultResponse struct {
	RunID       string    `json:"run_id"`
	Step        string    `json:"step"`
	TxReference string    `json:"tx_reference,omitempty"`
	State       string    `json:"state,omitempty"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

type runResponse struct {
	RunID   string               `json:"run_id"`
	OK      bool                 `json:"ok"`
	Error   string               `json:"error,omitempty"`
	Results []stepResultResponse `json:"results"`
}

func (req *scenarioRequest) scenario() (harness.Scenario, error) {
	s := harness.Scenario{
		Network:           req.Network,
		TradeID:           req.TradeID,
		Amount:            req.Amount,
		Seller:            req.Seller,
		Buyer:             req.Buyer,
		Arbitrator:        req.Arbitrator,
		Sequential:        req.Sequential,
		SequentialAddress: req.SequentialAddress,
	}
	if req.DepositWindow != "" {
		d, err := time.ParseDuration(req.DepositWindow)
		if err != nil {
			return s, apperrors.BadRequestError(err, "invalid deposit_window")
		}
		s.DepositWindow = d
	}
	if req.FiatWindow != "" {
		d, err := time.ParseDuration(req.FiatWindow)
		if err != nil {
			return s, apperrors.BadRequestError(err, "invalid fiat_window")
		}
		s.FiatWindow = d
	}
	return s, nil
}

func toRunResponse(runID string, results []harness.StepResult, err error) *runResponse {
	resp := &runResponse{RunID: runID, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	for _, sr := range results {
		out := stepResultResponse{
			RunID:       sr.RunID,
			Step:        sr.Step,
			TxReference: sr.TxReference,
			State:       string(sr.State),
			OK:          sr.OK,
			StartedAt:   sr.StartedAt,
			FinishedAt:  sr.FinishedAt,
		}
		if sr.Err != "" {
			out.Error = sr.Err
		}
		resp.Results = append(resp.Results, out)
	}
	return resp
}

func (h *HTTP) runLifecycle(w http.ResponseWriter, r *http.Request) error {
	var req scenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	sc, err := req.scenario()
	if err != nil {
		return err
	}
	runID, results, runErr := h.service.RunLifecycle(r.Context(), sc)
	if runID == "" && runErr != nil {
		return runErr
	}
	h.writeJSON(w, http.StatusOK, toRunResponse(runID, results, runErr))
	return nil
}

func (h *HTTP) runDisputeWorkflow(w http.ResponseWriter, r *http.Request) error {
	var req scenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	sc, err := req.scenario()
	if err != nil {
		return err
	}
	runID, results, runErr := h.service.RunDisputeWorkflow(r.Context(), sc, req.BuyerWins, req.Explanation)
	if runID == "" && runErr != nil {
		return runErr
	}
	h.writeJSON(w, http.StatusOK, toRunResponse(runID, results, runErr))
	return nil
}

func (h *HTTP) runResults(w http.ResponseWriter, r *http.Request) error {
	runID := chi.URLParam(r, "runID")
	results, err := h.service.RunResults(runID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toRunResponse(runID, results, nil))
	return nil
}

func (h *HTTP) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		return apperrors.BadRequestError(err, "failed to read request")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.BadRequestError(err, "invalid JSON")
	}
	return nil
}

// callerFor resolves the address an operation is attributed to. An
// authenticated wallet always wins; the body field is accepted only on
// unauthenticated deployments.
func callerFor(r *http.Request, bodyCaller string) (string, error) {
	if addr, ok := auth.WalletAddressFromContext(r.Context()); ok && addr != "" {
		return addr, nil
	}
	if bodyCaller != "" {
		return bodyCaller, nil
	}
	return "", apperrors.UnAuthorizedError(nil, "caller address required")
}

func pathTarget(r *http.Request) (string, uint64, error) {
	network := chi.URLParam(r, "network")
	escrowID, err := strconv.ParseUint(chi.URLParam(r, "escrowID"), 10, 64)
	if err != nil {
		return "", 0, apperrors.BadRequestError(err, "invalid escrow id")
	}
	return network, escrowID, nil
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, apperrors.BadRequestError(nil, name+" is required")
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperrors.BadRequestError(err, "invalid "+name)
	}
	return v, nil
}

func parseHash(s string) (escrow.Hash, error) {
	var h escrow.Hash
	if s == "" {
		return h, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, apperrors.BadRequestError(err, "evidence_hash must be 32 bytes of hex")
	}
	copy(h[:], raw)
	return h, nil
}
