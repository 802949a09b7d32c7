// Package harness drives scripted escrow lifecycle sequences end to end
// against a live deployment: every step submits through the real gateway,
// then re-reads chain state and checks the outcome before moving on. Results
// accumulate in an append-only log keyed by run id, so a failed run leaves a
// full trail of what happened before the failure.
package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/dispute"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/gateway"
)

// Driver is the gateway surface the harness exercises.
type Driver interface {
	CreateEscrow(ctx context.Context, req gateway.CreateRequest) (*gateway.Result, error)
	FundEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	MarkFiatPaid(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	ReleaseEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	CancelEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error)
}

// Disputes is the dispute-coordinator surface the dispute workflow exercises.
type Disputes interface {
	OpenDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error)
	RespondToDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error)
	ResolveDispute(ctx context.Context, req dispute.Request, buyerWins bool, explanation string) (*chain.TxResult, error)
}

// Scenario parameterizes one harness run.
type Scenario struct {
	Network    string
	TradeID    uint64
	Amount     uint64
	Seller     string
	Buyer      string
	Arbitrator string

	Sequential        bool
	SequentialAddress string

	DepositWindow time.Duration
	FiatWindow    time.Duration
}

func (s Scenario) withDefaults() Scenario {
	if s.DepositWindow <= 0 {
		s.DepositWindow = escrow.DefaultDepositWindow
	}
	if s.FiatWindow <= 0 {
		s.FiatWindow = escrow.DefaultFiatWindow
	}
	return s
}

// StepResult is one appended entry in the run log.
type StepResult struct {
	RunID       string
	Step        string
	TxReference string
	State       escrow.State
	OK          bool
	Err         string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Harness runs scripted sequences and records their outcomes.
type Harness struct {
	driver   Driver
	disputes Disputes
	logger   *zap.Logger

	mu      sync.Mutex
	results []StepResult
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the harness logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// New creates a harness over the given gateway and dispute surfaces.
func New(driver Driver, disputes Disputes, opts ...Option) *Harness {
	h := &Harness{driver: driver, disputes: disputes, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Results returns a copy of the log entries for one run, in execution order.
func (h *Harness) Results(runID string) []StepResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []StepResult
	for _, r := range h.results {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out
}

// AllResults returns a copy of the full append-only log.
func (h *Harness) AllResults() []StepResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StepResult, len(h.results))
	copy(out, h.results)
	return out
}

func (h *Harness) record(r StepResult) {
	h.mu.Lock()
	h.results = append(h.results, r)
	h.mu.Unlock()
}

type run struct {
	h        *Harness
	id       string
	scenario Scenario
	escrowID uint64
}

// step executes one operation, then re-reads chain state and applies the
// check against the fresh record. The observed state is logged either way.
func (r *run) step(ctx context.Context, name string, op func(ctx context.Context) (string, error), check func(e *escrow.Escrow) error) error {
	res := StepResult{RunID: r.id, Step: name, StartedAt: time.Now().UTC()}
	txRef, err := op(ctx)
	res.TxReference = txRef
	if err == nil {
		var e *escrow.Escrow
		e, err = r.h.driver.ReadFresh(ctx, r.scenario.Network, r.escrowID, r.scenario.TradeID)
		if err == nil {
			res.State = e.State
			err = check(e)
		}
	}
	res.OK = err == nil
	if err != nil {
		res.Err = err.Error()
	}
	res.FinishedAt = time.Now().UTC()
	r.h.record(res)

	if err != nil {
		r.h.logger.Error("harness step failed",
			zap.String("run_id", r.id),
			zap.String("step", name),
			zap.Error(err))
		return fmt.Errorf("step %s: %w", name, err)
	}
	r.h.logger.Info("harness step passed",
		zap.String("run_id", r.id),
		zap.String("step", name),
		zap.String("state", string(res.State)))
	return nil
}

// cleanup tries to cancel the escrow after a failed run so test funds return
// to the seller. Cleanup failures are logged and recorded, never returned:
// the caller sees the original failure.
func (r *run) cleanup(ctx context.Context) {
	res := StepResult{RunID: r.id, Step: "cleanup_cancel", StartedAt: time.Now().UTC()}
	_, err := r.h.driver.CancelEscrow(ctx, gateway.OpRequest{
		Network:  r.scenario.Network,
		EscrowID: r.escrowID,
		TradeID:  r.scenario.TradeID,
		Caller:   r.scenario.Seller,
	})
	res.OK = err == nil
	if err != nil {
		res.Err = err.Error()
		r.h.logger.Warn("cleanup cancel failed; escrow left for manual recovery",
			zap.String("run_id", r.id),
			zap.Uint64("escrow_id", r.escrowID),
			zap.Error(err))
	}
	res.FinishedAt = time.Now().UTC()
	r.h.record(res)
}

func (r *run) opRequest(caller string) gateway.OpRequest {
	return gateway.OpRequest{
		Network:  r.scenario.Network,
		EscrowID: r.escrowID,
		TradeID:  r.scenario.TradeID,
		Caller:   caller,
	}
}

func (r *run) disputeRequest(party string) dispute.Request {
	return dispute.Request{
		Network:  r.scenario.Network,
		EscrowID: r.escrowID,
		TradeID:  r.scenario.TradeID,
		Party:    party,
	}
}

func expectState(want escrow.State) func(e *escrow.Escrow) error {
	return func(e *escrow.Escrow) error {
		if e.State != want {
			return fmt.Errorf("expected state %s, chain shows %s", want, e.State)
		}
		return nil
	}
}

func (r *run) create(ctx context.Context) error {
	s := r.scenario
	return r.step(ctx, "create_escrow", func(ctx context.Context) (string, error) {
		res, err := r.h.driver.CreateEscrow(ctx, gateway.CreateRequest{
			Network:           s.Network,
			TradeID:           s.TradeID,
			Caller:            s.Seller,
			Seller:            s.Seller,
			Buyer:             s.Buyer,
			Arbitrator:        s.Arbitrator,
			Amount:            s.Amount,
			Sequential:        s.Sequential,
			SequentialAddress: s.SequentialAddress,
			DepositDeadline:   time.Now().Add(s.DepositWindow),
			FiatDeadline:      time.Now().Add(s.FiatWindow),
		})
		if err != nil {
			return "", err
		}
		r.escrowID = res.EscrowID
		return res.TxReference, nil
	}, expectState(escrow.StateCreated))
}

func (r *run) fund(ctx context.Context) error {
	return r.step(ctx, "fund_escrow", func(ctx context.Context) (string, error) {
		res, err := r.h.driver.FundEscrow(ctx, r.opRequest(r.scenario.Seller))
		if err != nil {
			return "", err
		}
		return res.TxReference, nil
	}, func(e *escrow.Escrow) error {
		if e.State != escrow.StateFunded {
			return fmt.Errorf("expected state %s, chain shows %s", escrow.StateFunded, e.State)
		}
		if e.FiatPaid {
			return fmt.Errorf("fiat_paid set before mark_fiat_paid")
		}
		return nil
	})
}

func (r *run) markFiatPaid(ctx context.Context) error {
	return r.step(ctx, "mark_fiat_paid", func(ctx context.Context) (string, error) {
		res, err := r.h.driver.MarkFiatPaid(ctx, r.opRequest(r.scenario.Buyer))
		if err != nil {
			return "", err
		}
		return res.TxReference, nil
	}, func(e *escrow.Escrow) error {
		if !e.FiatPaid {
			return fmt.Errorf("fiat_paid not set after mark_fiat_paid")
		}
		return nil
	})
}

// RunCompleteLifecycle scripts the happy path: create, fund, mark fiat paid,
// release. On any failure it attempts a best-effort cancel and returns the
// original step error.
func (h *Harness) RunCompleteLifecycle(ctx context.Context, s Scenario) (string, error) {
	r := &run{h: h, id: uuid.NewString(), scenario: s.withDefaults()}
	h.logger.Info("complete lifecycle run starting",
		zap.String("run_id", r.id),
		zap.Uint64("trade_id", s.TradeID),
		zap.String("network", s.Network))

	err := r.create(ctx)
	if err == nil {
		err = r.fund(ctx)
	}
	if err == nil {
		err = r.markFiatPaid(ctx)
	}
	if err == nil {
		err = r.step(ctx, "release_escrow", func(ctx context.Context) (string, error) {
			res, rerr := h.driver.ReleaseEscrow(ctx, r.opRequest(r.scenario.Seller))
			if rerr != nil {
				return "", rerr
			}
			return res.TxReference, nil
		}, expectState(escrow.StateReleased))
	}
	if err != nil && r.escrowID != 0 {
		r.cleanup(ctx)
	}
	return r.id, err
}

// RunDisputeWorkflow scripts the full dispute path: create, fund, mark fiat
// paid, buyer opens a bonded dispute, seller responds, the arbitrator
// resolves. On any failure it attempts a best-effort cancel and returns the
// original step error.
func (h *Harness) RunDisputeWorkflow(ctx context.Context, s Scenario, buyerWins bool, explanation string) (string, error) {
	r := &run{h: h, id: uuid.NewString(), scenario: s.withDefaults()}
	h.logger.Info("dispute workflow run starting",
		zap.String("run_id", r.id),
		zap.Uint64("trade_id", s.TradeID),
		zap.String("network", s.Network))

	bond := escrow.BondFor(s.Amount)

	err := r.create(ctx)
	if err == nil {
		err = r.fund(ctx)
	}
	if err == nil {
		err = r.markFiatPaid(ctx)
	}
	if err == nil {
		err = r.step(ctx, "open_dispute", func(ctx context.Context) (string, error) {
			tx, derr := h.disputes.OpenDispute(ctx, r.disputeRequest(s.Buyer),
				dispute.HashExplanation("buyer evidence "+r.id), bond)
			if derr != nil {
				return "", derr
			}
			return tx.TxReference, nil
		}, expectState(escrow.StateDisputed))
	}
	if err == nil {
		err = r.step(ctx, "respond_to_dispute", func(ctx context.Context) (string, error) {
			tx, derr := h.disputes.RespondToDispute(ctx, r.disputeRequest(s.Seller),
				dispute.HashExplanation("seller evidence "+r.id), bond)
			if derr != nil {
				return "", derr
			}
			return tx.TxReference, nil
		}, func(e *escrow.Escrow) error {
			if e.Dispute == nil || e.Dispute.SellerEvidenceHash.IsZero() {
				return fmt.Errorf("seller evidence not recorded on chain")
			}
			return nil
		})
	}
	if err == nil {
		err = r.step(ctx, "resolve_dispute", func(ctx context.Context) (string, error) {
			tx, derr := h.disputes.ResolveDispute(ctx, r.disputeRequest(s.Arbitrator), buyerWins, explanation)
			if derr != nil {
				return "", derr
			}
			return tx.TxReference, nil
		}, expectState(escrow.StateResolved))
	}
	if err != nil && r.escrowID != 0 {
		r.cleanup(ctx)
	}
	return r.id, err
}
