// Package service exposes the coordinator's operations over HTTP. It is a
// thin layer: request decoding, caller attribution, and translation of domain
// errors into transport errors. All authorization decisions stay in the
// layers below, which check fresh chain state.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/peertrade/escrow-coordinator/pkg/app/errors"
	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/dispute"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/gateway"
	"github.com/peertrade/escrow-coordinator/pkg/harness"
	"github.com/peertrade/escrow-coordinator/pkg/ledger"
	"github.com/peertrade/escrow-coordinator/pkg/reconciler"
	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// Lifecycle is the gateway surface the service consumes.
type Lifecycle interface {
	CreateEscrow(ctx context.Context, req gateway.CreateRequest) (*gateway.Result, error)
	FundEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	MarkFiatPaid(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	ReleaseEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	CancelEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	AutoCancel(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	UpdateSequentialAddress(ctx context.Context, req gateway.OpRequest, newAddress string) (*gateway.Result, error)
	GetEscrow(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error)
	GetTokenBalance(ctx context.Context, network, address string) (uint64, error)
}

// Disputes is the dispute coordinator surface the service consumes.
type Disputes interface {
	OpenDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error)
	RespondToDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error)
	ResolveDispute(ctx context.Context, req dispute.Request, buyerWins bool, explanation string) (*chain.TxResult, error)
	DefaultJudgment(ctx context.Context, req dispute.Request) (*chain.TxResult, error)
}

// Tracker is the reconciliation loop surface the service consumes.
type Tracker interface {
	Track(tradeID, escrowID uint64, network string)
	Degraded(tradeID uint64) bool
	Subscribe(tradeID uint64) (<-chan reconciler.Event, func())
}

// Runner executes scripted lifecycle sequences.
type Runner interface {
	RunCompleteLifecycle(ctx context.Context, s harness.Scenario) (string, error)
	RunDisputeWorkflow(ctx context.Context, s harness.Scenario, buyerWins bool, explanation string) (string, error)
	Results(runID string) []harness.StepResult
}

// EscrowService wires the coordinator's collaborators behind the HTTP routes.
type EscrowService struct {
	lifecycle Lifecycle
	disputes  Disputes
	tracker   Tracker
	runner    Runner
	logger    *zap.Logger
}

// NewEscrowService creates the service. runner may be nil when the harness
// endpoints are disabled.
func NewEscrowService(lifecycle Lifecycle, disputes Disputes, tracker Tracker, runner Runner, logger *zap.Logger) *EscrowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscrowService{
		lifecycle: lifecycle,
		disputes:  disputes,
		tracker:   tracker,
		runner:    runner,
		logger:    logger,
	}
}

// CreateEscrow opens an escrow and registers the trade for reconciliation.
func (s *EscrowService) CreateEscrow(ctx context.Context, req gateway.CreateRequest) (*gateway.Result, error) {
	res, err := s.lifecycle.CreateEscrow(ctx, req)
	if err != nil {
		return nil, toServiceError(err)
	}
	s.tracker.Track(req.TradeID, res.EscrowID, req.Network)
	return res, nil
}

// FundEscrow moves the seller's deposit into the escrow.
func (s *EscrowService) FundEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	res, err := s.lifecycle.FundEscrow(ctx, req)
	return res, toServiceError(err)
}

// MarkFiatPaid records the buyer's fiat payment declaration.
func (s *EscrowService) MarkFiatPaid(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	res, err := s.lifecycle.MarkFiatPaid(ctx, req)
	return res, toServiceError(err)
}

// ReleaseEscrow pays the buyer out.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	res, err := s.lifecycle.ReleaseEscrow(ctx, req)
	return res, toServiceError(err)
}

// CancelEscrow refunds the seller.
func (s *EscrowService) CancelEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	res, err := s.lifecycle.CancelEscrow(ctx, req)
	return res, toServiceError(err)
}

// AutoCancel cancels an escrow whose deadline has lapsed; arbitrator only.
func (s *EscrowService) AutoCancel(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	res, err := s.lifecycle.AutoCancel(ctx, req)
	return res, toServiceError(err)
}

// UpdateSequentialAddress changes the payout address of a sequential escrow.
func (s *EscrowService) UpdateSequentialAddress(ctx context.Context, req gateway.OpRequest, newAddress string) (*gateway.Result, error) {
	if newAddress == "" {
		return nil, apperrors.BadRequestError(nil, "new_address is required")
	}
	res, err := s.lifecycle.UpdateSequentialAddress(ctx, req, newAddress)
	return res, toServiceError(err)
}

// EscrowView is an escrow read plus coordinator-side status.
type EscrowView struct {
	Escrow   *escrow.Escrow
	Degraded bool
}

// GetEscrow reads the escrow fresh from chain.
func (s *EscrowService) GetEscrow(ctx context.Context, network string, escrowID, tradeID uint64) (*EscrowView, error) {
	e, err := s.lifecycle.GetEscrow(ctx, network, escrowID, tradeID)
	if err != nil {
		return nil, toServiceError(err)
	}
	return &EscrowView{Escrow: e, Degraded: s.tracker.Degraded(tradeID)}, nil
}

// GetBalance returns the settlement-token balance of an address.
func (s *EscrowService) GetBalance(ctx context.Context, network, address string) (uint64, error) {
	if address == "" {
		return 0, apperrors.BadRequestError(nil, "address is required")
	}
	bal, err := s.lifecycle.GetTokenBalance(ctx, network, address)
	return bal, toServiceError(err)
}

// Actions returns the lifecycle actions party may take right now, derived
// from a fresh chain read. A party that is none of seller, buyer or
// arbitrator gets an empty set.
func (s *EscrowService) Actions(ctx context.Context, network string, escrowID, tradeID uint64, party string) ([]trade.Action, error) {
	e, err := s.lifecycle.GetEscrow(ctx, network, escrowID, tradeID)
	if err != nil {
		return nil, toServiceError(err)
	}
	role, ok := roleOf(e, party)
	if !ok {
		return []trade.Action{}, nil
	}
	now := time.Now()
	actions := trade.AvailableActions(trade.LegStateFor(e), role,
		e.DepositDeadlineExpired(now), e.FiatDeadlineExpired(now))
	if actions == nil {
		actions = []trade.Action{}
	}
	return actions, nil
}

// OpenDispute opens a bonded dispute.
func (s *EscrowService) OpenDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	res, err := s.disputes.OpenDispute(ctx, req, evidenceHash, bond)
	return res, toServiceError(err)
}

// RespondToDispute posts the counterparty's bond and evidence.
func (s *EscrowService) RespondToDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	res, err := s.disputes.RespondToDispute(ctx, req, evidenceHash, bond)
	return res, toServiceError(err)
}

// ResolveDispute records the arbitrator's decision.
func (s *EscrowService) ResolveDispute(ctx context.Context, req dispute.Request, buyerWins bool, explanation string) (*chain.TxResult, error) {
	res, err := s.disputes.ResolveDispute(ctx, req, buyerWins, explanation)
	return res, toServiceError(err)
}

// DefaultJudgment resolves a one-sided dispute after the response window.
func (s *EscrowService) DefaultJudgment(ctx context.Context, req dispute.Request) (*chain.TxResult, error) {
	res, err := s.disputes.DefaultJudgment(ctx, req)
	return res, toServiceError(err)
}

// RunLifecycle executes the scripted happy-path sequence and returns the run
// log. The per-step error, if any, is already recorded in the results.
func (s *EscrowService) RunLifecycle(ctx context.Context, sc harness.Scenario) (string, []harness.StepResult, error) {
	if s.runner == nil {
		return "", nil, apperrors.ResourceNotFoundError(nil, "harness is not enabled")
	}
	runID, err := s.runner.RunCompleteLifecycle(ctx, sc)
	return runID, s.runner.Results(runID), toServiceError(err)
}

// RunDisputeWorkflow executes the scripted dispute sequence.
func (s *EscrowService) RunDisputeWorkflow(ctx context.Context, sc harness.Scenario, buyerWins bool, explanation string) (string, []harness.StepResult, error) {
	if s.runner == nil {
		return "", nil, apperrors.ResourceNotFoundError(nil, "harness is not enabled")
	}
	runID, err := s.runner.RunDisputeWorkflow(ctx, sc, buyerWins, explanation)
	return runID, s.runner.Results(runID), toServiceError(err)
}

// RunResults returns the recorded steps of a previous harness run.
func (s *EscrowService) RunResults(runID string) ([]harness.StepResult, error) {
	if s.runner == nil {
		return nil, apperrors.ResourceNotFoundError(nil, "harness is not enabled")
	}
	results := s.runner.Results(runID)
	if len(results) == 0 {
		return nil, apperrors.ResourceNotFoundError(nil, "unknown run id")
	}
	return results, nil
}

func roleOf(e *escrow.Escrow, party string) (escrow.Role, bool) {
	switch party {
	case e.Seller:
		return escrow.RoleSeller, true
	case e.Buyer:
		return escrow.RoleBuyer, true
	case e.Arbitrator:
		return escrow.RoleArbitrator, true
	}
	return "", false
}

// toServiceError translates domain errors into the transport error taxonomy.
// The escrow error kinds split three ways: bad input, authorization, and
// state conflicts; only transport failures become dependency errors.
func toServiceError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrEscrowBusy) {
		return apperrors.LockedError(err, "another operation on this escrow is in flight")
	}
	if errors.Is(err, gateway.ErrUnknownNetwork) {
		return apperrors.BadRequestError(err, err.Error())
	}
	if errors.Is(err, ledger.ErrTradeNotFound) {
		return apperrors.ResourceNotFoundError(err, "trade not found")
	}
	switch escrow.KindOf(err) {
	case escrow.KindInvalidAmount,
		escrow.KindMissingSequentialAddress,
		escrow.KindInsufficientFunds,
		escrow.KindIncorrectBondAmount,
		escrow.KindInvalidResolutionExplanation:
		return apperrors.BadRequestError(err, err.Error())
	case escrow.KindUnauthorized:
		return apperrors.ForbiddenError(err, err.Error())
	case escrow.KindInvalidState,
		escrow.KindTerminalState,
		escrow.KindDepositDeadlineExpired,
		escrow.KindFiatDeadlineExpired,
		escrow.KindResponseDeadlineExpired,
		escrow.KindDuplicateEvidence:
		return apperrors.ConflictError(err, err.Error())
	case escrow.KindChainCommunication:
		return apperrors.DependencyError(err, "chain communication error")
	}
	return apperrors.GeneralError(err)
}
