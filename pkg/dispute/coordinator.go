// Package dispute coordinates the bonded dispute sub-protocol layered on the
// escrow lifecycle: open with bond and evidence, respond within the response
// window, arbitrator resolution, and default judgment when one side never
// answers.
package dispute

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/internal/metrics"
	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// Gatekeeper is the slice of the escrow gateway this coordinator relies on:
// adapter selection, per-escrow serialization and fresh chain reads.
type Gatekeeper interface {
	Adapter(network string) (chain.Adapter, error)
	AcquireEscrow(network string, escrowID uint64) (func(), error)
	ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error)
}

// TradeSync pushes post-operation leg states to the off-chain ledger.
type TradeSync interface {
	GetTrade(ctx context.Context, id uint64) (*trade.Trade, error)
	UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error
}

// Coordinator drives the dispute protocol through the gateway's discipline:
// lock, re-read, submit, sync.
type Coordinator struct {
	gate   Gatekeeper
	ledger TradeSync
	logger *zap.Logger
}

// New creates a dispute coordinator.
func New(gate Gatekeeper, ledger TradeSync, logger *zap.Logger) *Coordinator {
	return &Coordinator{gate: gate, ledger: ledger, logger: logger}
}

// HashExplanation computes the content hash stored on-chain for a resolution
// explanation or an evidence document.
func HashExplanation(explanation string) escrow.Hash {
	var h escrow.Hash
	copy(h[:], crypto.Keccak256([]byte(explanation)))
	return h
}

// Request identifies the dispute operation target and the acting party.
type Request struct {
	Network  string
	EscrowID uint64
	TradeID  uint64
	Party    string
}

func (c *Coordinator) syncTrade(ctx context.Context, tradeID uint64, next trade.LegState) {
	if err := c.ledger.UpdateTradeState(ctx, tradeID, next); err != nil {
		c.logger.Warn("trade state update failed; reconciler will repair",
			zap.Uint64("trade_id", tradeID), zap.Error(err))
	}
}

func (c *Coordinator) partyRole(e *escrow.Escrow, addr string) (escrow.Role, bool) {
	switch addr {
	case e.Buyer:
		return escrow.RoleBuyer, true
	case e.Seller:
		return escrow.RoleSeller, true
	case e.Arbitrator:
		return escrow.RoleArbitrator, true
	}
	return "", false
}

// OpenDispute opens a bonded dispute. Legal only while the escrow is FUNDED
// (before or after fiat is marked paid); the bond must match the configured
// share of the principal exactly, and the evidence hash is recorded once in
// the initiator's slot.
func (c *Coordinator) OpenDispute(ctx context.Context, req Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	a, err := c.gate.Adapter(req.Network)
	if err != nil {
		return nil, err
	}
	unlock, err := c.gate.AcquireEscrow(req.Network, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := c.gate.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
	if err != nil {
		return nil, err
	}
	if e.Terminal() {
		return nil, escrow.NewError(escrow.KindTerminalState, "escrow is %s", e.State)
	}
	if e.State != escrow.StateFunded {
		return nil, escrow.NewError(escrow.KindInvalidState, "disputes require FUNDED, escrow is %s", e.State)
	}
	role, known := c.partyRole(e, req.Party)
	if !known || role == escrow.RoleArbitrator {
		return nil, escrow.NewError(escrow.KindUnauthorized, "only the buyer or seller may open a dispute")
	}
	if want := escrow.BondFor(e.Amount); bond != want {
		return nil, escrow.NewError(escrow.KindIncorrectBondAmount, "bond must be exactly %d, got %d", want, bond)
	}
	if evidenceHash.IsZero() {
		return nil, escrow.NewError(escrow.KindInvalidState, "evidence hash is empty")
	}

	tx, err := a.OpenDispute(ctx, chain.DisputeParams{
		OpParams:     chain.OpParams{EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Party},
		EvidenceHash: evidenceHash,
		BondAmount:   bond,
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesOpened.WithLabelValues(string(role)).Inc()
	c.logger.Info("dispute opened",
		zap.Uint64("escrow_id", req.EscrowID),
		zap.Uint64("trade_id", req.TradeID),
		zap.String("initiator", string(role)),
		zap.String("tx", tx.TxReference))
	c.syncTrade(ctx, req.TradeID, trade.LegDisputed)
	return tx, nil
}

// RespondToDispute posts the counterparty's bond and evidence. Each party's
// evidence slot is written at most once, and only before the response
// deadline.
func (c *Coordinator) RespondToDispute(ctx context.Context, req Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	a, err := c.gate.Adapter(req.Network)
	if err != nil {
		return nil, err
	}
	unlock, err := c.gate.AcquireEscrow(req.Network, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := c.gate.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
	if err != nil {
		return nil, err
	}
	if e.State != escrow.StateDisputed || e.Dispute == nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "no open dispute, escrow is %s", e.State)
	}
	role, known := c.partyRole(e, req.Party)
	if !known || role == escrow.RoleArbitrator {
		return nil, escrow.NewError(escrow.KindUnauthorized, "only the buyer or seller may respond")
	}
	if req.Party == e.Dispute.Initiator {
		return nil, escrow.NewError(escrow.KindDuplicateEvidence, "the initiator has already submitted evidence")
	}
	if time.Now().After(e.Dispute.ResponseDeadline()) {
		return nil, escrow.NewError(escrow.KindResponseDeadlineExpired,
			"response deadline %s has passed", e.Dispute.ResponseDeadline().Format(time.RFC3339))
	}
	slotTaken := (role == escrow.RoleBuyer && !e.Dispute.BuyerEvidenceHash.IsZero()) ||
		(role == escrow.RoleSeller && !e.Dispute.SellerEvidenceHash.IsZero())
	if slotTaken {
		return nil, escrow.NewError(escrow.KindDuplicateEvidence, "%s evidence already submitted", role)
	}
	if want := escrow.BondFor(e.Amount); bond != want {
		return nil, escrow.NewError(escrow.KindIncorrectBondAmount, "bond must be exactly %d, got %d", want, bond)
	}
	if evidenceHash.IsZero() {
		return nil, escrow.NewError(escrow.KindInvalidState, "evidence hash is empty")
	}

	tx, err := a.RespondToDispute(ctx, chain.DisputeParams{
		OpParams:     chain.OpParams{EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Party},
		EvidenceHash: evidenceHash,
		BondAmount:   bond,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("dispute response recorded",
		zap.Uint64("escrow_id", req.EscrowID),
		zap.String("responder", string(role)),
		zap.String("tx", tx.TxReference))
	return tx, nil
}

// ResolveDispute closes a dispute with both parties heard. The explanation is
// hashed and stored on-chain; funds and bonds route to the winner per the
// contract rules (winner gets principal and their bond back, the loser's bond
// goes to the arbitrator).
func (c *Coordinator) ResolveDispute(ctx context.Context, req Request, buyerWins bool, explanation string) (*chain.TxResult, error) {
	if explanation == "" {
		return nil, escrow.NewError(escrow.KindInvalidResolutionExplanation, "resolution explanation is empty")
	}

	a, err := c.gate.Adapter(req.Network)
	if err != nil {
		return nil, err
	}
	unlock, err := c.gate.AcquireEscrow(req.Network, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := c.gate.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
	if err != nil {
		return nil, err
	}
	if e.State != escrow.StateDisputed || e.Dispute == nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "no open dispute, escrow is %s", e.State)
	}
	if req.Party != e.Arbitrator {
		return nil, escrow.NewError(escrow.KindUnauthorized, "only the arbitrator may resolve")
	}
	if e.Dispute.BuyerEvidenceHash.IsZero() || e.Dispute.SellerEvidenceHash.IsZero() {
		return nil, escrow.NewError(escrow.KindInvalidState,
			"both parties must have submitted evidence; use default judgment instead")
	}

	tx, err := a.ResolveDispute(ctx, chain.ResolveParams{
		OpParams:       chain.OpParams{EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Party},
		BuyerWins:      buyerWins,
		ResolutionHash: HashExplanation(explanation),
	})
	if err != nil {
		return nil, err
	}

	winner := "seller"
	if buyerWins {
		winner = "buyer"
	}
	metrics.DisputesResolved.WithLabelValues("resolution", winner).Inc()
	c.logger.Info("dispute resolved",
		zap.Uint64("escrow_id", req.EscrowID),
		zap.Bool("buyer_wins", buyerWins),
		zap.String("tx", tx.TxReference))
	c.syncTrade(ctx, req.TradeID, trade.LegResolved)
	return tx, nil
}

// DefaultJudgment resolves unilaterally in favor of the only party that
// responded, once the response window has lapsed. It exists so a silent
// counterparty cannot freeze funds indefinitely.
func (c *Coordinator) DefaultJudgment(ctx context.Context, req Request) (*chain.TxResult, error) {
	a, err := c.gate.Adapter(req.Network)
	if err != nil {
		return nil, err
	}
	unlock, err := c.gate.AcquireEscrow(req.Network, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := c.gate.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
	if err != nil {
		return nil, err
	}
	if e.State != escrow.StateDisputed || e.Dispute == nil {
		return nil, escrow.NewError(escrow.KindInvalidState, "no open dispute, escrow is %s", e.State)
	}
	if req.Party != e.Arbitrator {
		return nil, escrow.NewError(escrow.KindUnauthorized, "only the arbitrator may issue a default judgment")
	}
	if time.Now().Before(e.Dispute.ResponseDeadline()) {
		return nil, escrow.NewError(escrow.KindInvalidState,
			"response window is still open until %s", e.Dispute.ResponseDeadline().Format(time.RFC3339))
	}
	buyerResponded := !e.Dispute.BuyerEvidenceHash.IsZero()
	sellerResponded := !e.Dispute.SellerEvidenceHash.IsZero()
	if buyerResponded && sellerResponded {
		return nil, escrow.NewError(escrow.KindInvalidState,
			"both parties responded; a full resolution is required")
	}
	if !buyerResponded && !sellerResponded {
		return nil, escrow.NewError(escrow.KindInvalidState, "no evidence on record")
	}

	tx, err := a.DefaultJudgment(ctx, chain.OpParams{
		EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Party,
	})
	if err != nil {
		return nil, err
	}

	winner := "seller"
	if buyerResponded {
		winner = "buyer"
	}
	metrics.DisputesResolved.WithLabelValues("default_judgment", winner).Inc()
	c.logger.Info("default judgment issued",
		zap.Uint64("escrow_id", req.EscrowID),
		zap.String("winner", winner),
		zap.String("tx", tx.TxReference))
	c.syncTrade(ctx, req.TradeID, trade.LegResolved)
	return tx, nil
}
