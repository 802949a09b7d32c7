// Package gateway exposes the chain-agnostic escrow lifecycle operations. It
// selects the adapter for the requested network, serializes operations per
// escrow, re-reads chain state before every authorization decision, and
// normalizes results and errors into the shared escrow vocabulary.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/internal/metrics"
	"github.com/peertrade/escrow-coordinator/internal/retry"
	"github.com/peertrade/escrow-coordinator/internal/syncutil"
	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// ErrEscrowBusy is returned when another operation on the same escrow is
// already in flight. Concurrent attempts are rejected, not queued, because
// the legality checks are read-then-act.
var ErrEscrowBusy = errors.New("another operation on this escrow is in flight")

// ErrUnknownNetwork is returned when no adapter is configured for the
// requested network.
var ErrUnknownNetwork = errors.New("unknown network")

// Ledger is the off-chain trade record collaborator. It is the system of
// record for human-facing trade metadata and never authoritative for fund
// movement.
type Ledger interface {
	GetTrade(ctx context.Context, id uint64) (*trade.Trade, error)
	UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error
	GetAccount(ctx context.Context, id uint64) (string, error)
}

// Result is the normalized outcome of a lifecycle operation.
type Result struct {
	TxReference    string
	EscrowID       uint64
	ConfirmedState escrow.State
}

// Config bounds gateway behavior.
type Config struct {
	// OperationTimeout caps each lifecycle operation, including finality.
	OperationTimeout time.Duration
	// MaxAttempts bounds transport retries per operation.
	MaxAttempts int
	// RetryBaseDelay seeds the backoff between transport retries.
	RetryBaseDelay time.Duration
}

// Gateway is the chain-agnostic escrow facade.
type Gateway struct {
	adapters map[string]chain.Adapter
	ledger   Ledger
	locks    *syncutil.KeyMutex
	cache    *stateCache
	cfg      Config
	logger   *zap.Logger
}

// New creates a gateway over the given adapters, keyed by network name.
func New(adapters map[string]chain.Adapter, ledger Ledger, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 90 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Gateway{
		adapters: adapters,
		ledger:   ledger,
		locks:    syncutil.NewKeyMutex(),
		cache:    newStateCache(),
		cfg:      cfg,
		logger:   logger,
	}
}

// Adapter returns the adapter for network.
func (g *Gateway) Adapter(network string) (chain.Adapter, error) {
	a, ok := g.adapters[network]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownNetwork, network)
	}
	return a, nil
}

// AcquireEscrow takes the per-escrow lock without blocking. It returns
// ErrEscrowBusy when another operation holds it.
func (g *Gateway) AcquireEscrow(network string, escrowID uint64) (func(), error) {
	unlock, ok := g.locks.TryLock(fmt.Sprintf("%s/%d", network, escrowID))
	if !ok {
		return nil, ErrEscrowBusy
	}
	return unlock, nil
}

// ReadFresh reads the escrow from chain and refreshes the advisory cache.
func (g *Gateway) ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	a, err := g.Adapter(network)
	if err != nil {
		return nil, err
	}
	e, err := a.ReadEscrow(ctx, escrowID, tradeID)
	if err != nil {
		return nil, err
	}
	g.cache.put(network, e)
	return e, nil
}

// CachedEscrow returns the advisory last-known record, if any. Callers must
// not use it for authorization.
func (g *Gateway) CachedEscrow(network string, escrowID, tradeID uint64) (*escrow.Escrow, time.Time, bool) {
	return g.cache.get(network, escrowID, tradeID)
}

func (g *Gateway) observe(op, network string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, ErrEscrowBusy) {
			outcome = "busy"
			metrics.BusyRejections.WithLabelValues(op).Inc()
		}
	}
	metrics.EscrowOperations.WithLabelValues(op, network, outcome).Inc()
	metrics.EscrowOperationDuration.WithLabelValues(op, network).Observe(time.Since(start).Seconds())
}

// submitWithRecheck runs submit with bounded transport retries. Before any
// retry it re-reads the escrow: if the previous attempt actually landed and
// the state already advanced to target, the retry is skipped and the observed
// state returned, so a timed-out-but-successful funding is never resubmitted.
func (g *Gateway) submitWithRecheck(
	ctx context.Context,
	network string,
	escrowID, tradeID uint64,
	target escrow.State,
	submit func(ctx context.Context) (*chain.TxResult, error),
) (*Result, error) {
	var res *Result
	attempted := false

	err := retry.Do(ctx, g.cfg.MaxAttempts, g.cfg.RetryBaseDelay, func() error {
		if attempted {
			e, readErr := g.ReadFresh(ctx, network, escrowID, tradeID)
			if readErr == nil && e.State == target {
				res = &Result{EscrowID: escrowID, ConfirmedState: e.State}
				return nil
			}
		}
		attempted = true

		tx, err := submit(ctx)
		if err != nil {
			if escrow.Retryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		res = &Result{
			TxReference:    tx.TxReference,
			EscrowID:       tx.EscrowID,
			ConfirmedState: tx.ConfirmedState,
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && !escrow.Retryable(err) {
			err = escrow.WrapComm(err, "operation timed out")
		}
		return nil, err
	}
	return res, nil
}

// syncTrade pushes the post-operation leg state to the ledger collaborator.
// Failures are logged, not surfaced: chain state is already advanced, and the
// reconciler repairs the ledger on its next tick.
func (g *Gateway) syncTrade(ctx context.Context, tradeID uint64, action trade.Action) {
	t, err := g.ledger.GetTrade(ctx, tradeID)
	if err != nil {
		g.logger.Warn("trade lookup failed after chain operation",
			zap.Uint64("trade_id", tradeID), zap.Error(err))
		return
	}
	next, err := trade.Apply(t.Leg1State, action)
	if err != nil {
		g.logger.Warn("ledger state does not admit action; reconciler will repair",
			zap.Uint64("trade_id", tradeID),
			zap.String("leg_state", string(t.Leg1State)),
			zap.String("action", string(action)),
			zap.Error(err))
		return
	}
	if err := g.ledger.UpdateTradeState(ctx, tradeID, next); err != nil {
		g.logger.Warn("trade state update failed; reconciler will repair",
			zap.Uint64("trade_id", tradeID), zap.Error(err))
	}
}

// CreateRequest carries the parameters for CreateEscrow. Caller is the
// address requesting the operation; it must be the designated seller.
type CreateRequest struct {
	Network           string
	TradeID           uint64
	Caller            string
	Seller            string
	Buyer             string
	Arbitrator        string
	Amount            uint64
	Sequential        bool
	SequentialAddress string
	DepositDeadline   time.Time
	FiatDeadline      time.Time

	// EscrowID seeds account derivation on account-model chains. When zero,
	// the trade id is used.
	EscrowID uint64
}

// CreateEscrow opens a new escrow and links it to the trade.
func (g *Gateway) CreateEscrow(ctx context.Context, req CreateRequest) (res *Result, err error) {
	start := time.Now()
	defer func() { g.observe("create_escrow", req.Network, start, err) }()

	if req.Amount == 0 {
		return nil, escrow.NewError(escrow.KindInvalidAmount, "amount must be positive")
	}
	if req.Amount > escrow.MaxAmount {
		return nil, escrow.NewError(escrow.KindInvalidAmount,
			"amount %d exceeds maximum %d", req.Amount, escrow.MaxAmount)
	}
	if req.Caller != req.Seller {
		return nil, escrow.NewError(escrow.KindUnauthorized,
			"only the designated seller may create the escrow")
	}
	if req.Sequential && req.SequentialAddress == "" {
		return nil, escrow.NewError(escrow.KindMissingSequentialAddress,
			"sequential escrow requires a sequential address")
	}

	a, err := g.Adapter(req.Network)
	if err != nil {
		return nil, err
	}

	escrowID := req.EscrowID
	if escrowID == 0 {
		escrowID = req.TradeID
	}

	// Serialize on the provisional id: account-model chains derive the
	// escrow account from it, so two concurrent creates would collide there.
	unlock, err := g.AcquireEscrow(req.Network, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.OperationTimeout)
	defer cancel()

	var tx *chain.TxResult
	err = retry.Do(ctx, g.cfg.MaxAttempts, g.cfg.RetryBaseDelay, func() error {
		var submitErr error
		tx, submitErr = a.CreateEscrow(ctx, chain.CreateParams{
			EscrowID:          escrowID,
			TradeID:           req.TradeID,
			Seller:            req.Seller,
			Buyer:             req.Buyer,
			Arbitrator:        req.Arbitrator,
			Amount:            req.Amount,
			Sequential:        req.Sequential,
			SequentialAddress: req.SequentialAddress,
			DepositDeadline:   req.DepositDeadline,
			FiatDeadline:      req.FiatDeadline,
		})
		if submitErr != nil && !escrow.Retryable(submitErr) {
			return retry.Permanent(submitErr)
		}
		return submitErr
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("escrow created",
		zap.String("network", req.Network),
		zap.Uint64("escrow_id", tx.EscrowID),
		zap.Uint64("trade_id", req.TradeID),
		zap.String("tx", tx.TxReference))

	// Record the escrow link on the trade shadow.
	if t, lerr := g.ledger.GetTrade(ctx, req.TradeID); lerr == nil {
		if lerr = t.LinkEscrow(tx.EscrowID); lerr != nil {
			g.logger.Error("escrow link conflict", zap.Uint64("trade_id", req.TradeID), zap.Error(lerr))
		}
	}

	return &Result{
		TxReference:    tx.TxReference,
		EscrowID:       tx.EscrowID,
		ConfirmedState: tx.ConfirmedState,
	}, nil
}

// OpRequest identifies an escrow operation by escrow, trade and caller.
type OpRequest struct {
	Network  string
	EscrowID uint64
	TradeID  uint64
	Caller   string
}

func (g *Gateway) locked(ctx context.Context, req OpRequest, op string, fn func(ctx context.Context, a chain.Adapter) (*Result, error)) (res *Result, err error) {
	start := time.Now()
	defer func() { g.observe(op, req.Network, start, err) }()

	a, err := g.Adapter(req.Network)
	if err != nil {
		return nil, err
	}
	unlock, err := g.AcquireEscrow(req.Network, req.EscrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.OperationTimeout)
	defer cancel()

	return fn(ctx, a)
}

// FundEscrow moves a CREATED escrow to FUNDED before the deposit deadline.
func (g *Gateway) FundEscrow(ctx context.Context, req OpRequest) (*Result, error) {
	return g.locked(ctx, req, "fund_escrow", func(ctx context.Context, a chain.Adapter) (*Result, error) {
		e, err := g.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
		if err != nil {
			return nil, err
		}
		if e.Terminal() {
			return nil, escrow.NewError(escrow.KindTerminalState, "escrow is %s", e.State)
		}
		if e.State != escrow.StateCreated {
			return nil, escrow.NewError(escrow.KindInvalidState, "funding requires CREATED, escrow is %s", e.State)
		}
		if e.DepositDeadlineExpired(time.Now()) {
			return nil, escrow.NewError(escrow.KindDepositDeadlineExpired,
				"deposit deadline %s has passed", e.DepositDeadline.Format(time.RFC3339))
		}
		if req.Caller != e.Seller {
			return nil, escrow.NewError(escrow.KindUnauthorized, "only the seller may fund")
		}

		res, err := g.submitWithRecheck(ctx, req.Network, req.EscrowID, req.TradeID, escrow.StateFunded,
			func(ctx context.Context) (*chain.TxResult, error) {
				return a.FundEscrow(ctx, chain.OpParams{
					EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Caller,
				})
			})
		if err != nil {
			return nil, err
		}
		g.cache.drop(req.Network, req.EscrowID, req.TradeID)
		g.syncTrade(ctx, req.TradeID, trade.ActionFund)
		return res, nil
	})
}

// MarkFiatPaid sets the one-way fiat-paid gate. Calling it again while the
// escrow is still FUNDED is a no-op success; after a terminal or disputed
// state it fails with InvalidState.
func (g *Gateway) MarkFiatPaid(ctx context.Context, req OpRequest) (*Result, error) {
	return g.locked(ctx, req, "mark_fiat_paid", func(ctx context.Context, a chain.Adapter) (*Result, error) {
		e, err := g.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
		if err != nil {
			return nil, err
		}
		if e.State != escrow.StateFunded {
			return nil, escrow.NewError(escrow.KindInvalidState,
				"marking fiat paid requires FUNDED, escrow is %s", e.State)
		}
		if req.Caller != e.Buyer {
			return nil, escrow.NewError(escrow.KindUnauthorized, "only the buyer may mark fiat paid")
		}
		if e.FiatPaid {
			return &Result{EscrowID: req.EscrowID, ConfirmedState: e.State}, nil
		}

		res, err := g.submitWithRecheck(ctx, req.Network, req.EscrowID, req.TradeID, escrow.StateFunded,
			func(ctx context.Context) (*chain.TxResult, error) {
				return a.MarkFiatPaid(ctx, chain.OpParams{
					EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Caller,
				})
			})
		if err != nil {
			return nil, err
		}
		g.cache.drop(req.Network, req.EscrowID, req.TradeID)
		g.syncTrade(ctx, req.TradeID, trade.ActionMarkPaid)
		return res, nil
	})
}

// ReleaseEscrow pays out a FUNDED escrow with fiat marked paid. The seller
// authorizes the normal path; the arbitrator only acts through dispute
// resolution, which does not pass through here.
func (g *Gateway) ReleaseEscrow(ctx context.Context, req OpRequest) (*Result, error) {
	return g.locked(ctx, req, "release_escrow", func(ctx context.Context, a chain.Adapter) (*Result, error) {
		e, err := g.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
		if err != nil {
			return nil, err
		}
		if e.Terminal() {
			return nil, escrow.NewError(escrow.KindTerminalState, "escrow is %s", e.State)
		}
		if e.State != escrow.StateFunded {
			return nil, escrow.NewError(escrow.KindInvalidState, "release requires FUNDED, escrow is %s", e.State)
		}
		if !e.FiatPaid {
			return nil, escrow.NewError(escrow.KindInvalidState, "fiat has not been marked paid")
		}
		if req.Caller != e.Seller && req.Caller != e.Arbitrator {
			return nil, escrow.NewError(escrow.KindUnauthorized, "only the seller or arbitrator may release")
		}
		if e.Sequential && e.SequentialAddress == "" {
			return nil, escrow.NewError(escrow.KindMissingSequentialAddress,
				"sequential escrow has no destination address")
		}

		res, err := g.submitWithRecheck(ctx, req.Network, req.EscrowID, req.TradeID, escrow.StateReleased,
			func(ctx context.Context) (*chain.TxResult, error) {
				return a.ReleaseEscrow(ctx, chain.OpParams{
					EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Caller,
				})
			})
		if err != nil {
			return nil, err
		}
		g.cache.drop(req.Network, req.EscrowID, req.TradeID)
		g.syncTrade(ctx, req.TradeID, trade.ActionRelease)
		return res, nil
	})
}

// CancelEscrow returns funds to the seller. Legal from CREATED or FUNDED with
// fiat not marked paid, by the seller or the arbitrator.
func (g *Gateway) CancelEscrow(ctx context.Context, req OpRequest) (*Result, error) {
	return g.locked(ctx, req, "cancel_escrow", func(ctx context.Context, a chain.Adapter) (*Result, error) {
		e, err := g.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
		if err != nil {
			return nil, err
		}
		if e.Terminal() {
			return nil, escrow.NewError(escrow.KindTerminalState, "escrow is %s", e.State)
		}
		if e.State != escrow.StateCreated && e.State != escrow.StateFunded {
			return nil, escrow.NewError(escrow.KindInvalidState, "cancel requires CREATED or FUNDED, escrow is %s", e.State)
		}
		if e.FiatPaid {
			return nil, escrow.NewError(escrow.KindInvalidState, "cannot cancel after fiat was marked paid")
		}
		if req.Caller != e.Seller && req.Caller != e.Arbitrator {
			return nil, escrow.NewError(escrow.KindUnauthorized, "only the seller or arbitrator may cancel")
		}

		res, err := g.submitWithRecheck(ctx, req.Network, req.EscrowID, req.TradeID, escrow.StateCancelled,
			func(ctx context.Context) (*chain.TxResult, error) {
				return a.CancelEscrow(ctx, chain.OpParams{
					EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Caller,
				})
			})
		if err != nil {
			return nil, err
		}
		g.cache.drop(req.Network, req.EscrowID, req.TradeID)
		g.syncTrade(ctx, req.TradeID, trade.ActionCancel)
		return res, nil
	})
}

// AutoCancel is the arbitrator-driven deadline cancellation. The relevant
// deadline is re-checked on a fresh read before submission, and again by the
// chain itself.
func (g *Gateway) AutoCancel(ctx context.Context, req OpRequest) (*Result, error) {
	return g.locked(ctx, req, "auto_cancel", func(ctx context.Context, a chain.Adapter) (*Result, error) {
		e, err := g.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
		if err != nil {
			return nil, err
		}
		if e.Terminal() {
			return nil, escrow.NewError(escrow.KindTerminalState, "escrow is %s", e.State)
		}
		if req.Caller != e.Arbitrator {
			return nil, escrow.NewError(escrow.KindUnauthorized, "only the arbitrator may auto-cancel")
		}
		now := time.Now()
		switch e.State {
		case escrow.StateCreated:
			if !e.DepositDeadlineExpired(now) {
				return nil, escrow.NewError(escrow.KindInvalidState, "deposit deadline has not passed")
			}
		case escrow.StateFunded:
			if e.FiatPaid {
				return nil, escrow.NewError(escrow.KindInvalidState, "cannot auto-cancel after fiat was marked paid")
			}
			if !e.FiatDeadlineExpired(now) {
				return nil, escrow.NewError(escrow.KindInvalidState, "fiat deadline has not passed")
			}
		default:
			return nil, escrow.NewError(escrow.KindInvalidState, "auto-cancel requires CREATED or FUNDED, escrow is %s", e.State)
		}

		res, err := g.submitWithRecheck(ctx, req.Network, req.EscrowID, req.TradeID, escrow.StateCancelled,
			func(ctx context.Context) (*chain.TxResult, error) {
				return a.AutoCancel(ctx, chain.OpParams{
					EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Caller,
				})
			})
		if err != nil {
			return nil, err
		}
		g.cache.drop(req.Network, req.EscrowID, req.TradeID)
		g.syncTrade(ctx, req.TradeID, trade.ActionCancel)
		return res, nil
	})
}

// UpdateSequentialAddress re-points the sequential destination. Buyer-only,
// and only while the escrow is still open.
func (g *Gateway) UpdateSequentialAddress(ctx context.Context, req OpRequest, newAddress string) (*Result, error) {
	return g.locked(ctx, req, "update_sequential_address", func(ctx context.Context, a chain.Adapter) (*Result, error) {
		if newAddress == "" {
			return nil, escrow.NewError(escrow.KindMissingSequentialAddress, "new address is empty")
		}
		e, err := g.ReadFresh(ctx, req.Network, req.EscrowID, req.TradeID)
		if err != nil {
			return nil, err
		}
		if e.Terminal() {
			return nil, escrow.NewError(escrow.KindTerminalState, "escrow is %s", e.State)
		}
		if !e.Sequential {
			return nil, escrow.NewError(escrow.KindInvalidState, "escrow is not sequential")
		}
		if req.Caller != e.Buyer {
			return nil, escrow.NewError(escrow.KindUnauthorized, "only the buyer may update the sequential address")
		}

		tx, err := a.UpdateSequentialAddress(ctx, chain.OpParams{
			EscrowID: req.EscrowID, TradeID: req.TradeID, Authority: req.Caller,
		}, newAddress)
		if err != nil {
			return nil, err
		}
		g.cache.drop(req.Network, req.EscrowID, req.TradeID)
		return &Result{TxReference: tx.TxReference, EscrowID: req.EscrowID}, nil
	})
}

// GetEscrow reads the current on-chain record, refreshing the cache.
func (g *Gateway) GetEscrow(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	return g.ReadFresh(ctx, network, escrowID, tradeID)
}

// GetTokenBalance reads a token balance through the network's adapter.
func (g *Gateway) GetTokenBalance(ctx context.Context, network, address string) (uint64, error) {
	a, err := g.Adapter(network)
	if err != nil {
		return 0, err
	}
	return a.GetTokenBalance(ctx, address)
}
