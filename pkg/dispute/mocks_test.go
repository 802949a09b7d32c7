package dispute

import (
	"context"
	"errors"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// MockGate implements Gatekeeper with swappable behavior.
type MockGate struct {
	AdapterValue    chain.Adapter
	AcquireFunc     func(network string, escrowID uint64) (func(), error)
	ReadFreshFunc   func(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error)
	AcquiredEscrows []uint64
}

func (m *MockGate) Adapter(network string) (chain.Adapter, error) {
	if m.AdapterValue == nil {
		return nil, errors.New("no adapter for " + network)
	}
	return m.AdapterValue, nil
}

func (m *MockGate) AcquireEscrow(network string, escrowID uint64) (func(), error) {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(network, escrowID)
	}
	m.AcquiredEscrows = append(m.AcquiredEscrows, escrowID)
	return func() {}, nil
}

func (m *MockGate) ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	if m.ReadFreshFunc != nil {
		return m.ReadFreshFunc(ctx, network, escrowID, tradeID)
	}
	return nil, errors.New("no escrow on record")
}

// MockChainAdapter records dispute submissions.
type MockChainAdapter struct {
	chain.Adapter

	OpenDisputeFunc      func(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error)
	RespondToDisputeFunc func(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error)
	ResolveDisputeFunc   func(ctx context.Context, p chain.ResolveParams) (*chain.TxResult, error)
	DefaultJudgmentFunc  func(ctx context.Context, p chain.OpParams) (*chain.TxResult, error)
}

func (m *MockChainAdapter) Name() string { return "mock" }

func (m *MockChainAdapter) OpenDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	if m.OpenDisputeFunc != nil {
		return m.OpenDisputeFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-open", EscrowID: p.EscrowID, ConfirmedState: escrow.StateDisputed}, nil
}

func (m *MockChainAdapter) RespondToDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	if m.RespondToDisputeFunc != nil {
		return m.RespondToDisputeFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-respond", EscrowID: p.EscrowID, ConfirmedState: escrow.StateDisputed}, nil
}

func (m *MockChainAdapter) ResolveDispute(ctx context.Context, p chain.ResolveParams) (*chain.TxResult, error) {
	if m.ResolveDisputeFunc != nil {
		return m.ResolveDisputeFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-resolve", EscrowID: p.EscrowID, ConfirmedState: escrow.StateResolved}, nil
}

func (m *MockChainAdapter) DefaultJudgment(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	if m.DefaultJudgmentFunc != nil {
		return m.DefaultJudgmentFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-default", EscrowID: p.EscrowID, ConfirmedState: escrow.StateResolved}, nil
}

// MockSync implements TradeSync.
type MockSync struct {
	GetTradeFunc         func(ctx context.Context, id uint64) (*trade.Trade, error)
	UpdateTradeStateFunc func(ctx context.Context, id uint64, state trade.LegState) error
	Updates              []trade.LegState
}

func (m *MockSync) GetTrade(ctx context.Context, id uint64) (*trade.Trade, error) {
	if m.GetTradeFunc != nil {
		return m.GetTradeFunc(ctx, id)
	}
	return &trade.Trade{ID: id, Leg1State: trade.LegFunded}, nil
}

func (m *MockSync) UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error {
	if m.UpdateTradeStateFunc != nil {
		return m.UpdateTradeStateFunc(ctx, id, state)
	}
	m.Updates = append(m.Updates, state)
	return nil
}
