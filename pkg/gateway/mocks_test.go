package gateway

import (
	"context"
	"errors"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// MockAdapter implements chain.Adapter with swappable behavior.
type MockAdapter struct {
	NameValue string

	CreateEscrowFunc            func(ctx context.Context, p chain.CreateParams) (*chain.TxResult, error)
	FundEscrowFunc              func(ctx context.Context, p chain.OpParams) (*chain.TxResult, error)
	MarkFiatPaidFunc            func(ctx context.Context, p chain.OpParams) (*chain.TxResult, error)
	ReleaseEscrowFunc           func(ctx context.Context, p chain.OpParams) (*chain.TxResult, error)
	CancelEscrowFunc            func(ctx context.Context, p chain.OpParams) (*chain.TxResult, error)
	AutoCancelFunc              func(ctx context.Context, p chain.OpParams) (*chain.TxResult, error)
	UpdateSequentialAddressFunc func(ctx context.Context, p chain.OpParams, newAddress string) (*chain.TxResult, error)
	OpenDisputeFunc             func(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error)
	RespondToDisputeFunc        func(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error)
	ResolveDisputeFunc          func(ctx context.Context, p chain.ResolveParams) (*chain.TxResult, error)
	DefaultJudgmentFunc         func(ctx context.Context, p chain.OpParams) (*chain.TxResult, error)
	ReadEscrowFunc              func(ctx context.Context, escrowID, tradeID uint64) (*escrow.Escrow, error)
	GetTokenBalanceFunc         func(ctx context.Context, address string) (uint64, error)
}

func (m *MockAdapter) Name() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock"
}

func (m *MockAdapter) CreateEscrow(ctx context.Context, p chain.CreateParams) (*chain.TxResult, error) {
	if m.CreateEscrowFunc != nil {
		return m.CreateEscrowFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-create", EscrowID: p.EscrowID, ConfirmedState: escrow.StateCreated}, nil
}

func (m *MockAdapter) FundEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	if m.FundEscrowFunc != nil {
		return m.FundEscrowFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-fund", EscrowID: p.EscrowID, ConfirmedState: escrow.StateFunded}, nil
}

func (m *MockAdapter) MarkFiatPaid(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	if m.MarkFiatPaidFunc != nil {
		return m.MarkFiatPaidFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-markpaid", EscrowID: p.EscrowID, ConfirmedState: escrow.StateFunded}, nil
}

func (m *MockAdapter) ReleaseEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	if m.ReleaseEscrowFunc != nil {
		return m.ReleaseEscrowFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-release", EscrowID: p.EscrowID, ConfirmedState: escrow.StateReleased}, nil
}

func (m *MockAdapter) CancelEscrow(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	if m.CancelEscrowFunc != nil {
		return m.CancelEscrowFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-cancel", EscrowID: p.EscrowID, ConfirmedState: escrow.StateCancelled}, nil
}

func (m *MockAdapter) AutoCancel(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	if m.AutoCancelFunc != nil {
		return m.AutoCancelFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-autocancel", EscrowID: p.EscrowID, ConfirmedState: escrow.StateCancelled}, nil
}

func (m *MockAdapter) UpdateSequentialAddress(ctx context.Context, p chain.OpParams, newAddress string) (*chain.TxResult, error) {
	if m.UpdateSequentialAddressFunc != nil {
		return m.UpdateSequentialAddressFunc(ctx, p, newAddress)
	}
	return &chain.TxResult{TxReference: "tx-seq", EscrowID: p.EscrowID}, nil
}

func (m *MockAdapter) OpenDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	if m.OpenDisputeFunc != nil {
		return m.OpenDisputeFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-open-dispute", EscrowID: p.EscrowID, ConfirmedState: escrow.StateDisputed}, nil
}

func (m *MockAdapter) RespondToDispute(ctx context.Context, p chain.DisputeParams) (*chain.TxResult, error) {
	if m.RespondToDisputeFunc != nil {
		return m.RespondToDisputeFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-respond", EscrowID: p.EscrowID, ConfirmedState: escrow.StateDisputed}, nil
}

func (m *MockAdapter) ResolveDispute(ctx context.Context, p chain.ResolveParams) (*chain.TxResult, error) {
	if m.ResolveDisputeFunc != nil {
		return m.ResolveDisputeFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-resolve", EscrowID: p.EscrowID, ConfirmedState: escrow.StateResolved}, nil
}

func (m *MockAdapter) DefaultJudgment(ctx context.Context, p chain.OpParams) (*chain.TxResult, error) {
	if m.DefaultJudgmentFunc != nil {
		return m.DefaultJudgmentFunc(ctx, p)
	}
	return &chain.TxResult{TxReference: "tx-default", EscrowID: p.EscrowID, ConfirmedState: escrow.StateResolved}, nil
}

func (m *MockAdapter) ReadEscrow(ctx context.Context, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	if m.ReadEscrowFunc != nil {
		return m.ReadEscrowFunc(ctx, escrowID, tradeID)
	}
	return nil, errors.New("no escrow")
}

func (m *MockAdapter) GetTokenBalance(ctx context.Context, address string) (uint64, error) {
	if m.GetTokenBalanceFunc != nil {
		return m.GetTokenBalanceFunc(ctx, address)
	}
	return 0, nil
}

// MockLedger implements Ledger with swappable behavior.
type MockLedger struct {
	GetTradeFunc         func(ctx context.Context, id uint64) (*trade.Trade, error)
	UpdateTradeStateFunc func(ctx context.Context, id uint64, state trade.LegState) error
	GetAccountFunc       func(ctx context.Context, id uint64) (string, error)
}

func (m *MockLedger) GetTrade(ctx context.Context, id uint64) (*trade.Trade, error) {
	if m.GetTradeFunc != nil {
		return m.GetTradeFunc(ctx, id)
	}
	return &trade.Trade{ID: id, Leg1State: trade.LegCreated}, nil
}

func (m *MockLedger) UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error {
	if m.UpdateTradeStateFunc != nil {
		return m.UpdateTradeStateFunc(ctx, id, state)
	}
	return nil
}

func (m *MockLedger) GetAccount(ctx context.Context, id uint64) (string, error) {
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, id)
	}
	return "", errors.New("no account")
}
