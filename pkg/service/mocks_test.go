package service

import (
	"context"
	"sync"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/dispute"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/gateway"
	"github.com/peertrade/escrow-coordinator/pkg/harness"
	"github.com/peertrade/escrow-coordinator/pkg/reconciler"
)

type mockLifecycle struct {
	CreateEscrowFunc            func(ctx context.Context, req gateway.CreateRequest) (*gateway.Result, error)
	FundEscrowFunc              func(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	MarkFiatPaidFunc            func(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	ReleaseEscrowFunc           func(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	CancelEscrowFunc            func(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	AutoCancelFunc              func(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error)
	UpdateSequentialAddressFunc func(ctx context.Context, req gateway.OpRequest, newAddress string) (*gateway.Result, error)
	GetEscrowFunc               func(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error)
	GetTokenBalanceFunc         func(ctx context.Context, network, address string) (uint64, error)
}

func (m *mockLifecycle) CreateEscrow(ctx context.Context, req gateway.CreateRequest) (*gateway.Result, error) {
	return m.CreateEscrowFunc(ctx, req)
}

func (m *mockLifecycle) FundEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	return m.FundEscrowFunc(ctx, req)
}

func (m *mockLifecycle) MarkFiatPaid(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	return m.MarkFiatPaidFunc(ctx, req)
}

func (m *mockLifecycle) ReleaseEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	return m.ReleaseEscrowFunc(ctx, req)
}

func (m *mockLifecycle) CancelEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	return m.CancelEscrowFunc(ctx, req)
}

func (m *mockLifecycle) AutoCancel(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	return m.AutoCancelFunc(ctx, req)
}

func (m *mockLifecycle) UpdateSequentialAddress(ctx context.Context, req gateway.OpRequest, newAddress string) (*gateway.Result, error) {
	return m.UpdateSequentialAddressFunc(ctx, req, newAddress)
}

func (m *mockLifecycle) GetEscrow(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	return m.GetEscrowFunc(ctx, network, escrowID, tradeID)
}

func (m *mockLifecycle) GetTokenBalance(ctx context.Context, network, address string) (uint64, error) {
	return m.GetTokenBalanceFunc(ctx, network, address)
}

type mockDisputes struct {
	OpenDisputeFunc      func(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error)
	RespondToDisputeFunc func(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error)
	ResolveDisputeFunc   func(ctx context.Context, req dispute.Request, buyerWins bool, explanation string) (*chain.TxResult, error)
	DefaultJudgmentFunc  func(ctx context.Context, req dispute.Request) (*chain.TxResult, error)
}

func (m *mockDisputes) OpenDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	return m.OpenDisputeFunc(ctx, req, evidenceHash, bond)
}

func (m *mockDisputes) RespondToDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	return m.RespondToDisputeFunc(ctx, req, evidenceHash, bond)
}

func (m *mockDisputes) ResolveDispute(ctx context.Context, req dispute.Request, buyerWins bool, explanation string) (*chain.TxResult, error) {
	return m.ResolveDisputeFunc(ctx, req, buyerWins, explanation)
}

func (m *mockDisputes) DefaultJudgment(ctx context.Context, req dispute.Request) (*chain.TxResult, error) {
	return m.DefaultJudgmentFunc(ctx, req)
}

type trackedCall struct {
	TradeID  uint64
	EscrowID uint64
	Network  string
}

type mockTracker struct {
	mu           sync.Mutex
	Calls        []trackedCall
	DegradedSet  map[uint64]bool
	EventsCh     chan reconciler.Event
	Cancelled    bool
	subscribedID uint64
}

func (m *mockTracker) Track(tradeID, escrowID uint64, network string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, trackedCall{TradeID: tradeID, EscrowID: escrowID, Network: network})
}

func (m *mockTracker) Degraded(tradeID uint64) bool { return m.DegradedSet[tradeID] }

func (m *mockTracker) Subscribe(tradeID uint64) (<-chan reconciler.Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribedID = tradeID
	if m.EventsCh == nil {
		m.EventsCh = make(chan reconciler.Event, 4)
	}
	return m.EventsCh, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.Cancelled = true
	}
}

func (m *mockTracker) SubscribedID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribedID
}

type mockRunner struct {
	RunLifecycleFunc func(ctx context.Context, s harness.Scenario) (string, error)
	RunDisputeFunc   func(ctx context.Context, s harness.Scenario, buyerWins bool, explanation string) (string, error)
	ResultsByRun     map[string][]harness.StepResult
}

func (m *mockRunner) RunCompleteLifecycle(ctx context.Context, s harness.Scenario) (string, error) {
	return m.RunLifecycleFunc(ctx, s)
}

func (m *mockRunner) RunDisputeWorkflow(ctx context.Context, s harness.Scenario, buyerWins bool, explanation string) (string, error) {
	return m.RunDisputeFunc(ctx, s, buyerWins, explanation)
}

func (m *mockRunner) Results(runID string) []harness.StepResult {
	return m.ResultsByRun[runID]
}
