package harness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/dispute"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/gateway"
)

const (
	sellerAddr = "seller-address"
	buyerAddr  = "buyer-address"
	arbAddr    = "arbitrator-address"
)

// fakeChain simulates a single escrow's on-chain record so the harness can
// run full sequences without a real backend.
type fakeChain struct {
	mu sync.Mutex
	e  *escrow.Escrow

	failOn string // step whose submission should fail
}

func (f *fakeChain) fail(step string) error {
	if f.failOn == step {
		return errors.New(step + " submission rejected")
	}
	return nil
}

func (f *fakeChain) CreateEscrow(ctx context.Context, req gateway.CreateRequest) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create"); err != nil {
		return nil, err
	}
	f.e = &escrow.Escrow{
		EscrowID:        req.TradeID,
		TradeID:         req.TradeID,
		Seller:          req.Seller,
		Buyer:           req.Buyer,
		Arbitrator:      req.Arbitrator,
		Amount:          req.Amount,
		Fee:             escrow.FeeFor(req.Amount),
		State:           escrow.StateCreated,
		DepositDeadline: req.DepositDeadline,
		FiatDeadline:    req.FiatDeadline,
		Counter:         1,
	}
	return &gateway.Result{TxReference: "tx-create", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateCreated}, nil
}

func (f *fakeChain) FundEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("fund"); err != nil {
		return nil, err
	}
	f.e.State = escrow.StateFunded
	f.e.Counter++
	return &gateway.Result{TxReference: "tx-fund", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateFunded}, nil
}

func (f *fakeChain) MarkFiatPaid(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("markpaid"); err != nil {
		return nil, err
	}
	f.e.FiatPaid = true
	f.e.Counter++
	return &gateway.Result{TxReference: "tx-markpaid", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateFunded}, nil
}

func (f *fakeChain) ReleaseEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("release"); err != nil {
		return nil, err
	}
	f.e.State = escrow.StateReleased
	f.e.Counter++
	return &gateway.Result{TxReference: "tx-release", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateReleased}, nil
}

func (f *fakeChain) CancelEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("cancel"); err != nil {
		return nil, err
	}
	f.e.State = escrow.StateCancelled
	f.e.Counter++
	return &gateway.Result{TxReference: "tx-cancel", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateCancelled}, nil
}

func (f *fakeChain) ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.e == nil {
		return nil, errors.New("no escrow on chain")
	}
	cp := *f.e
	if f.e.Dispute != nil {
		d := *f.e.Dispute
		cp.Dispute = &d
	}
	return &cp, nil
}

func (f *fakeChain) OpenDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("open_dispute"); err != nil {
		return nil, err
	}
	f.e.State = escrow.StateDisputed
	f.e.Dispute = &escrow.Dispute{Initiator: req.Party, InitiatedAt: time.Now()}
	if req.Party == f.e.Buyer {
		f.e.Dispute.BuyerEvidenceHash = evidenceHash
	} else {
		f.e.Dispute.SellerEvidenceHash = evidenceHash
	}
	f.e.Counter++
	return &chain.TxResult{TxReference: "tx-open", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateDisputed}, nil
}

func (f *fakeChain) RespondToDispute(ctx context.Context, req dispute.Request, evidenceHash escrow.Hash, bond uint64) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("respond"); err != nil {
		return nil, err
	}
	if req.Party == f.e.Buyer {
		f.e.Dispute.BuyerEvidenceHash = evidenceHash
	} else {
		f.e.Dispute.SellerEvidenceHash = evidenceHash
	}
	f.e.Counter++
	return &chain.TxResult{TxReference: "tx-respond", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateDisputed}, nil
}

func (f *fakeChain) ResolveDispute(ctx context.Context, req dispute.Request, buyerWins bool, explanation string) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("resolve"); err != nil {
		return nil, err
	}
	f.e.State = escrow.StateResolved
	f.e.Dispute.ResolutionHash = dispute.HashExplanation(explanation)
	f.e.Counter++
	return &chain.TxResult{TxReference: "tx-resolve", EscrowID: f.e.EscrowID, ConfirmedState: escrow.StateResolved}, nil
}

func testScenario() Scenario {
	return Scenario{
		Network:    "testnet",
		TradeID:    42,
		Amount:     1_000_000,
		Seller:     sellerAddr,
		Buyer:      buyerAddr,
		Arbitrator: arbAddr,
	}
}

func TestCompleteLifecycleRecordsEveryStep(t *testing.T) {
	fake := &fakeChain{}
	h := New(fake, fake, WithLogger(zap.NewNop()))

	runID, err := h.RunCompleteLifecycle(context.Background(), testScenario())
	require.NoError(t, err)

	results := h.Results(runID)
	require.Len(t, results, 4)
	steps := make([]string, 0, len(results))
	for _, r := range results {
		assert.True(t, r.OK, "step %s: %s", r.Step, r.Err)
		assert.NotEmpty(t, r.TxReference, "step %s", r.Step)
		steps = append(steps, r.Step)
	}
	assert.Equal(t, []string{"create_escrow", "fund_escrow", "mark_fiat_paid", "release_escrow"}, steps)
	assert.Equal(t, escrow.StateReleased, results[3].State)
}

func TestLifecycleFailureTriggersCleanupAndKeepsOriginalError(t *testing.T) {
	fake := &fakeChain{failOn: "release"}
	h := New(fake, fake, WithLogger(zap.NewNop()))

	runID, err := h.RunCompleteLifecycle(context.Background(), testScenario())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release submission rejected")

	results := h.Results(runID)
	require.Len(t, results, 5)
	last := results[len(results)-1]
	assert.Equal(t, "cleanup_cancel", last.Step)
	assert.True(t, last.OK)
	assert.Equal(t, escrow.StateCancelled, fake.e.State)
}

func TestCleanupFailureDoesNotMaskStepError(t *testing.T) {
	fake := &fakeChain{failOn: "release"}
	staged := &stagedFail{fakeChain: fake}
	h := New(staged, fake, WithLogger(zap.NewNop()))

	runID, err := h.RunCompleteLifecycle(context.Background(), testScenario())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release submission rejected")

	results := h.Results(runID)
	last := results[len(results)-1]
	assert.Equal(t, "cleanup_cancel", last.Step)
	assert.False(t, last.OK)
}

// stagedFail fails release, then also fails the cleanup cancel.
type stagedFail struct {
	*fakeChain
}

func (s *stagedFail) CancelEscrow(ctx context.Context, req gateway.OpRequest) (*gateway.Result, error) {
	return nil, errors.New("cancel rejected")
}

func TestDisputeWorkflowReachesResolved(t *testing.T) {
	fake := &fakeChain{}
	h := New(fake, fake, WithLogger(zap.NewNop()))

	runID, err := h.RunDisputeWorkflow(context.Background(), testScenario(), true, "buyer proved payment")
	require.NoError(t, err)

	results := h.Results(runID)
	require.Len(t, results, 6)
	steps := make([]string, 0, len(results))
	for _, r := range results {
		assert.True(t, r.OK, "step %s: %s", r.Step, r.Err)
		steps = append(steps, r.Step)
	}
	assert.Equal(t, []string{
		"create_escrow", "fund_escrow", "mark_fiat_paid",
		"open_dispute", "respond_to_dispute", "resolve_dispute",
	}, steps)
	assert.Equal(t, escrow.StateResolved, fake.e.State)
	assert.Equal(t, dispute.HashExplanation("buyer proved payment"), fake.e.Dispute.ResolutionHash)
}

func TestRunsAreIsolatedInTheLog(t *testing.T) {
	fake := &fakeChain{}
	h := New(fake, fake, WithLogger(zap.NewNop()))

	first, err := h.RunCompleteLifecycle(context.Background(), testScenario())
	require.NoError(t, err)
	second, err := h.RunCompleteLifecycle(context.Background(), testScenario())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, h.Results(first), 4)
	assert.Len(t, h.Results(second), 4)
	assert.Len(t, h.AllResults(), 8)
}
