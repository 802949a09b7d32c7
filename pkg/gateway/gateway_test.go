package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
)

const (
	sellerAddr = "seller-addr"
	buyerAddr  = "buyer-addr"
	arbAddr    = "arbitrator-addr"
	network    = "testnet"
)

func newTestGateway(adapter chain.Adapter) *Gateway {
	return New(
		map[string]chain.Adapter{network: adapter},
		&MockLedger{},
		Config{OperationTimeout: 5 * time.Second, MaxAttempts: 3, RetryBaseDelay: time.Millisecond},
		zap.NewNop(),
	)
}

func fundedEscrow(fiatPaid bool) *escrow.Escrow {
	return &escrow.Escrow{
		EscrowID:        1,
		TradeID:         1,
		Seller:          sellerAddr,
		Buyer:           buyerAddr,
		Arbitrator:      arbAddr,
		Amount:          10_000_000,
		Fee:             100_000,
		TrackedBalance:  10_000_000,
		DepositDeadline: time.Now().Add(time.Hour),
		FiatDeadline:    time.Now().Add(2 * time.Hour),
		State:           escrow.StateFunded,
		FiatPaid:        fiatPaid,
		Counter:         2,
	}
}

func TestCreateEscrowValidation(t *testing.T) {
	g := newTestGateway(&MockAdapter{})

	tests := []struct {
		name string
		req  CreateRequest
		want escrow.ErrorKind
	}{
		{
			name: "zero amount",
			req:  CreateRequest{Network: network, TradeID: 1, Caller: sellerAddr, Seller: sellerAddr, Amount: 0},
			want: escrow.KindInvalidAmount,
		},
		{
			name: "exceeds maximum",
			req:  CreateRequest{Network: network, TradeID: 1, Caller: sellerAddr, Seller: sellerAddr, Amount: escrow.MaxAmount + 1},
			want: escrow.KindInvalidAmount,
		},
		{
			name: "caller is not the seller",
			req:  CreateRequest{Network: network, TradeID: 1, Caller: buyerAddr, Seller: sellerAddr, Amount: 1_000_000},
			want: escrow.KindUnauthorized,
		},
		{
			name: "sequential without address",
			req:  CreateRequest{Network: network, TradeID: 1, Caller: sellerAddr, Seller: sellerAddr, Amount: 1_000_000, Sequential: true},
			want: escrow.KindMissingSequentialAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.CreateEscrow(context.Background(), tt.req)
			if escrow.KindOf(err) != tt.want {
				t.Errorf("kind = %s, want %s", escrow.KindOf(err), tt.want)
			}
		})
	}
}

func TestCreateEscrowLinksTrade(t *testing.T) {
	adapter := &MockAdapter{
		CreateEscrowFunc: func(_ context.Context, p chain.CreateParams) (*chain.TxResult, error) {
			return &chain.TxResult{TxReference: "tx-1", EscrowID: 42, ConfirmedState: escrow.StateCreated}, nil
		},
	}
	g := newTestGateway(adapter)

	res, err := g.CreateEscrow(context.Background(), CreateRequest{
		Network: network, TradeID: 9, EscrowID: 42,
		Caller: sellerAddr, Seller: sellerAddr, Buyer: buyerAddr, Arbitrator: arbAddr,
		Amount: 10_000_000,
	})
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if res.EscrowID != 42 || res.ConfirmedState != escrow.StateCreated {
		t.Errorf("result = %+v", res)
	}
}

func TestFundEscrowChecksDeadlineOnFreshRead(t *testing.T) {
	e := fundedEscrow(false)
	e.State = escrow.StateCreated
	e.DepositDeadline = time.Now().Add(-time.Second)

	submitted := false
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
		FundEscrowFunc: func(context.Context, chain.OpParams) (*chain.TxResult, error) {
			submitted = true
			return nil, nil
		},
	}
	g := newTestGateway(adapter)

	_, err := g.FundEscrow(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: sellerAddr})
	if escrow.KindOf(err) != escrow.KindDepositDeadlineExpired {
		t.Errorf("kind = %s, want DEPOSIT_DEADLINE_EXPIRED", escrow.KindOf(err))
	}
	if submitted {
		t.Error("no transaction may be submitted after the deadline check fails")
	}
}

func TestFundEscrowUnauthorizedCaller(t *testing.T) {
	e := fundedEscrow(false)
	e.State = escrow.StateCreated
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
	}
	g := newTestGateway(adapter)

	_, err := g.FundEscrow(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: buyerAddr})
	if escrow.KindOf(err) != escrow.KindUnauthorized {
		t.Errorf("kind = %s, want UNAUTHORIZED", escrow.KindOf(err))
	}
}

func TestMarkFiatPaidIdempotent(t *testing.T) {
	e := fundedEscrow(false)
	calls := 0
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
		MarkFiatPaidFunc: func(_ context.Context, p chain.OpParams) (*chain.TxResult, error) {
			calls++
			e.FiatPaid = true
			e.Counter++
			return &chain.TxResult{TxReference: "tx-paid", EscrowID: p.EscrowID, ConfirmedState: escrow.StateFunded}, nil
		},
	}
	g := newTestGateway(adapter)
	req := OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: buyerAddr}

	if _, err := g.MarkFiatPaid(context.Background(), req); err != nil {
		t.Fatalf("first MarkFiatPaid: %v", err)
	}
	// Second call sees fiatPaid already true and is a no-op success.
	res, err := g.MarkFiatPaid(context.Background(), req)
	if err != nil {
		t.Fatalf("second MarkFiatPaid: %v", err)
	}
	if res.ConfirmedState != escrow.StateFunded {
		t.Errorf("state = %s", res.ConfirmedState)
	}
	if calls != 1 {
		t.Errorf("chain submissions = %d, want 1", calls)
	}
}

func TestMarkFiatPaidRejectedAfterDispute(t *testing.T) {
	e := fundedEscrow(true)
	e.State = escrow.StateDisputed
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
	}
	g := newTestGateway(adapter)

	_, err := g.MarkFiatPaid(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: buyerAddr})
	if escrow.KindOf(err) != escrow.KindInvalidState {
		t.Errorf("kind = %s, want INVALID_STATE", escrow.KindOf(err))
	}
}

func TestReleaseRequiresFiatPaid(t *testing.T) {
	e := fundedEscrow(false)
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
	}
	g := newTestGateway(adapter)

	_, err := g.ReleaseEscrow(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: sellerAddr})
	if escrow.KindOf(err) != escrow.KindInvalidState {
		t.Errorf("kind = %s, want INVALID_STATE", escrow.KindOf(err))
	}
}

func TestReleaseUnauthorizedForBuyer(t *testing.T) {
	e := fundedEscrow(true)
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
	}
	g := newTestGateway(adapter)

	_, err := g.ReleaseEscrow(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: buyerAddr})
	if escrow.KindOf(err) != escrow.KindUnauthorized {
		t.Errorf("kind = %s, want UNAUTHORIZED", escrow.KindOf(err))
	}
}

// TestConcurrentReleaseSingleWinner drives two simultaneous releases on one
// escrow: exactly one succeeds; the other is rejected busy or, if it ran
// after the winner, sees the terminal state. Never two payouts.
func TestConcurrentReleaseSingleWinner(t *testing.T) {
	var mu sync.Mutex
	e := fundedEscrow(true)
	payouts := 0

	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) {
			mu.Lock()
			defer mu.Unlock()
			snapshot := *e
			return &snapshot, nil
		},
		ReleaseEscrowFunc: func(_ context.Context, p chain.OpParams) (*chain.TxResult, error) {
			mu.Lock()
			defer mu.Unlock()
			if e.State != escrow.StateFunded {
				return nil, escrow.NewError(escrow.KindInvalidState, "escrow is %s", e.State)
			}
			e.State = escrow.StateReleased
			e.TrackedBalance = 0
			e.Counter++
			payouts++
			return &chain.TxResult{TxReference: "tx-release", EscrowID: p.EscrowID, ConfirmedState: escrow.StateReleased}, nil
		},
	}
	g := newTestGateway(adapter)
	req := OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: sellerAddr}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = g.ReleaseEscrow(context.Background(), req)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ErrEscrowBusy) &&
			escrow.KindOf(err) != escrow.KindInvalidState &&
			escrow.KindOf(err) != escrow.KindTerminalState {
			t.Errorf("unexpected loser error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if payouts != 1 {
		t.Errorf("payouts = %d, want exactly 1", payouts)
	}
}

// TestFundRetryRechecksState simulates a submission that times out on the
// wire but lands on chain: the retry re-reads, sees FUNDED, and does not
// resubmit.
func TestFundRetryRechecksState(t *testing.T) {
	e := fundedEscrow(false)
	e.State = escrow.StateCreated

	submissions := 0
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) {
			snapshot := *e
			return &snapshot, nil
		},
		FundEscrowFunc: func(context.Context, chain.OpParams) (*chain.TxResult, error) {
			submissions++
			// The transaction lands, but the response is lost.
			e.State = escrow.StateFunded
			e.Counter++
			return nil, escrow.WrapComm(errors.New("read tcp: timeout"), "fund_escrow")
		},
	}
	g := newTestGateway(adapter)

	res, err := g.FundEscrow(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: sellerAddr})
	if err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if res.ConfirmedState != escrow.StateFunded {
		t.Errorf("state = %s, want funded", res.ConfirmedState)
	}
	if submissions != 1 {
		t.Errorf("submissions = %d, want 1 (retry must re-read, not resubmit)", submissions)
	}
}

func TestCancelRejectsAfterFiatPaid(t *testing.T) {
	e := fundedEscrow(true)
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
	}
	g := newTestGateway(adapter)

	_, err := g.CancelEscrow(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: sellerAddr})
	if escrow.KindOf(err) != escrow.KindInvalidState {
		t.Errorf("kind = %s, want INVALID_STATE", escrow.KindOf(err))
	}
}

func TestAutoCancelArbitratorOnly(t *testing.T) {
	e := fundedEscrow(false)
	e.State = escrow.StateCreated
	e.DepositDeadline = time.Now().Add(-time.Minute)
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
	}
	g := newTestGateway(adapter)

	_, err := g.AutoCancel(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: sellerAddr})
	if escrow.KindOf(err) != escrow.KindUnauthorized {
		t.Errorf("kind = %s, want UNAUTHORIZED", escrow.KindOf(err))
	}

	res, err := g.AutoCancel(context.Background(), OpRequest{Network: network, EscrowID: 1, TradeID: 1, Caller: arbAddr})
	if err != nil {
		t.Fatalf("AutoCancel by arbitrator: %v", err)
	}
	if res.ConfirmedState != escrow.StateCancelled {
		t.Errorf("state = %s", res.ConfirmedState)
	}
}

func TestAdvisoryCacheIsRefreshedByReads(t *testing.T) {
	e := fundedEscrow(false)
	adapter := &MockAdapter{
		ReadEscrowFunc: func(context.Context, uint64, uint64) (*escrow.Escrow, error) { return e, nil },
	}
	g := newTestGateway(adapter)

	if _, _, ok := g.CachedEscrow(network, 1, 1); ok {
		t.Fatal("cache should start empty")
	}
	if _, err := g.GetEscrow(context.Background(), network, 1, 1); err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	cached, _, ok := g.CachedEscrow(network, 1, 1)
	if !ok || cached.State != escrow.StateFunded {
		t.Error("cache should hold the last read")
	}
}

func TestUnknownNetwork(t *testing.T) {
	g := newTestGateway(&MockAdapter{})
	_, err := g.FundEscrow(context.Background(), OpRequest{Network: "nope", EscrowID: 1, TradeID: 1, Caller: sellerAddr})
	if err == nil {
		t.Fatal("expected error for unknown network")
	}
}
