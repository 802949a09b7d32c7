package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

type mockReader struct {
	mu   sync.Mutex
	seq  []*escrow.Escrow
	errs []error
	idx  int
}

func (m *mockReader) push(e *escrow.Escrow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = append(m.seq, e)
	m.errs = append(m.errs, nil)
}

func (m *mockReader) pushErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = append(m.seq, nil)
	m.errs = append(m.errs, err)
}

func (m *mockReader) ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idx >= len(m.seq) {
		// Repeat the final response for any further polls.
		if len(m.seq) == 0 {
			return nil, errors.New("no responses queued")
		}
		last := len(m.seq) - 1
		return m.seq[last], m.errs[last]
	}
	e, err := m.seq[m.idx], m.errs[m.idx]
	m.idx++
	return e, err
}

type mockLedger struct {
	mu      sync.Mutex
	state   trade.LegState
	updates []trade.LegState
	getErr  error
}

func (m *mockLedger) GetTrade(ctx context.Context, id uint64) (*trade.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &trade.Trade{ID: id, Leg1State: m.state}, nil
}

func (m *mockLedger) UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.updates = append(m.updates, state)
	return nil
}

func snapshot(state escrow.State, fiatPaid bool, counter uint64) *escrow.Escrow {
	return &escrow.Escrow{
		EscrowID:        1,
		TradeID:         1,
		State:           state,
		FiatPaid:        fiatPaid,
		Counter:         counter,
		DepositDeadline: time.Now().Add(escrow.DefaultDepositWindow),
		FiatDeadline:    time.Now().Add(escrow.DefaultFiatWindow),
	}
}

func fastConfig() Config {
	return Config{
		Interval:         10 * time.Millisecond,
		MaxInterval:      80 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func newLoop(reader *mockReader, ledger *mockLedger) *Loop {
	return New(reader, ledger, fastConfig(), WithLogger(zap.NewNop()))
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStateChangeRepairsLedgerAndNotifies(t *testing.T) {
	reader := &mockReader{}
	reader.push(snapshot(escrow.StateFunded, false, 2))
	reader.push(snapshot(escrow.StateFunded, true, 3))
	ledger := &mockLedger{state: trade.LegCreated}
	loop := newLoop(reader, ledger)

	ch, cancel := loop.Subscribe(1)
	defer cancel()
	loop.Track(1, 1, "testnet")

	loop.RunOnce(context.Background()) // first observation: repair, no event
	assert.Equal(t, trade.LegAwaitingFiatPayment, ledger.state)
	assert.Empty(t, drain(ch))

	time.Sleep(15 * time.Millisecond)
	loop.RunOnce(context.Background()) // fiat marked paid on chain

	assert.Equal(t, trade.LegPendingCryptoRelease, ledger.state)
	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventStateChanged, events[0].Type)
	assert.True(t, events[0].FiatPaid)
}

func TestStaleReadRetriedOnceThenSkipped(t *testing.T) {
	reader := &mockReader{}
	reader.push(snapshot(escrow.StateFunded, true, 5))
	// Both the poll and its retry land on a lagging replica.
	reader.push(snapshot(escrow.StateFunded, false, 3))
	reader.push(snapshot(escrow.StateFunded, false, 4))
	ledger := &mockLedger{state: trade.LegPendingCryptoRelease}
	loop := newLoop(reader, ledger)

	ch, cancel := loop.Subscribe(1)
	defer cancel()
	loop.Track(1, 1, "testnet")

	loop.RunOnce(context.Background())
	time.Sleep(15 * time.Millisecond)
	loop.RunOnce(context.Background())

	// The stale view is discarded: no regression pushed to the ledger and
	// no state-change event.
	assert.Equal(t, trade.LegPendingCryptoRelease, ledger.state)
	assert.Empty(t, ledger.updates)
	assert.Empty(t, drain(ch))
}

func TestStaleReadRetrySucceeds(t *testing.T) {
	reader := &mockReader{}
	reader.push(snapshot(escrow.StateFunded, false, 5))
	reader.push(snapshot(escrow.StateFunded, false, 3)) // stale
	reader.push(snapshot(escrow.StateFunded, true, 6))  // retry lands fresh
	ledger := &mockLedger{state: trade.LegAwaitingFiatPayment}
	loop := newLoop(reader, ledger)

	ch, cancel := loop.Subscribe(1)
	defer cancel()
	loop.Track(1, 1, "testnet")

	loop.RunOnce(context.Background())
	time.Sleep(15 * time.Millisecond)
	loop.RunOnce(context.Background())

	assert.Equal(t, trade.LegPendingCryptoRelease, ledger.state)
	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventStateChanged, events[0].Type)
}

func TestConsecutiveFailuresDegradeThenRecover(t *testing.T) {
	reader := &mockReader{}
	boom := errors.New("rpc unreachable")
	reader.pushErr(boom)
	reader.pushErr(boom)
	reader.pushErr(boom)
	reader.push(snapshot(escrow.StateFunded, false, 1))
	ledger := &mockLedger{state: trade.LegAwaitingFiatPayment}
	loop := newLoop(reader, ledger)

	ch, cancel := loop.Subscribe(1)
	defer cancel()
	loop.Track(1, 1, "testnet")

	for i := 0; i < 3; i++ {
		loop.RunOnce(context.Background())
		assert.Equal(t, i >= 2, loop.Degraded(1), "after failure %d", i+1)
		time.Sleep(85 * time.Millisecond) // past the backed-off interval
	}
	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventDegraded, events[0].Type)

	loop.RunOnce(context.Background())
	assert.False(t, loop.Degraded(1))
	events = drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventRecovered, events[0].Type)
}

func TestDeadlineExpiryEmittedOnce(t *testing.T) {
	expired := snapshot(escrow.StateCreated, false, 1)
	expired.DepositDeadline = time.Now().Add(-time.Minute)
	reader := &mockReader{}
	reader.push(expired)
	ledger := &mockLedger{state: trade.LegCreated}
	loop := newLoop(reader, ledger)

	ch, cancel := loop.Subscribe(1)
	defer cancel()
	loop.Track(1, 1, "testnet")

	loop.RunOnce(context.Background())
	time.Sleep(15 * time.Millisecond)
	loop.RunOnce(context.Background())
	time.Sleep(15 * time.Millisecond)
	loop.RunOnce(context.Background())

	var deadline []Event
	for _, ev := range drain(ch) {
		if ev.Type == EventDeadlineExpired {
			deadline = append(deadline, ev)
		}
	}
	require.Len(t, deadline, 1)
	assert.Equal(t, "deposit", deadline[0].Deadline)
}

func TestFiatDeadlineExpiryOnlyBeforeFiatPaid(t *testing.T) {
	paid := snapshot(escrow.StateFunded, true, 2)
	paid.FiatDeadline = time.Now().Add(-time.Minute)
	reader := &mockReader{}
	reader.push(paid)
	ledger := &mockLedger{state: trade.LegPendingCryptoRelease}
	loop := newLoop(reader, ledger)

	ch, cancel := loop.Subscribe(1)
	defer cancel()
	loop.Track(1, 1, "testnet")

	loop.RunOnce(context.Background())
	for _, ev := range drain(ch) {
		assert.NotEqual(t, EventDeadlineExpired, ev.Type)
	}
}

func TestTerminalStateUntracks(t *testing.T) {
	reader := &mockReader{}
	reader.push(snapshot(escrow.StateReleased, true, 9))
	ledger := &mockLedger{state: trade.LegPendingCryptoRelease}
	loop := newLoop(reader, ledger)

	loop.Track(1, 1, "testnet")
	loop.RunOnce(context.Background())

	assert.False(t, loop.Tracked(1))
	assert.Equal(t, trade.LegCompleted, ledger.state)
}

func TestSubscriberOverflowDropsOldest(t *testing.T) {
	reader := &mockReader{}
	ledger := &mockLedger{}
	cfg := fastConfig()
	cfg.SubscriberBuffer = 2
	loop := New(reader, ledger, cfg, WithLogger(zap.NewNop()))

	ch, cancel := loop.Subscribe(1)
	defer cancel()

	for i := uint64(0); i < 5; i++ {
		loop.publish(Event{Type: EventStateChanged, TradeID: 1, EscrowID: i})
	}

	events := drain(ch)
	require.Len(t, events, 2)
	// The newest two survive.
	assert.Equal(t, uint64(3), events[0].EscrowID)
	assert.Equal(t, uint64(4), events[1].EscrowID)
}

func TestTrackIsIdempotent(t *testing.T) {
	loop := newLoop(&mockReader{}, &mockLedger{})
	loop.Track(1, 1, "testnet")
	loop.Track(1, 1, "testnet")
	assert.True(t, loop.Tracked(1))
	loop.Untrack(1)
	assert.False(t, loop.Tracked(1))
	loop.Untrack(1) // no-op
}

func TestStartStop(t *testing.T) {
	reader := &mockReader{}
	reader.push(snapshot(escrow.StateFunded, false, 1))
	loop := newLoop(reader, &mockLedger{state: trade.LegAwaitingFiatPayment})
	loop.Track(1, 1, "testnet")

	assert.False(t, loop.Running())
	loop.Start()
	assert.True(t, loop.Running())
	time.Sleep(250 * time.Millisecond)
	loop.Stop()
	assert.False(t, loop.Running())

	reader.mu.Lock()
	polled := reader.idx
	reader.mu.Unlock()
	assert.Greater(t, polled, 0)
}

func TestCancelWhilePublishing(t *testing.T) {
	loop := newLoop(&mockReader{}, &mockLedger{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				loop.publish(Event{Type: EventStateChanged, TradeID: 1})
			}
		}
	}()

	// Subscriber churn against a busy publisher: cancel must never close a
	// channel the publisher is about to send on.
	for i := 0; i < 500; i++ {
		ch, cancel := loop.Subscribe(1)
		drain(ch)
		cancel()
	}
	close(stop)
	wg.Wait()

	loop.mu.Lock()
	defer loop.mu.Unlock()
	assert.Empty(t, loop.subs[1])
}

type blockingReader struct {
	mu      sync.Mutex
	reads   int
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReader) ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error) {
	b.mu.Lock()
	b.reads++
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	return snapshot(escrow.StateFunded, false, 1), nil
}

func TestForcedPassCoalescesWithInFlightPass(t *testing.T) {
	reader := &blockingReader{entered: make(chan struct{}, 2), release: make(chan struct{})}
	loop := New(reader, &mockLedger{state: trade.LegAwaitingFiatPayment}, fastConfig(), WithLogger(zap.NewNop()))
	loop.Track(1, 1, "testnet")

	done := make(chan struct{})
	go func() {
		loop.RunOnce(context.Background())
		close(done)
	}()
	<-reader.entered

	// The entry is still due, but a pass started while another is in
	// flight must return without polling it again.
	loop.RunOnce(context.Background())

	close(reader.release)
	<-done

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, 1, reader.reads)
}
