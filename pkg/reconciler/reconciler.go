// Package reconciler keeps the off-chain trade ledger converged with on-chain
// escrow truth. It polls each tracked trade on its own schedule, repairs the
// ledger when chain state has moved, and surfaces deadline expiries and
// degraded trades as events. It observes and reports only: it never submits
// transactions.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peertrade/escrow-coordinator/internal/metrics"
	"github.com/peertrade/escrow-coordinator/pkg/escrow"
	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// ChainReader reads authoritative escrow state. The gateway's fresh-read path
// satisfies it.
type ChainReader interface {
	ReadFresh(ctx context.Context, network string, escrowID, tradeID uint64) (*escrow.Escrow, error)
}

// TradeSync pushes repaired leg states to the off-chain ledger.
type TradeSync interface {
	GetTrade(ctx context.Context, id uint64) (*trade.Trade, error)
	UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error
}

// EventType classifies reconciliation events.
type EventType string

const (
	// EventStateChanged fires when a poll observes a different escrow state
	// or fiat-paid flag than the previous poll.
	EventStateChanged EventType = "state_changed"
	// EventDeadlineExpired fires once per expired deadline. The trade is
	// auto-cancel eligible; acting on that is the caller's decision.
	EventDeadlineExpired EventType = "deadline_expired"
	// EventDegraded fires when a trade crosses the consecutive-failure
	// threshold.
	EventDegraded EventType = "reconciliation_degraded"
	// EventRecovered fires when a degraded trade polls successfully again.
	EventRecovered EventType = "reconciliation_recovered"
)

// Event is one reconciliation observation delivered to subscribers.
type Event struct {
	Type     EventType
	TradeID  uint64
	EscrowID uint64
	Network  string

	// State and FiatPaid are set on state_changed events.
	State    escrow.State
	FiatPaid bool

	// Deadline names which window expired: "deposit" or "fiat".
	Deadline string

	At time.Time
}

// Config tunes the loop. Zero values get sensible defaults.
type Config struct {
	// Interval is the per-trade base poll interval.
	Interval time.Duration
	// MaxInterval caps the backed-off interval for failing trades.
	MaxInterval time.Duration
	// MaxConcurrent bounds how many trades poll within one scheduler pass.
	MaxConcurrent int
	// FailureThreshold is the consecutive-failure count that marks a trade
	// degraded.
	FailureThreshold int
	// ReadTimeout bounds each chain read.
	ReadTimeout time.Duration
	// SubscriberBuffer is the per-subscriber channel depth. When a slow
	// subscriber falls behind, the oldest event is dropped first.
	SubscriberBuffer int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 8 * c.Interval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 16
	}
	return c
}

type entry struct {
	tradeID  uint64
	escrowID uint64
	network  string

	lastCounter  uint64
	lastState    escrow.State
	lastFiatPaid bool
	seen         bool

	interval time.Duration
	nextAt   time.Time

	failures int
	degraded bool

	depositNotified bool
	fiatNotified    bool
}

type subscriber struct {
	id int
	ch chan Event
}

// Loop is the reconciliation scheduler.
type Loop struct {
	reader ChainReader
	ledger TradeSync
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[uint64]*entry
	subs    map[uint64][]*subscriber
	nextSub int
	running bool
	inPass  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Loop) { r.logger = l }
}

// New creates a reconciliation loop.
func New(reader ChainReader, ledger TradeSync, cfg Config, opts ...Option) *Loop {
	r := &Loop{
		reader:  reader,
		ledger:  ledger,
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		entries: make(map[uint64]*entry),
		subs:    make(map[uint64][]*subscriber),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track registers a trade for periodic reconciliation. Re-tracking an already
// tracked trade is a no-op.
func (r *Loop) Track(tradeID, escrowID uint64, network string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[tradeID]; ok {
		return
	}
	r.entries[tradeID] = &entry{
		tradeID:  tradeID,
		escrowID: escrowID,
		network:  network,
		interval: r.cfg.Interval,
		nextAt:   time.Now(),
	}
	metrics.TrackedTrades.Inc()
	r.logger.Info("tracking trade",
		zap.Uint64("trade_id", tradeID),
		zap.Uint64("escrow_id", escrowID),
		zap.String("network", network))
}

// Untrack removes a trade from the schedule. Subscribers stay registered and
// simply stop receiving events.
func (r *Loop) Untrack(tradeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tradeID]
	if !ok {
		return
	}
	if e.degraded {
		metrics.DegradedTrades.Dec()
	}
	delete(r.entries, tradeID)
	metrics.TrackedTrades.Dec()
}

// Tracked reports whether the trade is on the schedule.
func (r *Loop) Tracked(tradeID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[tradeID]
	return ok
}

// Degraded reports whether the trade is currently flagged as failing
// reconciliation.
func (r *Loop) Degraded(tradeID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tradeID]
	return ok && e.degraded
}

// Subscribe returns a stream of reconciliation events for one trade and a
// cancel function. The channel is buffered; when the subscriber falls behind,
// the oldest pending event is dropped to make room for the newest.
func (r *Loop) Subscribe(tradeID uint64) (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &subscriber{id: r.nextSub, ch: make(chan Event, r.cfg.SubscriberBuffer)}
	r.nextSub++
	r.subs[tradeID] = append(r.subs[tradeID], s)

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subs[tradeID]
		for i, other := range subs {
			if other.id == s.id {
				r.subs[tradeID] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return s.ch, cancel
}

func (r *Loop) publish(ev Event) {
	ev.At = time.Now().UTC()
	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	// Sends happen under the loop mutex so a concurrent cancel cannot close
	// a channel mid-send. Every send path below is non-blocking.
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs[ev.TradeID] {
		for {
			select {
			case s.ch <- ev:
			default:
				// Full buffer: evict the oldest and retry.
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Running reports whether the background scheduler has been started and not
// yet stopped.
func (r *Loop) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start launches the background scheduler. Stop shuts it down.
func (r *Loop) Start() {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		resolution := r.cfg.Interval / 4
		if resolution < 100*time.Millisecond {
			resolution = 100 * time.Millisecond
		}
		ticker := time.NewTicker(resolution)
		defer ticker.Stop()

		r.logger.Info("reconciliation loop started",
			zap.Duration("interval", r.cfg.Interval),
			zap.Int("max_concurrent", r.cfg.MaxConcurrent))

		for {
			select {
			case <-ticker.C:
				r.RunOnce(context.Background())
			case <-r.stopCh:
				r.logger.Info("reconciliation loop stopping")
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for in-flight polls to finish.
func (r *Loop) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	close(r.stopCh)
	r.wg.Wait()
}

// RunOnce polls every due trade, at most MaxConcurrent at a time, and returns
// when all polls complete. The background scheduler calls this on every tick;
// it is exported so callers can force a pass. Overlapping calls coalesce: a
// pass started while another is in flight returns immediately, so a forced
// pass never reconciles the same entry concurrently with the scheduler.
func (r *Loop) RunOnce(ctx context.Context) {
	now := time.Now()
	r.mu.Lock()
	if r.inPass {
		r.mu.Unlock()
		return
	}
	r.inPass = true
	due := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.nextAt.After(now) {
			due = append(due, e)
		}
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inPass = false
		r.mu.Unlock()
	}()

	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(e *entry) {
			defer wg.Done()
			defer func() { <-sem }()
			r.reconcile(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (r *Loop) read(ctx context.Context, e *entry) (*escrow.Escrow, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()
	return r.reader.ReadFresh(readCtx, e.network, e.escrowID, e.tradeID)
}

func (r *Loop) reconcile(ctx context.Context, e *entry) {
	rec, err := r.read(ctx, e)
	if err != nil {
		r.onFailure(e, err)
		return
	}

	r.mu.Lock()
	seen, lastCounter := e.seen, e.lastCounter
	r.mu.Unlock()

	// A counter below the last observed value means this read raced an
	// older replica, not that chain state rolled back. One immediate retry
	// usually lands on a fresh node; otherwise keep the last good view.
	if seen && rec.Counter < lastCounter {
		metrics.StaleReads.Inc()
		rec, err = r.read(ctx, e)
		if err != nil {
			r.onFailure(e, err)
			return
		}
		if rec.Counter < lastCounter {
			metrics.ReconcileTicks.WithLabelValues("stale").Inc()
			r.logger.Debug("stale read persisted; keeping previous view",
				zap.Uint64("trade_id", e.tradeID),
				zap.Uint64("observed_counter", rec.Counter),
				zap.Uint64("last_counter", lastCounter))
			r.reschedule(e, false)
			return
		}
	}

	r.onSuccess(ctx, e, rec)
}

func (r *Loop) onFailure(e *entry, err error) {
	metrics.ReconcileTicks.WithLabelValues("error").Inc()
	r.mu.Lock()
	e.failures++
	crossed := e.failures >= r.cfg.FailureThreshold && !e.degraded
	if crossed {
		e.degraded = true
		metrics.DegradedTrades.Inc()
	}
	// Back off a failing trade so a dead endpoint does not eat the whole
	// poll budget.
	e.interval *= 2
	if e.interval > r.cfg.MaxInterval {
		e.interval = r.cfg.MaxInterval
	}
	e.nextAt = time.Now().Add(e.interval)
	failures := e.failures
	r.mu.Unlock()

	r.logger.Warn("reconcile poll failed",
		zap.Uint64("trade_id", e.tradeID),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))
	if crossed {
		r.publish(Event{
			Type:     EventDegraded,
			TradeID:  e.tradeID,
			EscrowID: e.escrowID,
			Network:  e.network,
		})
	}
}

func (r *Loop) onSuccess(ctx context.Context, e *entry, rec *escrow.Escrow) {
	metrics.ReconcileTicks.WithLabelValues("ok").Inc()

	r.mu.Lock()
	recovered := e.degraded
	if recovered {
		e.degraded = false
		metrics.DegradedTrades.Dec()
	}
	e.failures = 0
	e.interval = r.cfg.Interval

	changed := !e.seen || rec.State != e.lastState || rec.FiatPaid != e.lastFiatPaid
	firstObservation := !e.seen
	e.lastCounter = rec.Counter
	e.lastState = rec.State
	e.lastFiatPaid = rec.FiatPaid
	e.seen = true
	r.mu.Unlock()

	if recovered {
		r.publish(Event{Type: EventRecovered, TradeID: e.tradeID, EscrowID: e.escrowID, Network: e.network})
	}

	if changed && !firstObservation {
		r.repairLedger(ctx, e, rec)
		r.publish(Event{
			Type:     EventStateChanged,
			TradeID:  e.tradeID,
			EscrowID: e.escrowID,
			Network:  e.network,
			State:    rec.State,
			FiatPaid: rec.FiatPaid,
		})
	} else if firstObservation {
		r.repairLedger(ctx, e, rec)
	}

	r.checkDeadlines(e, rec)
	r.reschedule(e, rec.State.Terminal())
}

// repairLedger pushes the derived leg state when the ledger disagrees with
// chain truth.
func (r *Loop) repairLedger(ctx context.Context, e *entry, rec *escrow.Escrow) {
	want := trade.LegStateFor(rec)
	t, err := r.ledger.GetTrade(ctx, e.tradeID)
	if err != nil {
		r.logger.Warn("ledger read failed during repair",
			zap.Uint64("trade_id", e.tradeID), zap.Error(err))
		return
	}
	if t.Leg1State == want {
		return
	}
	if err := r.ledger.UpdateTradeState(ctx, e.tradeID, want); err != nil {
		r.logger.Warn("ledger repair failed",
			zap.Uint64("trade_id", e.tradeID),
			zap.String("want", string(want)),
			zap.Error(err))
		return
	}
	r.logger.Info("ledger repaired from chain state",
		zap.Uint64("trade_id", e.tradeID),
		zap.String("from", string(t.Leg1State)),
		zap.String("to", string(want)))
}

func (r *Loop) checkDeadlines(e *entry, rec *escrow.Escrow) {
	if rec.State.Terminal() || rec.State == escrow.StateDisputed {
		return
	}
	now := time.Now()

	r.mu.Lock()
	notifyDeposit := rec.State == escrow.StateCreated && rec.DepositDeadlineExpired(now) && !e.depositNotified
	if notifyDeposit {
		e.depositNotified = true
	}
	notifyFiat := rec.State == escrow.StateFunded && !rec.FiatPaid && rec.FiatDeadlineExpired(now) && !e.fiatNotified
	if notifyFiat {
		e.fiatNotified = true
	}
	r.mu.Unlock()

	if notifyDeposit {
		r.publish(Event{
			Type: EventDeadlineExpired, TradeID: e.tradeID, EscrowID: e.escrowID,
			Network: e.network, Deadline: "deposit", State: rec.State,
		})
	}
	if notifyFiat {
		r.publish(Event{
			Type: EventDeadlineExpired, TradeID: e.tradeID, EscrowID: e.escrowID,
			Network: e.network, Deadline: "fiat", State: rec.State, FiatPaid: rec.FiatPaid,
		})
	}
}

func (r *Loop) reschedule(e *entry, terminal bool) {
	if terminal {
		// Terminal escrows cannot change; one confirming poll is enough.
		r.Untrack(e.tradeID)
		r.logger.Info("trade reached terminal state; untracked",
			zap.Uint64("trade_id", e.tradeID))
		return
	}
	r.mu.Lock()
	e.nextAt = time.Now().Add(e.interval)
	r.mu.Unlock()
}
