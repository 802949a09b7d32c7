package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

type memoryStore struct {
	mu       sync.RWMutex
	trades   map[uint64]*trade.Trade
	accounts map[uint64]*Account
}

// NewMemoryStore creates an in-memory trade ledger for tests and local runs.
func NewMemoryStore() Store {
	return &memoryStore{
		trades:   make(map[uint64]*trade.Trade),
		accounts: make(map[uint64]*Account),
	}
}

func copyTrade(t *trade.Trade) *trade.Trade {
	cp := *t
	if t.Leg1EscrowID != nil {
		id := *t.Leg1EscrowID
		cp.Leg1EscrowID = &id
	}
	return &cp
}

func (s *memoryStore) CreateTrade(ctx context.Context, t *trade.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; ok {
		return fmt.Errorf("trade %d already exists", t.ID)
	}
	cp := copyTrade(t)
	if cp.Leg1State == "" {
		cp.Leg1State = trade.LegCreated
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.trades[t.ID] = cp
	return nil
}

func (s *memoryStore) GetTrade(ctx context.Context, id uint64) (*trade.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (s *memoryStore) UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	t.Leg1State = state
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) LinkEscrow(ctx context.Context, tradeID, escrowID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return ErrTradeNotFound
	}
	if err := t.LinkEscrow(escrowID); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) ListActiveTrades(ctx context.Context) ([]*trade.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*trade.Trade
	for _, t := range s.trades {
		if !t.Leg1State.Terminal() {
			out = append(out, copyTrade(t))
		}
	}
	return out, nil
}

func (s *memoryStore) CreateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %d already exists", a.ID)
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *memoryStore) GetAccount(ctx context.Context, id uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return "", ErrAccountNotFound
	}
	return a.WalletAddress, nil
}
