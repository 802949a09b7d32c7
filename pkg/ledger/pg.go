package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

type pgStore struct {
	db *bun.DB
}

// NewPGStore creates the postgres implementation of the trade ledger.
func NewPGStore(db *bun.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) CreateTrade(ctx context.Context, t *trade.Trade) error {
	dao := toTradeDao(t)
	if dao.Leg1State == "" {
		dao.Leg1State = string(trade.LegCreated)
	}
	if _, err := s.db.NewInsert().Model(dao).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (s *pgStore) GetTrade(ctx context.Context, id uint64) (*trade.Trade, error) {
	dao := new(TradeDao)
	err := s.db.NewSelect().Model(dao).Where("id = ?", int64(id)).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return toTrade(dao), nil
}

func (s *pgStore) UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error {
	res, err := s.db.NewUpdate().
		Model((*TradeDao)(nil)).
		Set("leg1_state = ?", string(state)).
		Set("updated_at = NOW()").
		Where("id = ?", int64(id)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update trade state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (s *pgStore) LinkEscrow(ctx context.Context, tradeID, escrowID uint64) error {
	// The escrow link is write-once: the WHERE clause refuses to re-point.
	res, err := s.db.NewUpdate().
		Model((*TradeDao)(nil)).
		Set("leg1_escrow_onchain_id = ?", int64(escrowID)).
		Set("updated_at = NOW()").
		Where("id = ?", int64(tradeID)).
		Where("leg1_escrow_onchain_id IS NULL OR leg1_escrow_onchain_id = ?", int64(escrowID)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to link escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		exists, eerr := s.db.NewSelect().
			Model((*TradeDao)(nil)).
			Where("id = ?", int64(tradeID)).
			Exists(ctx)
		if eerr != nil {
			return fmt.Errorf("failed to link escrow: %w", eerr)
		}
		if !exists {
			return ErrTradeNotFound
		}
		return fmt.Errorf("trade %d already linked to a different escrow", tradeID)
	}
	return nil
}

func (s *pgStore) ListActiveTrades(ctx context.Context) ([]*trade.Trade, error) {
	var daos []TradeDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("leg1_state NOT IN (?)", bun.In([]string{
			string(trade.LegCancelled),
			string(trade.LegReleased),
			string(trade.LegCompleted),
			string(trade.LegResolved),
		})).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active trades: %w", err)
	}
	trades := make([]*trade.Trade, len(daos))
	for i := range daos {
		trades[i] = toTrade(&daos[i])
	}
	return trades, nil
}

func (s *pgStore) CreateAccount(ctx context.Context, a *Account) error {
	if _, err := s.db.NewInsert().Model(toAccountDao(a)).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *pgStore) GetAccount(ctx context.Context, id uint64) (string, error) {
	dao := new(AccountDao)
	err := s.db.NewSelect().Model(dao).Where("id = ?", int64(id)).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("failed to get account: %w", err)
	}
	return dao.WalletAddress, nil
}
