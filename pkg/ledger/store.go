// Package ledger persists the off-chain shadow of trades and the account
// book that maps account ids to wallet addresses. Two implementations exist:
// a postgres store for deployments and an in-memory store for tests and
// single-process development.
package ledger

import (
	"context"
	"errors"

	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// ErrTradeNotFound is returned when a trade lookup finds no matching record.
var ErrTradeNotFound = errors.New("trade not found")

// ErrAccountNotFound is returned when an account lookup finds no matching
// record.
var ErrAccountNotFound = errors.New("account not found")

// Account maps a platform account to its chain wallet address.
type Account struct {
	ID            uint64
	WalletAddress string
	Network       string
}

// Store defines trade ledger persistence.
type Store interface {
	CreateTrade(ctx context.Context, t *trade.Trade) error
	GetTrade(ctx context.Context, id uint64) (*trade.Trade, error)
	UpdateTradeState(ctx context.Context, id uint64, state trade.LegState) error
	LinkEscrow(ctx context.Context, tradeID, escrowID uint64) error
	// ListActiveTrades returns trades whose leg has not reached a terminal
	// state, for reconciler bootstrap after a restart.
	ListActiveTrades(ctx context.Context) ([]*trade.Trade, error)

	CreateAccount(ctx context.Context, a *Account) error
	// GetAccount returns the wallet address for an account id.
	GetAccount(ctx context.Context, id uint64) (string, error)
}
