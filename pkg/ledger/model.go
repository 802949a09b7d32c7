package ledger

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/peertrade/escrow-coordinator/pkg/trade"
)

// TradeDao maps directly to the 'trades' table.
type TradeDao struct {
	bun.BaseModel `bun:"table:trades,alias:t"`

	ID                        int64      `bun:"id,pk"`
	Leg1OfferID               int64      `bun:"leg1_offer_id,notnull"`
	BuyerAccountID            int64      `bun:"buyer_account_id,notnull"`
	SellerAccountID           int64      `bun:"seller_account_id,notnull"`
	Leg1State                 string     `bun:"leg1_state,notnull,type:varchar(32)"`
	Leg1EscrowOnchainID       *int64     `bun:"leg1_escrow_onchain_id"`
	Leg1EscrowDepositDeadline *time.Time `bun:"leg1_escrow_deposit_deadline"`
	Leg1FiatPaymentDeadline   *time.Time `bun:"leg1_fiat_payment_deadline"`
	CreatedAt                 time.Time  `bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt                 time.Time  `bun:"updated_at,nullzero,default:current_timestamp"`
}

// AccountDao maps directly to the 'accounts' table.
type AccountDao struct {
	bun.BaseModel `bun:"table:accounts,alias:a"`

	ID            int64     `bun:"id,pk"`
	WalletAddress string    `bun:"wallet_address,notnull,type:varchar(128)"`
	Network       string    `bun:"network,notnull,type:varchar(32)"`
	CreatedAt     time.Time `bun:"created_at,nullzero,default:current_timestamp"`
}

func toTradeDao(t *trade.Trade) *TradeDao {
	dao := &TradeDao{
		ID:              int64(t.ID),
		Leg1OfferID:     int64(t.Leg1OfferID),
		BuyerAccountID:  int64(t.BuyerAccountID),
		SellerAccountID: int64(t.SellerAccountID),
		Leg1State:       string(t.Leg1State),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.Leg1EscrowID != nil {
		id := int64(*t.Leg1EscrowID)
		dao.Leg1EscrowOnchainID = &id
	}
	if !t.Leg1EscrowDepositDeadline.IsZero() {
		d := t.Leg1EscrowDepositDeadline
		dao.Leg1EscrowDepositDeadline = &d
	}
	if !t.Leg1FiatPaymentDeadline.IsZero() {
		d := t.Leg1FiatPaymentDeadline
		dao.Leg1FiatPaymentDeadline = &d
	}
	return dao
}

func toTrade(dao *TradeDao) *trade.Trade {
	t := &trade.Trade{
		ID:              uint64(dao.ID),
		Leg1OfferID:     uint64(dao.Leg1OfferID),
		BuyerAccountID:  uint64(dao.BuyerAccountID),
		SellerAccountID: uint64(dao.SellerAccountID),
		Leg1State:       trade.LegState(dao.Leg1State),
		CreatedAt:       dao.CreatedAt,
		UpdatedAt:       dao.UpdatedAt,
	}
	if dao.Leg1EscrowOnchainID != nil {
		id := uint64(*dao.Leg1EscrowOnchainID)
		t.Leg1EscrowID = &id
	}
	if dao.Leg1EscrowDepositDeadline != nil {
		t.Leg1EscrowDepositDeadline = *dao.Leg1EscrowDepositDeadline
	}
	if dao.Leg1FiatPaymentDeadline != nil {
		t.Leg1FiatPaymentDeadline = *dao.Leg1FiatPaymentDeadline
	}
	return t
}

func toAccountDao(a *Account) *AccountDao {
	return &AccountDao{
		ID:            int64(a.ID),
		WalletAddress: a.WalletAddress,
		Network:       a.Network,
	}
}
