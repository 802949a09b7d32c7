package ledgerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/peertrade/escrow-coordinator/pkg/ledger"
	mghelper "github.com/peertrade/escrow-coordinator/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating trades table...")
		if err := mghelper.CreateSchema(ctx, db, &ledger.TradeDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &ledger.TradeDao{}, "leg1_state", "leg1_escrow_onchain_id")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping trades table...")
		return mghelper.DropTables(ctx, db, &ledger.TradeDao{})
	})
}
