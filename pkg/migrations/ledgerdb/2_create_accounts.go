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
		log.Println("creating accounts table...")
		if err := mghelper.CreateSchema(ctx, db, &ledger.AccountDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &ledger.AccountDao{}, "wallet_address", "network")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping accounts table...")
		return mghelper.DropTables(ctx, db, &ledger.AccountDao{})
	})
}
