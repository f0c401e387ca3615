package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// NewSQLiteLedger opens the ledger on a SQLite file. SQLite has a single
// writer, so the pool holds one connection and transactions serialize on it;
// that stands in for row locks.
func NewSQLiteLedger(dbPath string) (Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports 1 writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := execAll(ctx, db, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &sqlLedger{
		db:  db,
		d:   dialect{name: "sqlite"},
		now: time.Now,
	}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		bot_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		app_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		status TEXT NOT NULL,
		seller_trade_url TEXT NOT NULL DEFAULT '',
		deposit_offer_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		return_pending INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_bot ON listings(bot_id, app_id, source, status)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_asset ON listings(bot_id, asset_id)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		listing_id TEXT NOT NULL DEFAULT '',
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		bot_id TEXT NOT NULL DEFAULT '',
		asset_id TEXT NOT NULL,
		app_id INTEGER NOT NULL,
		item_name TEXT NOT NULL,
		price TEXT NOT NULL,
		platform_fee TEXT NOT NULL,
		seller_payout TEXT NOT NULL,
		charged TEXT NOT NULL DEFAULT '0',
		refunded TEXT NOT NULL DEFAULT '0',
		paid_out TEXT NOT NULL DEFAULT '0',
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		offer_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		buyer_trade_url TEXT NOT NULL DEFAULT '',
		seller_trade_url TEXT NOT NULL DEFAULT '',
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		accepted_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status, mode, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_listing ON trades(listing_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_offer ON trades(offer_id)`,
	`CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS balance_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		trade_id TEXT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (trade_id, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_user ON balance_entries(user_id, created_at)`,
}
