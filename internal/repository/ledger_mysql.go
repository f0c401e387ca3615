package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLLedger opens the ledger on MySQL. dsn must set parseTime=true and
// clientFoundRows=true (see config.LedgerConfig.MySQLDSN).
func NewMySQLLedger(dsn string) (Ledger, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	if err := execAll(ctx, db, mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &sqlLedger{
		db:  db,
		d:   dialect{name: "mysql", forUpdate: " FOR UPDATE"},
		now: time.Now,
	}, nil
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		seller_id VARCHAR(64) NOT NULL,
		bot_id VARCHAR(64) NOT NULL DEFAULT '',
		source VARCHAR(32) NOT NULL,
		asset_id VARCHAR(128) NOT NULL,
		app_id INT NOT NULL,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(20,4) NOT NULL,
		status VARCHAR(40) NOT NULL,
		seller_trade_url VARCHAR(512) NOT NULL DEFAULT '',
		deposit_offer_id VARCHAR(128) NOT NULL DEFAULT '',
		notes TEXT NOT NULL,
		return_pending TINYINT NOT NULL DEFAULT 0,
		claimed_by VARCHAR(128) NOT NULL DEFAULT '',
		claimed_at BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_listings_status (status, created_at),
		INDEX idx_listings_bot (bot_id, app_id, source, status),
		INDEX idx_listings_asset (bot_id, asset_id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS trades (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		listing_id VARCHAR(64) NOT NULL DEFAULT '',
		buyer_id VARCHAR(64) NOT NULL,
		seller_id VARCHAR(64) NOT NULL,
		bot_id VARCHAR(64) NOT NULL DEFAULT '',
		asset_id VARCHAR(128) NOT NULL,
		app_id INT NOT NULL,
		item_name VARCHAR(255) NOT NULL,
		price DECIMAL(20,4) NOT NULL,
		platform_fee DECIMAL(20,4) NOT NULL,
		seller_payout DECIMAL(20,4) NOT NULL,
		charged DECIMAL(20,4) NOT NULL DEFAULT 0,
		refunded DECIMAL(20,4) NOT NULL DEFAULT 0,
		paid_out DECIMAL(20,4) NOT NULL DEFAULT 0,
		mode VARCHAR(32) NOT NULL,
		status VARCHAR(40) NOT NULL,
		offer_id VARCHAR(128) NOT NULL DEFAULT '',
		notes TEXT NOT NULL,
		buyer_trade_url VARCHAR(512) NOT NULL DEFAULT '',
		seller_trade_url VARCHAR(512) NOT NULL DEFAULT '',
		claimed_by VARCHAR(128) NOT NULL DEFAULT '',
		claimed_at BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		accepted_at BIGINT NOT NULL DEFAULT 0,
		completed_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		INDEX idx_trades_status (status, mode, updated_at),
		INDEX idx_trades_listing (listing_id, status),
		INDEX idx_trades_offer (offer_id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS balances (
		user_id VARCHAR(64) NOT NULL PRIMARY KEY,
		amount DECIMAL(20,4) NOT NULL,
		updated_at BIGINT NOT NULL
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS balance_entries (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		trade_id VARCHAR(64) NULL,
		kind VARCHAR(16) NOT NULL,
		amount DECIMAL(20,4) NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE KEY uq_entries_trade_kind (trade_id, kind),
		INDEX idx_entries_user (user_id, created_at)
	) ENGINE=InnoDB`,
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
