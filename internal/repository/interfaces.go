package repository

import (
	"context"
	"errors"
	"time"

	"escrow-engine/internal/model"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient balance")
)

// ListingFilter selects listings. Zero fields do not filter.
type ListingFilter struct {
	Statuses       []model.ListingStatus
	Source         model.ListingSource
	BotID          string
	SellerID       string
	DepositOfferID string
	CreatedAfter   time.Time
	UpdatedBefore  time.Time
	Limit          int
}

// TradeFilter selects trades. Zero fields do not filter.
type TradeFilter struct {
	Statuses      []model.TradeStatus
	Mode          model.TradeMode
	ListingID     string
	BuyerID       string
	OfferID       string
	HasOffer      *bool
	CreatedBefore time.Time
	UpdatedBefore time.Time
	Limit         int
}

// LedgerStats counts rows per status.
type LedgerStats struct {
	Trades   map[string]int64 `json:"trades"`
	Listings map[string]int64 `json:"listings"`
}

// Ledger is the system of record for listings, trades and balances.
type Ledger interface {
	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	FindTrades(ctx context.Context, f TradeFilter) ([]*model.Trade, error)
	FindListings(ctx context.Context, f ListingFilter) ([]*model.Listing, error)

	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	BalanceEntries(ctx context.Context, userID string) ([]model.BalanceEntry, error)

	// ListingsWithMultipleActiveTrades returns ids of listings violating the
	// one-active-trade rule. It should always be empty. failed_send trades do
	// not count since their listing is already back on sale.
	ListingsWithMultipleActiveTrades(ctx context.Context) ([]string, error)

	Stats(ctx context.Context) (*LedgerStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// LedgerTx is the set of writes available inside Ledger.WithTx.
type LedgerTx interface {
	// LockTrade reads a trade and holds its row lock until the transaction ends.
	LockTrade(ctx context.Context, id string) (*model.Trade, error)
	LockListing(ctx context.Context, id string) (*model.Listing, error)

	InsertTrade(ctx context.Context, t *model.Trade) error
	UpdateTrade(ctx context.Context, t *model.Trade) error
	InsertListing(ctx context.Context, l *model.Listing) error
	UpdateListing(ctx context.Context, l *model.Listing) error

	// CountActiveTrades counts trades on the listing that still hold it.
	CountActiveTrades(ctx context.Context, listingID string) (int, error)

	// AddBalanceEntry applies a balance movement. It reports false without
	// changing anything when the trade already has an entry of that kind, and
	// fails with ErrInsufficientFunds if the balance would go negative.
	AddBalanceEntry(ctx context.Context, e *model.BalanceEntry) (bool, error)

	// ReplaceBotListings deletes the bot's active inventory listings for appID
	// and inserts the given ones, skipping assets already listed or still
	// awaiting return to a seller. Return marks for assets absent from
	// listings are cleared. It returns how many were inserted.
	ReplaceBotListings(ctx context.Context, botID string, appID int, listings []*model.Listing) (int, error)
}

// AlertStore archives operator alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *model.Alert) error
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	Close() error
}
