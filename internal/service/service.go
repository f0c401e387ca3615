// Package service holds the escrow workflows: job handlers, the compensating
// rollback, offer reconciliation, intake and the reconciliation scanner.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-engine/internal/botpool"
	"escrow-engine/internal/cache"
	"escrow-engine/internal/model"
	"escrow-engine/internal/notify"
	"escrow-engine/internal/queue"
	"escrow-engine/internal/repository"
	"escrow-engine/pkg/uid"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrBotUnavailable means no suitable bot was idle. Jobs returning it are
	// deferred without spending an attempt.
	ErrBotUnavailable = fmt.Errorf("bot unavailable: %w", queue.ErrDeferred)

	// ErrClaimed means another worker is already acting on the row.
	ErrClaimed = fmt.Errorf("claimed by another worker: %w", queue.ErrDeferred)

	ErrListingUnavailable = errors.New("listing not available")
	ErrListingBusy        = errors.New("listing has an active trade")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Deps are the collaborators shared by the escrow services.
type Deps struct {
	Ledger   repository.Ledger
	Queue    queue.Queue
	Pool     *botpool.Pool
	Notifier *notify.Notifier
	Alerts   botpool.AlertSink
	Log      *zap.Logger
	// Cache holds inventory reads derived from the ledger. May be nil.
	Cache cache.Cache

	// Worker identifies this process in claim columns.
	Worker string
	// ClaimTTL is how long a claim blocks other workers.
	ClaimTTL time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Worker == "" {
		d.Worker = uid.New()
	}
	if d.ClaimTTL <= 0 {
		d.ClaimTTL = 2 * time.Minute
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewNotifier(notify.Discard{}, d.Log)
	}
	if d.Alerts == nil {
		d.Alerts = notify.NewAlerter(notify.Discard{}, nil, d.Log)
	}
	return d
}

// forgetInventory drops the cached inventory reads of a bot after its
// listings changed.
func (d Deps) forgetInventory(ctx context.Context, botID string, appID int) {
	if d.Cache == nil || botID == "" {
		return
	}
	for _, key := range []string{syncKey(botID, appID), syncKey(botID, 0)} {
		if err := d.Cache.Delete(ctx, key); err != nil {
			d.Log.Warn("drop cached inventory", zap.String("key", key), zap.Error(err))
		}
	}
}

func (d Deps) forgetListing(ctx context.Context, l *model.Listing) {
	if l != nil && l.Source == model.SourceBotInventory {
		d.forgetInventory(ctx, l.BotID, l.AppID)
	}
}

func enqueue(ctx context.Context, q queue.Queue, p model.Payload) (bool, error) {
	return q.Enqueue(ctx, model.NewJob(uid.New(), p))
}

// refundBuyer credits the buyer what the trade still owes them. It returns
// the amount actually credited by this call.
func refundBuyer(ctx context.Context, tx repository.LedgerTx, t *model.Trade) (decimal.Decimal, error) {
	due := t.RefundDue()
	if !due.IsPositive() {
		return decimal.Zero, nil
	}
	applied, err := tx.AddBalanceEntry(ctx, &model.BalanceEntry{
		UserID:  t.BuyerID,
		TradeID: t.ID,
		Kind:    model.EntryRefund,
		Amount:  due,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund trade %s: %w", t.ID, err)
	}
	t.Refunded = due
	if !applied {
		return decimal.Zero, nil
	}
	return due, nil
}

// payoutSeller credits the seller's payout once.
func payoutSeller(ctx context.Context, tx repository.LedgerTx, t *model.Trade) error {
	due := t.PayoutDue()
	if !due.IsPositive() {
		return nil
	}
	if _, err := tx.AddBalanceEntry(ctx, &model.BalanceEntry{
		UserID:  t.SellerID,
		TradeID: t.ID,
		Kind:    model.EntryPayout,
		Amount:  due,
	}); err != nil {
		return fmt.Errorf("payout trade %s: %w", t.ID, err)
	}
	t.PaidOut = due
	return nil
}

// restoreListing puts a sold listing back on sale once no trade holds it.
func restoreListing(ctx context.Context, tx repository.LedgerTx, listingID string) (*model.Listing, error) {
	if listingID == "" {
		return nil, nil
	}
	l, err := tx.LockListing(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.Status != model.ListingSold {
		return nil, nil
	}
	n, err := tx.CountActiveTrades(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}
	if err := model.TransitionListing(l, model.ListingActive); err != nil {
		return nil, err
	}
	if err := tx.UpdateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}
