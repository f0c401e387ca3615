package service

import (
	"context"
	"fmt"
	"time"

	"escrow-engine/internal/metrics"
	"escrow-engine/internal/model"
	"escrow-engine/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compensator undoes the money side of trades whose item movement failed.
type Compensator struct {
	d   Deps
	log *zap.Logger
}

func NewCompensator(d Deps) *Compensator {
	d = d.withDefaults()
	return &Compensator{d: d, log: d.Log.Named("rollback")}
}

// Rollback marks the trade failed_send, refunds the buyer at most once and
// puts the listing back on sale, all in one transaction. It reports false
// when the trade was already past the point of rollback.
func (c *Compensator) Rollback(ctx context.Context, tradeID, reason string) (bool, error) {
	var (
		trade    *model.Trade
		listing  *model.Listing
		refunded decimal.Decimal
		skipped  bool
	)
	err := c.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if !model.CanTransitionTrade(t.Status, model.TradeFailedSend, t.OfferID != "") {
			skipped = true
			return nil
		}
		if err := model.TransitionTrade(t, model.TradeFailedSend); err != nil {
			return err
		}
		t.AddNote(fmt.Sprintf("%s rollback: %s", time.Now().UTC().Format(time.RFC3339), reason))
		t.ReleaseClaim()

		if refunded, err = refundBuyer(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		if listing, err = restoreListing(ctx, tx, t.ListingID); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rollback trade %s: %w", tradeID, err)
	}
	if skipped {
		return false, nil
	}
	c.d.forgetListing(ctx, listing)

	metrics.Rollbacks.WithLabelValues(string(trade.Mode)).Inc()
	if refunded.IsPositive() {
		metrics.RefundedAmount.Add(refunded.InexactFloat64())
	}
	c.log.Warn("trade rolled back",
		zap.String("trade", trade.ID),
		zap.String("refunded", refunded.String()),
		zap.String("reason", reason))

	msg := "Delivery failed: " + reason
	if refunded.IsPositive() {
		msg += fmt.Sprintf(". %s has been returned to your balance.", refunded.StringFixed(2))
	}
	c.d.Notifier.Trade(ctx, trade, msg)
	if listing != nil {
		c.d.Notifier.Listing(ctx, listing, "Listing is back on sale")
	}
	c.d.Alerts.Raise(ctx, "rollback", model.SeverityWarning,
		fmt.Sprintf("trade %s rolled back (refund %s): %s", trade.ID, refunded.StringFixed(2), reason))
	return true, nil
}

// Finalize closes a failed_send trade as refunded, crediting anything still
// owed. It reports false if the trade was not in failed_send.
func (c *Compensator) Finalize(ctx context.Context, tradeID string) (bool, error) {
	var trade *model.Trade
	err := c.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status != model.TradeFailedSend {
			return nil
		}
		if _, err := refundBuyer(ctx, tx, t); err != nil {
			return err
		}
		if err := model.TransitionTrade(t, model.TradeRefunded); err != nil {
			return err
		}
		if t.CompletedAt.IsZero() {
			t.CompletedAt = time.Now()
		}
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil || trade == nil {
		return false, err
	}
	metrics.TradesCompleted.WithLabelValues(string(trade.Status)).Inc()
	c.d.Notifier.Trade(ctx, trade, "Trade closed")
	return true, nil
}

// Abort ends a trade that never reached the trading network, as cancelled or
// expired, refunding the buyer and releasing the listing.
func (c *Compensator) Abort(ctx context.Context, tradeID string, to model.TradeStatus, reason string) (*model.Trade, error) {
	var trade *model.Trade
	var listing *model.Listing
	var refunded decimal.Decimal
	err := c.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		// Any live claim blocks, including this process's own handlers.
		if t.ClaimHeld("", time.Now(), c.d.ClaimTTL) {
			return ErrClaimed
		}
		if err := model.TransitionTrade(t, to); err != nil {
			return err
		}
		t.AddNote(reason)
		t.CompletedAt = time.Now()
		if refunded, err = refundBuyer(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		if listing, err = restoreListing(ctx, tx, t.ListingID); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s trade %s: %w", to, tradeID, err)
	}
	c.d.forgetListing(ctx, listing)

	metrics.TradesCompleted.WithLabelValues(string(to)).Inc()
	if refunded.IsPositive() {
		metrics.RefundedAmount.Add(refunded.InexactFloat64())
	}
	c.log.Info("trade closed before delivery", zap.String("trade", trade.ID), zap.String("status", string(to)))
	c.d.Notifier.Trade(ctx, trade, reason)
	return trade, nil
}
