package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-engine/internal/metrics"
	"escrow-engine/internal/model"
	"escrow-engine/internal/repository"
	"escrow-engine/internal/tradenet"

	"go.uber.org/zap"
)

// Offers applies remote offer states to the trades and listings that own them,
// whether the state arrived by push or by polling.
type Offers struct {
	d    Deps
	comp *Compensator
	log  *zap.Logger
}

func NewOffers(d Deps, comp *Compensator) *Offers {
	d = d.withDefaults()
	return &Offers{d: d, comp: comp, log: d.Log.Named("offers")}
}

// HandleOfferUpdate applies a pushed offer state. Unknown offers are ignored.
func (o *Offers) HandleOfferUpdate(ctx context.Context, offerID string, state tradenet.OfferState) error {
	if offerID == "" {
		return fmt.Errorf("%w: empty offer id", ErrInvalidRequest)
	}

	trades, err := o.d.Ledger.FindTrades(ctx, repository.TradeFilter{OfferID: offerID, Limit: 1})
	if err != nil {
		return err
	}
	if len(trades) > 0 {
		return o.ApplyTrade(ctx, trades[0], state)
	}

	listings, err := o.d.Ledger.FindListings(ctx, repository.ListingFilter{DepositOfferID: offerID, Limit: 1})
	if err != nil {
		return err
	}
	if len(listings) > 0 {
		return o.ApplyListing(ctx, listings[0], state)
	}

	o.log.Debug("offer update for unknown offer", zap.String("offer", offerID), zap.String("state", string(state)))
	return nil
}

// ApplyTrade moves a trade forward for an accepted offer, or rolls it back
// for a failed one. Offers still pending change nothing.
func (o *Offers) ApplyTrade(ctx context.Context, t *model.Trade, state tradenet.OfferState) error {
	if t.Status.IsFinal() || t.Status == model.TradeFailedSend {
		return nil
	}
	switch {
	case state.Failed():
		_, err := o.comp.Rollback(ctx, t.ID, "offer "+string(state))
		return err
	case state == tradenet.OfferInEscrow:
		return o.advance(ctx, t.ID, model.TradeBuyerAccepted)
	case state == tradenet.OfferAccepted:
		return o.advance(ctx, t.ID, model.TradeCompleted)
	}
	return nil
}

// advance moves the trade to status, stamping acceptance and paying the
// seller on completion.
func (o *Offers) advance(ctx context.Context, tradeID string, to model.TradeStatus) error {
	var trade *model.Trade
	err := o.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if !model.CanTransitionTrade(t.Status, to, t.OfferID != "") {
			return nil
		}
		now := time.Now()
		if t.AcceptedAt.IsZero() {
			t.AcceptedAt = now
		}
		if err := model.TransitionTrade(t, to); err != nil {
			return err
		}
		if to == model.TradeCompleted {
			t.CompletedAt = now
			if err := payoutSeller(ctx, tx, t); err != nil {
				return err
			}
		}
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("advance trade %s to %s: %w", tradeID, to, err)
	}
	if trade == nil {
		return nil
	}

	if to == model.TradeCompleted {
		metrics.TradesCompleted.WithLabelValues(string(to)).Inc()
		o.d.Notifier.Trade(ctx, trade, "Trade completed")
	} else {
		o.d.Notifier.Trade(ctx, trade, "Buyer accepted the offer")
	}
	o.log.Info("trade advanced", zap.String("trade", trade.ID), zap.String("status", string(to)))
	return nil
}

// ApplyListing settles a deposit offer: accepted puts the listing on sale,
// a failed offer cancels the listing.
func (o *Offers) ApplyListing(ctx context.Context, l *model.Listing, state tradenet.OfferState) error {
	var to model.ListingStatus
	var msg string
	switch {
	case state == tradenet.OfferAccepted:
		to, msg = model.ListingActive, "Item received, listing is live"
	case state.Failed():
		to, msg = model.ListingCancelled, "Deposit offer "+string(state)+", listing cancelled"
	default:
		return nil
	}

	var listing *model.Listing
	err := o.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		cur, err := tx.LockListing(ctx, l.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.ListingAwaitingDeposit || cur.DepositOfferID != l.DepositOfferID {
			return nil
		}
		if err := model.TransitionListing(cur, to); err != nil {
			return err
		}
		if to == model.ListingCancelled {
			cur.Notes = appendNote(cur.Notes, msg)
		}
		if err := tx.UpdateListing(ctx, cur); err != nil {
			return err
		}
		listing = cur
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply deposit offer for listing %s: %w", l.ID, err)
	}
	if listing != nil {
		o.d.Notifier.Listing(ctx, listing, msg)
		o.log.Info("deposit settled", zap.String("listing", listing.ID), zap.String("status", string(to)))
	}
	return nil
}

// PollTrade reads the trade's offer from the network and applies it.
func (o *Offers) PollTrade(ctx context.Context, t *model.Trade) error {
	offer, err := o.d.Pool.PollOffer(ctx, t.BotID, t.OfferID)
	if err != nil {
		return pollError(err, func() (bool, error) {
			return o.comp.Rollback(ctx, t.ID, "offer no longer exists")
		})
	}
	return o.ApplyTrade(ctx, t, offer.State)
}

// PollListing does the same for a listing's deposit offer.
func (o *Offers) PollListing(ctx context.Context, l *model.Listing) error {
	offer, err := o.d.Pool.PollOffer(ctx, l.BotID, l.DepositOfferID)
	if err != nil {
		return pollError(err, func() (bool, error) {
			return true, o.ApplyListing(ctx, l, tradenet.OfferInvalidItems)
		})
	}
	return o.ApplyListing(ctx, l, offer.State)
}

// pollError treats an offer the network rejects as gone; anything else is
// returned for the next pass.
func pollError(err error, gone func() (bool, error)) error {
	if errors.Is(err, tradenet.ErrRejected) {
		_, gerr := gone()
		return gerr
	}
	return err
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
