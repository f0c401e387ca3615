package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-engine/internal/botpool"
	"escrow-engine/internal/model"
	"escrow-engine/internal/queue"
	"escrow-engine/internal/repository"
	"escrow-engine/internal/tradenet"

	"go.uber.org/zap"
)

// errNotPending means the row moved on while a network call was in flight.
var errNotPending = errors.New("no longer pending")

// Handlers runs queued jobs. Each handler reads the row fresh from the ledger,
// does its network work without holding a transaction, then commits the
// outcome in one transaction.
type Handlers struct {
	d    Deps
	comp *Compensator
	inv  *InventoryService
	log  *zap.Logger
	now  func() time.Time
}

func NewHandlers(d Deps, comp *Compensator, inv *InventoryService) *Handlers {
	d = d.withDefaults()
	return &Handlers{d: d, comp: comp, inv: inv, log: d.Log.Named("handlers"), now: time.Now}
}

// Handle dispatches job to the handler for its kind. It satisfies queue.Handler.
func (h *Handlers) Handle(ctx context.Context, job *model.Job) error {
	switch p := job.Payload.(type) {
	case model.SendItem:
		return h.sendItem(ctx, p)
	case model.RequestItem:
		return h.requestItem(ctx, p)
	case model.GenericSend:
		return h.genericSend(ctx, p)
	case model.SyncInventory:
		_, err := h.inv.Sync(ctx, p.BotID, p.AppID)
		return err
	}
	return fmt.Errorf("%w: %T", queue.ErrPermanent, job.Payload)
}

// OnExhausted runs when a job has used up its retries.
func (h *Handlers) OnExhausted(ctx context.Context, job *model.Job, err error) {
	switch p := job.Payload.(type) {
	case model.SendItem:
		h.abandonSend(ctx, p.TradeID, err)
	case model.GenericSend:
		h.d.Alerts.Raise(ctx, "generic-send", model.SeverityCritical,
			fmt.Sprintf("sending items from bot %s to %s gave up: %v", p.BotID, p.PartnerTradeURL, err))
	default:
		// Scanner or the recurring schedule picks these up again.
		h.log.Warn("job exhausted", zap.String("job", job.Key()), zap.Error(err))
	}
}

func (h *Handlers) sendItem(ctx context.Context, p model.SendItem) error {
	t, err := h.d.Ledger.GetTrade(ctx, p.TradeID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("trade %s: %w", p.TradeID, queue.ErrPermanent)
	}
	if err != nil {
		return err
	}
	if t.Status != model.TradePaymentReceived {
		return nil
	}
	if t.Mode != model.ModeBotMediated {
		return fmt.Errorf("trade %s is %s: %w", t.ID, t.Mode, queue.ErrPermanent)
	}

	s := h.d.Pool.Acquire(t.BotID)
	if s == nil {
		return ErrBotUnavailable
	}

	t, err = h.claimTrade(ctx, t.ID)
	if err != nil || t == nil {
		h.d.Pool.Release(s, nil)
		return err
	}
	log := h.log.With(zap.String("trade", t.ID), zap.String("bot", s.ID()))

	offerID := t.OfferID
	needsConfirm := true
	if offerID != "" {
		// Resuming after a crash between create and confirm.
		if offer, err := h.d.Pool.PollOffer(ctx, s.ID(), offerID); err == nil {
			if offer.State.Failed() {
				h.d.Pool.Release(s, nil)
				_, err := h.comp.Rollback(ctx, t.ID, "offer "+string(offer.State))
				return err
			}
			needsConfirm = offer.State == tradenet.OfferNeedsConfirmation
		}
	} else {
		offerID, err = h.d.Pool.CreateOffer(ctx, s, t.BuyerTradeURL, []model.Item{t.Item()}, nil, offerMessage(t))
		if err != nil {
			return h.sendFailed(ctx, s, t, "", "create offer", err)
		}
		if err := h.attachOffer(ctx, t.ID, s.ID(), offerID); err != nil {
			// An offer the ledger does not know about must not stay open.
			h.cancelOffer(ctx, s, offerID)
			h.d.Pool.Release(s, nil)
			if errors.Is(err, errNotPending) {
				log.Info("trade changed while sending, offer withdrawn")
				return nil
			}
			h.releaseTrade(ctx, t.ID)
			return err
		}
		log.Info("offer created", zap.String("offer", offerID))
	}

	if needsConfirm {
		if err := h.d.Pool.ConfirmOffer(ctx, s, offerID); err != nil {
			return h.sendFailed(ctx, s, t, offerID, "confirm offer", err)
		}
	}
	h.d.Pool.Release(s, nil)
	return h.markSent(ctx, t.ID)
}

// sendFailed releases the bot and either leaves the trade for a retry or
// rolls it back.
func (h *Handlers) sendFailed(ctx context.Context, s *botpool.Session, t *model.Trade, offerID, step string, err error) error {
	if tradenet.Retryable(err) {
		h.d.Pool.Release(s, err)
		h.releaseTrade(ctx, t.ID)
		return fmt.Errorf("%s for trade %s: %w", step, t.ID, err)
	}
	if offerID != "" {
		h.cancelOffer(ctx, s, offerID)
	}
	h.d.Pool.Release(s, err)
	_, rerr := h.comp.Rollback(ctx, t.ID, step+": "+err.Error())
	return rerr
}

func (h *Handlers) abandonSend(ctx context.Context, tradeID string, cause error) {
	t, err := h.d.Ledger.GetTrade(ctx, tradeID)
	if err != nil {
		h.log.Error("abandon send: load trade", zap.String("trade", tradeID), zap.Error(err))
		return
	}
	if t.OfferID != "" {
		if s := h.d.Pool.Acquire(t.BotID); s != nil {
			h.cancelOffer(ctx, s, t.OfferID)
			h.d.Pool.Release(s, nil)
		}
	}
	if _, err := h.comp.Rollback(ctx, tradeID, "retries exhausted: "+cause.Error()); err != nil {
		h.log.Error("abandon send: rollback", zap.String("trade", tradeID), zap.Error(err))
	}
}

func (h *Handlers) cancelOffer(ctx context.Context, s *botpool.Session, offerID string) {
	if err := h.d.Pool.CancelOffer(ctx, s, offerID); err != nil {
		h.log.Warn("cancel offer", zap.String("offer", offerID), zap.Error(err))
	}
}

func (h *Handlers) claimTrade(ctx context.Context, id string) (*model.Trade, error) {
	var out *model.Trade
	err := h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != model.TradePaymentReceived {
			return nil
		}
		now := h.now()
		if t.ClaimHeld(h.d.Worker, now, h.d.ClaimTTL) {
			return ErrClaimed
		}
		t.Claim(h.d.Worker, now)
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (h *Handlers) releaseTrade(ctx context.Context, id string) {
	err := h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, id)
		if err != nil {
			return err
		}
		if t.ClaimedBy != h.d.Worker {
			return nil
		}
		t.ReleaseClaim()
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		h.log.Warn("release trade claim", zap.String("trade", id), zap.Error(err))
	}
}

func (h *Handlers) attachOffer(ctx context.Context, tradeID, botID, offerID string) error {
	return h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status != model.TradePaymentReceived || t.OfferID != "" {
			return errNotPending
		}
		t.OfferID = offerID
		t.BotID = botID
		return tx.UpdateTrade(ctx, t)
	})
}

func (h *Handlers) markSent(ctx context.Context, tradeID string) error {
	var trade *model.Trade
	err := h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status != model.TradePaymentReceived {
			return nil
		}
		if err := model.TransitionTrade(t, model.TradeAwaitingBuyer); err != nil {
			return err
		}
		t.ReleaseClaim()
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil || trade == nil {
		return err
	}
	h.d.Notifier.Trade(ctx, trade, "Your item has been sent. Accept the trade offer to receive it.")
	h.log.Info("item sent", zap.String("trade", trade.ID), zap.String("offer", trade.OfferID))
	return nil
}

func (h *Handlers) requestItem(ctx context.Context, p model.RequestItem) error {
	l, err := h.d.Ledger.GetListing(ctx, p.ListingID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("listing %s: %w", p.ListingID, queue.ErrPermanent)
	}
	if err != nil {
		return err
	}
	if l.Status != model.ListingPendingDeposit {
		return nil
	}
	if l.SellerTradeURL == "" {
		return fmt.Errorf("listing %s has no seller trade url: %w", l.ID, queue.ErrPermanent)
	}

	s := h.d.Pool.AcquireAvailable()
	if s == nil {
		return ErrBotUnavailable
	}
	l, err = h.claimListing(ctx, l.ID)
	if err != nil || l == nil {
		h.d.Pool.Release(s, nil)
		return err
	}

	offerID, err := h.d.Pool.CreateOffer(ctx, s, l.SellerTradeURL, nil, []model.Item{l.Item()}, depositMessage(l))
	if err != nil {
		h.d.Pool.Release(s, err)
		h.releaseListing(ctx, l.ID)
		if tradenet.Retryable(err) || tradenet.BotFault(err) {
			// Another attempt may land on a healthy bot.
			return fmt.Errorf("deposit request for listing %s: %w", l.ID, err)
		}
		return h.cancelDeposit(ctx, l.ID, "deposit request failed: "+err.Error())
	}

	var listing *model.Listing
	err = h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		cur, err := tx.LockListing(ctx, l.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.ListingPendingDeposit {
			return errNotPending
		}
		cur.BotID = s.ID()
		cur.DepositOfferID = offerID
		cur.ClaimedBy, cur.ClaimedAt = "", time.Time{}
		if err := model.TransitionListing(cur, model.ListingAwaitingDeposit); err != nil {
			return err
		}
		if err := tx.UpdateListing(ctx, cur); err != nil {
			return err
		}
		listing = cur
		return nil
	})
	if err != nil {
		h.cancelOffer(ctx, s, offerID)
		h.d.Pool.Release(s, nil)
		if errors.Is(err, errNotPending) {
			return nil
		}
		h.releaseListing(ctx, l.ID)
		return err
	}
	h.d.Pool.Release(s, nil)

	h.d.Notifier.Listing(ctx, listing, "Accept the deposit offer to put your item on sale.")
	h.log.Info("deposit requested", zap.String("listing", listing.ID), zap.String("bot", listing.BotID), zap.String("offer", offerID))
	return nil
}

func (h *Handlers) claimListing(ctx context.Context, id string) (*model.Listing, error) {
	var out *model.Listing
	err := h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if l.Status != model.ListingPendingDeposit {
			return nil
		}
		now := h.now()
		if l.ClaimHeld(h.d.Worker, now, h.d.ClaimTTL) {
			return ErrClaimed
		}
		l.ClaimedBy, l.ClaimedAt = h.d.Worker, now
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

func (h *Handlers) releaseListing(ctx context.Context, id string) {
	err := h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if l.ClaimedBy != h.d.Worker {
			return nil
		}
		l.ClaimedBy, l.ClaimedAt = "", time.Time{}
		return tx.UpdateListing(ctx, l)
	})
	if err != nil {
		h.log.Warn("release listing claim", zap.String("listing", id), zap.Error(err))
	}
}

func (h *Handlers) cancelDeposit(ctx context.Context, id, reason string) error {
	var listing *model.Listing
	err := h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if l.Status != model.ListingPendingDeposit {
			return nil
		}
		if err := model.TransitionListing(l, model.ListingCancelled); err != nil {
			return err
		}
		l.Notes = appendNote(l.Notes, reason)
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		listing = l
		return nil
	})
	if err != nil || listing == nil {
		return err
	}
	h.d.Notifier.Listing(ctx, listing, reason)
	h.log.Warn("listing cancelled", zap.String("listing", id), zap.String("reason", reason))
	return nil
}

func (h *Handlers) genericSend(ctx context.Context, p model.GenericSend) error {
	if len(p.Items) == 0 || p.PartnerTradeURL == "" {
		return fmt.Errorf("generic send from %s has nothing to send: %w", p.BotID, queue.ErrPermanent)
	}
	s := h.d.Pool.Acquire(p.BotID)
	if s == nil {
		return ErrBotUnavailable
	}

	offerID, err := h.d.Pool.CreateOffer(ctx, s, p.PartnerTradeURL, p.Items, nil, p.Message)
	if err == nil {
		if err = h.d.Pool.ConfirmOffer(ctx, s, offerID); err != nil {
			h.cancelOffer(ctx, s, offerID)
		}
	}
	h.d.Pool.Release(s, err)
	if err != nil {
		if tradenet.Retryable(err) {
			return err
		}
		h.d.Alerts.Raise(ctx, "generic-send", model.SeverityCritical,
			fmt.Sprintf("sending %d items from bot %s failed: %v", len(p.Items), p.BotID, err))
		return fmt.Errorf("%v: %w", err, queue.ErrPermanent)
	}

	if p.ListingID != "" {
		err := h.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
			l, err := tx.LockListing(ctx, p.ListingID)
			if err != nil {
				return err
			}
			l.Notes = appendNote(l.Notes, "returned to seller in offer "+offerID)
			return tx.UpdateListing(ctx, l)
		})
		if err != nil {
			h.log.Warn("note returned listing", zap.String("listing", p.ListingID), zap.Error(err))
		}
	}
	h.log.Info("items sent", zap.String("bot", p.BotID), zap.String("offer", offerID), zap.Int("items", len(p.Items)))
	return nil
}

func offerMessage(t *model.Trade) string {
	return fmt.Sprintf("Purchase %s: %s", t.ID, t.ItemName)
}

func depositMessage(l *model.Listing) string {
	return fmt.Sprintf("Deposit for listing %s: %s", l.ID, l.Name)
}
