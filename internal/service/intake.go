package service

import (
	"context"
	"fmt"
	"strings"

	"escrow-engine/internal/model"
	"escrow-engine/internal/repository"
	"escrow-engine/pkg/uid"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ListItemRequest lists an item for sale.
type ListItemRequest struct {
	SellerID       string
	SellerTradeURL string
	AssetID        string
	AppID          int
	Name           string
	Price          decimal.Decimal
	// Mode direct_peer lists the item without depositing it with a bot.
	Mode model.TradeMode
}

// PurchaseRequest buys a listing.
type PurchaseRequest struct {
	ListingID     string
	BuyerID       string
	BuyerTradeURL string
}

// Intake is the "insert the row, enqueue the job" surface the marketplace API
// calls into.
type Intake struct {
	d       Deps
	comp    *Compensator
	feeRate decimal.Decimal
	log     *zap.Logger
}

// NewIntake creates the intake service. feeRate is the platform's cut of
// each sale, e.g. 0.05.
func NewIntake(d Deps, comp *Compensator, feeRate decimal.Decimal) *Intake {
	d = d.withDefaults()
	return &Intake{d: d, comp: comp, feeRate: feeRate, log: d.Log.Named("intake")}
}

// Fee returns the platform fee for price, rounded to cents.
func (in *Intake) Fee(price decimal.Decimal) decimal.Decimal {
	return price.Mul(in.feeRate).Round(2)
}

// ListItem creates a listing. Bot-mediated listings start pending_deposit
// and get a deposit request job; direct-peer listings go live at once.
func (in *Intake) ListItem(ctx context.Context, req ListItemRequest) (*model.Listing, error) {
	if req.SellerID == "" || req.AssetID == "" || !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: seller, asset and a positive price are required", ErrInvalidRequest)
	}
	l := &model.Listing{
		ID:             uid.New(),
		SellerID:       req.SellerID,
		Source:         model.SourceSeller,
		AssetID:        req.AssetID,
		AppID:          req.AppID,
		Name:           req.Name,
		Price:          req.Price,
		Status:         model.ListingPendingDeposit,
		SellerTradeURL: req.SellerTradeURL,
	}
	peer := req.Mode == model.ModeDirectPeer
	if peer {
		l.Status = model.ListingActive
	} else if req.SellerTradeURL == "" {
		return nil, fmt.Errorf("%w: seller trade url is required for deposit", ErrInvalidRequest)
	}

	if err := in.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		return tx.InsertListing(ctx, l)
	}); err != nil {
		return nil, err
	}
	if !peer {
		in.enqueue(ctx, model.RequestItem{ListingID: l.ID})
	}
	in.log.Info("item listed", zap.String("listing", l.ID), zap.String("seller", l.SellerID))
	return l, nil
}

// Purchase charges the buyer, marks the listing sold and opens a bot-mediated
// trade in one transaction, then enqueues delivery.
func (in *Intake) Purchase(ctx context.Context, req PurchaseRequest) (*model.Trade, error) {
	if req.BuyerID == "" || req.BuyerTradeURL == "" {
		return nil, fmt.Errorf("%w: buyer and trade url are required", ErrInvalidRequest)
	}

	var (
		trade   *model.Trade
		listing *model.Listing
	)
	err := in.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		l, err := in.lockSellable(ctx, tx, req.ListingID)
		if err != nil {
			return err
		}
		if l.BotID == "" {
			return fmt.Errorf("%w: listing %s is not held by a bot", ErrListingUnavailable, l.ID)
		}
		if l.SellerID == req.BuyerID {
			return fmt.Errorf("%w: cannot buy your own listing", ErrInvalidRequest)
		}

		fee := in.Fee(l.Price)
		t := &model.Trade{
			ID:             uid.New(),
			ListingID:      l.ID,
			BuyerID:        req.BuyerID,
			SellerID:       l.SellerID,
			BotID:          l.BotID,
			AssetID:        l.AssetID,
			AppID:          l.AppID,
			ItemName:       l.Name,
			Price:          l.Price,
			PlatformFee:    fee,
			SellerPayout:   l.Price.Sub(fee),
			Charged:        l.Price,
			Mode:           model.ModeBotMediated,
			Status:         model.TradePaymentReceived,
			BuyerTradeURL:  req.BuyerTradeURL,
			SellerTradeURL: l.SellerTradeURL,
		}
		if _, err := tx.AddBalanceEntry(ctx, &model.BalanceEntry{
			UserID:  t.BuyerID,
			TradeID: t.ID,
			Kind:    model.EntryCharge,
			Amount:  t.Price.Neg(),
		}); err != nil {
			return err
		}
		if err := model.TransitionListing(l, model.ListingSold); err != nil {
			return err
		}
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}
		trade, listing = t, l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("purchase listing %s: %w", req.ListingID, err)
	}
	in.d.forgetListing(ctx, listing)

	in.enqueue(ctx, model.SendItem{TradeID: trade.ID})
	in.d.Notifier.Trade(ctx, trade, "Payment received")
	in.log.Info("purchase", zap.String("trade", trade.ID), zap.String("listing", trade.ListingID),
		zap.String("price", trade.Price.String()))
	return trade, nil
}

// OpenPeerTrade opens a direct-peer trade on a listing the seller still
// holds. No money moves through the platform.
func (in *Intake) OpenPeerTrade(ctx context.Context, req PurchaseRequest) (*model.Trade, error) {
	var trade *model.Trade
	err := in.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		l, err := in.lockSellable(ctx, tx, req.ListingID)
		if err != nil {
			return err
		}
		if l.BotID != "" {
			return fmt.Errorf("%w: listing %s is held by a bot", ErrListingUnavailable, l.ID)
		}
		t := &model.Trade{
			ID:             uid.New(),
			ListingID:      l.ID,
			BuyerID:        req.BuyerID,
			SellerID:       l.SellerID,
			AssetID:        l.AssetID,
			AppID:          l.AppID,
			ItemName:       l.Name,
			Price:          l.Price,
			Mode:           model.ModeDirectPeer,
			Status:         model.TradeAwaitingSeller,
			BuyerTradeURL:  req.BuyerTradeURL,
			SellerTradeURL: l.SellerTradeURL,
		}
		if err := model.TransitionListing(l, model.ListingSold); err != nil {
			return err
		}
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open peer trade on %s: %w", req.ListingID, err)
	}
	in.d.Notifier.Trade(ctx, trade, "Waiting for the seller to send the item")
	return trade, nil
}

// AttachPeerOffer records the offer the seller sent for a direct-peer trade.
// From then on the trade can only complete or fail.
func (in *Intake) AttachPeerOffer(ctx context.Context, tradeID, offerID string) (*model.Trade, error) {
	if offerID == "" {
		return nil, fmt.Errorf("%w: offer id is required", ErrInvalidRequest)
	}
	var trade *model.Trade
	err := in.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		t, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Mode != model.ModeDirectPeer || t.OfferID != "" {
			return fmt.Errorf("%w: trade %s cannot take an offer", ErrInvalidRequest, t.ID)
		}
		t.OfferID = offerID
		if err := model.TransitionTrade(t, model.TradeAwaitingBuyer); err != nil {
			return err
		}
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	in.d.Notifier.Trade(ctx, trade, "Seller sent the offer")
	return trade, nil
}

// CancelTrade cancels a trade that has no offer yet, refunding the buyer.
func (in *Intake) CancelTrade(ctx context.Context, tradeID, reason string) (*model.Trade, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	return in.comp.Abort(ctx, tradeID, model.TradeCancelled, reason)
}

// CancelListing withdraws a listing with no active trade. An item already
// deposited with a bot is sent back to the seller.
func (in *Intake) CancelListing(ctx context.Context, listingID string) (*model.Listing, error) {
	var listing *model.Listing
	var held bool
	var depositOffer string
	err := in.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		l, err := tx.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		n, err := tx.CountActiveTrades(ctx, l.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrListingBusy
		}
		held = l.Status == model.ListingActive && l.BotID != "" && l.Source == model.SourceSeller
		if l.Status == model.ListingAwaitingDeposit {
			depositOffer = l.DepositOfferID
		}
		if err := model.TransitionListing(l, model.ListingCancelled); err != nil {
			return err
		}
		l.ReturnPending = held
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		listing = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel listing %s: %w", listingID, err)
	}
	in.d.forgetListing(ctx, listing)

	if depositOffer != "" && in.d.Pool != nil {
		if s := in.d.Pool.Acquire(listing.BotID); s != nil {
			err := in.d.Pool.CancelOffer(ctx, s, depositOffer)
			in.d.Pool.Release(s, nil)
			if err != nil {
				in.log.Warn("withdraw deposit offer", zap.String("listing", listing.ID), zap.Error(err))
			}
		}
	}
	if held && listing.SellerTradeURL == "" {
		in.d.Alerts.Raise(ctx, "intake", model.SeverityWarning,
			fmt.Sprintf("listing %s cancelled without a seller trade URL; bot %s keeps asset %s until returned by hand",
				listing.ID, listing.BotID, listing.AssetID))
	}
	if held && listing.SellerTradeURL != "" {
		in.enqueue(ctx, model.GenericSend{
			BotID:           listing.BotID,
			ListingID:       listing.ID,
			PartnerTradeURL: listing.SellerTradeURL,
			Items:           []model.Item{listing.Item()},
			Message:         "Returning your item from listing " + listing.ID,
		})
	}
	in.d.Notifier.Listing(ctx, listing, "Listing cancelled")
	return listing, nil
}

// Deposit credits a user's balance.
func (in *Intake) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if userID == "" || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: user and a positive amount are required", ErrInvalidRequest)
	}
	err := in.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		_, err := tx.AddBalanceEntry(ctx, &model.BalanceEntry{UserID: userID, Kind: model.EntryDeposit, Amount: amount})
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return in.d.Ledger.Balance(ctx, userID)
}

// lockSellable locks an active listing with no trade holding it.
func (in *Intake) lockSellable(ctx context.Context, tx repository.LedgerTx, listingID string) (*model.Listing, error) {
	l, err := tx.LockListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.Status != model.ListingActive {
		return nil, fmt.Errorf("%w: listing %s is %s", ErrListingUnavailable, l.ID, l.Status)
	}
	n, err := tx.CountActiveTrades(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: listing %s", ErrListingBusy, l.ID)
	}
	return l, nil
}

// enqueue is best-effort: the scanner re-derives any job lost here.
func (in *Intake) enqueue(ctx context.Context, p model.Payload) {
	if _, err := enqueue(ctx, in.d.Queue, p); err != nil {
		in.log.Warn("enqueue failed, scanner will retry", zap.String("target", p.Target()), zap.Error(err))
	}
}
