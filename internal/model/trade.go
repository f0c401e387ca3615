package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeMode selects who delivers the item.
type TradeMode string

const (
	ModeBotMediated TradeMode = "bot_mediated"
	ModeDirectPeer  TradeMode = "direct_peer"
)

// Trade is a single escrow transaction and the central ledger entity.
type Trade struct {
	ID             string          `json:"id"`
	ListingID      string          `json:"listing_id,omitempty"`
	BuyerID        string          `json:"buyer_id"`
	SellerID       string          `json:"seller_id"`
	BotID          string          `json:"bot_id,omitempty"`
	AssetID        string          `json:"asset_id"`
	AppID          int             `json:"app_id"`
	ItemName       string          `json:"item_name"`
	Price          decimal.Decimal `json:"price"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	SellerPayout   decimal.Decimal `json:"seller_payout"`
	Charged        decimal.Decimal `json:"charged"`
	Refunded       decimal.Decimal `json:"refunded"`
	PaidOut        decimal.Decimal `json:"paid_out"`
	Mode           TradeMode       `json:"mode"`
	Status         TradeStatus     `json:"status"`
	OfferID        string          `json:"offer_id,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	BuyerTradeURL  string          `json:"-"`
	SellerTradeURL string          `json:"-"`
	ClaimedBy      string          `json:"-"`
	ClaimedAt      time.Time       `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	AcceptedAt     time.Time       `json:"accepted_at,omitempty"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Item returns the traded asset.
func (t *Trade) Item() Item {
	return Item{AssetID: t.AssetID, AppID: t.AppID, Name: t.ItemName, Price: t.Price}
}

// ClaimHeld reports whether another worker holds a live claim on the trade.
func (t *Trade) ClaimHeld(worker string, now time.Time, ttl time.Duration) bool {
	return claimHeld(t.ClaimedBy, t.ClaimedAt, worker, now, ttl)
}

// Claim marks the trade as being worked on by worker.
func (t *Trade) Claim(worker string, now time.Time) {
	t.ClaimedBy = worker
	t.ClaimedAt = now
}

// ReleaseClaim clears any claim.
func (t *Trade) ReleaseClaim() {
	t.ClaimedBy = ""
	t.ClaimedAt = time.Time{}
}

// RefundDue returns the amount the buyer is owed if delivery fails, or zero.
// The sum of refund and payout never exceeds the price.
func (t *Trade) RefundDue() decimal.Decimal {
	if t.Mode != ModeBotMediated || !t.Charged.IsPositive() {
		return decimal.Zero
	}
	if !t.Refunded.IsZero() || !t.PaidOut.IsZero() {
		return decimal.Zero
	}
	return decimal.Min(t.Charged, t.Price)
}

// PayoutDue returns the amount owed to the seller on completion, or zero.
func (t *Trade) PayoutDue() decimal.Decimal {
	if t.Mode != ModeBotMediated || !t.Charged.IsPositive() {
		return decimal.Zero
	}
	if !t.Refunded.IsZero() || !t.PaidOut.IsZero() {
		return decimal.Zero
	}
	return decimal.Min(t.SellerPayout, t.Price)
}

// AddNote appends a diagnostic line to the trade notes.
func (t *Trade) AddNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if t.Notes == "" {
		t.Notes = note
		return
	}
	t.Notes = t.Notes + "\n" + note
}
