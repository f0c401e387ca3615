package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingSource tells whether a listing came from a seller deposit or from a bot inventory sync.
type ListingSource string

const (
	SourceSeller       ListingSource = "seller"
	SourceBotInventory ListingSource = "bot_inventory"
)

// PlatformSellerID owns listings created from bot inventory.
const PlatformSellerID = "platform"

// Listing is an item offered for sale.
type Listing struct {
	ID             string          `json:"id"`
	SellerID       string          `json:"seller_id"`
	BotID          string          `json:"bot_id,omitempty"`
	Source         ListingSource   `json:"source"`
	AssetID        string          `json:"asset_id"`
	AppID          int             `json:"app_id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Status         ListingStatus   `json:"status"`
	SellerTradeURL string          `json:"-"`
	DepositOfferID string          `json:"deposit_offer_id,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	// ReturnPending marks a cancelled seller listing whose item the bot still
	// holds. Inventory sync clears it once the asset has left the bot.
	ReturnPending  bool            `json:"return_pending,omitempty"`
	ClaimedBy      string          `json:"-"`
	ClaimedAt      time.Time       `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Item returns the listed asset.
func (l *Listing) Item() Item {
	return Item{AssetID: l.AssetID, AppID: l.AppID, Name: l.Name, Price: l.Price}
}

// ClaimHeld reports whether another worker holds a live claim on the listing.
func (l *Listing) ClaimHeld(worker string, now time.Time, ttl time.Duration) bool {
	return claimHeld(l.ClaimedBy, l.ClaimedAt, worker, now, ttl)
}

func claimHeld(owner string, at time.Time, worker string, now time.Time, ttl time.Duration) bool {
	if owner == "" || owner == worker {
		return false
	}
	return now.Sub(at) < ttl
}
