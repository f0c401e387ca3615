package model

import "github.com/shopspring/decimal"

// Item is one tradable asset as reported by the trading network.
type Item struct {
	AssetID string          `json:"asset_id"`
	AppID   int             `json:"app_id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
}
