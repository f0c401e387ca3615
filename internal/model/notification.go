package model

import "time"

// Notification is a trade-status event pushed to a user's clients.
type Notification struct {
	UserID  string    `json:"-"`
	TradeID string    `json:"tradeId,omitempty"`
	Listing string    `json:"listingId,omitempty"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Severity grades an operator alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a message on the operator channel.
type Alert struct {
	Component string    `json:"component" bson:"component"`
	Severity  Severity  `json:"severity" bson:"severity"`
	Message   string    `json:"message" bson:"message"`
	At        time.Time `json:"at" bson:"at"`
}
