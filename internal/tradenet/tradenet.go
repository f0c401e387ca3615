// Package tradenet is a synchronous adapter over the external trading network.
package tradenet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-engine/internal/model"
)

// Error classes. Every error returned by a Network matches exactly one of them.
var (
	ErrNetwork      = errors.New("trading network failure")
	ErrTransient    = errors.New("trading network temporarily unavailable")
	ErrRejected     = errors.New("trading network rejected request")
	ErrAuth         = errors.New("trading network authentication failed")
	ErrConfirmation = errors.New("offer confirmation failed")
	ErrTimeout      = errors.New("trading network call timed out")
)

// Error carries the failing operation and the upstream status.
type Error struct {
	Op     string
	Status int
	Body   string
	Kind   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tradenet %s: %v (status %d: %s)", e.Op, e.Kind, e.Status, e.Body)
	}
	if e.Body != "" {
		return fmt.Sprintf("tradenet %s: %v: %s", e.Op, e.Kind, e.Body)
	}
	return fmt.Sprintf("tradenet %s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Kind }

// Retryable reports whether err is worth retrying with the same inputs.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// BotFault reports whether err means the bot itself is misconfigured.
func BotFault(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrConfirmation)
}

// OfferState is the remote state of a trade offer.
type OfferState string

const (
	OfferActive            OfferState = "active"
	OfferNeedsConfirmation OfferState = "needs_confirmation"
	OfferAccepted          OfferState = "accepted"
	OfferInEscrow          OfferState = "in_escrow"
	OfferDeclined          OfferState = "declined"
	OfferCanceled          OfferState = "canceled"
	OfferExpired           OfferState = "expired"
	OfferInvalidItems      OfferState = "invalid_items"
	OfferCountered         OfferState = "countered"
)

// Failed reports whether the offer can no longer complete.
func (s OfferState) Failed() bool {
	switch s {
	case OfferDeclined, OfferCanceled, OfferExpired, OfferInvalidItems, OfferCountered:
		return true
	}
	return false
}

// Known reports whether s is one of the defined states.
func (s OfferState) Known() bool {
	switch s {
	case OfferActive, OfferNeedsConfirmation, OfferAccepted, OfferInEscrow:
		return true
	}
	return s.Failed()
}

// Credentials are a bot's decrypted account secrets.
type Credentials struct {
	AccountName    string `json:"account_name"`
	Password       string `json:"password"`
	SharedSecret   string `json:"shared_secret"`
	IdentitySecret string `json:"identity_secret"`
}

// Auth is an authenticated session handle.
type Auth struct {
	BotID     string
	Token     string
	TradeURL  string
	ExpiresAt time.Time
}

// OfferRequest describes a trade offer to create.
type OfferRequest struct {
	PartnerTradeURL string       `json:"partner_trade_url"`
	Give            []model.Item `json:"give"`
	Receive         []model.Item `json:"receive"`
	Message         string       `json:"message,omitempty"`
}

// Offer is the remote view of an offer.
type Offer struct {
	ID        string     `json:"id"`
	State     OfferState `json:"state"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Network is the trading-network contract every bot action goes through.
type Network interface {
	Login(ctx context.Context, botID string, creds Credentials) (*Auth, error)
	Inventory(ctx context.Context, auth *Auth, appID int) ([]model.Item, error)
	CreateOffer(ctx context.Context, auth *Auth, req OfferRequest) (string, error)
	ConfirmOffer(ctx context.Context, auth *Auth, offerID string, proof Confirmation) error
	OfferStatus(ctx context.Context, auth *Auth, offerID string) (*Offer, error)
	CancelOffer(ctx context.Context, auth *Auth, offerID string) error
}
