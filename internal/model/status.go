package model

import "fmt"

// ListingStatus is the lifecycle state of a Listing.
type ListingStatus string

const (
	ListingPendingDeposit  ListingStatus = "pending_deposit"
	ListingAwaitingDeposit ListingStatus = "awaiting_deposit_confirmation"
	ListingActive          ListingStatus = "active"
	ListingSold            ListingStatus = "sold"
	ListingCancelled       ListingStatus = "cancelled"
)

var listingTransitions = map[ListingStatus]map[ListingStatus]bool{
	ListingPendingDeposit: {
		ListingAwaitingDeposit: true,
		ListingCancelled:       true,
	},
	ListingAwaitingDeposit: {
		ListingActive:    true,
		ListingCancelled: true,
	},
	ListingActive: {
		ListingSold:      true,
		ListingCancelled: true,
	},
	ListingSold: {
		ListingActive: true, // restored by a compensating rollback
	},
	ListingCancelled: {},
}

// CanTransitionListing reports whether a listing may move from one status to another.
func CanTransitionListing(from, to ListingStatus) bool {
	next, ok := listingTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradePaymentReceived TradeStatus = "payment_received"
	TradeAwaitingSeller  TradeStatus = "awaiting_seller"
	TradeSellerAccepted  TradeStatus = "seller_accepted"
	TradeAwaitingBuyer   TradeStatus = "awaiting_buyer"
	TradeBuyerAccepted   TradeStatus = "buyer_accepted"
	TradeCompleted       TradeStatus = "completed"
	TradeFailedSend      TradeStatus = "failed_send"
	TradeRefunded        TradeStatus = "refunded"
	TradeCancelled       TradeStatus = "cancelled"
	TradeExpired         TradeStatus = "expired"
)

// progress orders the main delivery chain. Statuses off the chain are absent.
var progress = map[TradeStatus]int{
	TradePaymentReceived: 1,
	TradeAwaitingSeller:  2,
	TradeSellerAccepted:  3,
	TradeAwaitingBuyer:   4,
	TradeBuyerAccepted:   5,
	TradeCompleted:       6,
}

// ActiveTradeStatuses are the statuses in which a trade still holds its listing.
// failed_send is absent: rollback restores the listing in the same transaction
// that enters it.
var ActiveTradeStatuses = []TradeStatus{
	TradePaymentReceived,
	TradeAwaitingSeller,
	TradeSellerAccepted,
	TradeAwaitingBuyer,
	TradeBuyerAccepted,
}

// IsActive reports whether the trade is somewhere on the delivery chain short of completion.
func (s TradeStatus) IsActive() bool {
	rank, ok := progress[s]
	return ok && rank < progress[TradeCompleted]
}

// IsFinal reports whether no further transition is possible.
func (s TradeStatus) IsFinal() bool {
	switch s {
	case TradeCompleted, TradeRefunded, TradeCancelled, TradeExpired:
		return true
	}
	return false
}

// IsKnown reports whether s is a defined trade status.
func (s TradeStatus) IsKnown() bool {
	if _, ok := progress[s]; ok {
		return true
	}
	switch s {
	case TradeFailedSend, TradeRefunded, TradeCancelled, TradeExpired:
		return true
	}
	return false
}

// CanTransitionTrade reports whether a trade may move from one status to another.
// offerAttached is true once the trading network holds an offer for the trade;
// from then on only forward progress or the failed_send path is allowed.
func CanTransitionTrade(from, to TradeStatus, offerAttached bool) bool {
	if from.IsFinal() || from == to {
		return false
	}
	switch to {
	case TradeFailedSend:
		return from.IsActive()
	case TradeRefunded:
		return from == TradeFailedSend
	case TradeCancelled, TradeExpired:
		return from.IsActive() && !offerAttached
	}
	if from == TradeFailedSend {
		return false
	}
	fromRank, ok := progress[from]
	if !ok {
		return false
	}
	toRank, ok := progress[to]
	return ok && toRank > fromRank
}

// TransitionTrade moves t to status after validating the transition.
func TransitionTrade(t *Trade, to TradeStatus) error {
	if !CanTransitionTrade(t.Status, to, t.OfferID != "") {
		return fmt.Errorf("%w: trade %s %q -> %q (offer=%q)", ErrInvalidTransition, t.ID, t.Status, to, t.OfferID)
	}
	t.Status = to
	return nil
}

// TransitionListing moves l to status after validating the transition.
func TransitionListing(l *Listing, to ListingStatus) error {
	if !CanTransitionListing(l.Status, to) {
		return fmt.Errorf("%w: listing %s %q -> %q", ErrInvalidTransition, l.ID, l.Status, to)
	}
	l.Status = to
	return nil
}
