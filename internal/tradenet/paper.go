package tradenet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrow-engine/internal/model"

	"github.com/google/uuid"
)

// PaperOffer is a simulated offer held by a PaperNetwork.
type PaperOffer struct {
	ID              string
	BotID           string
	PartnerTradeURL string
	Give            []model.Item
	Receive         []model.Item
	State           OfferState
	CreatedAt       time.Time
}

// PaperNetwork is an in-memory trading network for dry runs and tests.
// Offers never leave the process.
type PaperNetwork struct {
	mu          sync.Mutex
	inventories map[string]map[int][]model.Item
	secrets     map[string]string
	offers      map[string]*PaperOffer
	failures    map[string][]error
	latency     time.Duration
	autoAccept  bool
	calls       map[string]int
	now         func() time.Time
}

var _ Network = (*PaperNetwork)(nil)

// NewPaperNetwork creates an empty simulated network.
func NewPaperNetwork() *PaperNetwork {
	return &PaperNetwork{
		inventories: make(map[string]map[int][]model.Item),
		secrets:     make(map[string]string),
		offers:      make(map[string]*PaperOffer),
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
		now:         time.Now,
	}
}

// SetInventory replaces a bot's inventory for appID.
func (p *PaperNetwork) SetInventory(botID string, appID int, items []model.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inventories[botID] == nil {
		p.inventories[botID] = make(map[int][]model.Item)
	}
	p.inventories[botID][appID] = append([]model.Item(nil), items...)
}

// FailNext queues err as the result of the next call to op
// (login, inventory, create_offer, confirm_offer, offer_status, cancel_offer).
func (p *PaperNetwork) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// SetLatency delays every call by d.
func (p *PaperNetwork) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// SetAutoAccept makes confirmed offers immediately accepted by the partner.
func (p *PaperNetwork) SetAutoAccept(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoAccept = v
}

// SetOfferState forces the remote state of an offer, simulating partner action.
func (p *PaperNetwork) SetOfferState(offerID string, state OfferState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.offers[offerID]
	if !ok {
		return fmt.Errorf("paper: unknown offer %s", offerID)
	}
	p.settle(o, state)
	return nil
}

// AddPeerOffer registers an offer sent directly between two users.
func (p *PaperNetwork) AddPeerOffer(partnerTradeURL string, give []model.Item) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := &PaperOffer{
		ID:              uuid.New().String(),
		PartnerTradeURL: partnerTradeURL,
		Give:            give,
		State:           OfferActive,
		CreatedAt:       p.now(),
	}
	p.offers[o.ID] = o
	return o.ID
}

// Offers returns a copy of every offer, oldest first.
func (p *PaperNetwork) Offers() []PaperOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperOffer, 0, len(p.offers))
	for _, o := range p.offers {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Calls returns how many times op was invoked.
func (p *PaperNetwork) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *PaperNetwork) Login(ctx context.Context, botID string, creds Credentials) (*Auth, error) {
	if err := p.enter(ctx, "login"); err != nil {
		return nil, err
	}
	if _, err := GuardCode(creds.SharedSecret, p.now()); err != nil {
		return nil, err
	}
	if creds.Password == "" {
		return nil, &Error{Op: "login", Kind: ErrAuth, Body: "bad password"}
	}

	p.mu.Lock()
	p.secrets[botID] = creds.IdentitySecret
	p.mu.Unlock()

	return &Auth{
		BotID:     botID,
		Token:     uuid.New().String(),
		TradeURL:  "https://trade.paper/" + botID,
		ExpiresAt: p.now().Add(24 * time.Hour),
	}, nil
}

func (p *PaperNetwork) Inventory(ctx context.Context, auth *Auth, appID int) ([]model.Item, error) {
	if err := p.enter(ctx, "inventory"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Item(nil), p.inventories[auth.BotID][appID]...), nil
}

func (p *PaperNetwork) CreateOffer(ctx context.Context, auth *Auth, req OfferRequest) (string, error) {
	if err := p.enter(ctx, "create_offer"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, it := range req.Give {
		if !p.holds(auth.BotID, it) {
			return "", &Error{Op: "create_offer", Kind: ErrRejected, Body: "item " + it.AssetID + " not in inventory"}
		}
	}

	state := OfferActive
	if len(req.Give) > 0 {
		state = OfferNeedsConfirmation
	}
	o := &PaperOffer{
		ID:              uuid.New().String(),
		BotID:           auth.BotID,
		PartnerTradeURL: req.PartnerTradeURL,
		Give:            req.Give,
		Receive:         req.Receive,
		State:           state,
		CreatedAt:       p.now(),
	}
	p.offers[o.ID] = o
	return o.ID, nil
}

func (p *PaperNetwork) ConfirmOffer(ctx context.Context, auth *Auth, offerID string, proof Confirmation) error {
	if err := p.enter(ctx, "confirm_offer"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := VerifyConfirmation(p.secrets[auth.BotID], proof, p.now(), time.Minute); err != nil {
		return &Error{Op: "confirm_offer", Kind: ErrConfirmation, Body: err.Error()}
	}
	o, ok := p.offers[offerID]
	if !ok || o.BotID != auth.BotID {
		return &Error{Op: "confirm_offer", Status: 404, Kind: ErrRejected, Body: "unknown offer"}
	}
	if o.State == OfferNeedsConfirmation {
		o.State = OfferActive
	}
	if p.autoAccept && o.State == OfferActive {
		p.settle(o, OfferAccepted)
	}
	return nil
}

func (p *PaperNetwork) OfferStatus(ctx context.Context, auth *Auth, offerID string) (*Offer, error) {
	if err := p.enter(ctx, "offer_status"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.offers[offerID]
	if !ok {
		return nil, &Error{Op: "offer_status", Status: 404, Kind: ErrRejected, Body: "unknown offer"}
	}
	return &Offer{ID: o.ID, State: o.State, UpdatedAt: p.now()}, nil
}

func (p *PaperNetwork) CancelOffer(ctx context.Context, auth *Auth, offerID string) error {
	if err := p.enter(ctx, "cancel_offer"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.offers[offerID]
	if !ok {
		return &Error{Op: "cancel_offer", Status: 404, Kind: ErrRejected, Body: "unknown offer"}
	}
	if o.State == OfferActive || o.State == OfferNeedsConfirmation {
		o.State = OfferCanceled
	}
	return nil
}

func (p *PaperNetwork) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls[op]++
	latency := p.latency
	var injected error
	if q := p.failures[op]; len(q) > 0 {
		injected, p.failures[op] = q[0], q[1:]
	}
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return &Error{Op: op, Kind: ErrTimeout, Body: ctx.Err().Error()}
		}
	}
	return injected
}

// settle applies a terminal partner decision. Caller holds p.mu.
func (p *PaperNetwork) settle(o *PaperOffer, state OfferState) {
	if o.State == OfferAccepted {
		return
	}
	o.State = state
	if state != OfferAccepted || o.BotID == "" {
		return
	}
	for _, it := range o.Give {
		p.take(o.BotID, it)
	}
	for _, it := range o.Receive {
		if p.inventories[o.BotID] == nil {
			p.inventories[o.BotID] = make(map[int][]model.Item)
		}
		p.inventories[o.BotID][it.AppID] = append(p.inventories[o.BotID][it.AppID], it)
	}
}

func (p *PaperNetwork) holds(botID string, it model.Item) bool {
	for _, have := range p.inventories[botID][it.AppID] {
		if have.AssetID == it.AssetID {
			return true
		}
	}
	return false
}

func (p *PaperNetwork) take(botID string, it model.Item) {
	items := p.inventories[botID][it.AppID]
	for i, have := range items {
		if have.AssetID == it.AssetID {
			p.inventories[botID][it.AppID] = append(items[:i:i], items[i+1:]...)
			return
		}
	}
}
