// Package botpool owns the authenticated trading-account sessions.
package botpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"escrow-engine/internal/metrics"
	"escrow-engine/internal/model"
	"escrow-engine/internal/ratelimit"
	"escrow-engine/internal/tradenet"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrNoSession is returned by read-only calls when no connected bot can serve them.
var ErrNoSession = errors.New("no connected bot session")

// AlertSink receives bot-level operator alerts.
type AlertSink interface {
	Raise(ctx context.Context, component string, severity model.Severity, message string)
}

// Config tunes network calls and reconnects.
type Config struct {
	CallTimeout       time.Duration
	SuperviseInterval time.Duration
	ReconnectTries    uint
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
}

// Session is one bot's authenticated connection. Callers only hold a
// *Session between acquire and Release.
type Session struct {
	id          string
	accountName string
	tradeURL    string
	creds       tradenet.Credentials

	// guarded by Pool.mu
	state     model.BotState
	auth      *tradenet.Auth
	lastErr   string
	changedAt time.Time
	fatal     bool
}

// ID returns the bot id.
func (s *Session) ID() string { return s.id }

// TradeURL returns the bot's trade URL.
func (s *Session) TradeURL() string { return s.tradeURL }

// Pool hands out idle sessions round-robin and tracks their lifecycle.
type Pool struct {
	mu       sync.Mutex
	sessions []*Session
	byID     map[string]*Session
	next     int

	net     tradenet.Network
	limiter *ratelimit.Limiter
	alerts  AlertSink
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Bot is a pool member definition with decrypted credentials.
type Bot struct {
	ID          string
	AccountName string
	TradeURL    string
	Credentials tradenet.Credentials
}

// NewPool creates a pool with every bot offline. Call Start to log them in.
func NewPool(net tradenet.Network, limiter *ratelimit.Limiter, bots []Bot, alerts AlertSink, cfg Config, log *zap.Logger) *Pool {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.SuperviseInterval <= 0 {
		cfg.SuperviseInterval = 30 * time.Second
	}
	if cfg.ReconnectTries == 0 {
		cfg.ReconnectTries = 5
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}

	p := &Pool{
		byID:    make(map[string]*Session, len(bots)),
		net:     net,
		limiter: limiter,
		alerts:  alerts,
		cfg:     cfg,
		log:     log.Named("botpool"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, b := range bots {
		s := &Session{
			id:          b.ID,
			accountName: b.AccountName,
			tradeURL:    b.TradeURL,
			creds:       b.Credentials,
			state:       model.BotOffline,
			changedAt:   p.now(),
		}
		p.sessions = append(p.sessions, s)
		p.byID[b.ID] = s
	}
	p.publishStates()
	return p
}

// Start logs every bot in once and returns how many are idle.
func (p *Pool) Start(ctx context.Context) int {
	idle := 0
	for _, s := range p.sessions {
		if err := p.connect(ctx, s); err != nil {
			p.log.Warn("bot login failed", zap.String("bot", s.id), zap.Error(err))
			continue
		}
		idle++
	}
	p.log.Info("bot pool started", zap.Int("bots", len(p.sessions)), zap.Int("idle", idle))
	return idle
}

// Supervise reconnects offline bots in the background until Close.
// Bots that failed authentication stay down until Reconnect is called.
func (p *Pool) Supervise() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SuperviseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.reconnectOffline()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Close stops the supervisor and marks every bot offline.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	for _, s := range p.sessions {
		p.setState(s, model.BotOffline, "")
		s.auth = nil
	}
	p.mu.Unlock()
	p.publishStates()
}

// Reconnect logs a bot back in, clearing a previous auth failure.
func (p *Pool) Reconnect(ctx context.Context, botID string) error {
	p.mu.Lock()
	s, ok := p.byID[botID]
	if ok && s.state == model.BotBusy {
		p.mu.Unlock()
		return fmt.Errorf("bot %s is busy", botID)
	}
	if ok {
		s.fatal = false
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown bot %s", botID)
	}
	return p.reconnect(ctx, s)
}

func (p *Pool) reconnectOffline() {
	p.mu.Lock()
	var todo []*Session
	for _, s := range p.sessions {
		if !s.fatal && (s.state == model.BotOffline || s.state == model.BotError) {
			todo = append(todo, s)
		}
	}
	p.mu.Unlock()

	for _, s := range todo {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := p.reconnect(ctx, s); err != nil {
			p.log.Warn("bot reconnect gave up", zap.String("bot", s.id), zap.Error(err))
		}
		cancel()
	}
}

func (p *Pool) reconnect(ctx context.Context, s *Session) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.ReconnectInitial
	b.MaxInterval = p.cfg.ReconnectMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.connect(ctx, s)
		if errors.Is(err, tradenet.ErrAuth) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.cfg.ReconnectTries))
	return err
}

func (p *Pool) connect(ctx context.Context, s *Session) error {
	p.mu.Lock()
	if s.state == model.BotBusy || s.state == model.BotIdle {
		p.mu.Unlock()
		return nil
	}
	p.setState(s, model.BotConnecting, "")
	p.mu.Unlock()
	p.publishStates()

	auth, err := call(ctx, p, "login", func(ctx context.Context) (*tradenet.Auth, error) {
		return p.net.Login(ctx, s.id, s.creds)
	})

	p.mu.Lock()
	switch {
	case err == nil:
		s.auth = auth
		if auth.TradeURL != "" && s.tradeURL == "" {
			s.tradeURL = auth.TradeURL
		}
		p.setState(s, model.BotIdle, "")
	case errors.Is(err, tradenet.ErrAuth):
		s.fatal = true
		p.setState(s, model.BotError, err.Error())
	default:
		p.setState(s, model.BotOffline, err.Error())
	}
	p.mu.Unlock()
	p.publishStates()

	if errors.Is(err, tradenet.ErrAuth) {
		p.raise(s, err)
	}
	if err == nil {
		p.log.Info("bot connected", zap.String("bot", s.id), zap.String("account", s.accountName))
	}
	return err
}

// AcquireAvailable reserves the next idle bot round-robin, or returns nil
// when none is idle. A nil result means retry later.
func (p *Pool) AcquireAvailable() *Session {
	p.mu.Lock()
	var got *Session
	n := len(p.sessions)
	for i := 0; i < n; i++ {
		s := p.sessions[(p.next+i)%n]
		if s.state == model.BotIdle {
			p.next = (p.next + i + 1) % n
			p.setState(s, model.BotBusy, "")
			got = s
			break
		}
	}
	p.mu.Unlock()

	if got != nil {
		p.publishStates()
	}
	return got
}

// Acquire reserves a specific bot, or returns nil if it is not idle.
func (p *Pool) Acquire(botID string) *Session {
	p.mu.Lock()
	s, ok := p.byID[botID]
	if !ok || s.state != model.BotIdle {
		p.mu.Unlock()
		return nil
	}
	p.setState(s, model.BotBusy, "")
	p.mu.Unlock()

	p.publishStates()
	return s
}

// Release returns a session to the pool. err is the last error the holder
// saw; an auth or confirmation failure takes the bot out of rotation.
func (p *Pool) Release(s *Session, err error) {
	if s == nil {
		return
	}
	fault := tradenet.BotFault(err)

	p.mu.Lock()
	if s.state != model.BotBusy {
		p.mu.Unlock()
		return
	}
	if fault {
		s.auth = nil
		s.fatal = true
		p.setState(s, model.BotError, err.Error())
	} else {
		p.setState(s, model.BotIdle, "")
	}
	p.mu.Unlock()
	p.publishStates()

	if fault {
		p.raise(s, err)
	}
}

// FetchInventory lists the bot's items for appID.
func (p *Pool) FetchInventory(ctx context.Context, s *Session, appID int) ([]model.Item, error) {
	auth := p.authOf(s)
	return call(ctx, p, "inventory", func(ctx context.Context) ([]model.Item, error) {
		return p.net.Inventory(ctx, auth, appID)
	})
}

// CreateOffer sends an offer from the bot and returns the offer id.
func (p *Pool) CreateOffer(ctx context.Context, s *Session, partnerTradeURL string, give, receive []model.Item, message string) (string, error) {
	auth := p.authOf(s)
	req := tradenet.OfferRequest{
		PartnerTradeURL: partnerTradeURL,
		Give:            give,
		Receive:         receive,
		Message:         message,
	}
	return call(ctx, p, "create_offer", func(ctx context.Context) (string, error) {
		return p.net.CreateOffer(ctx, auth, req)
	})
}

// ConfirmOffer signs and submits the confirmation for an offer.
func (p *Pool) ConfirmOffer(ctx context.Context, s *Session, offerID string) error {
	auth := p.authOf(s)
	proof, err := tradenet.ConfirmationKey(s.creds.IdentitySecret, p.now(), "allow")
	if err != nil {
		return err
	}
	_, err = call(ctx, p, "confirm_offer", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.net.ConfirmOffer(ctx, auth, offerID, proof)
	})
	return err
}

// CancelOffer withdraws an offer the bot sent.
func (p *Pool) CancelOffer(ctx context.Context, s *Session, offerID string) error {
	auth := p.authOf(s)
	_, err := call(ctx, p, "cancel_offer", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.net.CancelOffer(ctx, auth, offerID)
	})
	return err
}

// PollOffer reads an offer's state without reserving a bot. It uses botID's
// session when connected, otherwise any connected session.
func (p *Pool) PollOffer(ctx context.Context, botID, offerID string) (*tradenet.Offer, error) {
	p.mu.Lock()
	var auth *tradenet.Auth
	if s, ok := p.byID[botID]; ok && s.auth != nil {
		auth = s.auth
	}
	if auth == nil {
		for _, s := range p.sessions {
			if s.auth != nil {
				auth = s.auth
				break
			}
		}
	}
	p.mu.Unlock()
	if auth == nil {
		return nil, ErrNoSession
	}

	return call(ctx, p, "offer_status", func(ctx context.Context) (*tradenet.Offer, error) {
		return p.net.OfferStatus(ctx, auth, offerID)
	})
}

// Snapshot returns the current state of every bot.
func (p *Pool) Snapshot() []model.Bot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Bot, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, model.Bot{
			ID:          s.id,
			AccountName: s.accountName,
			TradeURL:    s.tradeURL,
			State:       s.state,
			LastError:   s.lastErr,
			ChangedAt:   s.changedAt,
		})
	}
	return out
}

// BotIDs lists every configured bot.
func (p *Pool) BotIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for _, s := range p.sessions {
		ids = append(ids, s.id)
	}
	return ids
}

func (p *Pool) authOf(s *Session) *tradenet.Auth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.auth
}

// setState requires p.mu.
func (p *Pool) setState(s *Session, state model.BotState, lastErr string) {
	s.state = state
	s.lastErr = lastErr
	s.changedAt = p.now()
}

func (p *Pool) publishStates() {
	counts := make(map[model.BotState]int, len(model.AllBotStates))
	p.mu.Lock()
	for _, s := range p.sessions {
		counts[s.state]++
	}
	p.mu.Unlock()
	for _, st := range model.AllBotStates {
		metrics.BotStates.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (p *Pool) raise(s *Session, err error) {
	p.log.Error("bot disabled", zap.String("bot", s.id), zap.Error(err))
	if p.alerts != nil {
		p.alerts.Raise(context.Background(), "botpool", model.SeverityCritical,
			fmt.Sprintf("bot %s disabled: %v", s.id, err))
	}
}

// call runs fn through the rate limiter with a per-call timeout. fn runs in
// its own goroutine so a hung network call cannot outlive the timeout.
func call[T any](ctx context.Context, p *Pool, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := ratelimit.Do(ctx, p.limiter, func(ctx context.Context) (T, error) {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()

		type result struct {
			v   T
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := fn(cctx)
			done <- result{v: v, err: err}
		}()

		select {
		case res := <-done:
			return res.v, res.err
		case <-cctx.Done():
			var zero T
			return zero, &tradenet.Error{Op: op, Kind: tradenet.ErrTimeout, Body: cctx.Err().Error()}
		}
	})
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		var te *tradenet.Error
		if !errors.As(err, &te) {
			err = &tradenet.Error{Op: op, Kind: tradenet.ErrTimeout, Body: err.Error()}
		}
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.NetworkCalls.WithLabelValues(op, result).Inc()
	return v, err
}
