package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"escrow-engine/internal/botpool"
	"escrow-engine/internal/metrics"
	"escrow-engine/internal/model"
	"escrow-engine/internal/repository"

	"go.uber.org/zap"
)

// ScannerConfig holds configuration for the reconciliation scanner.
type ScannerConfig struct {
	// Interval between passes. Default: 30 seconds
	Interval time.Duration

	// DepositWindow bounds how far back pending deposits are retried.
	// Default: 24 hours
	DepositWindow time.Duration

	// StaleAfter is how long a row must sit unchanged before the scanner
	// re-derives its job. Default: 1 minute
	StaleAfter time.Duration

	// ExpireAfter closes trades that never got an offer. Default: 30 minutes
	ExpireAfter time.Duration

	// BatchSize caps rows per sweep. Default: 200
	BatchSize int
}

// DefaultScannerConfig returns default scanner configuration.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Interval:      30 * time.Second,
		DepositWindow: 24 * time.Hour,
		StaleAfter:    time.Minute,
		ExpireAfter:   30 * time.Minute,
		BatchSize:     200,
	}
}

// SweepReport counts what one pass did.
type SweepReport struct {
	DepositsRequeued int `json:"deposits_requeued"`
	SendsRequeued    int `json:"sends_requeued"`
	OffersPolled     int `json:"offers_polled"`
	Finalized        int `json:"finalized"`
	Expired          int `json:"expired"`
	LeasesRecovered  int `json:"leases_recovered"`
}

// Scanner re-derives work from ledger state on a fixed interval, so a job
// lost from the queue or a missed offer update is eventually acted on.
type Scanner struct {
	d      Deps
	comp   *Compensator
	offers *Offers
	config ScannerConfig
	log    *zap.Logger
	now    func() time.Time

	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
	sweepMu   sync.Mutex
	wg        sync.WaitGroup
}

// NewScanner creates a scanner. Zero config fields take defaults.
func NewScanner(d Deps, comp *Compensator, offers *Offers, config ScannerConfig) *Scanner {
	d = d.withDefaults()
	def := DefaultScannerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DepositWindow <= 0 {
		config.DepositWindow = def.DepositWindow
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.ExpireAfter <= 0 {
		config.ExpireAfter = def.ExpireAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Scanner{
		d:      d,
		comp:   comp,
		offers: offers,
		config: config,
		log:    d.Log.Named("scanner"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic sweeps.
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.Interval)
	s.mu.Unlock()

	s.log.Info("scanner started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("stale_after", s.config.StaleAfter),
		zap.Duration("expire_after", s.config.ExpireAfter))

	s.wg.Add(1)
	go s.run()
}

func (s *Scanner) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.RunNow()
		case <-s.stopCh:
			s.log.Info("scanner stopped")
			return
		}
	}
}

// Stop stops the scanner and waits for a running pass to finish.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// RunNow performs one pass with a bounded timeout.
func (s *Scanner) RunNow() (SweepReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return s.Sweep(ctx)
}

// Sweep runs every sweep once. Errors in one sweep do not stop the others.
func (s *Scanner) Sweep(ctx context.Context) (SweepReport, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	var rep SweepReport
	var errs []error
	now := s.now()

	steps := []struct {
		name string
		fn   func(context.Context, time.Time, *SweepReport) error
	}{
		{"pending_deposits", s.requeueDeposits},
		{"pending_sends", s.requeueSends},
		{"peer_trades", s.pollPeerTrades},
		{"deposit_offers", s.pollDepositOffers},
		{"buyer_offers", s.pollBuyerOffers},
		{"failed_sends", s.finalizeFailed},
		{"unsent_trades", s.expireUnsent},
		{"queue_leases", s.recoverLeases},
	}
	for _, step := range steps {
		if err := step.fn(ctx, now, &rep); err != nil {
			s.log.Error("sweep failed", zap.String("sweep", step.name), zap.Error(err))
			errs = append(errs, err)
		}
	}

	metrics.ScannerRuns.Inc()
	if rep != (SweepReport{}) {
		s.log.Info("sweep complete",
			zap.Int("deposits_requeued", rep.DepositsRequeued),
			zap.Int("sends_requeued", rep.SendsRequeued),
			zap.Int("offers_polled", rep.OffersPolled),
			zap.Int("finalized", rep.Finalized),
			zap.Int("expired", rep.Expired),
			zap.Int("leases_recovered", rep.LeasesRecovered))
	}
	return rep, errors.Join(errs...)
}

// requeueDeposits: pending_deposit listings within the window that have sat
// unchanged get a request-item job.
func (s *Scanner) requeueDeposits(ctx context.Context, now time.Time, rep *SweepReport) error {
	listings, err := s.d.Ledger.FindListings(ctx, repository.ListingFilter{
		Statuses:      []model.ListingStatus{model.ListingPendingDeposit},
		CreatedAfter:  now.Add(-s.config.DepositWindow),
		UpdatedBefore: now.Add(-s.config.StaleAfter),
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, l := range listings {
		added, err := enqueue(ctx, s.d.Queue, model.RequestItem{ListingID: l.ID})
		if err != nil {
			return err
		}
		if added {
			rep.DepositsRequeued++
			metrics.ScannerRequeued.WithLabelValues("pending_deposits").Inc()
		}
	}
	return nil
}

// requeueSends: paid bot-mediated trades get a send-item job.
func (s *Scanner) requeueSends(ctx context.Context, now time.Time, rep *SweepReport) error {
	trades, err := s.d.Ledger.FindTrades(ctx, repository.TradeFilter{
		Statuses:      []model.TradeStatus{model.TradePaymentReceived},
		Mode:          model.ModeBotMediated,
		UpdatedBefore: now.Add(-s.config.StaleAfter),
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, t := range trades {
		added, err := enqueue(ctx, s.d.Queue, model.SendItem{TradeID: t.ID})
		if err != nil {
			return err
		}
		if added {
			rep.SendsRequeued++
			metrics.ScannerRequeued.WithLabelValues("pending_sends").Inc()
		}
	}
	return nil
}

// pollPeerTrades checks direct-peer offers for completion and expires
// peer trades whose seller never sent one.
func (s *Scanner) pollPeerTrades(ctx context.Context, now time.Time, rep *SweepReport) error {
	trades, err := s.d.Ledger.FindTrades(ctx, repository.TradeFilter{
		Statuses: model.ActiveTradeStatuses,
		Mode:     model.ModeDirectPeer,
		Limit:    s.config.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, t := range trades {
		if t.OfferID == "" {
			if t.CreatedAt.Before(now.Add(-s.config.ExpireAfter)) {
				if _, err := s.comp.Abort(ctx, t.ID, model.TradeExpired, "seller did not send an offer in time"); err == nil {
					rep.Expired++
				}
			}
			continue
		}
		if s.poll(t.OfferID, func() error { return s.offers.PollTrade(ctx, t) }) {
			rep.OffersPolled++
		}
	}
	return nil
}

// pollDepositOffers checks deposit offers the push feed may have missed.
func (s *Scanner) pollDepositOffers(ctx context.Context, now time.Time, rep *SweepReport) error {
	listings, err := s.d.Ledger.FindListings(ctx, repository.ListingFilter{
		Statuses: []model.ListingStatus{model.ListingAwaitingDeposit},
		Limit:    s.config.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, l := range listings {
		if l.DepositOfferID == "" {
			continue
		}
		if s.poll(l.DepositOfferID, func() error { return s.offers.PollListing(ctx, l) }) {
			rep.OffersPolled++
		}
	}
	return nil
}

// pollBuyerOffers checks bot-mediated offers waiting on the buyer.
func (s *Scanner) pollBuyerOffers(ctx context.Context, now time.Time, rep *SweepReport) error {
	trades, err := s.d.Ledger.FindTrades(ctx, repository.TradeFilter{
		Statuses: []model.TradeStatus{model.TradeAwaitingBuyer, model.TradeBuyerAccepted},
		Mode:     model.ModeBotMediated,
		Limit:    s.config.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, t := range trades {
		if t.OfferID == "" {
			continue
		}
		if s.poll(t.OfferID, func() error { return s.offers.PollTrade(ctx, t) }) {
			rep.OffersPolled++
		}
	}
	return nil
}

// poll runs fn and reports whether the offer was checked. A failed poll is
// logged and left for the next pass so one bad offer does not stall the rest.
func (s *Scanner) poll(offerID string, fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	if !errors.Is(err, botpool.ErrNoSession) {
		s.log.Warn("poll offer", zap.String("offer", offerID), zap.Error(err))
	}
	return false
}

// finalizeFailed closes failed_send trades as refunded.
func (s *Scanner) finalizeFailed(ctx context.Context, now time.Time, rep *SweepReport) error {
	trades, err := s.d.Ledger.FindTrades(ctx, repository.TradeFilter{
		Statuses: []model.TradeStatus{model.TradeFailedSend},
		Limit:    s.config.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, t := range trades {
		done, err := s.comp.Finalize(ctx, t.ID)
		if err != nil {
			return err
		}
		if done {
			rep.Finalized++
		}
	}
	return nil
}

// expireUnsent refunds paid trades that never got an offer in time.
func (s *Scanner) expireUnsent(ctx context.Context, now time.Time, rep *SweepReport) error {
	noOffer := false
	trades, err := s.d.Ledger.FindTrades(ctx, repository.TradeFilter{
		Statuses:      []model.TradeStatus{model.TradePaymentReceived},
		Mode:          model.ModeBotMediated,
		HasOffer:      &noOffer,
		CreatedBefore: now.Add(-s.config.ExpireAfter),
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, t := range trades {
		_, err := s.comp.Abort(ctx, t.ID, model.TradeExpired, "item could not be sent in time")
		if errors.Is(err, ErrClaimed) || errors.Is(err, model.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return err
		}
		rep.Expired++
	}
	return nil
}

func (s *Scanner) recoverLeases(ctx context.Context, now time.Time, rep *SweepReport) error {
	n, err := s.d.Queue.RecoverExpired(ctx, now)
	if err != nil {
		return err
	}
	rep.LeasesRecovered = n
	if n > 0 {
		metrics.ScannerRequeued.WithLabelValues("queue_leases").Add(float64(n))
	}
	return nil
}
