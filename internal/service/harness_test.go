package service

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"escrow-engine/internal/botpool"
	"escrow-engine/internal/cache"
	"escrow-engine/internal/model"
	"escrow-engine/internal/notify"
	"escrow-engine/internal/queue"
	"escrow-engine/internal/ratelimit"
	"escrow-engine/internal/repository"
	"escrow-engine/internal/tradenet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	ledger repository.Ledger
	queue  *queue.MemoryQueue
	net    *tradenet.PaperNetwork
	pool   *botpool.Pool
	hub    *notify.Hub
	alerts *repository.MemoryAlertRepository
	cache  *cache.MemoryCache

	comp     *Compensator
	offers   *Offers
	handlers *Handlers
	intake   *Intake
	inv      *InventoryService
	scanner  *Scanner
	proc     *queue.Processor
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newHarness(t *testing.T, botIDs ...string) *harness {
	t.Helper()
	if len(botIDs) == 0 {
		botIDs = []string{"b1"}
	}
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	ledger, err := repository.NewSQLiteLedger(filepath.Join(t.TempDir(), "escrow.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	h := &harness{
		t:      t,
		ctx:    ctx,
		ledger: ledger,
		queue:  queue.NewMemoryQueue(),
		net:    tradenet.NewPaperNetwork(),
		hub:    notify.NewHub(64, log),
		alerts: repository.NewMemoryAlertRepository(100),
		cache:  cache.NewMemoryCache(time.Minute),
	}
	t.Cleanup(func() { h.cache.Close() })
	alerter := notify.NewAlerter(h.hub, h.alerts, log)

	var bots []botpool.Bot
	for _, id := range botIDs {
		bots = append(bots, botpool.Bot{ID: id, AccountName: id, Credentials: tradenet.Credentials{
			AccountName:    id,
			Password:       "pw",
			SharedSecret:   base64.StdEncoding.EncodeToString([]byte("shared-" + id)),
			IdentitySecret: base64.StdEncoding.EncodeToString([]byte("identity-" + id)),
		}})
	}
	h.pool = botpool.NewPool(h.net, ratelimit.NewLimiter(ratelimit.Config{}), bots, alerter,
		botpool.Config{CallTimeout: time.Second, ReconnectTries: 1}, log)
	t.Cleanup(h.pool.Close)
	if n := h.pool.Start(ctx); n != len(botIDs) {
		t.Fatalf("started %d bots, want %d", n, len(botIDs))
	}

	d := Deps{
		Ledger:   ledger,
		Queue:    h.queue,
		Pool:     h.pool,
		Notifier: notify.NewNotifier(h.hub, log),
		Alerts:   alerter,
		Log:      log,
		Cache:    h.cache,
		Worker:   "test-worker",
	}
	h.comp = NewCompensator(d)
	h.offers = NewOffers(d, h.comp)
	h.inv = NewInventoryService(d, time.Minute)
	h.handlers = NewHandlers(d, h.comp, h.inv)
	h.intake = NewIntake(d, h.comp, dec("0.05"))
	h.scanner = NewScanner(d, h.comp, h.offers, ScannerConfig{})
	h.proc = queue.NewProcessor(h.queue, queue.ProcessorConfig{
		LeaseTTL: time.Minute,
		Policy: queue.RetryPolicy{
			MaxAttempts: 3,
			Initial:     time.Millisecond,
			Max:         5 * time.Millisecond,
			DeferDelay:  time.Millisecond,
		},
		OnExhausted: h.handlers.OnExhausted,
	}, log)
	return h
}

// drain runs jobs until none is due, waiting briefly for short retry delays.
func (h *harness) drain() {
	h.t.Helper()
	idle := 0
	for i := 0; i < 200 && idle < 5; i++ {
		ran, err := h.proc.RunOnce(h.ctx, h.handlers.Handle)
		if err != nil {
			h.t.Fatalf("run job: %v", err)
		}
		if ran {
			idle = 0
			continue
		}
		idle++
		time.Sleep(10 * time.Millisecond)
	}
}

// heldListing inserts an active seller listing whose item bot b1 already holds.
func (h *harness) heldListing(price string) *model.Listing {
	h.t.Helper()
	item := model.Item{AssetID: "asset-" + price, AppID: 730, Name: "Knife", Price: dec(price)}
	h.net.SetInventory("b1", 730, []model.Item{item})
	l := &model.Listing{
		ID: "listing-" + price, SellerID: "seller", BotID: "b1", Source: model.SourceSeller,
		AssetID: item.AssetID, AppID: item.AppID, Name: item.Name, Price: item.Price,
		Status: model.ListingActive, SellerTradeURL: "https://trade.paper/seller",
	}
	if err := h.ledger.WithTx(h.ctx, func(tx repository.LedgerTx) error { return tx.InsertListing(h.ctx, l) }); err != nil {
		h.t.Fatalf("insert listing: %v", err)
	}
	return l
}

func (h *harness) fund(user, amount string) {
	h.t.Helper()
	if _, err := h.intake.Deposit(h.ctx, user, dec(amount)); err != nil {
		h.t.Fatalf("fund %s: %v", user, err)
	}
}

func (h *harness) balance(user string) decimal.Decimal {
	h.t.Helper()
	b, err := h.ledger.Balance(h.ctx, user)
	if err != nil {
		h.t.Fatalf("balance %s: %v", user, err)
	}
	return b
}

func (h *harness) trade(id string) *model.Trade {
	h.t.Helper()
	t, err := h.ledger.GetTrade(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get trade %s: %v", id, err)
	}
	return t
}

func (h *harness) listing(id string) *model.Listing {
	h.t.Helper()
	l, err := h.ledger.GetListing(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get listing %s: %v", id, err)
	}
	return l
}

func (h *harness) botState(id string) model.BotState {
	for _, b := range h.pool.Snapshot() {
		if b.ID == id {
			return b.State
		}
	}
	return ""
}
