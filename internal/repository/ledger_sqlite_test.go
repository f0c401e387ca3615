package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"escrow-engine/internal/model"

	"github.com/shopspring/decimal"
)

func newTestLedger(t *testing.T) Ledger {
	t.Helper()
	l, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLedgerTradeRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	in := &model.Trade{
		ID: "t1", ListingID: "l1", BuyerID: "buyer", SellerID: "seller", BotID: "b1",
		AssetID: "a1", AppID: 730, ItemName: "Knife",
		Price: dec("10.00"), PlatformFee: dec("0.50"), SellerPayout: dec("9.50"), Charged: dec("10.00"),
		Mode: model.ModeBotMediated, Status: model.TradePaymentReceived,
	}
	err := l.WithTx(ctx, func(tx LedgerTx) error { return tx.InsertTrade(ctx, in) })
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := l.GetTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Price.Equal(dec("10")) || !got.SellerPayout.Equal(dec("9.5")) || got.Status != model.TradePaymentReceived {
		t.Fatalf("unexpected trade %+v", got)
	}
	if got.OfferID != "" || !got.AcceptedAt.IsZero() {
		t.Fatalf("unset fields should stay empty: %+v", got)
	}

	if _, err := l.GetTrade(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerTxRollsBackOnError(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.WithTx(ctx, func(tx LedgerTx) error {
		if err := tx.InsertListing(ctx, &model.Listing{ID: "l1", SellerID: "s", Source: model.SourceSeller,
			AssetID: "a", AppID: 730, Name: "x", Price: dec("1"), Status: model.ListingActive}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := l.GetListing(ctx, "l1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("listing should not exist after rollback, got %v", err)
	}
}

func TestAddBalanceEntryOncePerTradeAndKind(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	credit := func() bool {
		var applied bool
		err := l.WithTx(ctx, func(tx LedgerTx) error {
			var err error
			applied, err = tx.AddBalanceEntry(ctx, &model.BalanceEntry{
				UserID: "buyer", TradeID: "t1", Kind: model.EntryRefund, Amount: dec("10.00"),
			})
			return err
		})
		if err != nil {
			t.Fatalf("add entry: %v", err)
		}
		return applied
	}

	if !credit() {
		t.Fatalf("first refund should apply")
	}
	if credit() {
		t.Fatalf("second refund must be a no-op")
	}

	bal, _ := l.Balance(ctx, "buyer")
	if !bal.Equal(dec("10")) {
		t.Fatalf("balance = %s, want 10", bal)
	}
	entries, _ := l.BalanceEntries(ctx, "buyer")
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}

func TestAddBalanceEntryRejectsOverdraft(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	err := l.WithTx(ctx, func(tx LedgerTx) error {
		_, err := tx.AddBalanceEntry(ctx, &model.BalanceEntry{UserID: "u", TradeID: "t", Kind: model.EntryCharge, Amount: dec("-5")})
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReplaceBotListingsIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	build := func() []*model.Listing {
		return []*model.Listing{
			{ID: "bot-a1", SellerID: model.PlatformSellerID, BotID: "b1", Source: model.SourceBotInventory,
				AssetID: "a1", AppID: 730, Name: "Knife", Price: dec("5"), Status: model.ListingActive},
			{ID: "bot-a2", SellerID: model.PlatformSellerID, BotID: "b1", Source: model.SourceBotInventory,
				AssetID: "a2", AppID: 730, Name: "Gloves", Price: dec("7"), Status: model.ListingActive},
		}
	}
	// a seller deposit already held by the bot must not be listed twice
	err := l.WithTx(ctx, func(tx LedgerTx) error {
		return tx.InsertListing(ctx, &model.Listing{ID: "seller-l", SellerID: "s1", BotID: "b1", Source: model.SourceSeller,
			AssetID: "a2", AppID: 730, Name: "Gloves", Price: dec("9"), Status: model.ListingActive})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	for i := 0; i < 2; i++ {
		var n int
		err := l.WithTx(ctx, func(tx LedgerTx) error {
			var err error
			n, err = tx.ReplaceBotListings(ctx, "b1", 730, build())
			return err
		})
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("sync %d inserted %d, want 1", i, n)
		}
	}

	all, err := l.FindListings(ctx, ListingFilter{BotID: "b1"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("listings = %d, want 2", len(all))
	}
}

func TestReplaceBotListingsHoldsPendingReturns(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	err := l.WithTx(ctx, func(tx LedgerTx) error {
		return tx.InsertListing(ctx, &model.Listing{ID: "seller-l", SellerID: "s1", BotID: "b1", Source: model.SourceSeller,
			AssetID: "a1", AppID: 730, Name: "Knife", Price: dec("9"), Status: model.ListingCancelled, ReturnPending: true})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	sync := func(assets ...string) int {
		t.Helper()
		var listings []*model.Listing
		for _, a := range assets {
			listings = append(listings, &model.Listing{ID: "bot-" + a, SellerID: model.PlatformSellerID, BotID: "b1",
				Source: model.SourceBotInventory, AssetID: a, AppID: 730, Name: "Knife", Price: dec("5"), Status: model.ListingActive})
		}
		var n int
		err := l.WithTx(ctx, func(tx LedgerTx) error {
			var err error
			n, err = tx.ReplaceBotListings(ctx, "b1", 730, listings)
			return err
		})
		if err != nil {
			t.Fatalf("sync %v: %v", assets, err)
		}
		return n
	}

	if n := sync("a1"); n != 0 {
		t.Fatalf("inserted %d while return pending, want 0", n)
	}
	got, err := l.GetListing(ctx, "seller-l")
	if err != nil || !got.ReturnPending {
		t.Fatalf("return mark lost: %+v, %v", got, err)
	}

	if n := sync(); n != 0 {
		t.Fatalf("inserted %d from empty inventory", n)
	}
	if got, _ := l.GetListing(ctx, "seller-l"); got.ReturnPending {
		t.Fatalf("return mark kept after asset left the bot")
	}

	// a later deposit of the same asset is the platform's to list
	if n := sync("a1"); n != 1 {
		t.Fatalf("inserted %d after return settled, want 1", n)
	}
}

func TestFindTradesFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	err := l.WithTx(ctx, func(tx LedgerTx) error {
		for _, tr := range []*model.Trade{
			{ID: "t1", BuyerID: "b", SellerID: "s", Price: dec("1"), Mode: model.ModeBotMediated, Status: model.TradePaymentReceived, CreatedAt: old},
			{ID: "t2", BuyerID: "b", SellerID: "s", Price: dec("1"), Mode: model.ModeDirectPeer, Status: model.TradeAwaitingSeller, OfferID: "o2"},
			{ID: "t3", BuyerID: "b", SellerID: "s", Price: dec("1"), Mode: model.ModeBotMediated, Status: model.TradeCompleted},
		} {
			if err := tx.InsertTrade(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, _ := l.FindTrades(ctx, TradeFilter{Statuses: model.ActiveTradeStatuses, Mode: model.ModeBotMediated})
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("active bot trades: %+v", got)
	}
	yes := true
	got, _ = l.FindTrades(ctx, TradeFilter{HasOffer: &yes})
	if len(got) != 1 || got[0].ID != "t2" {
		t.Fatalf("trades with offer: %+v", got)
	}
	got, _ = l.FindTrades(ctx, TradeFilter{CreatedBefore: time.Now().Add(-time.Minute)})
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("old trades: %+v", got)
	}
}
