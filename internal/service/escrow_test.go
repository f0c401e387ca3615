package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"escrow-engine/internal/model"
	"escrow-engine/internal/repository"
	"escrow-engine/internal/tradenet"
)

func TestDepositPurchaseAndDeliver(t *testing.T) {
	h := newHarness(t)
	h.fund("buyer", "10.00")

	l, err := h.intake.ListItem(h.ctx, ListItemRequest{
		SellerID: "seller", SellerTradeURL: "https://trade.paper/seller",
		AssetID: "a1", AppID: 730, Name: "Knife", Price: dec("10.00"),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	h.drain()

	l = h.listing(l.ID)
	if l.Status != model.ListingAwaitingDeposit || l.DepositOfferID == "" || l.BotID != "b1" {
		t.Fatalf("deposit not requested: %+v", l)
	}
	if err := h.net.SetOfferState(l.DepositOfferID, tradenet.OfferAccepted); err != nil {
		t.Fatalf("accept deposit: %v", err)
	}
	if err := h.offers.HandleOfferUpdate(h.ctx, l.DepositOfferID, tradenet.OfferAccepted); err != nil {
		t.Fatalf("deposit update: %v", err)
	}
	if got := h.listing(l.ID).Status; got != model.ListingActive {
		t.Fatalf("listing = %s, want active", got)
	}

	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !tr.PlatformFee.Equal(dec("0.50")) || !tr.SellerPayout.Equal(dec("9.50")) {
		t.Fatalf("fee split %s/%s", tr.PlatformFee, tr.SellerPayout)
	}
	if !h.balance("buyer").IsZero() {
		t.Fatalf("buyer not charged: %s", h.balance("buyer"))
	}
	h.drain()

	tr = h.trade(tr.ID)
	if tr.Status != model.TradeAwaitingBuyer || tr.OfferID == "" {
		t.Fatalf("item not sent: %+v", tr)
	}
	if err := h.net.SetOfferState(tr.OfferID, tradenet.OfferAccepted); err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if _, err := h.scanner.Sweep(h.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	tr = h.trade(tr.ID)
	if tr.Status != model.TradeCompleted || tr.CompletedAt.IsZero() {
		t.Fatalf("trade not completed: %+v", tr)
	}
	if got := h.balance("seller"); !got.Equal(dec("9.50")) {
		t.Fatalf("seller balance = %s, want 9.50", got)
	}
	if got := h.listing(l.ID).Status; got != model.ListingSold {
		t.Fatalf("listing = %s, want sold", got)
	}
}

func TestRejectedOfferRefundsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("10.00")
	h.fund("buyer", "10.00")

	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	h.net.FailNext("create_offer", &tradenet.Error{Op: "create_offer", Status: 400, Kind: tradenet.ErrRejected})
	h.drain()

	tr = h.trade(tr.ID)
	if tr.Status != model.TradeFailedSend || !tr.Refunded.Equal(dec("10.00")) {
		t.Fatalf("trade not rolled back: %+v", tr)
	}
	if got := h.balance("buyer"); !got.Equal(dec("10.00")) {
		t.Fatalf("buyer balance = %s, want 10.00", got)
	}
	if got := h.listing(l.ID).Status; got != model.ListingActive {
		t.Fatalf("listing = %s, want active", got)
	}

	again, err := h.comp.Rollback(h.ctx, tr.ID, "second attempt")
	if err != nil || again {
		t.Fatalf("second rollback = %v, %v; want no-op", again, err)
	}
	if _, err := h.scanner.Sweep(h.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := h.trade(tr.ID).Status; got != model.TradeRefunded {
		t.Fatalf("trade = %s, want refunded", got)
	}
	if got := h.balance("buyer"); !got.Equal(dec("10.00")) {
		t.Fatalf("buyer balance after sweep = %s, want 10.00", got)
	}

	entries, _ := h.ledger.BalanceEntries(h.ctx, "buyer")
	refunds := 0
	for _, e := range entries {
		if e.Kind == model.EntryRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("refund entries = %d, want 1", refunds)
	}
	if alerts, _ := h.alerts.RecentAlerts(h.ctx, 10); len(alerts) == 0 {
		t.Fatalf("rollback raised no alert")
	}
}

func TestConfirmationFailureDisablesBotAndRollsBack(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("5.00")
	h.fund("buyer", "5.00")

	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	h.net.FailNext("confirm_offer", &tradenet.Error{Op: "confirm_offer", Kind: tradenet.ErrConfirmation})
	h.drain()

	tr = h.trade(tr.ID)
	if tr.Status != model.TradeFailedSend {
		t.Fatalf("trade = %s, want failed_send", tr.Status)
	}
	if h.botState("b1") != model.BotError {
		t.Fatalf("bot = %s, want error", h.botState("b1"))
	}
	for _, o := range h.net.Offers() {
		if o.State != tradenet.OfferCanceled {
			t.Fatalf("offer %s left %s", o.ID, o.State)
		}
	}
	if got := h.balance("buyer"); !got.Equal(dec("5.00")) {
		t.Fatalf("buyer balance = %s, want 5.00", got)
	}
}

func TestTransientCreateFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("3.00")
	h.fund("buyer", "3.00")

	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	h.net.FailNext("create_offer", &tradenet.Error{Op: "create_offer", Status: 503, Kind: tradenet.ErrTransient})
	h.drain()

	tr = h.trade(tr.ID)
	if tr.Status != model.TradeAwaitingBuyer {
		t.Fatalf("trade = %s, want awaiting_buyer", tr.Status)
	}
	if tr.ClaimedBy != "" {
		t.Fatalf("claim not released")
	}
	if n := h.net.Calls("create_offer"); n != 2 {
		t.Fatalf("create_offer calls = %d, want 2", n)
	}
}

func TestExhaustedTransientFailuresRollBack(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("4.00")
	h.fund("buyer", "4.00")

	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	for i := 0; i < 3; i++ {
		h.net.FailNext("create_offer", &tradenet.Error{Op: "create_offer", Status: 503, Kind: tradenet.ErrTransient})
	}
	h.drain()

	if got := h.trade(tr.ID).Status; got != model.TradeFailedSend {
		t.Fatalf("trade = %s, want failed_send", got)
	}
	if got := h.balance("buyer"); !got.Equal(dec("4.00")) {
		t.Fatalf("buyer balance = %s, want 4.00", got)
	}
}

func TestSendIsDeferredWhileBotBusy(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("2.00")
	h.fund("buyer", "2.00")

	s := h.pool.Acquire("b1")
	if s == nil {
		t.Fatalf("could not reserve bot")
	}
	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if _, err := h.proc.RunOnce(h.ctx, h.handlers.Handle); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.trade(tr.ID).Status; got != model.TradePaymentReceived {
		t.Fatalf("trade = %s while bot busy", got)
	}
	if n := h.net.Calls("create_offer"); n != 0 {
		t.Fatalf("create_offer called %d times while bot busy", n)
	}

	h.pool.Release(s, nil)
	h.drain()
	if got := h.trade(tr.ID).Status; got != model.TradeAwaitingBuyer {
		t.Fatalf("trade = %s, want awaiting_buyer", got)
	}
}

func TestConcurrentPurchasesOnlyOneWins(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("1.00")

	const buyers = 8
	for i := 0; i < buyers; i++ {
		h.fund(buyerName(i), "1.00")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: buyerName(i), BuyerTradeURL: "https://trade.paper/" + buyerName(i)})
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !errors.Is(err, ErrListingUnavailable) && !errors.Is(err, ErrListingBusy) {
				t.Errorf("unexpected purchase error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("%d purchases succeeded, want 1", won)
	}
	bad, err := h.ledger.ListingsWithMultipleActiveTrades(h.ctx)
	if err != nil || len(bad) != 0 {
		t.Fatalf("listings with multiple active trades: %v %v", bad, err)
	}
	charged := 0
	for i := 0; i < buyers; i++ {
		if h.balance(buyerName(i)).IsZero() {
			charged++
		}
	}
	if charged != 1 {
		t.Fatalf("%d buyers charged, want 1", charged)
	}
}

func buyerName(i int) string { return "buyer-" + string(rune('a'+i)) }

func TestPurchaseWithoutFundsFails(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("7.00")
	h.fund("buyer", "6.99")

	_, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if !errors.Is(err, repository.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := h.listing(l.ID).Status; got != model.ListingActive {
		t.Fatalf("listing = %s, want active", got)
	}
}

func TestCancelTradeOnlyBeforeOffer(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("8.00")
	h.fund("buyer", "16.00")

	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := h.intake.CancelTrade(h.ctx, tr.ID, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.balance("buyer"); !got.Equal(dec("16.00")) {
		t.Fatalf("buyer balance = %s, want 16.00", got)
	}
	if got := h.listing(l.ID).Status; got != model.ListingActive {
		t.Fatalf("listing = %s, want active", got)
	}

	tr, err = h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	h.drain()
	if _, err := h.intake.CancelTrade(h.ctx, tr.ID, "too late"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("cancel after offer: %v", err)
	}
}

func TestScannerExpiresUnsentTrades(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("6.00")
	h.fund("buyer", "6.00")

	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	h.scanner.now = func() time.Time { return time.Now().Add(time.Hour) }
	rep, err := h.scanner.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Expired != 1 {
		t.Fatalf("expired = %d, want 1", rep.Expired)
	}
	if got := h.trade(tr.ID).Status; got != model.TradeExpired {
		t.Fatalf("trade = %s, want expired", got)
	}
	if got := h.balance("buyer"); !got.Equal(dec("6.00")) {
		t.Fatalf("buyer balance = %s, want 6.00", got)
	}
}

func TestScannerEnqueuesOneDepositJob(t *testing.T) {
	h := newHarness(t)
	l := &model.Listing{
		ID: "pending", SellerID: "seller", Source: model.SourceSeller, AssetID: "a", AppID: 730,
		Name: "Gloves", Price: dec("3"), Status: model.ListingPendingDeposit, SellerTradeURL: "https://trade.paper/seller",
	}
	if err := h.ledger.WithTx(h.ctx, func(tx repository.LedgerTx) error { return tx.InsertListing(h.ctx, l) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	h.scanner.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	for i, want := range []int{1, 0, 0} {
		rep, err := h.scanner.Sweep(h.ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if rep.DepositsRequeued != want {
			t.Fatalf("sweep %d requeued %d, want %d", i, rep.DepositsRequeued, want)
		}
	}
	st, _ := h.queue.Stats(h.ctx)
	if st.Pending != 1 {
		t.Fatalf("pending jobs = %d, want 1", st.Pending)
	}
}

func TestDirectPeerTradeCompletesWithoutMoney(t *testing.T) {
	h := newHarness(t)
	l, err := h.intake.ListItem(h.ctx, ListItemRequest{
		SellerID: "seller", AssetID: "p1", AppID: 730, Name: "Case", Price: dec("2.50"), Mode: model.ModeDirectPeer,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if l.Status != model.ListingActive {
		t.Fatalf("peer listing = %s, want active", l.Status)
	}

	tr, err := h.intake.OpenPeerTrade(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	offerID := h.net.AddPeerOffer("https://trade.paper/buyer", []model.Item{l.Item()})
	if _, err := h.intake.AttachPeerOffer(h.ctx, tr.ID, offerID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := h.intake.CancelTrade(h.ctx, tr.ID, "nope"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("cancel with offer attached: %v", err)
	}

	h.net.SetOfferState(offerID, tradenet.OfferAccepted)
	if _, err := h.scanner.Sweep(h.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := h.trade(tr.ID).Status; got != model.TradeCompleted {
		t.Fatalf("trade = %s, want completed", got)
	}
	if entries, _ := h.ledger.BalanceEntries(h.ctx, "seller"); len(entries) != 0 {
		t.Fatalf("peer trade moved money: %+v", entries)
	}
}

func TestCancelListingReturnsItemToSeller(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("9.00")

	if _, err := h.intake.CancelListing(h.ctx, l.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.drain()

	offers := h.net.Offers()
	if len(offers) != 1 || offers[0].PartnerTradeURL != l.SellerTradeURL || len(offers[0].Give) != 1 {
		t.Fatalf("unexpected offers %+v", offers)
	}
	if got := h.listing(l.ID); got.Status != model.ListingCancelled || got.Notes == "" {
		t.Fatalf("listing not cancelled and noted: %+v", got)
	}
}

func TestInventorySyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.net.SetInventory("b1", 730, []model.Item{
		{AssetID: "x1", AppID: 730, Name: "Knife", Price: dec("12")},
		{AssetID: "x2", AppID: 730, Name: "Gloves", Price: dec("8")},
	})

	for i := 0; i < 2; i++ {
		n, err := h.inv.Sync(h.ctx, "b1", 730)
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if n != 2 {
			t.Fatalf("sync %d wrote %d, want 2", i, n)
		}
	}

	listings, _ := h.ledger.FindListings(h.ctx, repository.ListingFilter{BotID: "b1"})
	if len(listings) != 2 {
		t.Fatalf("listings = %d, want 2", len(listings))
	}
	for _, l := range listings {
		if l.ID != ListingID("b1", 730, l.AssetID) || l.SellerID != model.PlatformSellerID {
			t.Fatalf("unexpected listing %+v", l)
		}
	}

	items, err := h.inv.Inventory(h.ctx, "b1", 730)
	if err != nil || len(items) != 2 {
		t.Fatalf("inventory = %v, %v", items, err)
	}
	if _, ok := h.inv.LastSync("b1", 730); !ok {
		t.Fatalf("last sync not recorded")
	}
}

func TestSyncKeepsCancelledSellerItemOffSale(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("9.00")

	if _, err := h.intake.CancelListing(h.ctx, l.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !h.listing(l.ID).ReturnPending {
		t.Fatalf("cancelled listing not marked for return")
	}

	onSale := func() []*model.Listing {
		t.Helper()
		if _, err := h.inv.Sync(h.ctx, "b1", 730); err != nil {
			t.Fatalf("sync: %v", err)
		}
		listings, err := h.ledger.FindListings(h.ctx, repository.ListingFilter{
			Statuses: []model.ListingStatus{model.ListingActive},
			Source:   model.SourceBotInventory,
			BotID:    "b1",
		})
		if err != nil {
			t.Fatalf("find listings: %v", err)
		}
		return listings
	}

	if got := onSale(); len(got) != 0 {
		t.Fatalf("seller item relisted before return: %+v", got[0])
	}

	h.drain()
	offers := h.net.Offers()
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1 return offer", len(offers))
	}
	if got := onSale(); len(got) != 0 {
		t.Fatalf("seller item relisted while return offer is open: %+v", got[0])
	}
	if !h.listing(l.ID).ReturnPending {
		t.Fatalf("return mark cleared before the item left the bot")
	}

	if err := h.net.SetOfferState(offers[0].ID, tradenet.OfferAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := onSale(); len(got) != 0 {
		t.Fatalf("returned item relisted: %+v", got[0])
	}
	if h.listing(l.ID).ReturnPending {
		t.Fatalf("return mark not cleared after the item left the bot")
	}
}

func TestInventoryReadFollowsListingChanges(t *testing.T) {
	h := newHarness(t)
	h.net.SetInventory("b1", 730, []model.Item{
		{AssetID: "x1", AppID: 730, Name: "Knife", Price: dec("6")},
		{AssetID: "x2", AppID: 730, Name: "Gloves", Price: dec("8")},
	})
	if _, err := h.inv.Sync(h.ctx, "b1", 730); err != nil {
		t.Fatalf("sync: %v", err)
	}

	assets := func() map[string]bool {
		t.Helper()
		items, err := h.inv.Inventory(h.ctx, "b1", 730)
		if err != nil {
			t.Fatalf("inventory: %v", err)
		}
		out := make(map[string]bool, len(items))
		for _, it := range items {
			out[it.AssetID] = true
		}
		return out
	}
	if got := assets(); len(got) != 2 {
		t.Fatalf("inventory = %v, want x1 and x2", got)
	}

	h.fund("buyer", "6")
	tr, err := h.intake.Purchase(h.ctx, PurchaseRequest{
		ListingID: ListingID("b1", 730, "x1"), BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer",
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if got := assets(); got["x1"] || !got["x2"] {
		t.Fatalf("inventory after purchase = %v, want only x2", got)
	}

	h.net.FailNext("create_offer", &tradenet.Error{Op: "create_offer", Status: 400, Kind: tradenet.ErrRejected})
	h.drain()
	if got := h.trade(tr.ID).Status; got != model.TradeFailedSend {
		t.Fatalf("trade = %s, want failed_send", got)
	}
	if got := assets(); !got["x1"] || !got["x2"] {
		t.Fatalf("inventory after rollback = %v, want x1 and x2", got)
	}

	h.net.SetInventory("b1", 730, []model.Item{{AssetID: "x1", AppID: 730, Name: "Knife", Price: dec("6")}})
	if _, err := h.inv.Sync(h.ctx, "b1", 730); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got := assets(); !got["x1"] || got["x2"] {
		t.Fatalf("inventory after resync = %v, want only x1", got)
	}
}

func TestFailedSendReleasesListingForNextBuyer(t *testing.T) {
	h := newHarness(t)
	l := h.heldListing("7.00")
	h.fund("first", "7.00")
	h.fund("second", "7.00")

	first, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "first", BuyerTradeURL: "https://trade.paper/first"})
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	h.net.FailNext("create_offer", &tradenet.Error{Op: "create_offer", Status: 400, Kind: tradenet.ErrRejected})
	h.drain()
	if got := h.trade(first.ID).Status; got != model.TradeFailedSend {
		t.Fatalf("first trade = %s, want failed_send", got)
	}

	second, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "second", BuyerTradeURL: "https://trade.paper/second"})
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if ids, err := h.ledger.ListingsWithMultipleActiveTrades(h.ctx); err != nil || len(ids) != 0 {
		t.Fatalf("double-held listings = %v, %v", ids, err)
	}

	if _, err := h.scanner.Sweep(h.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := h.trade(first.ID).Status; got != model.TradeRefunded {
		t.Fatalf("first trade = %s, want refunded", got)
	}
	if got := h.trade(second.ID).Status; !got.IsActive() {
		t.Fatalf("second trade = %s, want still in flight", got)
	}
}

func TestSweepCarriesOnPastFailedOfferPoll(t *testing.T) {
	h := newHarness(t)
	a := h.heldListing("1.00")
	b := h.heldListing("2.00")
	h.net.SetInventory("b1", 730, []model.Item{a.Item(), b.Item()})
	h.fund("buyer", "3.00")

	for _, l := range []*model.Listing{a, b} {
		if _, err := h.intake.Purchase(h.ctx, PurchaseRequest{ListingID: l.ID, BuyerID: "buyer", BuyerTradeURL: "https://trade.paper/buyer"}); err != nil {
			t.Fatalf("purchase %s: %v", l.ID, err)
		}
	}
	h.drain()
	if n := len(h.net.Offers()); n != 2 {
		t.Fatalf("offers = %d, want 2", n)
	}

	h.net.FailNext("offer_status", &tradenet.Error{Op: "offer_status", Kind: tradenet.ErrNetwork})
	rep, err := h.scanner.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.OffersPolled != 1 {
		t.Fatalf("offers polled = %d, want 1", rep.OffersPolled)
	}

	rep, err = h.scanner.Sweep(h.ctx)
	if err != nil || rep.OffersPolled != 2 {
		t.Fatalf("second sweep polled %d, %v; want 2", rep.OffersPolled, err)
	}
}
