package botpool

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"escrow-engine/internal/model"
	"escrow-engine/internal/ratelimit"
	"escrow-engine/internal/tradenet"

	"go.uber.org/zap/zaptest"
)

type recordedAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordedAlerts) Raise(_ context.Context, component string, _ model.Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, component+": "+message)
}

func (r *recordedAlerts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func testCreds() tradenet.Credentials {
	return tradenet.Credentials{
		AccountName:    "acct",
		Password:       "pw",
		SharedSecret:   base64.StdEncoding.EncodeToString([]byte("shared")),
		IdentitySecret: base64.StdEncoding.EncodeToString([]byte("identity")),
	}
}

func newTestPool(t *testing.T, net tradenet.Network, ids ...string) (*Pool, *recordedAlerts) {
	t.Helper()
	var bots []Bot
	for _, id := range ids {
		bots = append(bots, Bot{ID: id, AccountName: id, Credentials: testCreds()})
	}
	alerts := &recordedAlerts{}
	p := NewPool(net, ratelimit.NewLimiter(ratelimit.Config{}), bots, alerts,
		Config{CallTimeout: 200 * time.Millisecond, ReconnectTries: 1}, zaptest.NewLogger(t))
	t.Cleanup(p.Close)
	return p, alerts
}

func TestAcquireAvailableWithNoIdleBotsReturnsNil(t *testing.T) {
	p, _ := newTestPool(t, tradenet.NewPaperNetwork(), "b1")

	// never started, so the only bot is offline
	done := make(chan *Session, 1)
	go func() { done <- p.AcquireAvailable() }()

	select {
	case s := <-done:
		if s != nil {
			t.Fatalf("expected nil session, got %s", s.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("AcquireAvailable blocked")
	}
}

func TestAcquireAvailableRoundRobin(t *testing.T) {
	p, _ := newTestPool(t, tradenet.NewPaperNetwork(), "b1", "b2", "b3")
	if idle := p.Start(context.Background()); idle != 3 {
		t.Fatalf("idle = %d, want 3", idle)
	}

	var got []string
	for i := 0; i < 3; i++ {
		s := p.AcquireAvailable()
		if s == nil {
			t.Fatalf("acquire %d returned nil", i)
		}
		got = append(got, s.ID())
		p.Release(s, nil)
	}
	if got[0] != "b1" || got[1] != "b2" || got[2] != "b3" {
		t.Fatalf("unexpected order %v", got)
	}

	busy := p.AcquireAvailable()
	other := p.AcquireAvailable()
	if busy == nil || other == nil || busy.ID() == other.ID() {
		t.Fatalf("busy bots must not be handed out twice")
	}
}

func TestConfirmationFailureDisablesBot(t *testing.T) {
	net := tradenet.NewPaperNetwork()
	net.SetInventory("b1", 730, []model.Item{{AssetID: "a1", AppID: 730}})
	p, alerts := newTestPool(t, net, "b1")
	p.Start(context.Background())

	s := p.Acquire("b1")
	if s == nil {
		t.Fatalf("acquire b1 failed")
	}
	offerID, err := p.CreateOffer(context.Background(), s, "https://trade/partner", []model.Item{{AssetID: "a1", AppID: 730}}, nil, "")
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	net.FailNext("confirm_offer", &tradenet.Error{Op: "confirm_offer", Kind: tradenet.ErrConfirmation})
	err = p.ConfirmOffer(context.Background(), s, offerID)
	if !errors.Is(err, tradenet.ErrConfirmation) || errors.Is(err, tradenet.ErrNetwork) {
		t.Fatalf("expected a confirmation error distinct from network failure, got %v", err)
	}
	p.Release(s, err)

	if snap := p.Snapshot(); snap[0].State != model.BotError {
		t.Fatalf("state = %s, want error", snap[0].State)
	}
	if p.AcquireAvailable() != nil {
		t.Fatalf("errored bot must be excluded from selection")
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want 1", alerts.count())
	}

	if err := p.Reconnect(context.Background(), "b1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if p.AcquireAvailable() == nil {
		t.Fatalf("reconnected bot should be idle")
	}
}

func TestTransientErrorKeepsBotIdle(t *testing.T) {
	net := tradenet.NewPaperNetwork()
	p, _ := newTestPool(t, net, "b1")
	p.Start(context.Background())

	s := p.AcquireAvailable()
	net.FailNext("inventory", &tradenet.Error{Op: "inventory", Kind: tradenet.ErrTransient})
	_, err := p.FetchInventory(context.Background(), s, 730)
	p.Release(s, err)

	if !errors.Is(err, tradenet.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if p.Snapshot()[0].State != model.BotIdle {
		t.Fatalf("transient errors must not disable the bot")
	}
}

func TestCallTimeoutIsReported(t *testing.T) {
	net := tradenet.NewPaperNetwork()
	p, _ := newTestPool(t, net, "b1")
	p.Start(context.Background())
	net.SetLatency(time.Second)

	s := p.AcquireAvailable()
	start := time.Now()
	_, err := p.FetchInventory(context.Background(), s, 730)
	p.Release(s, err)

	if !errors.Is(err, tradenet.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("timeout not enforced")
	}
}

func TestLoginAuthFailureIsFatal(t *testing.T) {
	net := tradenet.NewPaperNetwork()
	net.FailNext("login", &tradenet.Error{Op: "login", Kind: tradenet.ErrAuth})
	p, alerts := newTestPool(t, net, "b1")

	if idle := p.Start(context.Background()); idle != 0 {
		t.Fatalf("idle = %d, want 0", idle)
	}
	p.reconnectOffline()
	if net.Calls("login") != 1 {
		t.Fatalf("supervisor must not retry a bot with bad credentials")
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want 1", alerts.count())
	}
}

func TestManualReconnectClearsAuthFailure(t *testing.T) {
	net := tradenet.NewPaperNetwork()
	net.FailNext("login", &tradenet.Error{Op: "login", Kind: tradenet.ErrAuth})
	p, _ := newTestPool(t, net, "b1")
	p.Start(context.Background())

	if err := p.Reconnect(context.Background(), "b1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if s := p.AcquireAvailable(); s == nil || s.ID() != "b1" {
		t.Fatalf("bot not usable after reconnect")
	}
	if err := p.Reconnect(context.Background(), "nope"); err == nil {
		t.Fatal("reconnect of unknown bot should fail")
	}
}

func TestSealOpen(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	key, err := DeriveKey("passphrase", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	sealed, err := Seal(testCreds(), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	creds, err := Open(sealed, key)
	if err != nil || creds.Password != "pw" {
		t.Fatalf("open: %+v %v", creds, err)
	}

	other, _ := DeriveKey("other", salt)
	if _, err := Open(sealed, other); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
}

func TestDeriveKeyDependsOnSalt(t *testing.T) {
	s1, _ := NewSalt()
	s2, _ := NewSalt()
	if s1 == s2 {
		t.Fatalf("salts repeat")
	}
	k1, err := DeriveKey("passphrase", s1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	again, _ := DeriveKey("passphrase", s1)
	k2, _ := DeriveKey("passphrase", s2)
	if *k1 != *again {
		t.Fatalf("same passphrase and salt gave different keys")
	}
	if *k1 == *k2 {
		t.Fatalf("different salts gave the same key")
	}

	for _, bad := range []string{"", "not base64!", "c2hvcnQ="} {
		if _, err := DeriveKey("passphrase", bad); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("salt %q: expected ErrBadCredentials, got %v", bad, err)
		}
	}
}

func TestLoadBotsFileRequiresSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.json")
	if err := os.WriteFile(path, []byte(`[{"id":"b1","credentials":"eA=="}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBotsFile(path); err == nil {
		t.Fatal("loaded an entry without salt")
	}
}
