package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrow-engine/internal/model"
	"escrow-engine/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestHubDeliversPerTopic(t *testing.T) {
	hub := NewHub(4, zaptest.NewLogger(t))
	alice := hub.Subscribe(UserTopic("alice"))
	bob := hub.Subscribe(UserTopic("bob"))
	defer hub.Unsubscribe(alice)
	defer hub.Unsubscribe(bob)

	n := NewNotifier(hub, zaptest.NewLogger(t))
	n.Trade(context.Background(), &model.Trade{ID: "t1", BuyerID: "alice", SellerID: model.PlatformSellerID, Status: model.TradeFailedSend}, "refunded")

	select {
	case raw := <-alice.C():
		var got map[string]any
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got["tradeId"] != "t1" || got["status"] != "failed_send" {
			t.Fatalf("unexpected message %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("alice got nothing")
	}

	select {
	case raw := <-bob.C():
		t.Fatalf("bob should not receive %s", raw)
	default:
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(1, zaptest.NewLogger(t))
	sub := hub.Subscribe("x")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := hub.Publish(ctx, "x", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := len(sub.C()); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	if hub.Subscribers("x") != 0 {
		t.Fatalf("subscription not removed")
	}
}

func TestServeTopicStreamsToWebsocket(t *testing.T) {
	hub := NewHub(4, zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeTopic(w, r, UserTopic(r.URL.Query().Get("user_id")))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(UserTopic("u1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(context.Background(), UserTopic("u1"), model.Notification{TradeID: "t9", Status: "completed"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"tradeId":"t9"`) {
		t.Fatalf("unexpected frame %s", msg)
	}
}

func TestRedisPublisherUsesPrefixedChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	p := NewRedisPublisher(client, "escrow")
	ps := client.Subscribe(ctx, p.Channel(UserTopic("u1")))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := p.Publish(ctx, UserTopic("u1"), map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ps.Channel():
		if msg.Channel != "escrow:notify:user:u1" || !strings.Contains(msg.Payload, "completed") {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message on channel")
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, string, any) error { return f.err }

func TestFanoutJoinsErrorsAndKeepsDelivering(t *testing.T) {
	hub := NewHub(1, zaptest.NewLogger(t))
	sub := hub.Subscribe("x")
	boom := errors.New("boom")

	err := Fanout{failingPublisher{boom}, hub}.Publish(context.Background(), "x", "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(sub.C()) != 1 {
		t.Fatalf("hub should still receive the message")
	}
}

func TestAlerterArchivesAndPublishes(t *testing.T) {
	hub := NewHub(4, zaptest.NewLogger(t))
	sub := hub.Subscribe(TopicAlerts)
	store := repository.NewMemoryAlertRepository(10)

	a := NewAlerter(hub, store, zaptest.NewLogger(t))
	a.Raise(context.Background(), "botpool", model.SeverityCritical, "bot b1 failed confirmation")

	alerts, _ := store.RecentAlerts(context.Background(), 10)
	if len(alerts) != 1 || alerts[0].Component != "botpool" {
		t.Fatalf("unexpected archive %+v", alerts)
	}
	if len(sub.C()) != 1 {
		t.Fatalf("alert not published")
	}
}
