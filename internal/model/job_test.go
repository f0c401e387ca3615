package model

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestJobEnvelopeKeepsPayloadType(t *testing.T) {
	job := NewJob("j1", GenericSend{
		BotID:           "bot-1",
		ListingID:       "l1",
		PartnerTradeURL: "https://trade.example/partner",
		Items:           []Item{{AssetID: "a1", AppID: 730, Name: "Knife"}},
	})
	job.Interval = time.Minute
	job.RunAt = time.UnixMilli(1700000000000)

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Job
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	p, ok := got.Payload.(GenericSend)
	if !ok {
		t.Fatalf("payload type = %T, want GenericSend", got.Payload)
	}
	if len(p.Items) != 1 || p.Items[0].AssetID != "a1" {
		t.Fatalf("unexpected items: %+v", p.Items)
	}
	if got.Priority != PriorityGeneric || got.Interval != time.Minute || !got.RunAt.Equal(job.RunAt) {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.Key() != "generic-send:l1" {
		t.Fatalf("key = %q", got.Key())
	}
}

func TestJobUnknownKind(t *testing.T) {
	var j Job
	err := j.UnmarshalJSON([]byte(`{"id":"x","kind":"mystery","data":{}}`))
	if !errors.Is(err, ErrUnknownJobKind) {
		t.Fatalf("expected ErrUnknownJobKind, got %v", err)
	}
}
