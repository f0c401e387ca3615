package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// JobKind names the handler that runs a job.
type JobKind string

const (
	JobSyncInventory JobKind = "sync-inventory"
	JobRequestItem   JobKind = "request-item-from-seller"
	JobSendItem      JobKind = "send-item-to-buyer"
	JobGenericSend   JobKind = "generic-send"
)

// Default priorities. Higher runs first.
const (
	PrioritySync    = 0
	PriorityGeneric = 2
	PriorityRequest = 5
	PrioritySend    = 10
)

// Payload is the kind-specific body of a Job. Payloads only carry
// identifiers; everything else is re-read from the ledger.
type Payload interface {
	Kind() JobKind
	// Target identifies the entity the job acts on, used for dedupe.
	Target() string
}

// SyncInventory refreshes the listings backed by one bot's inventory.
type SyncInventory struct {
	BotID string `json:"bot_id"`
	AppID int    `json:"app_id"`
}

func (SyncInventory) Kind() JobKind    { return JobSyncInventory }
func (p SyncInventory) Target() string { return fmt.Sprintf("%s/%d", p.BotID, p.AppID) }

// RequestItem asks a seller to deposit a listed item with a bot.
type RequestItem struct {
	ListingID string `json:"listing_id"`
}

func (RequestItem) Kind() JobKind    { return JobRequestItem }
func (p RequestItem) Target() string { return p.ListingID }

// SendItem delivers a purchased item to its buyer.
type SendItem struct {
	TradeID string `json:"trade_id"`
}

func (SendItem) Kind() JobKind    { return JobSendItem }
func (p SendItem) Target() string { return p.TradeID }

// GenericSend gives items from a bot to an arbitrary partner, used to
// return a cancelled listing's item to its seller.
type GenericSend struct {
	BotID           string `json:"bot_id"`
	ListingID       string `json:"listing_id,omitempty"`
	PartnerTradeURL string `json:"partner_trade_url"`
	Items           []Item `json:"items"`
	Message         string `json:"message,omitempty"`
}

func (GenericSend) Kind() JobKind { return JobGenericSend }
func (p GenericSend) Target() string {
	if p.ListingID != "" {
		return p.ListingID
	}
	return p.BotID + "->" + p.PartnerTradeURL
}

// Job is a unit of queued work.
type Job struct {
	ID         string
	Priority   int
	Attempt    int
	Interval   time.Duration // zero for one-shot jobs
	RunAt      time.Time
	EnqueuedAt time.Time
	LastError  string
	Payload    Payload
}

// NewJob builds a job with the default priority for its kind.
func NewJob(id string, p Payload) *Job {
	j := &Job{ID: id, Payload: p}
	switch p.Kind() {
	case JobSendItem:
		j.Priority = PrioritySend
	case JobRequestItem:
		j.Priority = PriorityRequest
	case JobGenericSend:
		j.Priority = PriorityGeneric
	default:
		j.Priority = PrioritySync
	}
	return j
}

// Kind returns the payload kind.
func (j *Job) Kind() JobKind { return j.Payload.Kind() }

// Key identifies the job for dedupe: at most one pending job per key.
func (j *Job) Key() string {
	return string(j.Payload.Kind()) + ":" + j.Payload.Target()
}

type jobEnvelope struct {
	ID         string          `json:"id"`
	Kind       JobKind         `json:"kind"`
	Priority   int             `json:"priority"`
	Attempt    int             `json:"attempt"`
	IntervalMS int64           `json:"interval_ms,omitempty"`
	RunAt      int64           `json:"run_at"`
	EnqueuedAt int64           `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// MarshalJSON encodes the job with its payload tagged by kind.
func (j *Job) MarshalJSON() ([]byte, error) {
	if j.Payload == nil {
		return nil, fmt.Errorf("job %s: nil payload", j.ID)
	}
	data, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobEnvelope{
		ID:         j.ID,
		Kind:       j.Payload.Kind(),
		Priority:   j.Priority,
		Attempt:    j.Attempt,
		IntervalMS: j.Interval.Milliseconds(),
		RunAt:      j.RunAt.UnixMilli(),
		EnqueuedAt: j.EnqueuedAt.UnixMilli(),
		LastError:  j.LastError,
		Data:       data,
	})
}

// UnmarshalJSON decodes a job envelope into the payload type for its kind.
func (j *Job) UnmarshalJSON(b []byte) error {
	var env jobEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var p Payload
	switch env.Kind {
	case JobSyncInventory:
		var v SyncInventory
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case JobRequestItem:
		var v RequestItem
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case JobSendItem:
		var v SendItem
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	case JobGenericSend:
		var v GenericSend
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		p = v
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, env.Kind)
	}

	*j = Job{
		ID:         env.ID,
		Priority:   env.Priority,
		Attempt:    env.Attempt,
		Interval:   time.Duration(env.IntervalMS) * time.Millisecond,
		RunAt:      time.UnixMilli(env.RunAt),
		EnqueuedAt: time.UnixMilli(env.EnqueuedAt),
		LastError:  env.LastError,
		Payload:    p,
	}
	return nil
}
