package model

import "time"

// BotState is the lifecycle state of a trading-account session.
type BotState string

const (
	BotOffline    BotState = "offline"
	BotConnecting BotState = "connecting"
	BotIdle       BotState = "idle"
	BotBusy       BotState = "busy"
	BotError      BotState = "error"
)

// AllBotStates lists every state, used for gauges.
var AllBotStates = []BotState{BotOffline, BotConnecting, BotIdle, BotBusy, BotError}

// Bot is a read-only snapshot of one pooled session.
type Bot struct {
	ID          string    `json:"id"`
	AccountName string    `json:"account_name"`
	TradeURL    string    `json:"trade_url"`
	State       BotState  `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}
