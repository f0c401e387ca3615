package notify

import (
	"context"
	"time"

	"escrow-engine/internal/metrics"
	"escrow-engine/internal/model"
	"escrow-engine/internal/repository"

	"go.uber.org/zap"
)

// InventorySynced reports a completed bot inventory sync.
type InventorySynced struct {
	BotID    string    `json:"botId"`
	AppID    int       `json:"appId"`
	Items    int       `json:"items"`
	Inserted int       `json:"inserted"`
	At       time.Time `json:"at"`
}

// Notifier builds user-facing events. Publish failures are logged, never returned.
type Notifier struct {
	pub Publisher
	log *zap.Logger
}

func NewNotifier(pub Publisher, log *zap.Logger) *Notifier {
	return &Notifier{pub: pub, log: log.Named("notify")}
}

// Trade tells both parties about a trade's current status.
func (n *Notifier) Trade(ctx context.Context, t *model.Trade, message string) {
	for _, user := range []string{t.BuyerID, t.SellerID} {
		if user == "" || user == model.PlatformSellerID {
			continue
		}
		n.send(ctx, model.Notification{
			UserID:  user,
			TradeID: t.ID,
			Listing: t.ListingID,
			Status:  string(t.Status),
			Message: message,
			At:      time.Now(),
		})
	}
}

// Listing tells the seller about a listing's status.
func (n *Notifier) Listing(ctx context.Context, l *model.Listing, message string) {
	if l.SellerID == "" || l.SellerID == model.PlatformSellerID {
		return
	}
	n.send(ctx, model.Notification{
		UserID:  l.SellerID,
		Listing: l.ID,
		Status:  string(l.Status),
		Message: message,
		At:      time.Now(),
	})
}

func (n *Notifier) InventorySynced(ctx context.Context, ev InventorySynced) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := n.pub.Publish(ctx, TopicInventorySynced, ev); err != nil {
		n.log.Warn("inventory sync event not delivered", zap.String("bot", ev.BotID), zap.Error(err))
	}
}

func (n *Notifier) send(ctx context.Context, msg model.Notification) {
	if err := n.pub.Publish(ctx, UserTopic(msg.UserID), msg); err != nil {
		n.log.Warn("notification not delivered",
			zap.String("user", msg.UserID), zap.String("trade", msg.TradeID), zap.Error(err))
	}
}

// Alerter raises operator alerts on the log, the alert topic and the archive.
type Alerter struct {
	pub   Publisher
	store repository.AlertStore
	log   *zap.Logger
}

// NewAlerter creates an alerter. store may be nil.
func NewAlerter(pub Publisher, store repository.AlertStore, log *zap.Logger) *Alerter {
	return &Alerter{pub: pub, store: store, log: log.Named("alert")}
}

func (a *Alerter) Raise(ctx context.Context, component string, severity model.Severity, message string) {
	alert := model.Alert{Component: component, Severity: severity, Message: message, At: time.Now()}
	metrics.Alerts.WithLabelValues(component, string(severity)).Inc()

	fields := []zap.Field{zap.String("component", component), zap.String("severity", string(severity))}
	switch severity {
	case model.SeverityCritical:
		a.log.Error(message, fields...)
	case model.SeverityWarning:
		a.log.Warn(message, fields...)
	default:
		a.log.Info(message, fields...)
	}

	if err := a.pub.Publish(ctx, TopicAlerts, alert); err != nil {
		a.log.Warn("alert not published", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.InsertAlert(ctx, &alert); err != nil {
			a.log.Warn("alert not archived", zap.Error(err))
		}
	}
}
