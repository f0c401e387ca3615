package handler

import (
	"net/http"

	"escrow-engine/internal/notify"
	"escrow-engine/pkg/apierror"
	"escrow-engine/pkg/response"
)

// NotificationHandler streams hub topics over websocket.
type NotificationHandler struct {
	hub *notify.Hub
}

// NewNotificationHandler creates a notification handler.
func NewNotificationHandler(hub *notify.Hub) *NotificationHandler {
	return &NotificationHandler{hub: hub}
}

// Stream handles GET /api/v1/notifications/ws?user_id= for a user's trade
// updates, or ?topic=alerts|inventory for operator topics.
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var topic string
	switch q := r.URL.Query(); {
	case q.Get("user_id") != "":
		topic = notify.UserTopic(q.Get("user_id"))
	case q.Get("topic") == "alerts":
		topic = notify.TopicAlerts
	case q.Get("topic") == "inventory":
		topic = notify.TopicInventorySynced
	default:
		response.Error(w, apierror.ValidationError("missing subscription",
			apierror.FieldError{Field: "user_id", Message: "user_id or topic is required"}))
		return
	}
	h.hub.ServeTopic(w, r, topic)
}
