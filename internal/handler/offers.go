package handler

import (
	"errors"
	"net/http"

	"escrow-engine/internal/service"
	"escrow-engine/internal/tradenet"
	"escrow-engine/pkg/apierror"
	"escrow-engine/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// OfferHandler accepts pushed offer state changes from the trading network.
type OfferHandler struct {
	offers *service.Offers
	log    *zap.Logger
}

// NewOfferHandler creates an offer webhook handler.
func NewOfferHandler(offers *service.Offers, log *zap.Logger) *OfferHandler {
	return &OfferHandler{offers: offers, log: log.Named("offer-webhook")}
}

// OfferStateRequest is the webhook body.
type OfferStateRequest struct {
	State tradenet.OfferState `json:"state"`
}

// UpdateState handles POST /api/v1/offers/{id}/state
func (h *OfferHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "id")

	var req OfferStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid JSON body"))
		return
	}
	if !req.State.Known() {
		response.Error(w, apierror.ValidationError("invalid offer state",
			apierror.FieldError{Field: "state", Message: "unknown state " + string(req.State)}))
		return
	}

	if err := h.offers.HandleOfferUpdate(r.Context(), offerID, req.State); err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			response.Error(w, apierror.BadRequest(err.Error()))
			return
		}
		h.log.Error("apply offer update", zap.String("offer", offerID), zap.Error(err))
		response.Error(w, apierror.InternalError("failed to apply offer update"))
		return
	}
	response.Accepted(w, map[string]string{"offer_id": offerID, "state": string(req.State)})
}
