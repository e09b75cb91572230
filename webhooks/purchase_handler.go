package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
)

// purchasePayload is the provider-neutral trigger body. Concrete provider
// formats are normalized into this shape before the request reaches the
// processor.
type purchasePayload struct {
	PurchaseID      string `json:"purchase_id"`
	OwnerID         string `json:"owner_id"`
	Amount          int64  `json:"amount"`
	DurationSeconds int64  `json:"duration_seconds"`
	ReferrerID      string `json:"referrer_id"`
	PromoCode       string `json:"promo_code"`
	ReferralReward  int64  `json:"referral_reward"`
}

// PurchaseHandler registers the pending purchase and runs the provisioning
// protocol against the entitlement service. Registration before processing
// means a crash between the two leaves a registered purchase that the next
// provider retry picks up.
type PurchaseHandler struct {
	Service *core.Service
}

func NewPurchaseHandler(service *core.Service) *PurchaseHandler {
	return &PurchaseHandler{Service: service}
}

func (h *PurchaseHandler) Handle(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if h == nil || h.Service == nil {
		return core.InboundResult{}, fmt.Errorf("webhooks: purchase handler requires a service")
	}

	var payload purchasePayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return core.InboundResult{
			Accepted:   false,
			StatusCode: http.StatusBadRequest,
		}, fmt.Errorf("webhooks: decode purchase payload: %w", err)
	}
	if strings.TrimSpace(payload.PurchaseID) == "" || strings.TrimSpace(payload.OwnerID) == "" {
		return core.InboundResult{
			Accepted:   false,
			StatusCode: http.StatusBadRequest,
		}, fmt.Errorf("webhooks: purchase payload requires purchase_id and owner_id")
	}

	duration := time.Duration(payload.DurationSeconds) * time.Second
	if _, err := h.Service.RegisterPurchase(ctx, core.PendingPurchase{
		PurchaseID: payload.PurchaseID,
		OwnerID:    payload.OwnerID,
		Amount:     payload.Amount,
		Duration:   duration,
		ReferrerID: payload.ReferrerID,
		PromoCode:  payload.PromoCode,
	}); err != nil {
		return core.InboundResult{}, err
	}

	outcome, err := h.Service.ProcessPurchase(ctx, core.PurchaseRequest{
		PurchaseID:     payload.PurchaseID,
		OwnerID:        payload.OwnerID,
		Amount:         payload.Amount,
		Duration:       duration,
		ReferrerID:     payload.ReferrerID,
		PromoCode:      payload.PromoCode,
		ReferralReward: payload.ReferralReward,
	})
	if err != nil {
		// Rejections can never succeed on retry, so the provider gets a
		// terminal status instead of a retryable one.
		if core.IsRejection(err) {
			return core.InboundResult{
				Accepted:   false,
				StatusCode: http.StatusUnprocessableEntity,
				Outcome:    outcome,
			}, err
		}
		return core.InboundResult{}, err
	}

	return core.InboundResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Outcome:    outcome,
		Metadata: map[string]any{
			"purchase_id": payload.PurchaseID,
			"owner_id":    payload.OwnerID,
			"outcome":     string(outcome.Kind),
		},
	}, nil
}

var _ Handler = (*PurchaseHandler)(nil)
