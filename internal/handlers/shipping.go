package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/platform/httpx"
	"github.com/marketgrid/policy-engine/internal/services"
)

// ShippingHandlers serves shipping eligibility evaluations. Callers post the
// full order snapshot; the engine never fetches pricing or catalog data.
type ShippingHandlers struct {
	shipping services.ShippingEligibilityService
}

// NewShippingHandlers constructs the shipping handler set.
func NewShippingHandlers(shipping services.ShippingEligibilityService) (*ShippingHandlers, error) {
	if shipping == nil {
		return nil, errors.New("shipping handlers require shipping service")
	}
	return &ShippingHandlers{shipping: shipping}, nil
}

// Routes registers the shipping endpoints on the provided router.
func (h *ShippingHandlers) Routes(r chi.Router) {
	r.Post("/shipping:evaluate", h.Evaluate)
}

type shippingItemRequest struct {
	ID               string `json:"id"`
	State            string `json:"state"`
	Quantity         int    `json:"quantity"`
	QuantityCanceled int    `json:"quantityCanceled"`
	Flags            struct {
		PlatformFulfilled    bool `json:"platformFulfilled"`
		FreeShippingEligible bool `json:"freeShippingEligible"`
		GiftCard             bool `json:"giftCard"`
		GuaranteedDelivery   bool `json:"guaranteedDelivery"`
	} `json:"flags"`
}

type evaluateShippingRequest struct {
	OrderID              string                `json:"orderId"`
	Items                []shippingItemRequest `json:"items"`
	DestinationRegion    string                `json:"destinationRegion"`
	ShippingSpeed        string                `json:"shippingSpeed"`
	ShippingFee          int64                 `json:"shippingFee"`
	Currency             string                `json:"currency"`
	GuaranteedDeliveryAt string                `json:"guaranteedDeliveryAt"`
	FirstDeliveryAttempt string                `json:"firstDeliveryAttempt"`
}

type evaluateShippingResponse struct {
	Qualifies          bool   `json:"qualifies"`
	ContributingCount  int    `json:"contributingCount"`
	Fee                int64  `json:"fee"`
	Reason             string `json:"reason"`
	GuaranteedDelivery string `json:"guaranteedDelivery,omitempty"`
	EvaluatedAt        string `json:"evaluatedAt"`
}

// Evaluate derives free-shipping and guaranteed-delivery outcomes for the
// posted order snapshot and persists the derived attributes.
func (h *ShippingHandlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req evaluateShippingRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	snapshot := domain.Order{
		ID:                orderID,
		DestinationRegion: strings.TrimSpace(req.DestinationRegion),
		ShippingSpeed:     strings.TrimSpace(req.ShippingSpeed),
		ShippingFee:       req.ShippingFee,
		Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	for _, item := range req.Items {
		snapshot.Items = append(snapshot.Items, domain.OrderItem{
			ID:               strings.TrimSpace(item.ID),
			OrderID:          orderID,
			State:            domain.ItemState(strings.TrimSpace(item.State)),
			Quantity:         item.Quantity,
			QuantityCanceled: item.QuantityCanceled,
			Flags: domain.ItemFlags{
				PlatformFulfilled:    item.Flags.PlatformFulfilled,
				FreeShippingEligible: item.Flags.FreeShippingEligible,
				GiftCard:             item.Flags.GiftCard,
				GuaranteedDelivery:   item.Flags.GuaranteedDelivery,
			},
		})
	}

	var err error
	if snapshot.GuaranteedDeliveryAt, err = optionalTimeField(req.GuaranteedDeliveryAt); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "guaranteedDeliveryAt must be RFC 3339", http.StatusBadRequest))
		return
	}
	if snapshot.FirstDeliveryAttempt, err = optionalTimeField(req.FirstDeliveryAttempt); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "firstDeliveryAttempt must be RFC 3339", http.StatusBadRequest))
		return
	}

	eligibility, err := h.shipping.Evaluate(ctx, snapshot)
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, evaluateShippingResponse{
		Qualifies:          eligibility.Qualifies,
		ContributingCount:  eligibility.ContributingCount,
		Fee:                eligibility.Fee,
		Reason:             eligibility.Reason,
		GuaranteedDelivery: formatTimePtr(eligibility.GuaranteedDelivery),
		EvaluatedAt:        formatTime(eligibility.EvaluatedAt),
	})
}

func optionalTimeField(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := parseTimeParam(raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
