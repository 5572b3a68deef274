package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/services"
)

func newShippingRouter(t *testing.T, shipping services.ShippingEligibilityService) chi.Router {
	t.Helper()
	handlers, err := NewShippingHandlers(shipping)
	if err != nil {
		t.Fatalf("NewShippingHandlers: %v", err)
	}
	r := chi.NewRouter()
	handlers.Routes(r)
	return r
}

func TestShippingHandlersEvaluate(t *testing.T) {
	var captured services.Order
	evaluatedAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	shipping := &stubShippingService{
		evaluateFn: func(_ context.Context, snapshot services.Order) (services.ShippingEligibility, error) {
			captured = snapshot
			return services.ShippingEligibility{
				Qualifies:         true,
				ContributingCount: 4,
				Fee:               0,
				Reason:            services.ShippingQualified,
				EvaluatedAt:       evaluatedAt,
			}, nil
		},
	}
	router := newShippingRouter(t, shipping)

	payload := `{
		"orderId": "ord_01HZX4TEST",
		"destinationRegion": "US-WA",
		"shippingSpeed": "standard",
		"shippingFee": 599,
		"currency": "usd",
		"guaranteedDeliveryAt": "2025-03-08T20:00:00Z",
		"items": [
			{"id": "itm_a", "state": "delivered", "quantity": 2,
			 "flags": {"platformFulfilled": true, "freeShippingEligible": true}},
			{"id": "itm_b", "state": "delivered", "quantity": 2, "quantityCanceled": 0,
			 "flags": {"platformFulfilled": true, "freeShippingEligible": true, "guaranteedDelivery": true}}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/shipping:evaluate", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.ID != "ord_01HZX4TEST" {
		t.Fatalf("unexpected order id %s", captured.ID)
	}
	if captured.Currency != "USD" {
		t.Fatalf("expected normalized currency, got %s", captured.Currency)
	}
	if len(captured.Items) != 2 || captured.Items[1].Flags.GuaranteedDelivery != true {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
	if captured.GuaranteedDeliveryAt == nil || !captured.GuaranteedDeliveryAt.Equal(time.Date(2025, 3, 8, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected guaranteed delivery %v", captured.GuaranteedDeliveryAt)
	}
	if captured.Items[0].State != domain.StateDelivered {
		t.Fatalf("unexpected item state %s", captured.Items[0].State)
	}

	var body evaluateShippingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.Qualifies || body.ContributingCount != 4 || body.Fee != 0 {
		t.Fatalf("unexpected response %+v", body)
	}
	if body.Reason != services.ShippingQualified {
		t.Fatalf("unexpected reason %s", body.Reason)
	}
}

func TestShippingHandlersEvaluateRequiresOrderID(t *testing.T) {
	router := newShippingRouter(t, &stubShippingService{})

	req := httptest.NewRequest(http.MethodPost, "/shipping:evaluate",
		strings.NewReader(`{"destinationRegion":"US-WA"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestShippingHandlersEvaluateBadTimestamp(t *testing.T) {
	router := newShippingRouter(t, &stubShippingService{})

	req := httptest.NewRequest(http.MethodPost, "/shipping:evaluate",
		strings.NewReader(`{"orderId":"ord_1","firstDeliveryAttempt":"soon"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestShippingHandlersEvaluateConfigInconsistent(t *testing.T) {
	shipping := &stubShippingService{
		evaluateFn: func(context.Context, services.Order) (services.ShippingEligibility, error) {
			return services.ShippingEligibility{}, services.ErrConfigInconsistent
		},
	}
	router := newShippingRouter(t, shipping)

	req := httptest.NewRequest(http.MethodPost, "/shipping:evaluate",
		strings.NewReader(`{"orderId":"ord_1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "policy_config_inconsistent" {
		t.Fatalf("expected policy_config_inconsistent, got %v", body["error"])
	}
}
