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

func newInternalRouter(t *testing.T, lifecycle services.LifecycleService, deadlines services.DeadlineService, opts ...InternalOption) chi.Router {
	t.Helper()
	handlers, err := NewInternalHandlers(lifecycle, deadlines, opts...)
	if err != nil {
		t.Fatalf("NewInternalHandlers: %v", err)
	}
	r := chi.NewRouter()
	handlers.Routes(r)
	return r
}

func TestInternalHandlersRegisterItem(t *testing.T) {
	var captured services.RegisterItemCommand
	lifecycle := &stubLifecycleService{
		registerItemFn: func(_ context.Context, cmd services.RegisterItemCommand) (services.OrderItem, error) {
			captured = cmd
			item := sampleItem()
			item.State = domain.StatePlaced
			return item, nil
		},
	}
	router := newInternalRouter(t, lifecycle, &stubDeadlineService{})

	payload := `{
		"orderId": "ord_01HZX4TEST",
		"sellerType": "first_party",
		"category": "kitchen",
		"unitPrice": 10000,
		"currency": "USD",
		"fxRate": 1,
		"quantity": 1,
		"jurisdiction": "US-WA",
		"paymentToken": "pm_sample",
		"flags": {"platformFulfilled": true, "freeShippingEligible": true}
	}`
	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.SellerType != domain.SellerFirstParty {
		t.Fatalf("unexpected seller type %s", captured.SellerType)
	}
	if !captured.Flags.PlatformFulfilled || !captured.Flags.FreeShippingEligible {
		t.Fatalf("unexpected flags %+v", captured.Flags)
	}

	var body struct {
		Item itemPayload `json:"item"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Item.State != string(domain.StatePlaced) {
		t.Fatalf("expected placed state, got %s", body.Item.State)
	}
}

func TestInternalHandlersTransition(t *testing.T) {
	var captured services.ApplyEventCommand
	lifecycle := &stubLifecycleService{
		applyEventFn: func(_ context.Context, cmd services.ApplyEventCommand) (services.OrderItem, error) {
			captured = cmd
			item := sampleItem()
			item.State = domain.StateShipped
			return item, nil
		},
	}
	router := newInternalRouter(t, lifecycle, &stubDeadlineService{})

	req := httptest.NewRequest(http.MethodPost, "/items/itm_01HZX4TEST:transition",
		strings.NewReader(`{"event":"ship","actorId":"fulfillment:fc_7","occurredAt":"2025-03-03T10:00:00Z"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Event != domain.EventShip {
		t.Fatalf("unexpected event %s", captured.Event)
	}
	if captured.OccurredAt == nil || !captured.OccurredAt.Equal(time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected occurredAt %v", captured.OccurredAt)
	}
}

func TestInternalHandlersTransitionGuardedEvent(t *testing.T) {
	lifecycle := &stubLifecycleService{
		applyEventFn: func(context.Context, services.ApplyEventCommand) (services.OrderItem, error) {
			return services.OrderItem{}, services.ErrInvalidTransition
		},
	}
	router := newInternalRouter(t, lifecycle, &stubDeadlineService{})

	req := httptest.NewRequest(http.MethodPost, "/items/itm_01HZX4TEST:transition",
		strings.NewReader(`{"event":"refund","actorId":"fulfillment:fc_7"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %v", body["error"])
	}
}

func TestInternalHandlersSweepDeadlines(t *testing.T) {
	fixed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	var sweptAt time.Time
	deadlines := &stubDeadlineService{
		sweepFn: func(_ context.Context, now time.Time) (services.SweepResult, error) {
			sweptAt = now
			return services.SweepResult{Due: 3, Fired: 2, Skipped: 1}, nil
		},
	}
	router := newInternalRouter(t, &stubLifecycleService{}, deadlines,
		WithInternalClock(func() time.Time { return fixed }))

	req := httptest.NewRequest(http.MethodPost, "/deadlines:sweep", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !sweptAt.Equal(fixed) {
		t.Fatalf("expected sweep at %s, got %s", fixed, sweptAt)
	}

	var body struct {
		Due     int    `json:"due"`
		Fired   int    `json:"fired"`
		Skipped int    `json:"skipped"`
		Failed  int    `json:"failed"`
		SweptAt string `json:"sweptAt"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Due != 3 || body.Fired != 2 || body.Skipped != 1 || body.Failed != 0 {
		t.Fatalf("unexpected tally %+v", body)
	}
	if body.SweptAt != "2025-03-10T12:00:00Z" {
		t.Fatalf("unexpected sweptAt %s", body.SweptAt)
	}
}

func TestInternalHandlersSweepHonoursNowOverride(t *testing.T) {
	var sweptAt time.Time
	deadlines := &stubDeadlineService{
		sweepFn: func(_ context.Context, now time.Time) (services.SweepResult, error) {
			sweptAt = now
			return services.SweepResult{}, nil
		},
	}
	router := newInternalRouter(t, &stubLifecycleService{}, deadlines)

	req := httptest.NewRequest(http.MethodPost, "/deadlines:sweep?now=2025-04-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !sweptAt.Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sweep time %s", sweptAt)
	}
}
