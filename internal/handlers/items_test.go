package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/services"
)

func newItemRouter(t *testing.T, lifecycle services.LifecycleService) chi.Router {
	t.Helper()
	handlers, err := NewItemHandlers(lifecycle)
	if err != nil {
		t.Fatalf("NewItemHandlers: %v", err)
	}
	r := chi.NewRouter()
	handlers.Routes(r)
	return r
}

func TestItemHandlersGet(t *testing.T) {
	lifecycle := &stubLifecycleService{
		getItemFn: func(_ context.Context, itemID string) (services.OrderItem, error) {
			if itemID != "itm_01HZX4TEST" {
				t.Fatalf("unexpected item id %s", itemID)
			}
			return sampleItem(), nil
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodGet, "/itm_01HZX4TEST", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Item itemPayload `json:"item"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Item.State != string(domain.StateReturnWindowOpen) {
		t.Fatalf("expected return_window_open, got %s", body.Item.State)
	}
	if body.Item.DeliveredAt != "2025-03-05T09:00:00Z" {
		t.Fatalf("unexpected deliveredAt %s", body.Item.DeliveredAt)
	}
}

func TestItemHandlersGetNotFound(t *testing.T) {
	lifecycle := &stubLifecycleService{
		getItemFn: func(context.Context, string) (services.OrderItem, error) {
			return services.OrderItem{}, services.ErrNotFound
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodGet, "/itm_missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "not_found" {
		t.Fatalf("expected not_found error, got %v", body["error"])
	}
}

func TestItemHandlersCancelSettlesRefund(t *testing.T) {
	var captured services.CancellationCommand
	item := sampleItem()
	item.State = domain.StateCanceled
	refund := sampleRefund()

	lifecycle := &stubLifecycleService{
		requestCancelFn: func(_ context.Context, cmd services.CancellationCommand) (services.CancellationResult, error) {
			captured = cmd
			return services.CancellationResult{Item: item, Refund: &refund}, nil
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodPost, "/itm_01HZX4TEST:cancel",
		strings.NewReader(`{"reason":"ordered_by_mistake","actorId":"buyer:u_100"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderItemID != "itm_01HZX4TEST" {
		t.Fatalf("unexpected item id %s", captured.OrderItemID)
	}
	if captured.Reason != domain.ReasonOrderedByMistake {
		t.Fatalf("unexpected reason %s", captured.Reason)
	}

	var body struct {
		Item            itemPayload    `json:"item"`
		Refund          *refundPayload `json:"refund"`
		PendingApproval bool           `json:"pendingApproval"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Item.State != string(domain.StateCanceled) {
		t.Fatalf("expected canceled state, got %s", body.Item.State)
	}
	if body.Refund == nil || body.Refund.NetAmount != 10000 {
		t.Fatalf("expected refund with net 10000, got %+v", body.Refund)
	}
	if body.PendingApproval {
		t.Fatal("expected settled cancellation")
	}
}

func TestItemHandlersCancelPendingApprovalReturns202(t *testing.T) {
	item := sampleItem()
	lifecycle := &stubLifecycleService{
		requestCancelFn: func(context.Context, services.CancellationCommand) (services.CancellationResult, error) {
			return services.CancellationResult{Item: item, PendingApproval: true}, nil
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodPost, "/itm_01HZX4TEST:cancel",
		strings.NewReader(`{"reason":"no_longer_needed","actorId":"buyer:u_100"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	var body struct {
		PendingApproval bool `json:"pendingApproval"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.PendingApproval {
		t.Fatal("expected pendingApproval true")
	}
}

func TestItemHandlersCancelPolicyDenied(t *testing.T) {
	lifecycle := &stubLifecycleService{
		requestCancelFn: func(context.Context, services.CancellationCommand) (services.CancellationResult, error) {
			return services.CancellationResult{}, &services.PolicyDeniedError{Reason: services.DenialReason{
				Code:    "already_shipped",
				Message: "the item has already shipped",
				Suggest: "request_return",
			}}
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodPost, "/itm_01HZX4TEST:cancel",
		strings.NewReader(`{"reason":"no_longer_needed","actorId":"buyer:u_100"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var body struct {
		Error  string `json:"error"`
		Reason struct {
			Code    string `json:"code"`
			Suggest string `json:"suggest"`
		} `json:"reason"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Error != "policy_denied" {
		t.Fatalf("expected policy_denied, got %s", body.Error)
	}
	if body.Reason.Code != "already_shipped" {
		t.Fatalf("expected already_shipped reason, got %s", body.Reason.Code)
	}
	if body.Reason.Suggest != "request_return" {
		t.Fatalf("expected request_return suggestion, got %s", body.Reason.Suggest)
	}
}

func TestItemHandlersCancelRejectsEmptyBody(t *testing.T) {
	router := newItemRouter(t, &stubLifecycleService{})

	req := httptest.NewRequest(http.MethodPost, "/itm_01HZX4TEST:cancel", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestItemHandlersResolveApproval(t *testing.T) {
	var captured services.ApprovalCommand
	item := sampleItem()
	item.State = domain.StateCanceled

	lifecycle := &stubLifecycleService{
		resolveApprovalFn: func(_ context.Context, cmd services.ApprovalCommand) (services.OrderItem, error) {
			captured = cmd
			return item, nil
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodPost, "/itm_01HZX4TEST/cancellation:approve",
		strings.NewReader(`{"approve":true,"actorId":"seller:s_200"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !captured.Approve || captured.ActorID != "seller:s_200" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestItemHandlersInitiateReturnSanitizesNotes(t *testing.T) {
	var captured services.InitiateReturnCommand
	lifecycle := &stubLifecycleService{
		initiateReturnFn: func(_ context.Context, cmd services.InitiateReturnCommand) (services.ReturnRequest, error) {
			captured = cmd
			return sampleReturn(), nil
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodPost, "/itm_01HZX4TEST/returns",
		strings.NewReader(`{"quantity":1,"reason":"damaged","method":"free_dropoff","notes":"<script>alert(1)</script>box was crushed"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Reason != domain.ReasonDamaged {
		t.Fatalf("unexpected reason %s", captured.Reason)
	}
	if captured.Method != domain.ReturnMethodFreeDropoff {
		t.Fatalf("unexpected method %s", captured.Method)
	}
	if captured.Notes != "box was crushed" {
		t.Fatalf("expected sanitized notes, got %q", captured.Notes)
	}

	var body struct {
		Return returnPayload `json:"return"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Return.ReturnBy != "2025-04-04T09:00:00Z" {
		t.Fatalf("unexpected returnBy %s", body.Return.ReturnBy)
	}
	if !body.Return.LabelRequired {
		t.Fatal("expected labelRequired true")
	}
}

func TestItemHandlersListRefunds(t *testing.T) {
	lifecycle := &stubLifecycleService{
		listRefundsFn: func(context.Context, string) ([]services.RefundRecord, error) {
			return []services.RefundRecord{sampleRefund()}, nil
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodGet, "/itm_01HZX4TEST/refunds", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body struct {
		Refunds []refundPayload `json:"refunds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Refunds) != 1 || body.Refunds[0].Type != string(domain.RefundTypeFull) {
		t.Fatalf("unexpected refunds %+v", body.Refunds)
	}
}

func TestItemHandlersListRefundsPageSize(t *testing.T) {
	first := sampleRefund()
	second := sampleRefund()
	second.ID = "ref_01HZX4TES2"
	lifecycle := &stubLifecycleService{
		listRefundsFn: func(context.Context, string) ([]services.RefundRecord, error) {
			return []services.RefundRecord{first, second}, nil
		},
	}
	router := newItemRouter(t, lifecycle)

	req := httptest.NewRequest(http.MethodGet, "/itm_01HZX4TEST/refunds?pageSize=1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body struct {
		Refunds []refundPayload `json:"refunds"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Refunds) != 1 || body.Refunds[0].ID != first.ID {
		t.Fatalf("expected first refund only, got %+v", body.Refunds)
	}
}

func TestItemHandlersListRefundsRejectsBadPageSize(t *testing.T) {
	router := newItemRouter(t, &stubLifecycleService{})

	req := httptest.NewRequest(http.MethodGet, "/itm_01HZX4TEST/refunds?pageSize=boom", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestItemHandlersRejectUnknownFields(t *testing.T) {
	router := newItemRouter(t, &stubLifecycleService{})

	req := httptest.NewRequest(http.MethodPost, "/itm_01HZX4TEST:cancel",
		strings.NewReader(`{"reason":"no_longer_needed","bogus":true}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
