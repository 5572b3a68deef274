package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/platform/httpx"
	"github.com/marketgrid/policy-engine/internal/platform/pagination"
	"github.com/marketgrid/policy-engine/internal/services"
)

var refundListPagination = pagination.Options{
	DefaultPageSize: pagination.DefaultPageSize,
	MaxPageSize:     pagination.DefaultMaxPageSize,
}

// ItemHandlers serves the buyer-facing order item surface: lookups,
// cancellation, approval resolution, and return initiation.
type ItemHandlers struct {
	lifecycle services.LifecycleService
}

// NewItemHandlers constructs the item handler set.
func NewItemHandlers(lifecycle services.LifecycleService) (*ItemHandlers, error) {
	if lifecycle == nil {
		return nil, errors.New("item handlers require lifecycle service")
	}
	return &ItemHandlers{lifecycle: lifecycle}, nil
}

// Routes registers the item endpoints on the provided router.
func (h *ItemHandlers) Routes(r chi.Router) {
	r.Get("/{itemID}", h.Get)
	r.Get("/{itemID}/refunds", h.ListRefunds)
	r.Post("/{itemID}:cancel", h.Cancel)
	r.Post("/{itemID}/cancellation:approve", h.ResolveApproval)
	r.Post("/{itemID}/returns", h.InitiateReturn)
}

// Get returns one order item by id.
func (h *ItemHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	item, err := h.lifecycle.GetItem(ctx, itemID)
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"item": buildItemPayload(item)})
}

// ListRefunds returns every refund record settled against the item, oldest first.
func (h *ItemHandlers) ListRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	params, err := pagination.FromRequest(r, refundListPagination)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	records, err := h.lifecycle.ListRefunds(ctx, itemID)
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}
	if params.PageSize > 0 && len(records) > params.PageSize {
		records = records[:params.PageSize]
	}

	payload := make([]refundPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, buildRefundPayload(record))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"refunds": payload})
}

type cancelItemRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actorId"`
}

// Cancel requests cancellation of the item. The response reports whether the
// cancellation settled immediately or is pending third-party seller approval.
func (h *ItemHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	var req cancelItemRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.lifecycle.RequestCancellation(ctx, services.CancellationCommand{
		OrderItemID: itemID,
		Reason:      domain.ReasonCode(strings.TrimSpace(req.Reason)),
		ActorID:     strings.TrimSpace(req.ActorID),
	})
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"item":            buildItemPayload(result.Item),
		"pendingApproval": result.PendingApproval,
	}
	if result.Refund != nil {
		payload["refund"] = buildRefundPayload(*result.Refund)
	}

	status := http.StatusOK
	if result.PendingApproval {
		status = http.StatusAccepted
	}
	writeJSONResponse(w, status, payload)
}

type resolveApprovalRequest struct {
	Approve bool   `json:"approve"`
	ActorID string `json:"actorId"`
}

// ResolveApproval records the seller's decision on a pending cancellation.
func (h *ItemHandlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	var req resolveApprovalRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	item, err := h.lifecycle.ResolveCancellationApproval(ctx, services.ApprovalCommand{
		OrderItemID: itemID,
		Approve:     req.Approve,
		ActorID:     strings.TrimSpace(req.ActorID),
	})
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"item": buildItemPayload(item)})
}

type initiateReturnRequest struct {
	Quantity   int    `json:"quantity"`
	Reason     string `json:"reason"`
	Method     string `json:"method"`
	CarrierFee int64  `json:"carrierFee"`
	Notes      string `json:"notes"`
}

// InitiateReturn opens a return for part or all of the item's quantity.
func (h *ItemHandlers) InitiateReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	var req initiateReturnRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	returnRequest, err := h.lifecycle.InitiateReturn(ctx, services.InitiateReturnCommand{
		OrderItemID: itemID,
		Quantity:    req.Quantity,
		Reason:      domain.ReasonCode(strings.TrimSpace(req.Reason)),
		Method:      domain.ReturnMethod(strings.TrimSpace(req.Method)),
		CarrierFee:  req.CarrierFee,
		Notes:       sanitizeText(req.Notes),
	})
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]any{"return": buildReturnPayload(returnRequest)})
}
