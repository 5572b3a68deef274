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

// InternalHandlers serves the machine-to-machine surface: item registration
// from checkout, fulfillment-side transitions, and the deadline sweep trigger.
type InternalHandlers struct {
	lifecycle services.LifecycleService
	deadlines services.DeadlineService
	now       func() time.Time
}

// InternalOption customises the internal handlers.
type InternalOption func(*InternalHandlers)

// WithInternalClock injects a custom clock, primarily for tests.
func WithInternalClock(now func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewInternalHandlers constructs the internal handler set.
func NewInternalHandlers(lifecycle services.LifecycleService, deadlines services.DeadlineService, opts ...InternalOption) (*InternalHandlers, error) {
	if lifecycle == nil {
		return nil, errors.New("internal handlers require lifecycle service")
	}
	if deadlines == nil {
		return nil, errors.New("internal handlers require deadline service")
	}
	h := &InternalHandlers{lifecycle: lifecycle, deadlines: deadlines, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes registers the internal endpoints on the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/items", h.RegisterItem)
	r.Post("/items/{itemID}:transition", h.Transition)
	r.Post("/deadlines:sweep", h.SweepDeadlines)
}

type registerItemRequest struct {
	OrderID      string  `json:"orderId"`
	SellerType   string  `json:"sellerType"`
	Category     string  `json:"category"`
	UnitPrice    int64   `json:"unitPrice"`
	Currency     string  `json:"currency"`
	FXRate       float64 `json:"fxRate"`
	Quantity     int     `json:"quantity"`
	Jurisdiction string  `json:"jurisdiction"`
	PaymentToken string  `json:"paymentToken"`
	Flags        struct {
		FinalSale             bool `json:"finalSale"`
		NonReturnableCategory bool `json:"nonReturnableCategory"`
		Gift                  bool `json:"gift"`
		GlobalStore           bool `json:"globalStore"`
		GuaranteedDelivery    bool `json:"guaranteedDelivery"`
		FreeShippingEligible  bool `json:"freeShippingEligible"`
		GiftCard              bool `json:"giftCard"`
		PlatformFulfilled     bool `json:"platformFulfilled"`
	} `json:"flags"`
}

// RegisterItem seeds a new order item from the checkout boundary.
func (h *InternalHandlers) RegisterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerItemRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	item, err := h.lifecycle.RegisterItem(ctx, services.RegisterItemCommand{
		OrderID:      strings.TrimSpace(req.OrderID),
		SellerType:   domain.SellerType(strings.TrimSpace(req.SellerType)),
		Category:     strings.TrimSpace(req.Category),
		UnitPrice:    req.UnitPrice,
		Currency:     strings.TrimSpace(req.Currency),
		FXRate:       req.FXRate,
		Quantity:     req.Quantity,
		Jurisdiction: strings.TrimSpace(req.Jurisdiction),
		PaymentToken: strings.TrimSpace(req.PaymentToken),
		Flags: domain.ItemFlags{
			FinalSale:             req.Flags.FinalSale,
			NonReturnableCategory: req.Flags.NonReturnableCategory,
			Gift:                  req.Flags.Gift,
			GlobalStore:           req.Flags.GlobalStore,
			GuaranteedDelivery:    req.Flags.GuaranteedDelivery,
			FreeShippingEligible:  req.Flags.FreeShippingEligible,
			GiftCard:              req.Flags.GiftCard,
			PlatformFulfilled:     req.Flags.PlatformFulfilled,
		},
	})
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]any{"item": buildItemPayload(item)})
}

type transitionRequest struct {
	Event      string `json:"event"`
	ActorID    string `json:"actorId"`
	OccurredAt string `json:"occurredAt"`
}

// Transition applies a fulfillment-side lifecycle event supplied by trusted
// machine callers. Buyer-facing events are rejected; those flow through the
// dedicated cancellation and return operations.
func (h *InternalHandlers) Transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	var req transitionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.ApplyEventCommand{
		OrderItemID: itemID,
		Event:       domain.ItemEvent(strings.TrimSpace(req.Event)),
		ActorID:     strings.TrimSpace(req.ActorID),
	}
	if raw := strings.TrimSpace(req.OccurredAt); raw != "" {
		occurredAt, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "occurredAt must be RFC 3339", http.StatusBadRequest))
			return
		}
		cmd.OccurredAt = &occurredAt
	}

	item, err := h.lifecycle.ApplyEvent(ctx, cmd)
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"item": buildItemPayload(item)})
}

// SweepDeadlines drains the due deadline set once and reports the tally.
// Schedulers invoke it on a fixed cadence; overlapping invocations are safe
// because each deadline is claimed exactly once.
func (h *InternalHandlers) SweepDeadlines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	now := h.now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("now")); raw != "" {
		parsed, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "now must be RFC 3339", http.StatusBadRequest))
			return
		}
		now = parsed.UTC()
	}

	result, err := h.deadlines.Sweep(ctx, now)
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"due":     result.Due,
		"fired":   result.Fired,
		"skipped": result.Skipped,
		"failed":  result.Failed,
		"sweptAt": now.Format(time.RFC3339),
	})
}
