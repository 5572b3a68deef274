package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marketgrid/policy-engine/internal/platform/httpx"
	"github.com/marketgrid/policy-engine/internal/services"
)

// WebhookHandlers receives carrier callbacks. Authentication is applied at the
// group level via the HMAC middleware, not here.
type WebhookHandlers struct {
	lifecycle services.LifecycleService
}

// NewWebhookHandlers constructs the webhook handler set.
func NewWebhookHandlers(lifecycle services.LifecycleService) (*WebhookHandlers, error) {
	if lifecycle == nil {
		return nil, errors.New("webhook handlers require lifecycle service")
	}
	return &WebhookHandlers{lifecycle: lifecycle}, nil
}

// Routes registers the webhook endpoints on the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/carrier", h.CarrierScan)
}

type carrierScanRequest struct {
	ReturnRequestID string `json:"returnRequestId"`
	ScannedAt       string `json:"scannedAt"`
	TrackingNumber  string `json:"trackingNumber"`
}

// CarrierScan records the carrier's first scan of a return shipment. Repeat
// deliveries of the same event are acknowledged without side effects.
func (h *WebhookHandlers) CarrierScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req carrierScanRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	returnID := strings.TrimSpace(req.ReturnRequestID)
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return request id is required", http.StatusBadRequest))
		return
	}
	scannedAt, err := parseTimeParam(req.ScannedAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "scannedAt must be RFC 3339", http.StatusBadRequest))
		return
	}

	result, err := h.lifecycle.RecordCarrierScan(ctx, services.CarrierScanCommand{
		ReturnRequestID: returnID,
		ScannedAt:       scannedAt,
	})
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	payload := map[string]any{
		"return":                 buildReturnPayload(result.Return),
		"advanceRefundTriggered": result.AdvanceRefundTriggered,
	}
	if result.Refund != nil {
		payload["refund"] = buildRefundPayload(*result.Refund)
	}
	writeJSONResponse(w, http.StatusOK, payload)
}
