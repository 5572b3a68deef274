package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/platform/httpx"
	"github.com/marketgrid/policy-engine/internal/platform/storage"
	"github.com/marketgrid/policy-engine/internal/services"
)

// ReturnHandlers serves return request lookups, warehouse receipt, and
// evidence upload signing.
type ReturnHandlers struct {
	lifecycle services.LifecycleService
	evidence  *storage.EvidenceStore
}

// NewReturnHandlers constructs the return handler set. The evidence store is
// optional; without it the evidence:sign endpoint reports unavailable.
func NewReturnHandlers(lifecycle services.LifecycleService, evidence *storage.EvidenceStore) (*ReturnHandlers, error) {
	if lifecycle == nil {
		return nil, errors.New("return handlers require lifecycle service")
	}
	return &ReturnHandlers{lifecycle: lifecycle, evidence: evidence}, nil
}

// Routes registers the return endpoints on the provided router.
func (h *ReturnHandlers) Routes(r chi.Router) {
	r.Get("/{returnID}", h.Get)
	r.Post("/{returnID}:receive", h.Receive)
	r.Post("/{returnID}/evidence:sign", h.SignEvidence)
}

// Get returns one return request by id.
func (h *ReturnHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	request, err := h.lifecycle.GetReturn(ctx, returnID)
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"return": buildReturnPayload(request)})
}

type receiveReturnRequest struct {
	Condition      string   `json:"condition"`
	DamageSeverity float64  `json:"damageSeverity"`
	SellerFault    bool     `json:"sellerFault"`
	Notes          string   `json:"notes"`
	EvidenceRefs   []string `json:"evidenceRefs"`
	InspectorRef   string   `json:"inspectorRef"`
	InspectedAt    string   `json:"inspectedAt"`
	PostagePaid    int64    `json:"postagePaid"`
	ActorID        string   `json:"actorId"`
}

// Receive records physical receipt and inspection of the return and settles
// the resulting refund.
func (h *ReturnHandlers) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	var req receiveReturnRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	report := domain.ConditionReport{
		Condition:      domain.ItemCondition(strings.TrimSpace(req.Condition)),
		DamageSeverity: req.DamageSeverity,
		SellerFault:    req.SellerFault,
		Notes:          sanitizeText(req.Notes),
		EvidenceRefs:   req.EvidenceRefs,
		InspectorRef:   strings.TrimSpace(req.InspectorRef),
	}
	if raw := strings.TrimSpace(req.InspectedAt); raw != "" {
		inspectedAt, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "inspectedAt must be RFC 3339", http.StatusBadRequest))
			return
		}
		report.InspectedAt = inspectedAt
	}

	record, err := h.lifecycle.RecordReceipt(ctx, services.ReceiptCommand{
		ReturnRequestID: returnID,
		Report:          report,
		PostagePaid:     req.PostagePaid,
		ActorID:         strings.TrimSpace(req.ActorID),
	})
	if err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"refund": buildRefundPayload(record)})
}

type signEvidenceRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type signEvidenceResponse struct {
	URL       string            `json:"url"`
	ObjectRef string            `json:"objectRef"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt string            `json:"expiresAt"`
}

// SignEvidence issues a time-limited upload URL for one inspection photo. The
// return request must exist before evidence can be attached to it.
func (h *ReturnHandlers) SignEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}
	if h.evidence == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "evidence storage is not configured", http.StatusServiceUnavailable))
		return
	}

	var req signEvidenceRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	if _, err := h.lifecycle.GetReturn(ctx, returnID); err != nil {
		writePolicyError(ctx, w, err)
		return
	}

	upload, err := h.evidence.SignUpload(ctx, returnID, strings.TrimSpace(req.FileName), strings.TrimSpace(req.ContentType))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	writeJSONResponse(w, http.StatusOK, signEvidenceResponse{
		URL:       upload.URL,
		ObjectRef: upload.ObjectRef,
		Method:    upload.Method,
		Headers:   upload.Headers,
		ExpiresAt: formatTime(upload.ExpiresAt),
	})
}
