package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/marketgrid/policy-engine/internal/platform/httpx"
	"github.com/marketgrid/policy-engine/internal/services"
)

const maxRequestBodySize = 16 * 1024

// textPolicy strips all markup from buyer-supplied free text before it is
// stored or logged.
var textPolicy = bluemonday.StrictPolicy()

func sanitizeText(value string) string {
	return strings.TrimSpace(textPolicy.Sanitize(value))
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSONBody reads and decodes a size-limited JSON body. Unknown fields
// are rejected so typos surface instead of silently dropping input.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxBytesErr.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// writePolicyError maps service sentinels onto the JSON error envelope.
// Policy denials carry the structured reason so callers see the exact rule.
func writePolicyError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	if reason, ok := services.DeniedReason(err); ok {
		httpx.WriteError(ctx, w, httpx.NewError("policy_denied", "the requested action is blocked by marketplace policy", http.StatusConflict).
			WithReason(reason.Code, reason.Message, reason.Suggest))
		return
	}

	switch {
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrConfigInconsistent):
		httpx.WriteError(ctx, w, httpx.NewError("policy_config_inconsistent", "policy configuration is incomplete; the action is denied", http.StatusConflict))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "a dependency is unavailable; retry with the same request", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process the request", http.StatusInternalServerError))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimeParam(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(raw))
}
