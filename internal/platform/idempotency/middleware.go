package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marketgrid/policy-engine/internal/platform/httpx"
	"github.com/marketgrid/policy-engine/internal/platform/requestctx"
)

const (
	// HeaderKey is the request header carrying the client-chosen idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplay marks responses that were served from a stored record.
	HeaderReplay = "X-Idempotent-Replay"

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

// MiddlewareOption customises the idempotency middleware.
type MiddlewareOption func(*middleware)

// WithTTL overrides the retention period for stored responses.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(m *middleware) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) MiddlewareOption {
	return func(m *middleware) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a logger for store failures.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(m *middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

type middleware struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Middleware enforces idempotent handling for mutating requests that carry an
// Idempotency-Key header. Requests without the header pass through unchanged.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.store == nil || !isMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(HeaderKey))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"invalid_request",
					"idempotency key exceeds maximum length",
					http.StatusBadRequest,
				))
				return
			}

			body, err := readBody(r)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"invalid_request",
					"failed to read request body",
					http.StatusBadRequest,
				))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := requestFingerprint(r, body)
			now := m.now().UTC()

			reservation, err := m.store.Reserve(r.Context(), key, fingerprint, now, m.ttl)
			if err != nil {
				if err == ErrFingerprintMismatch {
					httpx.WriteError(r.Context(), w, httpx.NewError(
						"idempotency_conflict",
						"idempotency key was used with a different request",
						http.StatusConflict,
					))
					return
				}
				m.logger.Warn("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"idempotency_unavailable",
					"idempotency store unavailable",
					http.StatusServiceUnavailable,
				))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(r.Context(), w, httpx.NewError(
					"idempotency_conflict",
					"a request with this idempotency key is still in progress",
					http.StatusConflict,
				))
				return
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)
			recorder.Commit()

			if recorder.status >= http.StatusInternalServerError {
				if err := m.store.Release(r.Context(), key, fingerprint); err != nil {
					m.logger.Warn("idempotency release failed", zap.Error(err))
				}
				return
			}

			stored := Response{
				Status:  recorder.status,
				Headers: recorder.Header().Clone(),
				Body:    recorder.body.Bytes(),
			}
			if err := m.store.SaveResponse(r.Context(), key, fingerprint, stored, m.now().UTC(), m.ttl); err != nil {
				m.logger.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// requestFingerprint binds the key to the request shape so that reusing a key
// with a different payload is rejected rather than replayed.
func requestFingerprint(r *http.Request, body []byte) string {
	identity := "anonymous"
	if caller, ok := requestctx.CallerFromContext(r.Context()); ok {
		identity = caller.ID
	}

	bodyHash := sha256.Sum256(body)
	parts := strings.Join([]string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		identity,
		hex.EncodeToString(bodyHash[:]),
	}, "|")

	sum := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(sum[:])
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	for name, values := range headersFromRecord(record.ResponseHeaders) {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(HeaderReplay, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

type responseRecorder struct {
	inner       http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
	committed   bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{inner: w, status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header {
	return r.inner.Header()
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(data)
}

// Commit flushes the buffered response to the underlying writer.
func (r *responseRecorder) Commit() {
	if r.committed {
		return
	}
	r.committed = true
	r.inner.WriteHeader(r.status)
	if r.body.Len() > 0 {
		_, _ = io.Copy(r.inner, bytes.NewReader(r.body.Bytes()))
	}
}
