package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const defaultUploadTTL = 15 * time.Minute

// SignedUpload describes a browser-uploadable URL for an inspection photo.
type SignedUpload struct {
	URL       string
	ObjectRef string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// EvidenceStore issues signed upload URLs for return-inspection evidence photos.
type EvidenceStore struct {
	bucket string
	signer Signer
	ttl    time.Duration
	now    func() time.Time

	signedURL func(bucket, object string, opts *gcs.SignedURLOptions) (string, error)
}

// EvidenceStoreOption customises the store.
type EvidenceStoreOption func(*EvidenceStore)

// WithUploadTTL overrides the signed URL lifetime.
func WithUploadTTL(ttl time.Duration) EvidenceStoreOption {
	return func(s *EvidenceStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithEvidenceClock injects a custom clock, primarily for tests.
func WithEvidenceClock(now func() time.Time) EvidenceStoreOption {
	return func(s *EvidenceStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewEvidenceStore constructs an EvidenceStore for the given bucket.
func NewEvidenceStore(bucket string, signer Signer, opts ...EvidenceStoreOption) (*EvidenceStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: evidence bucket is required")
	}
	if signer == nil {
		return nil, errors.New("storage: signer is required")
	}

	store := &EvidenceStore{
		bucket:    bucket,
		signer:    signer,
		ttl:       defaultUploadTTL,
		now:       time.Now,
		signedURL: gcs.SignedURL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// SignUpload returns a time-limited PUT URL for uploading a single evidence
// photo attached to the given return request.
func (s *EvidenceStore) SignUpload(ctx context.Context, returnID, fileName, contentType string) (SignedUpload, error) {
	object, err := buildEvidencePath(returnID, fileName)
	if err != nil {
		return SignedUpload{}, err
	}

	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if !strings.HasPrefix(contentType, "image/") && contentType != "application/octet-stream" {
		return SignedUpload{}, fmt.Errorf("storage: unsupported evidence content type %q", contentType)
	}

	expires := s.now().Add(s.ttl)
	opts := &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Method:         http.MethodPut,
		Expires:        expires,
		ContentType:    contentType,
		Scheme:         gcs.SigningSchemeV4,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	}

	url, err := s.signedURL(s.bucket, object, opts)
	if err != nil {
		return SignedUpload{}, fmt.Errorf("storage: sign evidence upload: %w", err)
	}

	return SignedUpload{
		URL:       url,
		ObjectRef: fmt.Sprintf("gs://%s/%s", s.bucket, object),
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: expires,
	}, nil
}

func buildEvidencePath(returnID, fileName string) (string, error) {
	returnID, err := validateSegment("returnID", returnID)
	if err != nil {
		return "", err
	}
	fileName, err = validateSegment("fileName", fileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("evidence/returns/%s/%s", returnID, fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
