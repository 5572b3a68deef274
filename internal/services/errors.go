package services

import (
	"errors"
	"fmt"

	"github.com/marketgrid/policy-engine/internal/repositories"
)

var (
	// ErrInvalidInput signals the caller provided malformed data.
	ErrInvalidInput = errors.New("policy: invalid input")
	// ErrNotFound indicates the item, return, or record could not be located.
	ErrNotFound = errors.New("policy: not found")
	// ErrInvalidTransition indicates the event is not legal from the current state.
	ErrInvalidTransition = errors.New("policy: invalid transition")
	// ErrPolicyDenied indicates a business rule blocks an otherwise valid action.
	ErrPolicyDenied = errors.New("policy: denied")
	// ErrConflict indicates an optimistic-concurrency collision that survived
	// the bounded internal retries.
	ErrConflict = errors.New("policy: conflict")
	// ErrUnavailable indicates a dependency timeout or outage; the operation is
	// safe to retry because all transitions are idempotent per version.
	ErrUnavailable = errors.New("policy: unavailable")
	// ErrConfigInconsistent indicates a required policy parameter is missing.
	// The engine fails closed and denies the action rather than guessing.
	ErrConfigInconsistent = errors.New("policy: config inconsistent")
)

// PolicyDeniedError carries the structured reason for a denial alongside the
// ErrPolicyDenied sentinel.
type PolicyDeniedError struct {
	Reason DenialReason
}

// Error implements the error interface.
func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy: denied: %s: %s", e.Reason.Code, e.Reason.Message)
}

// Unwrap makes errors.Is(err, ErrPolicyDenied) hold.
func (e *PolicyDeniedError) Unwrap() error {
	return ErrPolicyDenied
}

func denied(reason DenialReason) error {
	return &PolicyDeniedError{Reason: reason}
}

// DeniedReason extracts the structured denial reason when err wraps a policy denial.
func DeniedReason(err error) (DenialReason, bool) {
	var deniedErr *PolicyDeniedError
	if errors.As(err, &deniedErr) {
		return deniedErr.Reason, true
	}
	return DenialReason{}, false
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return errors.Is(err, ErrNotFound)
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return errors.Is(err, ErrConflict)
}
