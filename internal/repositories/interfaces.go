package repositories

import (
	"context"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	OrderItems() OrderItemRepository
	Orders() OrderRepository
	ReturnRequests() ReturnRequestRepository
	RefundRecords() RefundRecordRepository
	Deadlines() DeadlineRepository
	PolicyConfigs() PolicyConfigRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderItemRepository persists order items with optimistic-concurrency guarantees.
// Update must fail with a conflict RepositoryError when the stored version no
// longer matches item.Version; a successful update increments the version.
type OrderItemRepository interface {
	Insert(ctx context.Context, item domain.OrderItem) error
	Update(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error)
	FindByID(ctx context.Context, itemID string) (domain.OrderItem, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error)
}

// OrderRepository persists order snapshots carrying shipping-eligibility attributes.
type OrderRepository interface {
	Upsert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
}

// ReturnRequestRepository persists return requests with the same version CAS
// contract as order items.
type ReturnRequestRepository interface {
	Insert(ctx context.Context, request domain.ReturnRequest) error
	Update(ctx context.Context, request domain.ReturnRequest) (domain.ReturnRequest, error)
	FindByID(ctx context.Context, requestID string) (domain.ReturnRequest, error)
	FindOpenByItem(ctx context.Context, itemID string) (domain.ReturnRequest, error)
}

// RefundRecordRepository is append-only: records are immutable once written and
// corrections link back through ReversalOf.
type RefundRecordRepository interface {
	Append(ctx context.Context, record domain.RefundRecord) error
	FindByID(ctx context.Context, recordID string) (domain.RefundRecord, error)
	ListByItem(ctx context.Context, itemID string) ([]domain.RefundRecord, error)
}

// DeadlineRepository owns the time-ordered pending deadline set. Claim performs
// the exactly-once transition pending→claimed and must fail with a conflict
// RepositoryError when another sweeper already holds or fired the deadline.
// ListDue returns pending rows past their due time plus claimed rows whose
// lease has lapsed, so a failed callback is retried by a later sweep.
type DeadlineRepository interface {
	Schedule(ctx context.Context, deadline domain.Deadline) (domain.Deadline, error)
	Cancel(ctx context.Context, itemID string, kind domain.DeadlineKind) error
	Claim(ctx context.Context, deadlineID string, claimedBy string, now time.Time) (domain.Deadline, error)
	MarkFired(ctx context.Context, deadlineID string, firedAt time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Deadline, error)
}

// PolicyConfigRepository serves immutable, versioned policy snapshots.
type PolicyConfigRepository interface {
	FindVersion(ctx context.Context, version string) (domain.PolicyConfig, error)
	Current(ctx context.Context) (domain.PolicyConfig, error)
}

// HealthRepository evaluates dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
