package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/marketgrid/policy-engine/internal/platform/firestore"
	"github.com/marketgrid/policy-engine/internal/repositories"
)

// Registry wires every Firestore-backed repository behind the
// repositories.Registry interface.
type Registry struct {
	provider *pfirestore.Provider

	orderItems     *OrderItemRepository
	orders         *OrderRepository
	returnRequests *ReturnRequestRepository
	refundRecords  *RefundRecordRepository
	deadlines      *DeadlineRepository
	policyConfigs  *PolicyConfigRepository
	health         repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the full repository set on one shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orderItems, err := NewOrderItemRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	returnRequests, err := NewReturnRequestRepository(provider)
	if err != nil {
		return nil, err
	}
	refundRecords, err := NewRefundRecordRepository(provider)
	if err != nil {
		return nil, err
	}
	deadlines, err := NewDeadlineRepository(provider)
	if err != nil {
		return nil, err
	}
	policyConfigs, err := NewPolicyConfigRepository(provider)
	if err != nil {
		return nil, err
	}

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				_, err := policyConfigs.Current(ctx)
				var repoErr repositories.RepositoryError
				// An empty config collection is still a healthy datastore.
				if errors.As(err, &repoErr) && repoErr.IsNotFound() {
					return nil
				}
				return err
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:       provider,
		orderItems:     orderItems,
		orders:         orders,
		returnRequests: returnRequests,
		refundRecords:  refundRecords,
		deadlines:      deadlines,
		policyConfigs:  policyConfigs,
		health:         health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

// OrderItems returns the order item repository.
func (r *Registry) OrderItems() repositories.OrderItemRepository { return r.orderItems }

// Orders returns the order snapshot repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// ReturnRequests returns the return request repository.
func (r *Registry) ReturnRequests() repositories.ReturnRequestRepository { return r.returnRequests }

// RefundRecords returns the refund record repository.
func (r *Registry) RefundRecords() repositories.RefundRecordRepository { return r.refundRecords }

// Deadlines returns the deadline repository.
func (r *Registry) Deadlines() repositories.DeadlineRepository { return r.deadlines }

// PolicyConfigs returns the policy config repository.
func (r *Registry) PolicyConfigs() repositories.PolicyConfigRepository { return r.policyConfigs }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }
