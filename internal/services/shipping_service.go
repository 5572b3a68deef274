package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/repositories"
)

// Shipping eligibility reason codes.
const (
	ShippingQualified       = "qualified"
	ShippingBelowThreshold  = "below_threshold"
	ShippingRegionExcluded  = "region_excluded"
	ShippingItemRemoved     = "contributing_item_removed"
	ShippingGuaranteeMissed = "guaranteed_delivery_missed"
)

// ShippingDeps bundles collaborators for shipping eligibility evaluation.
type ShippingDeps struct {
	Orders        repositories.OrderRepository
	Refunds       repositories.RefundRecordRepository
	Policies      PolicyProvider
	Notifications NotificationSink
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type shippingService struct {
	orders        repositories.OrderRepository
	refunds       repositories.RefundRecordRepository
	policies      PolicyProvider
	notifications NotificationSink
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewShippingEligibilityService wires dependencies into a concrete
// ShippingEligibilityService.
func NewShippingEligibilityService(deps ShippingDeps) (ShippingEligibilityService, error) {
	if deps.Orders == nil {
		return nil, errors.New("shipping service: order repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("shipping service: refund record repository is required")
	}
	if deps.Policies == nil {
		return nil, errors.New("shipping service: policy provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &shippingService{
		orders:        deps.Orders,
		refunds:       deps.Refunds,
		policies:      deps.Policies,
		notifications: deps.Notifications,
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		logger:        logger,
	}, nil
}

// Evaluate recomputes free-shipping qualification and guaranteed-delivery
// outcomes for the order snapshot, persists the derived attributes, and
// settles the shipping-fee refund when a delivery guarantee was missed.
func (s *shippingService) Evaluate(ctx context.Context, snapshot Order) (ShippingEligibility, error) {
	if strings.TrimSpace(snapshot.ID) == "" {
		return ShippingEligibility{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	cfg, err := s.policies.Current(ctx)
	if err != nil {
		return ShippingEligibility{}, fmt.Errorf("%w: load policy config: %v", ErrUnavailable, err)
	}
	now := s.clock()

	previouslyQualified := false
	if prior, err := s.orders.FindByID(ctx, snapshot.ID); err == nil {
		previouslyQualified = prior.FreeShippingQualified
	} else if !isNotFound(err) {
		return ShippingEligibility{}, mapRepositoryError(err)
	}

	eligibility := ShippingEligibility{
		ContributingCount:  contributingQuantity(snapshot.Items),
		GuaranteedDelivery: snapshot.GuaranteedDeliveryAt,
		EvaluatedAt:        now,
	}

	switch {
	case cfg.ExcludedShipRegions[snapshot.DestinationRegion]:
		eligibility.Reason = ShippingRegionExcluded
		eligibility.Fee = snapshot.ShippingFee
	case eligibility.ContributingCount >= cfg.FreeShippingThreshold && cfg.FreeShippingThreshold > 0:
		eligibility.Qualifies = true
		eligibility.Reason = ShippingQualified
	case previouslyQualified:
		// The order qualified on a previous evaluation; a cancellation or
		// return dropped it below the threshold.
		eligibility.Reason = ShippingItemRemoved
		eligibility.Fee = snapshot.ShippingFee
	default:
		eligibility.Reason = ShippingBelowThreshold
		eligibility.Fee = snapshot.ShippingFee
	}

	if missedGuarantee(snapshot) {
		if err := s.settleGuaranteeMiss(ctx, snapshot, cfg, now); err != nil {
			return ShippingEligibility{}, err
		}
	}

	snapshot.FreeShippingQualified = eligibility.Qualifies
	snapshot.UpdatedAt = now
	if err := s.orders.Upsert(ctx, snapshot); err != nil {
		return ShippingEligibility{}, mapRepositoryError(err)
	}

	return eligibility, nil
}

// contributingQuantity counts platform-fulfilled, free-shipping-eligible units
// that have not been canceled. Gift cards never count toward the threshold.
func contributingQuantity(items []domain.OrderItem) int {
	var count int
	for _, item := range items {
		if item.State == domain.StateCanceled {
			continue
		}
		if !item.Flags.PlatformFulfilled || !item.Flags.FreeShippingEligible || item.Flags.GiftCard {
			continue
		}
		count += item.Quantity - item.QuantityCanceled
	}
	return count
}

// missedGuarantee reports whether the first delivery attempt landed after the
// guaranteed delivery date.
func missedGuarantee(snapshot domain.Order) bool {
	if snapshot.GuaranteedDeliveryAt == nil || snapshot.FirstDeliveryAttempt == nil {
		return false
	}
	guaranteed := false
	for _, item := range snapshot.Items {
		if item.Flags.GuaranteedDelivery && item.State != domain.StateCanceled {
			guaranteed = true
			break
		}
	}
	return guaranteed && snapshot.FirstDeliveryAttempt.After(*snapshot.GuaranteedDeliveryAt)
}

// settleGuaranteeMiss appends the unconditional shipping-fee refund for a
// missed delivery guarantee. The refund does not depend on whether the buyer
// keeps or returns the item, and it settles at most once per order.
func (s *shippingService) settleGuaranteeMiss(ctx context.Context, snapshot domain.Order, cfg domain.PolicyConfig, now time.Time) error {
	if snapshot.ShippingFee <= 0 {
		return nil
	}

	var anchor *domain.OrderItem
	for i := range snapshot.Items {
		if snapshot.Items[i].State != domain.StateCanceled {
			anchor = &snapshot.Items[i]
			break
		}
	}
	if anchor == nil {
		return nil
	}

	// The settled reimbursement may hang off an item that was canceled after
	// it settled, so the dedup scan covers every item on the order.
	for i := range snapshot.Items {
		existing, err := s.refunds.ListByItem(ctx, snapshot.Items[i].ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		for _, record := range existing {
			for _, line := range record.Reimbursements {
				if line.Kind == domain.ReimbursementShippingFee {
					return nil
				}
			}
		}
	}

	currency := cfg.SettlementCurrency
	if currency == "" {
		currency = snapshot.Currency
	}

	record := domain.RefundRecord{
		ID:          refundIDPrefix + s.newID(),
		OrderItemID: anchor.ID,
		Type:        domain.RefundTypeFull,
		Reimbursements: []domain.Reimbursement{{
			Kind:   domain.ReimbursementShippingFee,
			Amount: snapshot.ShippingFee,
			Reason: "guaranteed delivery date missed",
		}},
		Currency:    currency,
		Destination: domain.DestinationOriginalInstrument,
		SettledAt:   now,
	}
	if err := s.refunds.Append(ctx, record); err != nil {
		return mapRepositoryError(err)
	}

	if s.notifications != nil {
		if _, err := s.notifications.PublishNotification(ctx, Notification{
			Kind:        ShippingGuaranteeMissed,
			OrderItemID: anchor.ID,
			Payload:     map[string]string{"refund_id": record.ID, "order_id": snapshot.ID},
		}); err != nil {
			s.logger(ctx, "shipping.notification.publish.failed", map[string]any{
				"order": snapshot.ID, "error": err.Error(),
			})
		}
	}

	return nil
}
