package services

import (
	"context"
	"testing"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

type memOrderRepo struct {
	orders map[string]domain.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: map[string]domain.Order{}}
}

func (r *memOrderRepo) Upsert(_ context.Context, order domain.Order) error {
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &testRepoError{notFound: true}
	}
	return order, nil
}

func shippingItem(id string, qty int) domain.OrderItem {
	return domain.OrderItem{
		ID:       id,
		Quantity: qty,
		State:    domain.StateCancelable,
		Flags: domain.ItemFlags{
			PlatformFulfilled:    true,
			FreeShippingEligible: true,
		},
	}
}

func newShippingFixture(t *testing.T, cfg domain.PolicyConfig) (*memOrderRepo, *memRefundRepo, *capturingSink, ShippingEligibilityService) {
	t.Helper()
	orders := newMemOrderRepo()
	refunds := &memRefundRepo{}
	sink := &capturingSink{}

	svc, err := NewShippingEligibilityService(ShippingDeps{
		Orders:        orders,
		Refunds:       refunds,
		Policies:      &stubPolicyProvider{cfg: cfg},
		Notifications: sink,
		Clock:         func() time.Time { return calcNow },
	})
	if err != nil {
		t.Fatalf("NewShippingEligibilityService returned error: %v", err)
	}
	return orders, refunds, sink, svc
}

func TestEvaluateQualifiesAtThreshold(t *testing.T) {
	cfg := calcPolicy()
	cfg.FreeShippingThreshold = 4
	orders, _, _, svc := newShippingFixture(t, cfg)

	snapshot := domain.Order{
		ID:                "ord_1",
		DestinationRegion: "US-CA",
		ShippingFee:       599,
		Currency:          "USD",
		Items: []domain.OrderItem{
			shippingItem("itm_1", 2),
			shippingItem("itm_2", 2),
		},
	}

	eligibility, err := svc.Evaluate(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if !eligibility.Qualifies || eligibility.Reason != ShippingQualified {
		t.Fatalf("eligibility = %+v, want qualified at threshold", eligibility)
	}
	if eligibility.ContributingCount != 4 || eligibility.Fee != 0 {
		t.Errorf("count = %d fee = %d, want 4 and 0", eligibility.ContributingCount, eligibility.Fee)
	}
	if !orders.orders["ord_1"].FreeShippingQualified {
		t.Error("qualification not persisted on the order snapshot")
	}
}

func TestEvaluateCancellationFlipsQualification(t *testing.T) {
	cfg := calcPolicy()
	cfg.FreeShippingThreshold = 4
	_, _, _, svc := newShippingFixture(t, cfg)

	snapshot := domain.Order{
		ID:                "ord_1",
		DestinationRegion: "US-CA",
		ShippingFee:       599,
		Items: []domain.OrderItem{
			shippingItem("itm_1", 2),
			shippingItem("itm_2", 2),
		},
	}
	if _, err := svc.Evaluate(context.Background(), snapshot); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}

	// One contributing unit cancels; the order drops below the threshold and
	// the reason names the removal rather than a generic shortfall.
	snapshot.Items[1].Quantity = 2
	snapshot.Items[1].QuantityCanceled = 1

	eligibility, err := svc.Evaluate(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if eligibility.Qualifies {
		t.Fatal("order still qualifies after losing a contributing unit")
	}
	if eligibility.Reason != ShippingItemRemoved {
		t.Errorf("reason = %q, want %q", eligibility.Reason, ShippingItemRemoved)
	}
	if eligibility.Fee != 599 {
		t.Errorf("fee = %d, want the full shipping fee", eligibility.Fee)
	}
}

func TestEvaluateExclusionsAndNonContributingItems(t *testing.T) {
	cfg := calcPolicy()
	cfg.FreeShippingThreshold = 2
	cfg.ExcludedShipRegions = map[string]bool{"US-AK": true, "US-HI": true}
	_, _, _, svc := newShippingFixture(t, cfg)

	snapshot := domain.Order{
		ID:                "ord_1",
		DestinationRegion: "US-AK",
		ShippingFee:       1299,
		Items:             []domain.OrderItem{shippingItem("itm_1", 5)},
	}
	eligibility, err := svc.Evaluate(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if eligibility.Qualifies || eligibility.Reason != ShippingRegionExcluded {
		t.Errorf("eligibility = %+v, want region exclusion", eligibility)
	}

	// Gift cards and seller-fulfilled items never count toward the threshold.
	giftCard := shippingItem("itm_gc", 3)
	giftCard.Flags.GiftCard = true
	sellerFulfilled := shippingItem("itm_3p", 3)
	sellerFulfilled.Flags.PlatformFulfilled = false

	snapshot = domain.Order{
		ID:                "ord_2",
		DestinationRegion: "US-CA",
		ShippingFee:       1299,
		Items:             []domain.OrderItem{giftCard, sellerFulfilled, shippingItem("itm_ok", 1)},
	}
	eligibility, err = svc.Evaluate(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if eligibility.ContributingCount != 1 {
		t.Errorf("count = %d, want 1", eligibility.ContributingCount)
	}
	if eligibility.Qualifies || eligibility.Reason != ShippingBelowThreshold {
		t.Errorf("eligibility = %+v, want below threshold", eligibility)
	}
}

func TestEvaluateMissedGuaranteeRefundsShippingFeeOnce(t *testing.T) {
	cfg := calcPolicy()
	cfg.FreeShippingThreshold = 10
	_, refunds, sink, svc := newShippingFixture(t, cfg)

	guaranteed := calcNow.AddDate(0, 0, -3)
	attempted := guaranteed.Add(26 * time.Hour)
	item := shippingItem("itm_1", 1)
	item.Flags.GuaranteedDelivery = true
	item.State = domain.StateDelivered

	snapshot := domain.Order{
		ID:                   "ord_1",
		DestinationRegion:    "US-CA",
		ShippingFee:          899,
		Currency:             "USD",
		Items:                []domain.OrderItem{item},
		GuaranteedDeliveryAt: &guaranteed,
		FirstDeliveryAttempt: &attempted,
	}

	if _, err := svc.Evaluate(context.Background(), snapshot); err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	if len(refunds.records) != 1 {
		t.Fatalf("refund records = %d, want 1", len(refunds.records))
	}
	record := refunds.records[0]
	if record.TotalReimbursed() != 899 {
		t.Errorf("reimbursed = %d, want the shipping fee", record.TotalReimbursed())
	}
	if len(record.Reimbursements) != 1 || record.Reimbursements[0].Kind != domain.ReimbursementShippingFee {
		t.Errorf("reimbursements = %v, want a single shipping-fee line", record.Reimbursements)
	}
	if got := sink.kinds(); len(got) != 1 || got[0] != ShippingGuaranteeMissed {
		t.Errorf("notifications = %v, want guarantee-miss", got)
	}

	// Re-evaluation does not settle a second shipping-fee refund.
	if _, err := svc.Evaluate(context.Background(), snapshot); err != nil {
		t.Fatalf("second Evaluate returned error: %v", err)
	}
	if len(refunds.records) != 1 {
		t.Errorf("refund records after re-evaluation = %d, want still 1", len(refunds.records))
	}
}

func TestEvaluateGuaranteeMissSurvivesAnchorCancellation(t *testing.T) {
	cfg := calcPolicy()
	cfg.FreeShippingThreshold = 10
	_, refunds, _, svc := newShippingFixture(t, cfg)

	guaranteed := calcNow.AddDate(0, 0, -3)
	attempted := guaranteed.Add(26 * time.Hour)
	first := shippingItem("itm_1", 1)
	first.Flags.GuaranteedDelivery = true
	first.State = domain.StateDelivered
	second := shippingItem("itm_2", 1)
	second.Flags.GuaranteedDelivery = true
	second.State = domain.StateDelivered

	snapshot := domain.Order{
		ID:                   "ord_1",
		DestinationRegion:    "US-CA",
		ShippingFee:          899,
		Currency:             "USD",
		Items:                []domain.OrderItem{first, second},
		GuaranteedDeliveryAt: &guaranteed,
		FirstDeliveryAttempt: &attempted,
	}

	if _, err := svc.Evaluate(context.Background(), snapshot); err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if len(refunds.records) != 1 || refunds.records[0].OrderItemID != "itm_1" {
		t.Fatalf("records = %+v, want one reimbursement against the first item", refunds.records)
	}

	// The item carrying the reimbursement is canceled later. Re-evaluation
	// must still see the settled shipping fee rather than pay it again.
	snapshot.Items[0].State = domain.StateCanceled
	snapshot.Items[0].QuantityCanceled = 1

	if _, err := svc.Evaluate(context.Background(), snapshot); err != nil {
		t.Fatalf("second Evaluate returned error: %v", err)
	}
	if len(refunds.records) != 1 {
		t.Errorf("refund records = %d, want still 1 after the anchor canceled", len(refunds.records))
	}
}

func TestEvaluateOnTimeGuaranteeSettlesNothing(t *testing.T) {
	cfg := calcPolicy()
	_, refunds, _, svc := newShippingFixture(t, cfg)

	guaranteed := calcNow.AddDate(0, 0, -3)
	attempted := guaranteed.Add(-2 * time.Hour)
	item := shippingItem("itm_1", 1)
	item.Flags.GuaranteedDelivery = true

	snapshot := domain.Order{
		ID:                   "ord_1",
		DestinationRegion:    "US-CA",
		ShippingFee:          899,
		Items:                []domain.OrderItem{item},
		GuaranteedDeliveryAt: &guaranteed,
		FirstDeliveryAttempt: &attempted,
	}
	if _, err := svc.Evaluate(context.Background(), snapshot); err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if len(refunds.records) != 0 {
		t.Errorf("refund records = %d, want 0 for an on-time delivery", len(refunds.records))
	}
}
