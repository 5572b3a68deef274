package services

import (
	"errors"
	"testing"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

func TestNextStateHappyPath(t *testing.T) {
	steps := []struct {
		event domain.ItemEvent
		want  domain.ItemState
	}{
		{domain.EventConfirm, domain.StateCancelable},
		{domain.EventEnterFulfillment, domain.StateEnteredFulfillment},
		{domain.EventShip, domain.StateShipped},
		{domain.EventDeliver, domain.StateDelivered},
		{domain.EventOpenReturnWindow, domain.StateReturnWindowOpen},
		{domain.EventRequestReturn, domain.StateReturnRequested},
		{domain.EventAwaitReturn, domain.StateAwaitingReturnReceipt},
		{domain.EventReceiveReturn, domain.StateReturnReceived},
		{domain.EventRefund, domain.StateRefunded},
	}

	current := domain.StatePlaced
	for _, step := range steps {
		next, err := nextState(current, step.event)
		if err != nil {
			t.Fatalf("nextState(%q, %q) returned error: %v", current, step.event, err)
		}
		if next != step.want {
			t.Fatalf("nextState(%q, %q) = %q, want %q", current, step.event, next, step.want)
		}
		current = next
	}
}

func TestNextStateRejectsSkippedStates(t *testing.T) {
	invalid := []struct {
		from  domain.ItemState
		event domain.ItemEvent
	}{
		{domain.StatePlaced, domain.EventShip},
		{domain.StatePlaced, domain.EventRefund},
		{domain.StateShipped, domain.EventCancel},
		{domain.StateDelivered, domain.EventDeliver},
		{domain.StateCanceled, domain.EventConfirm},
		{domain.StateRefunded, domain.EventRequestReturn},
		{domain.StateNonReturnable, domain.EventRequestReturn},
		{domain.StateReturnRequested, domain.EventRefund},
	}

	for _, tt := range invalid {
		if _, err := nextState(tt.from, tt.event); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("nextState(%q, %q) err = %v, want ErrInvalidTransition", tt.from, tt.event, err)
		}
	}
}

func TestNextStateChargebackRecovery(t *testing.T) {
	next, err := nextState(domain.StateAwaitingReturnReceipt, domain.EventChargeBack)
	if err != nil || next != domain.StateChargedBack {
		t.Fatalf("charge_back from awaiting receipt = %q, %v", next, err)
	}

	// Late arrival after a chargeback re-enters the receipt path.
	next, err = nextState(domain.StateChargedBack, domain.EventReverseCharge)
	if err != nil || next != domain.StateReturnReceived {
		t.Fatalf("reverse_charge from charged back = %q, %v", next, err)
	}
	if _, err := nextState(domain.StateCanceled, domain.EventReverseCharge); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reverse_charge from canceled err = %v, want ErrInvalidTransition", err)
	}
}

func TestApplyTransitionReverseChargeStampsRecovery(t *testing.T) {
	item := domain.OrderItem{State: domain.StateChargedBack}

	if err := applyTransition(&item, domain.EventReverseCharge, calcNow); err != nil {
		t.Fatalf("applyTransition returned error: %v", err)
	}
	if item.State != domain.StateReturnReceived {
		t.Errorf("state = %q, want return_received", item.State)
	}
	if item.Timestamps.ChargeRevAt == nil || !item.Timestamps.ChargeRevAt.Equal(calcNow) {
		t.Errorf("chargeRevAt = %v, want %s", item.Timestamps.ChargeRevAt, calcNow)
	}
	if item.Timestamps.ReturnedAt == nil || !item.Timestamps.ReturnedAt.Equal(calcNow) {
		t.Errorf("returnedAt = %v, want %s", item.Timestamps.ReturnedAt, calcNow)
	}
}

func TestApplyTransitionStampsTimestamps(t *testing.T) {
	item := domain.OrderItem{State: domain.StateShipped}

	if err := applyTransition(&item, domain.EventDeliver, calcNow); err != nil {
		t.Fatalf("applyTransition returned error: %v", err)
	}
	if item.State != domain.StateDelivered {
		t.Errorf("state = %q, want delivered", item.State)
	}
	if item.Timestamps.DeliveredAt == nil || !item.Timestamps.DeliveredAt.Equal(calcNow) {
		t.Errorf("deliveredAt = %v, want %s", item.Timestamps.DeliveredAt, calcNow)
	}
	if !item.UpdatedAt.Equal(calcNow) {
		t.Errorf("updatedAt = %s, want %s", item.UpdatedAt, calcNow)
	}

	if err := applyTransition(&item, domain.EventDeliver, calcNow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second deliver err = %v, want ErrInvalidTransition", err)
	}
}
