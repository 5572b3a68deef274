package services

import (
	"fmt"
	"slices"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

// eventTargets maps each lifecycle event to the state it commits.
var eventTargets = map[domain.ItemEvent]domain.ItemState{
	domain.EventConfirm:           domain.StateCancelable,
	domain.EventCancel:            domain.StateCanceled,
	domain.EventEnterFulfillment:  domain.StateEnteredFulfillment,
	domain.EventShip:              domain.StateShipped,
	domain.EventDeliver:           domain.StateDelivered,
	domain.EventOpenReturnWindow:  domain.StateReturnWindowOpen,
	domain.EventMarkNonReturnable: domain.StateNonReturnable,
	domain.EventRequestReturn:     domain.StateReturnRequested,
	domain.EventAwaitReturn:       domain.StateAwaitingReturnReceipt,
	domain.EventReceiveReturn:     domain.StateReturnReceived,
	domain.EventReverseCharge:     domain.StateReturnReceived,
	domain.EventRefund:            domain.StateRefunded,
	domain.EventChargeBack:        domain.StateChargedBack,
}

// stateSuccessors is the closed transition table. Transitions are monotonic;
// the only backward edge is the explicit chargeback recovery through receipt.
var stateSuccessors = map[domain.ItemState][]domain.ItemState{
	domain.StatePlaced:                 {domain.StateCancelable, domain.StateCanceled, domain.StateEnteredFulfillment},
	domain.StateCancelable:             {domain.StateCanceled, domain.StateEnteredFulfillment},
	domain.StateEnteredFulfillment:     {domain.StateShipped, domain.StateCanceled},
	domain.StateShipped:                {domain.StateDelivered},
	domain.StateDelivered:              {domain.StateReturnWindowOpen, domain.StateNonReturnable, domain.StateReturnRequested},
	domain.StateReturnWindowOpen:       {domain.StateReturnRequested, domain.StateNonReturnable},
	domain.StateReturnRequested:        {domain.StateAwaitingReturnReceipt, domain.StateReturnReceived},
	domain.StateAwaitingReturnReceipt:  {domain.StateReturnReceived, domain.StateChargedBack},
	domain.StateReturnReceived:         {domain.StateRefunded},
	domain.StateChargedBack:            {domain.StateReturnReceived},
	domain.StateCanceled:               nil,
	domain.StateRefunded:               nil,
	domain.StateNonReturnable:          nil,
}

// nextState validates the event against the transition table.
func nextState(current domain.ItemState, event domain.ItemEvent) (domain.ItemState, error) {
	target, known := eventTargets[event]
	if !known {
		return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
	if !slices.Contains(stateSuccessors[current], target) {
		return "", fmt.Errorf("%w: event %q is not valid from state %q", ErrInvalidTransition, event, current)
	}
	return target, nil
}

// applyTransition commits the event to the item in memory, stamping the
// transition timestamp. Persistence and version checks belong to the caller.
func applyTransition(item *domain.OrderItem, event domain.ItemEvent, now time.Time) error {
	target, err := nextState(item.State, event)
	if err != nil {
		return err
	}

	item.State = target
	item.UpdatedAt = now

	switch event {
	case domain.EventConfirm:
		item.Timestamps.ConfirmedAt = &now
	case domain.EventCancel:
		item.Timestamps.CanceledAt = &now
	case domain.EventEnterFulfillment:
		item.Timestamps.FulfillmentAt = &now
	case domain.EventShip:
		item.Timestamps.ShippedAt = &now
	case domain.EventDeliver:
		item.Timestamps.DeliveredAt = &now
	case domain.EventMarkNonReturnable:
		item.Timestamps.NonReturnableAt = &now
	case domain.EventReceiveReturn:
		item.Timestamps.ReturnedAt = &now
	case domain.EventReverseCharge:
		item.Timestamps.ReturnedAt = &now
		item.Timestamps.ChargeRevAt = &now
	case domain.EventRefund:
		item.Timestamps.RefundedAt = &now
	case domain.EventChargeBack:
		item.Timestamps.ChargedBackAt = &now
	}

	return nil
}
