package services

import (
	"fmt"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

// Denial reason codes surfaced to callers.
const (
	DenialNonReturnable    = "non_returnable"
	DenialTerminalState    = "terminal_state"
	DenialFulfillment      = "fulfillment_started"
	DenialAlreadyShipped   = "already_shipped"
	DenialApprovalRequired = "seller_approval_required"
	DenialNotDelivered     = "not_yet_delivered"
	DenialWindowExpired    = "return_window_expired"
	DenialReturnOpen       = "return_in_progress"
)

// reasonOverridesFinalSale reports whether the request reason bypasses the
// final-sale and non-returnable-category blocks.
func reasonOverridesFinalSale(reason domain.ReasonCode) bool {
	switch reason {
	case domain.ReasonDamaged, domain.ReasonDefective, domain.ReasonMateriallyDifferent:
		return true
	default:
		return false
	}
}

func terminalState(state domain.ItemState) bool {
	switch state {
	case domain.StateCanceled, domain.StateRefunded, domain.StateNonReturnable, domain.StateChargedBack:
		return true
	default:
		return false
	}
}

// EvaluateCancellation decides whether the item can be canceled now. Pure
// function of its inputs; callers hold the config snapshot fixed for the
// whole evaluation.
func EvaluateCancellation(item domain.OrderItem, reason domain.ReasonCode, cfg domain.PolicyConfig, sellerApproved bool, now time.Time) Decision {
	if (item.Flags.NonReturnableCategory || item.Flags.FinalSale) && !reasonOverridesFinalSale(reason) {
		return Decision{Reason: DenialReason{
			Code:    DenialNonReturnable,
			Message: "item is final sale or in a non-returnable category",
		}}
	}

	switch item.State {
	case domain.StatePlaced, domain.StateCancelable:
		return Decision{Allowed: true}
	case domain.StateEnteredFulfillment:
		if item.SellerType == domain.SellerFirstParty {
			return Decision{Allowed: true}
		}
		if sellerApproved {
			return Decision{Allowed: true}
		}
		return Decision{Reason: DenialReason{
			Code:    DenialApprovalRequired,
			Message: "seller has begun fulfillment; cancellation needs seller approval",
			Suggest: "await_approval",
		}}
	case domain.StateShipped, domain.StateDelivered, domain.StateReturnWindowOpen,
		domain.StateReturnRequested, domain.StateAwaitingReturnReceipt, domain.StateReturnReceived:
		return Decision{Reason: DenialReason{
			Code:    DenialAlreadyShipped,
			Message: fmt.Sprintf("item in state %q can no longer be canceled", item.State),
			Suggest: "return",
		}}
	default:
		return Decision{Reason: DenialReason{
			Code:    DenialTerminalState,
			Message: fmt.Sprintf("item is in terminal state %q", item.State),
		}}
	}
}

// EvaluateReturn decides whether a return can be initiated now. The
// damaged/defective/materially-different override applies before any other
// rule; terminal states and the delivery window are checked afterwards.
func EvaluateReturn(item domain.OrderItem, reason domain.ReasonCode, cfg domain.PolicyConfig, now time.Time) Decision {
	if (item.Flags.NonReturnableCategory || item.Flags.FinalSale) && !reasonOverridesFinalSale(reason) {
		return Decision{Reason: DenialReason{
			Code:    DenialNonReturnable,
			Message: "item is final sale or in a non-returnable category",
		}}
	}

	if terminalState(item.State) {
		return Decision{Reason: DenialReason{
			Code:    DenialTerminalState,
			Message: fmt.Sprintf("item is in terminal state %q", item.State),
		}}
	}

	switch item.State {
	case domain.StateDelivered, domain.StateReturnWindowOpen:
	case domain.StateReturnRequested, domain.StateAwaitingReturnReceipt, domain.StateReturnReceived:
		return Decision{Reason: DenialReason{
			Code:    DenialReturnOpen,
			Message: "a return is already in progress for this item",
		}}
	default:
		return Decision{Reason: DenialReason{
			Code:    DenialNotDelivered,
			Message: fmt.Sprintf("item in state %q has not been delivered", item.State),
			Suggest: "cancel",
		}}
	}

	if item.Timestamps.DeliveredAt == nil {
		return Decision{Reason: DenialReason{
			Code:    DenialNotDelivered,
			Message: "delivery has not been confirmed",
			Suggest: "cancel",
		}}
	}

	deadline := ReturnWindowEnd(*item.Timestamps.DeliveredAt, cfg)
	if now.After(deadline) {
		return Decision{Reason: DenialReason{
			Code:    DenialWindowExpired,
			Message: fmt.Sprintf("return window closed %s", deadline.Format(time.RFC3339)),
		}}
	}

	remaining := int(deadline.Sub(now).Hours() / 24)
	return Decision{Allowed: true, DaysRemaining: remaining}
}

// ReturnWindowEnd computes the last instant a return may be initiated.
func ReturnWindowEnd(deliveredAt time.Time, cfg domain.PolicyConfig) time.Time {
	return deliveredAt.AddDate(0, 0, cfg.ReturnWindowDays)
}
