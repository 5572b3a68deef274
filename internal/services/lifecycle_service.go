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

const (
	itemIDPrefix     = "itm_"
	returnIDPrefix   = "ret_"
	refundIDPrefix   = "ref_"
	deadlineIDPrefix = "ddl_"
	eventIDPrefix    = "evt_"

	// casMaxAttempts bounds the internal optimistic-concurrency retries
	// before a Conflict surfaces to the caller.
	casMaxAttempts = 3

	// defaultReminderLeadDays places the return reminder ahead of the
	// return-by deadline when the policy snapshot carries no lead time.
	defaultReminderLeadDays = 3
)

// Notification kinds published to downstream delivery workers.
const (
	notifyCancellationConfirmed = "cancellation_confirmed"
	notifyCancellationDenied    = "cancellation_denied_by_seller"
	notifyApprovalRequested     = "seller_approval_requested"
	notifyApprovalPending       = "seller_approval_pending"
	notifyReturnInitiated       = "return_initiated"
	notifyReturnInTransit       = "return_in_transit"
	notifyAdvanceRefundIssued   = "advance_refund_issued"
	notifyRefundSettled         = "refund_settled"
	notifyReturnReminder        = "return_reminder"
	notifyReturnOverdue         = "return_overdue"
	notifyChargedBack           = "charged_back"
	notifyChargeReversed        = "charge_reversed"
	notifyTransitExceeded       = "global_transit_exceeded"
)

// LifecycleDeps bundles collaborators required to construct the lifecycle service.
type LifecycleDeps struct {
	Items         repositories.OrderItemRepository
	Returns       repositories.ReturnRequestRepository
	Refunds       repositories.RefundRecordRepository
	Deadlines     repositories.DeadlineRepository
	Policies      PolicyProvider
	Instruments   InstrumentChecker
	Scorer        DamageSeverityScorer
	Events        EventPublisher
	Notifications NotificationSink
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type lifecycleService struct {
	items         repositories.OrderItemRepository
	returns       repositories.ReturnRequestRepository
	refunds       repositories.RefundRecordRepository
	deadlines     repositories.DeadlineRepository
	policies      PolicyProvider
	instruments   InstrumentChecker
	calculator    *RefundCalculator
	events        EventPublisher
	notifications NotificationSink
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewLifecycleService wires dependencies into a concrete LifecycleService.
func NewLifecycleService(deps LifecycleDeps) (LifecycleService, error) {
	if deps.Items == nil {
		return nil, errors.New("lifecycle service: order item repository is required")
	}
	if deps.Returns == nil {
		return nil, errors.New("lifecycle service: return request repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("lifecycle service: refund record repository is required")
	}
	if deps.Deadlines == nil {
		return nil, errors.New("lifecycle service: deadline repository is required")
	}
	if deps.Policies == nil {
		return nil, errors.New("lifecycle service: policy provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &lifecycleService{
		items:         deps.Items,
		returns:       deps.Returns,
		refunds:       deps.Refunds,
		deadlines:     deps.Deadlines,
		policies:      deps.Policies,
		instruments:   deps.Instruments,
		calculator:    NewRefundCalculator(deps.Scorer),
		events:        deps.Events,
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *lifecycleService) RegisterItem(ctx context.Context, cmd RegisterItemCommand) (OrderItem, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return OrderItem{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return OrderItem{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if cmd.UnitPrice < 0 {
		return OrderItem{}, fmt.Errorf("%w: unit price must not be negative", ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if !domain.ValidCurrency(currency) {
		return OrderItem{}, fmt.Errorf("%w: invalid currency %q", ErrInvalidInput, cmd.Currency)
	}
	switch cmd.SellerType {
	case domain.SellerFirstParty, domain.SellerThirdParty:
	default:
		return OrderItem{}, fmt.Errorf("%w: unknown seller type %q", ErrInvalidInput, cmd.SellerType)
	}

	now := s.now()
	item := domain.OrderItem{
		ID:           itemIDPrefix + s.newID(),
		OrderID:      orderID,
		SellerType:   cmd.SellerType,
		Category:     strings.TrimSpace(cmd.Category),
		UnitPrice:    cmd.UnitPrice,
		FX:           domain.FXSnapshot{Currency: currency, Rate: cmd.FXRate},
		Quantity:     cmd.Quantity,
		State:        domain.StatePlaced,
		Jurisdiction: strings.TrimSpace(cmd.Jurisdiction),
		Flags:        cmd.Flags,
		PaymentToken: strings.TrimSpace(cmd.PaymentToken),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	item.Timestamps.PlacedAt = now

	if err := s.items.Insert(ctx, item); err != nil {
		return OrderItem{}, mapRepositoryError(err)
	}
	return item, nil
}

func (s *lifecycleService) ApplyEvent(ctx context.Context, cmd ApplyEventCommand) (OrderItem, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order item id is required", ErrInvalidInput)
	}
	if _, known := eventTargets[cmd.Event]; !known {
		return OrderItem{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, cmd.Event)
	}
	switch cmd.Event {
	case domain.EventCancel, domain.EventRequestReturn, domain.EventAwaitReturn,
		domain.EventReceiveReturn, domain.EventReverseCharge, domain.EventRefund, domain.EventChargeBack:
		return OrderItem{}, fmt.Errorf("%w: event %q must go through its dedicated operation", ErrInvalidTransition, cmd.Event)
	}

	now := s.now()
	if cmd.OccurredAt != nil && !cmd.OccurredAt.IsZero() {
		now = cmd.OccurredAt.UTC()
	}

	var prev domain.ItemState
	updated, err := s.updateItemWithRetry(ctx, itemID, func(item *domain.OrderItem) error {
		prev = item.State
		return applyTransition(item, cmd.Event, now)
	})
	if err != nil {
		return OrderItem{}, err
	}

	s.publishTransition(ctx, updated.ID, cmd.Event, prev, updated.State, now)
	return updated, nil
}

func (s *lifecycleService) RequestCancellation(ctx context.Context, cmd CancellationCommand) (CancellationResult, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return CancellationResult{}, fmt.Errorf("%w: order item id is required", ErrInvalidInput)
	}

	cfg, err := s.policyConfig(ctx)
	if err != nil {
		return CancellationResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		now := s.now()
		item, err := s.items.FindByID(ctx, itemID)
		if err != nil {
			return CancellationResult{}, mapRepositoryError(err)
		}

		decision := EvaluateCancellation(item, cmd.Reason, cfg, item.SellerApprovedAt != nil, now)
		if !decision.Allowed {
			if decision.Reason.Code == DenialApprovalRequired {
				return s.markApprovalPending(ctx, item, cfg, now)
			}
			if decision.Reason.Code == DenialTerminalState && item.State == domain.StateCanceled {
				result, recovered, err := s.recoverCancellationSettlement(ctx, item, cfg, now)
				if err != nil {
					return CancellationResult{}, err
				}
				if recovered {
					return result, nil
				}
			}
			return CancellationResult{}, denied(decision.Reason)
		}

		snapshot := item
		prev := item.State
		if err := applyTransition(&item, domain.EventCancel, now); err != nil {
			return CancellationResult{}, err
		}
		item.QuantityCanceled = item.Quantity - item.QuantityReturned

		updated, err := s.items.Update(ctx, item)
		if err != nil {
			if isConflict(err) {
				lastErr = err
				continue
			}
			return CancellationResult{}, mapRepositoryError(err)
		}

		refund, err := s.settleCancellation(ctx, snapshot, cfg, now)
		if err != nil {
			return CancellationResult{}, err
		}

		if err := s.deadlines.Cancel(ctx, updated.ID, domain.DeadlineFulfillmentApproval); err != nil {
			s.logger(ctx, "lifecycle.deadline.cancel.failed", map[string]any{
				"item": updated.ID, "kind": string(domain.DeadlineFulfillmentApproval), "error": err.Error(),
			})
		}

		s.publishTransition(ctx, updated.ID, domain.EventCancel, prev, updated.State, now)
		s.notify(ctx, Notification{
			Kind:        notifyCancellationConfirmed,
			OrderItemID: updated.ID,
			Payload:     map[string]string{"refund_id": refund.ID},
		})

		return CancellationResult{Item: updated, Refund: &refund}, nil
	}

	return CancellationResult{}, fmt.Errorf("%w: item %s: %v", ErrConflict, itemID, lastErr)
}

// markApprovalPending records the outstanding seller-approval request and
// schedules the SLA deadline. Repeated cancellation attempts while pending
// are idempotent.
func (s *lifecycleService) markApprovalPending(ctx context.Context, item domain.OrderItem, cfg domain.PolicyConfig, now time.Time) (CancellationResult, error) {
	if item.ApprovalRequested != nil {
		return CancellationResult{Item: item, PendingApproval: true}, nil
	}

	updated, err := s.updateItemWithRetry(ctx, item.ID, func(current *domain.OrderItem) error {
		if current.State != domain.StateEnteredFulfillment {
			return fmt.Errorf("%w: item left the fulfillment state", ErrConflict)
		}
		if current.ApprovalRequested == nil {
			current.ApprovalRequested = &now
			current.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return CancellationResult{}, err
	}

	sla := cfg.ApprovalSLA
	if sla <= 0 {
		sla = 24 * time.Hour
	}
	if _, err := s.deadlines.Schedule(ctx, domain.Deadline{
		ID:          deadlineIDPrefix + s.newID(),
		OrderItemID: updated.ID,
		Kind:        domain.DeadlineFulfillmentApproval,
		DueAt:       nextBusinessInstant(now.Add(sla)),
		Status:      domain.DeadlinePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return CancellationResult{}, mapRepositoryError(err)
	}

	s.notify(ctx, Notification{Kind: notifyApprovalRequested, OrderItemID: updated.ID})
	return CancellationResult{Item: updated, PendingApproval: true}, nil
}

func (s *lifecycleService) ResolveCancellationApproval(ctx context.Context, cmd ApprovalCommand) (OrderItem, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order item id is required", ErrInvalidInput)
	}

	cfg, err := s.policyConfig(ctx)
	if err != nil {
		return OrderItem{}, err
	}
	now := s.now()

	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		return OrderItem{}, mapRepositoryError(err)
	}
	if item.SellerType != domain.SellerThirdParty || item.ApprovalRequested == nil {
		return OrderItem{}, fmt.Errorf("%w: no cancellation approval pending for item %s", ErrInvalidTransition, itemID)
	}

	if err := s.deadlines.Cancel(ctx, itemID, domain.DeadlineFulfillmentApproval); err != nil {
		s.logger(ctx, "lifecycle.deadline.cancel.failed", map[string]any{
			"item": itemID, "kind": string(domain.DeadlineFulfillmentApproval), "error": err.Error(),
		})
	}

	if !cmd.Approve {
		updated, err := s.updateItemWithRetry(ctx, itemID, func(current *domain.OrderItem) error {
			current.ApprovalRequested = nil
			current.UpdatedAt = now
			return nil
		})
		if err != nil {
			return OrderItem{}, err
		}
		s.notify(ctx, Notification{Kind: notifyCancellationDenied, OrderItemID: updated.ID})
		return updated, nil
	}

	var snapshot domain.OrderItem
	var prev domain.ItemState
	updated, err := s.updateItemWithRetry(ctx, itemID, func(current *domain.OrderItem) error {
		if current.State != domain.StateEnteredFulfillment {
			return fmt.Errorf("%w: item in state %q cannot be approval-canceled", ErrInvalidTransition, current.State)
		}
		snapshot = *current
		prev = current.State
		current.SellerApprovedAt = &now
		if err := applyTransition(current, domain.EventCancel, now); err != nil {
			return err
		}
		current.QuantityCanceled = current.Quantity - current.QuantityReturned
		return nil
	})
	if err != nil {
		// A retried approval whose earlier settlement failed finds the item
		// already canceled; settle the owed refund instead of rejecting.
		if errors.Is(err, ErrInvalidTransition) {
			current, findErr := s.items.FindByID(ctx, itemID)
			if findErr == nil && current.State == domain.StateCanceled {
				result, recovered, recoverErr := s.recoverCancellationSettlement(ctx, current, cfg, now)
				if recoverErr != nil {
					return OrderItem{}, recoverErr
				}
				if recovered {
					return result.Item, nil
				}
			}
		}
		return OrderItem{}, err
	}

	refund, err := s.settleCancellation(ctx, snapshot, cfg, now)
	if err != nil {
		return OrderItem{}, err
	}

	s.publishTransition(ctx, updated.ID, domain.EventCancel, prev, updated.State, now)
	s.notify(ctx, Notification{
		Kind:        notifyCancellationConfirmed,
		OrderItemID: updated.ID,
		Payload:     map[string]string{"refund_id": refund.ID, "approved_by": strings.TrimSpace(cmd.ActorID)},
	})

	return updated, nil
}

func (s *lifecycleService) InitiateReturn(ctx context.Context, cmd InitiateReturnCommand) (ReturnRequest, error) {
	itemID := strings.TrimSpace(cmd.OrderItemID)
	if itemID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: order item id is required", ErrInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return ReturnRequest{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	switch cmd.Method {
	case domain.ReturnMethodFreeDropoff, domain.ReturnMethodPaidShipping:
	default:
		return ReturnRequest{}, fmt.Errorf("%w: unknown return method %q", ErrInvalidInput, cmd.Method)
	}

	cfg, err := s.policyConfig(ctx)
	if err != nil {
		return ReturnRequest{}, err
	}

	var lastErr error
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		now := s.now()
		item, err := s.items.FindByID(ctx, itemID)
		if err != nil {
			return ReturnRequest{}, mapRepositoryError(err)
		}

		decision := EvaluateReturn(item, cmd.Reason, cfg, now)
		if !decision.Allowed {
			return ReturnRequest{}, denied(decision.Reason)
		}

		available := item.Quantity - item.QuantityCanceled - item.QuantityReturned
		if cmd.Quantity > available {
			return ReturnRequest{}, fmt.Errorf("%w: requested quantity %d exceeds remaining %d", ErrInvalidInput, cmd.Quantity, available)
		}

		prev := item.State
		if err := applyTransition(&item, domain.EventRequestReturn, now); err != nil {
			return ReturnRequest{}, err
		}

		updated, err := s.items.Update(ctx, item)
		if err != nil {
			if isConflict(err) {
				lastErr = err
				continue
			}
			return ReturnRequest{}, mapRepositoryError(err)
		}

		carrierFee := int64(0)
		if cmd.Method == domain.ReturnMethodPaidShipping {
			carrierFee = cmd.CarrierFee
		}

		request := domain.ReturnRequest{
			ID:            returnIDPrefix + s.newID(),
			OrderItemID:   updated.ID,
			Quantity:      cmd.Quantity,
			Reason:        cmd.Reason,
			Method:        cmd.Method,
			ReturnBy:      ReturnWindowEnd(*updated.Timestamps.DeliveredAt, cfg),
			LabelRequired: cmd.Method == domain.ReturnMethodFreeDropoff,
			CarrierFee:    carrierFee,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.returns.Insert(ctx, request); err != nil {
			return ReturnRequest{}, mapRepositoryError(err)
		}

		s.scheduleReturnDeadlines(ctx, updated.ID, request.ReturnBy, cfg, now)

		s.publishTransition(ctx, updated.ID, domain.EventRequestReturn, prev, updated.State, now)
		s.notify(ctx, Notification{
			Kind:            notifyReturnInitiated,
			OrderItemID:     updated.ID,
			ReturnRequestID: request.ID,
			Payload: map[string]string{
				"return_by": request.ReturnBy.Format(time.RFC3339),
				"method":    string(request.Method),
			},
		})

		return request, nil
	}

	return ReturnRequest{}, fmt.Errorf("%w: item %s: %v", ErrConflict, itemID, lastErr)
}

func (s *lifecycleService) RecordCarrierScan(ctx context.Context, cmd CarrierScanCommand) (CarrierScanResult, error) {
	returnID := strings.TrimSpace(cmd.ReturnRequestID)
	if returnID == "" {
		return CarrierScanResult{}, fmt.Errorf("%w: return request id is required", ErrInvalidInput)
	}

	request, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return CarrierScanResult{}, mapRepositoryError(err)
	}
	// A repeated scan for the same shipment is a no-op.
	if request.Received || request.CarrierFirstScan != nil {
		return CarrierScanResult{Return: request}, nil
	}

	cfg, err := s.policyConfig(ctx)
	if err != nil {
		return CarrierScanResult{}, err
	}

	now := s.now()
	scannedAt := cmd.ScannedAt.UTC()
	if scannedAt.IsZero() {
		scannedAt = now
	}

	item, err := s.items.FindByID(ctx, request.OrderItemID)
	if err != nil {
		return CarrierScanResult{}, mapRepositoryError(err)
	}

	if item.State == domain.StateReturnRequested {
		var prev domain.ItemState
		item, err = s.updateItemWithRetry(ctx, item.ID, func(current *domain.OrderItem) error {
			if current.State != domain.StateReturnRequested {
				return nil
			}
			prev = current.State
			return applyTransition(current, domain.EventAwaitReturn, now)
		})
		if err != nil {
			return CarrierScanResult{}, err
		}
		if prev != "" {
			s.publishTransition(ctx, item.ID, domain.EventAwaitReturn, prev, item.State, now)
		}
	}

	request.CarrierFirstScan = &scannedAt
	request.DropoffAt = &scannedAt
	request.UpdatedAt = now

	result := CarrierScanResult{}
	// Prepaid drop-offs scanned inside the window earn an advance refund;
	// the claw-back path covers shipments that never arrive.
	if request.Method == domain.ReturnMethodFreeDropoff && !scannedAt.After(request.ReturnBy) {
		// A retried webhook whose earlier request update failed must reuse
		// the advance already on file rather than pay it twice.
		advance, _, err := s.priorRecords(ctx, item.ID, request.ID)
		if err != nil {
			return CarrierScanResult{}, err
		}

		var refund RefundRecord
		if advance != nil {
			refund = *advance
		} else {
			usable, err := s.instrumentUsable(ctx, item)
			if err != nil {
				return CarrierScanResult{}, err
			}
			record, err := s.calculator.Compute(RefundInput{
				Item:             item,
				Config:           cfg,
				Request:          &request,
				AdvanceOnScan:    true,
				InstrumentUsable: usable,
				Now:              now,
			})
			if err != nil {
				return CarrierScanResult{}, err
			}
			refund, err = s.appendRefund(ctx, record, now)
			if err != nil {
				return CarrierScanResult{}, err
			}
		}

		request.AdvanceRefunded = true
		result.AdvanceRefundTriggered = true
		result.Refund = &refund
	}

	updatedRequest, err := s.returns.Update(ctx, request)
	if err != nil {
		return CarrierScanResult{}, mapRepositoryError(err)
	}
	result.Return = updatedRequest

	if item.Flags.GlobalStore && cfg.GlobalStoreTransitDays > 0 {
		if _, err := s.deadlines.Schedule(ctx, domain.Deadline{
			ID:          deadlineIDPrefix + s.newID(),
			OrderItemID: item.ID,
			Kind:        domain.DeadlineGlobalTransit,
			DueAt:       scannedAt.AddDate(0, 0, cfg.GlobalStoreTransitDays),
			Status:      domain.DeadlinePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			s.logger(ctx, "lifecycle.deadline.schedule.failed", map[string]any{
				"item": item.ID, "kind": string(domain.DeadlineGlobalTransit), "error": err.Error(),
			})
		}
	}

	kind := notifyReturnInTransit
	payload := map[string]string{"scanned_at": scannedAt.Format(time.RFC3339)}
	if result.AdvanceRefundTriggered {
		kind = notifyAdvanceRefundIssued
		payload["refund_id"] = result.Refund.ID
	}
	s.notify(ctx, Notification{
		Kind:            kind,
		OrderItemID:     item.ID,
		ReturnRequestID: updatedRequest.ID,
		Payload:         payload,
	})

	return result, nil
}

func (s *lifecycleService) RecordReceipt(ctx context.Context, cmd ReceiptCommand) (RefundRecord, error) {
	returnID := strings.TrimSpace(cmd.ReturnRequestID)
	if returnID == "" {
		return RefundRecord{}, fmt.Errorf("%w: return request id is required", ErrInvalidInput)
	}
	if err := validateConditionReport(cmd.Report); err != nil {
		return RefundRecord{}, err
	}

	request, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return RefundRecord{}, mapRepositoryError(err)
	}
	if request.Received {
		return RefundRecord{}, fmt.Errorf("%w: return %s already received", ErrConflict, returnID)
	}

	cfg, err := s.policyConfig(ctx)
	if err != nil {
		return RefundRecord{}, err
	}
	now := s.now()

	item, err := s.items.FindByID(ctx, request.OrderItemID)
	if err != nil {
		return RefundRecord{}, mapRepositoryError(err)
	}
	wasChargedBack := item.State == domain.StateChargedBack

	report := cmd.Report
	if report.InspectedAt.IsZero() {
		report.InspectedAt = now
	}

	request.Received = true
	request.Report = &report
	if cmd.PostagePaid > 0 {
		request.PostagePaid = cmd.PostagePaid
	}
	request.UpdatedAt = now

	priorAdvance, priorChargeback, err := s.priorRecords(ctx, item.ID, request.ID)
	if err != nil {
		return RefundRecord{}, err
	}

	usable, err := s.instrumentUsable(ctx, item)
	if err != nil {
		return RefundRecord{}, err
	}

	record, err := s.calculator.Compute(RefundInput{
		Item:             item,
		Config:           cfg,
		Request:          &request,
		Report:           &report,
		InstrumentUsable: usable,
		PriorAdvance:     priorAdvance,
		PriorChargeback:  priorChargeback,
		Now:              now,
	})
	if err != nil {
		return RefundRecord{}, err
	}

	refund, err := s.appendRefund(ctx, record, now)
	if err != nil {
		return RefundRecord{}, err
	}

	if _, err := s.returns.Update(ctx, request); err != nil {
		return RefundRecord{}, mapRepositoryError(err)
	}

	// A late arrival after a chargeback re-enters the receipt path through the
	// explicit reversal event so the transition table and timestamps agree.
	receiptEvent := domain.EventReceiveReturn
	if wasChargedBack {
		receiptEvent = domain.EventReverseCharge
	}

	var prev domain.ItemState
	updated, err := s.updateItemWithRetry(ctx, item.ID, func(current *domain.OrderItem) error {
		prev = current.State
		if err := applyTransition(current, receiptEvent, now); err != nil {
			return err
		}
		if err := applyTransition(current, domain.EventRefund, now); err != nil {
			return err
		}
		current.QuantityReturned += request.Quantity
		return nil
	})
	if err != nil {
		return RefundRecord{}, err
	}

	s.cancelReturnDeadlines(ctx, updated.ID)

	s.publishTransition(ctx, updated.ID, receiptEvent, prev, domain.StateReturnReceived, now)
	s.publishTransition(ctx, updated.ID, domain.EventRefund, domain.StateReturnReceived, updated.State, now)
	if wasChargedBack {
		s.notify(ctx, Notification{
			Kind:            notifyChargeReversed,
			OrderItemID:     updated.ID,
			ReturnRequestID: request.ID,
			Payload:         map[string]string{"refund_id": refund.ID},
		})
	}
	s.notify(ctx, Notification{
		Kind:            notifyRefundSettled,
		OrderItemID:     updated.ID,
		ReturnRequestID: request.ID,
		Payload:         map[string]string{"refund_id": refund.ID},
	})

	return refund, nil
}

// ExpireDeadline re-enters the state machine when a claimed deadline fires.
func (s *lifecycleService) ExpireDeadline(ctx context.Context, deadline Deadline, now time.Time) error {
	switch deadline.Kind {
	case domain.DeadlineReminder:
		request, err := s.returns.FindOpenByItem(ctx, deadline.OrderItemID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if request.Received {
			return nil
		}
		s.notify(ctx, Notification{
			Kind:            notifyReturnReminder,
			OrderItemID:     deadline.OrderItemID,
			ReturnRequestID: request.ID,
			Payload:         map[string]string{"return_by": request.ReturnBy.Format(time.RFC3339)},
		})
		return nil

	case domain.DeadlineReturnBy:
		return s.expireReturnBy(ctx, deadline, now)

	case domain.DeadlineGlobalTransit:
		request, err := s.returns.FindOpenByItem(ctx, deadline.OrderItemID)
		if err != nil {
			return mapRepositoryError(err)
		}
		if request.Received {
			return nil
		}
		s.notify(ctx, Notification{
			Kind:            notifyTransitExceeded,
			OrderItemID:     deadline.OrderItemID,
			ReturnRequestID: request.ID,
		})
		return nil

	case domain.DeadlineFulfillmentApproval:
		return s.expireApprovalSLA(ctx, deadline, now)

	default:
		return fmt.Errorf("%w: unknown deadline kind %q", ErrInvalidInput, deadline.Kind)
	}
}

// expireReturnBy claws back an advance refund when the return never arrived.
func (s *lifecycleService) expireReturnBy(ctx context.Context, deadline Deadline, now time.Time) error {
	request, err := s.returns.FindOpenByItem(ctx, deadline.OrderItemID)
	if err != nil {
		return mapRepositoryError(err)
	}
	if request.Received {
		return nil
	}

	if !request.AdvanceRefunded {
		s.notify(ctx, Notification{
			Kind:            notifyReturnOverdue,
			OrderItemID:     deadline.OrderItemID,
			ReturnRequestID: request.ID,
		})
		return nil
	}

	advance, _, err := s.priorRecords(ctx, deadline.OrderItemID, request.ID)
	if err != nil {
		return err
	}
	if advance == nil {
		return fmt.Errorf("%w: advance refund record missing for return %s", ErrConfigInconsistent, request.ID)
	}

	var prev domain.ItemState
	updated, err := s.updateItemWithRetry(ctx, deadline.OrderItemID, func(current *domain.OrderItem) error {
		prev = current.State
		return applyTransition(current, domain.EventChargeBack, now)
	})
	if err != nil {
		return err
	}

	record, err := s.calculator.ChargebackRecord(*advance)
	if err != nil {
		return err
	}
	chargeback, err := s.appendRefund(ctx, record, now)
	if err != nil {
		return err
	}

	s.publishTransition(ctx, updated.ID, domain.EventChargeBack, prev, updated.State, now)
	s.notify(ctx, Notification{
		Kind:            notifyChargedBack,
		OrderItemID:     updated.ID,
		ReturnRequestID: request.ID,
		Payload:         map[string]string{"refund_id": chargeback.ID},
	})

	return nil
}

// expireApprovalSLA resolves a lapsed seller-approval request per config.
func (s *lifecycleService) expireApprovalSLA(ctx context.Context, deadline Deadline, now time.Time) error {
	cfg, err := s.policyConfig(ctx)
	if err != nil {
		return err
	}

	switch cfg.ApprovalAutoResolve {
	case domain.ApprovalResolveApprove:
		_, err := s.ResolveCancellationApproval(ctx, ApprovalCommand{
			OrderItemID: deadline.OrderItemID,
			Approve:     true,
			ActorID:     "policy:auto_resolve",
		})
		return err
	case domain.ApprovalResolveDeny:
		_, err := s.ResolveCancellationApproval(ctx, ApprovalCommand{
			OrderItemID: deadline.OrderItemID,
			Approve:     false,
			ActorID:     "policy:auto_resolve",
		})
		return err
	default:
		// No auto-resolution configured; the request stays pending.
		s.notify(ctx, Notification{Kind: notifyApprovalPending, OrderItemID: deadline.OrderItemID})
		return nil
	}
}

func (s *lifecycleService) GetItem(ctx context.Context, itemID string) (OrderItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order item id is required", ErrInvalidInput)
	}
	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		return OrderItem{}, mapRepositoryError(err)
	}
	return item, nil
}

func (s *lifecycleService) GetReturn(ctx context.Context, returnID string) (ReturnRequest, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return request id is required", ErrInvalidInput)
	}
	request, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, mapRepositoryError(err)
	}
	return request, nil
}

func (s *lifecycleService) ListRefunds(ctx context.Context, itemID string) ([]RefundRecord, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, fmt.Errorf("%w: order item id is required", ErrInvalidInput)
	}
	records, err := s.refunds.ListByItem(ctx, itemID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return records, nil
}

// settleCancellation appends the immediate refund for a committed cancellation.
// Cancellations carry no deductions: nothing shipped, nothing to inspect.
func (s *lifecycleService) settleCancellation(ctx context.Context, snapshot domain.OrderItem, cfg domain.PolicyConfig, now time.Time) (RefundRecord, error) {
	usable, err := s.instrumentUsable(ctx, snapshot)
	if err != nil {
		return RefundRecord{}, err
	}

	record, err := s.calculator.Compute(RefundInput{
		Item:             snapshot,
		Config:           cfg,
		InstrumentUsable: usable,
		Now:              now,
	})
	if err != nil {
		return RefundRecord{}, err
	}
	return s.appendRefund(ctx, record, now)
}

// recoverCancellationSettlement finishes a cancellation whose item update
// committed but whose refund append did not. A canceled item with no
// settlement on file still owes the buyer, so the retried request settles the
// refund instead of reporting a terminal state.
func (s *lifecycleService) recoverCancellationSettlement(ctx context.Context, item domain.OrderItem, cfg domain.PolicyConfig, now time.Time) (CancellationResult, bool, error) {
	if item.QuantityCanceled <= 0 {
		return CancellationResult{}, false, nil
	}

	records, err := s.refunds.ListByItem(ctx, item.ID)
	if err != nil {
		return CancellationResult{}, false, mapRepositoryError(err)
	}
	for _, record := range records {
		// Cancellation settlements carry no return link. Reimbursement-only
		// records (gross zero) such as a shipping-fee refund do not count.
		if record.ReturnRequestID == "" && record.GrossAmount > 0 {
			return CancellationResult{}, false, nil
		}
	}

	// The calculator settles the quantity the committed cancellation claimed.
	snapshot := item
	snapshot.QuantityCanceled = 0
	refund, err := s.settleCancellation(ctx, snapshot, cfg, now)
	if err != nil {
		return CancellationResult{}, false, err
	}

	s.notify(ctx, Notification{
		Kind:        notifyCancellationConfirmed,
		OrderItemID: item.ID,
		Payload:     map[string]string{"refund_id": refund.ID},
	})

	return CancellationResult{Item: item, Refund: &refund}, true, nil
}

func (s *lifecycleService) scheduleReturnDeadlines(ctx context.Context, itemID string, returnBy time.Time, cfg domain.PolicyConfig, now time.Time) {
	schedule := func(kind domain.DeadlineKind, due time.Time) {
		if !due.After(now) {
			return
		}
		if _, err := s.deadlines.Schedule(ctx, domain.Deadline{
			ID:          deadlineIDPrefix + s.newID(),
			OrderItemID: itemID,
			Kind:        kind,
			DueAt:       due,
			Status:      domain.DeadlinePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			s.logger(ctx, "lifecycle.deadline.schedule.failed", map[string]any{
				"item": itemID, "kind": string(kind), "error": err.Error(),
			})
		}
	}

	schedule(domain.DeadlineReturnBy, returnBy)

	lead := cfg.ReminderLeadDays
	if lead <= 0 {
		lead = defaultReminderLeadDays
	}
	schedule(domain.DeadlineReminder, returnBy.AddDate(0, 0, -lead))
}

func (s *lifecycleService) cancelReturnDeadlines(ctx context.Context, itemID string) {
	for _, kind := range []domain.DeadlineKind{domain.DeadlineReturnBy, domain.DeadlineReminder, domain.DeadlineGlobalTransit} {
		if err := s.deadlines.Cancel(ctx, itemID, kind); err != nil {
			s.logger(ctx, "lifecycle.deadline.cancel.failed", map[string]any{
				"item": itemID, "kind": string(kind), "error": err.Error(),
			})
		}
	}
}

// priorRecords finds the advance refund and its chargeback for a return, if any.
func (s *lifecycleService) priorRecords(ctx context.Context, itemID, returnID string) (advance, chargeback *domain.RefundRecord, err error) {
	records, err := s.refunds.ListByItem(ctx, itemID)
	if err != nil {
		return nil, nil, mapRepositoryError(err)
	}

	for i := range records {
		record := records[i]
		if record.ReturnRequestID != returnID {
			continue
		}
		switch {
		case record.Type == domain.RefundTypeAdvance || (record.Type == domain.RefundTypeGift && record.ReversalOf == "" && isAdvanceShaped(record)):
			advance = &records[i]
		case record.Type == domain.RefundTypeReversal && hasChargebackOffset(record):
			chargeback = &records[i]
		}
	}
	return advance, chargeback, nil
}

// isAdvanceShaped recognises a gift-typed record that was issued at first
// scan: no deductions and no reversal link.
func isAdvanceShaped(record domain.RefundRecord) bool {
	return len(record.Deductions) == 0 && record.ReversalOf == ""
}

func hasChargebackOffset(record domain.RefundRecord) bool {
	for _, d := range record.Deductions {
		if d.Kind == domain.DeductionChargebackOffset {
			return true
		}
	}
	return false
}

func (s *lifecycleService) appendRefund(ctx context.Context, record domain.RefundRecord, now time.Time) (RefundRecord, error) {
	record.ID = refundIDPrefix + s.newID()
	record.SettledAt = now
	if err := s.refunds.Append(ctx, record); err != nil {
		return RefundRecord{}, mapRepositoryError(err)
	}
	return record, nil
}

func (s *lifecycleService) instrumentUsable(ctx context.Context, item domain.OrderItem) (bool, error) {
	if s.instruments == nil || strings.TrimSpace(item.PaymentToken) == "" {
		return true, nil
	}
	usable, err := s.instruments.InstrumentUsable(ctx, item.PaymentToken)
	if err != nil {
		return false, fmt.Errorf("%w: instrument lookup: %v", ErrUnavailable, err)
	}
	return usable, nil
}

func (s *lifecycleService) policyConfig(ctx context.Context) (domain.PolicyConfig, error) {
	cfg, err := s.policies.Current(ctx)
	if err != nil {
		return domain.PolicyConfig{}, fmt.Errorf("%w: load policy config: %v", ErrUnavailable, err)
	}
	if cfg.Version == "" || cfg.ReturnWindowDays <= 0 || cfg.SettlementCurrency == "" {
		return domain.PolicyConfig{}, fmt.Errorf("%w: policy snapshot incomplete", ErrConfigInconsistent)
	}
	return cfg, nil
}

func (s *lifecycleService) updateItemWithRetry(ctx context.Context, itemID string, mutate func(*domain.OrderItem) error) (domain.OrderItem, error) {
	var lastErr error
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		item, err := s.items.FindByID(ctx, itemID)
		if err != nil {
			return domain.OrderItem{}, mapRepositoryError(err)
		}
		if err := mutate(&item); err != nil {
			return domain.OrderItem{}, err
		}
		updated, err := s.items.Update(ctx, item)
		if err == nil {
			return updated, nil
		}
		if isConflict(err) {
			lastErr = err
			continue
		}
		return domain.OrderItem{}, mapRepositoryError(err)
	}
	return domain.OrderItem{}, fmt.Errorf("%w: item %s: %v", ErrConflict, itemID, lastErr)
}

func (s *lifecycleService) publishTransition(ctx context.Context, itemID string, event domain.ItemEvent, from, to domain.ItemState, now time.Time) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishEvent(ctx, EventMessage{
		EventID:     eventIDPrefix + s.newID(),
		OrderItemID: itemID,
		Event:       string(event),
		FromState:   string(from),
		ToState:     string(to),
		OccurredAt:  now,
	}); err != nil {
		s.logger(ctx, "lifecycle.event.publish.failed", map[string]any{
			"item": itemID, "event": string(event), "error": err.Error(),
		})
	}
}

func (s *lifecycleService) notify(ctx context.Context, message Notification) {
	if s.notifications == nil {
		return
	}
	if _, err := s.notifications.PublishNotification(ctx, message); err != nil {
		s.logger(ctx, "lifecycle.notification.publish.failed", map[string]any{
			"kind": message.Kind, "item": message.OrderItemID, "error": err.Error(),
		})
	}
}

func (s *lifecycleService) now() time.Time {
	return s.clock()
}

func validateConditionReport(report domain.ConditionReport) error {
	switch report.Condition {
	case domain.ConditionUnopened, domain.ConditionOpened, domain.ConditionActivated,
		domain.ConditionUsed, domain.ConditionMissingParts, domain.ConditionDamaged:
	default:
		return fmt.Errorf("%w: unknown item condition %q", ErrInvalidInput, report.Condition)
	}
	if report.DamageSeverity < 0 || report.DamageSeverity > 1 {
		return fmt.Errorf("%w: damage severity must be within [0, 1]", ErrInvalidInput)
	}
	return nil
}

// nextBusinessInstant pushes a due time that lands on a weekend forward to
// the same time on Monday. Holidays are out of scope.
func nextBusinessInstant(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, 2)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	default:
		return t
	}
}
