package handlers

import (
	"context"
	"errors"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/services"
)

var errStubNotWired = errors.New("stub method not wired")

type stubLifecycleService struct {
	registerItemFn    func(ctx context.Context, cmd services.RegisterItemCommand) (services.OrderItem, error)
	applyEventFn      func(ctx context.Context, cmd services.ApplyEventCommand) (services.OrderItem, error)
	requestCancelFn   func(ctx context.Context, cmd services.CancellationCommand) (services.CancellationResult, error)
	resolveApprovalFn func(ctx context.Context, cmd services.ApprovalCommand) (services.OrderItem, error)
	initiateReturnFn  func(ctx context.Context, cmd services.InitiateReturnCommand) (services.ReturnRequest, error)
	carrierScanFn     func(ctx context.Context, cmd services.CarrierScanCommand) (services.CarrierScanResult, error)
	recordReceiptFn   func(ctx context.Context, cmd services.ReceiptCommand) (services.RefundRecord, error)
	expireDeadlineFn  func(ctx context.Context, deadline services.Deadline, now time.Time) error
	getItemFn         func(ctx context.Context, itemID string) (services.OrderItem, error)
	getReturnFn       func(ctx context.Context, returnID string) (services.ReturnRequest, error)
	listRefundsFn     func(ctx context.Context, itemID string) ([]services.RefundRecord, error)
}

var _ services.LifecycleService = (*stubLifecycleService)(nil)

func (s *stubLifecycleService) RegisterItem(ctx context.Context, cmd services.RegisterItemCommand) (services.OrderItem, error) {
	if s.registerItemFn == nil {
		return services.OrderItem{}, errStubNotWired
	}
	return s.registerItemFn(ctx, cmd)
}

func (s *stubLifecycleService) ApplyEvent(ctx context.Context, cmd services.ApplyEventCommand) (services.OrderItem, error) {
	if s.applyEventFn == nil {
		return services.OrderItem{}, errStubNotWired
	}
	return s.applyEventFn(ctx, cmd)
}

func (s *stubLifecycleService) RequestCancellation(ctx context.Context, cmd services.CancellationCommand) (services.CancellationResult, error) {
	if s.requestCancelFn == nil {
		return services.CancellationResult{}, errStubNotWired
	}
	return s.requestCancelFn(ctx, cmd)
}

func (s *stubLifecycleService) ResolveCancellationApproval(ctx context.Context, cmd services.ApprovalCommand) (services.OrderItem, error) {
	if s.resolveApprovalFn == nil {
		return services.OrderItem{}, errStubNotWired
	}
	return s.resolveApprovalFn(ctx, cmd)
}

func (s *stubLifecycleService) InitiateReturn(ctx context.Context, cmd services.InitiateReturnCommand) (services.ReturnRequest, error) {
	if s.initiateReturnFn == nil {
		return services.ReturnRequest{}, errStubNotWired
	}
	return s.initiateReturnFn(ctx, cmd)
}

func (s *stubLifecycleService) RecordCarrierScan(ctx context.Context, cmd services.CarrierScanCommand) (services.CarrierScanResult, error) {
	if s.carrierScanFn == nil {
		return services.CarrierScanResult{}, errStubNotWired
	}
	return s.carrierScanFn(ctx, cmd)
}

func (s *stubLifecycleService) RecordReceipt(ctx context.Context, cmd services.ReceiptCommand) (services.RefundRecord, error) {
	if s.recordReceiptFn == nil {
		return services.RefundRecord{}, errStubNotWired
	}
	return s.recordReceiptFn(ctx, cmd)
}

func (s *stubLifecycleService) ExpireDeadline(ctx context.Context, deadline services.Deadline, now time.Time) error {
	if s.expireDeadlineFn == nil {
		return errStubNotWired
	}
	return s.expireDeadlineFn(ctx, deadline, now)
}

func (s *stubLifecycleService) GetItem(ctx context.Context, itemID string) (services.OrderItem, error) {
	if s.getItemFn == nil {
		return services.OrderItem{}, errStubNotWired
	}
	return s.getItemFn(ctx, itemID)
}

func (s *stubLifecycleService) GetReturn(ctx context.Context, returnID string) (services.ReturnRequest, error) {
	if s.getReturnFn == nil {
		return services.ReturnRequest{}, errStubNotWired
	}
	return s.getReturnFn(ctx, returnID)
}

func (s *stubLifecycleService) ListRefunds(ctx context.Context, itemID string) ([]services.RefundRecord, error) {
	if s.listRefundsFn == nil {
		return nil, errStubNotWired
	}
	return s.listRefundsFn(ctx, itemID)
}

type stubShippingService struct {
	evaluateFn func(ctx context.Context, snapshot services.Order) (services.ShippingEligibility, error)
}

var _ services.ShippingEligibilityService = (*stubShippingService)(nil)

func (s *stubShippingService) Evaluate(ctx context.Context, snapshot services.Order) (services.ShippingEligibility, error) {
	if s.evaluateFn == nil {
		return services.ShippingEligibility{}, errStubNotWired
	}
	return s.evaluateFn(ctx, snapshot)
}

type stubDeadlineService struct {
	sweepFn func(ctx context.Context, now time.Time) (services.SweepResult, error)
}

var _ services.DeadlineService = (*stubDeadlineService)(nil)

func (s *stubDeadlineService) Sweep(ctx context.Context, now time.Time) (services.SweepResult, error) {
	if s.sweepFn == nil {
		return services.SweepResult{}, errStubNotWired
	}
	return s.sweepFn(ctx, now)
}

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func sampleItem() domain.OrderItem {
	delivered := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)
	return domain.OrderItem{
		ID:         "itm_01HZX4TEST",
		OrderID:    "ord_01HZX4TEST",
		SellerType: domain.SellerFirstParty,
		Category:   "kitchen",
		UnitPrice:  10000,
		FX:         domain.FXSnapshot{Currency: "USD", Rate: 1},
		Quantity:   1,
		State:      domain.StateReturnWindowOpen,
		Timestamps: domain.ItemTimestamps{
			PlacedAt:    time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
			DeliveredAt: &delivered,
		},
		Jurisdiction: "US-WA",
		Flags:        domain.ItemFlags{PlatformFulfilled: true},
		PaymentToken: "pm_sample",
		Version:      3,
	}
}

func sampleReturn() domain.ReturnRequest {
	return domain.ReturnRequest{
		ID:            "ret_01HZX4TEST",
		OrderItemID:   "itm_01HZX4TEST",
		Quantity:      1,
		Reason:        domain.ReasonNoLongerNeeded,
		Method:        domain.ReturnMethodFreeDropoff,
		ReturnBy:      time.Date(2025, 4, 4, 9, 0, 0, 0, time.UTC),
		LabelRequired: true,
		Version:       1,
	}
}

func sampleRefund() domain.RefundRecord {
	return domain.RefundRecord{
		ID:          "ref_01HZX4TEST",
		OrderItemID: "itm_01HZX4TEST",
		Type:        domain.RefundTypeFull,
		GrossAmount: 10000,
		NetAmount:   10000,
		Currency:    "USD",
		Destination: domain.DestinationOriginalInstrument,
		SettledAt:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}
