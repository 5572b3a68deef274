package services

import (
	"context"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination          = domain.Pagination
	OrderItem           = domain.OrderItem
	Order               = domain.Order
	ReturnRequest       = domain.ReturnRequest
	ConditionReport     = domain.ConditionReport
	RefundRecord        = domain.RefundRecord
	Deadline            = domain.Deadline
	PolicyConfig        = domain.PolicyConfig
	ShippingEligibility = domain.ShippingEligibility
	SystemHealthReport  = domain.SystemHealthReport
)

// LifecycleService owns per-item state transitions and the refund settlements
// they trigger. Every mutating call is idempotent for a given item version.
type LifecycleService interface {
	RegisterItem(ctx context.Context, cmd RegisterItemCommand) (OrderItem, error)
	ApplyEvent(ctx context.Context, cmd ApplyEventCommand) (OrderItem, error)
	RequestCancellation(ctx context.Context, cmd CancellationCommand) (CancellationResult, error)
	ResolveCancellationApproval(ctx context.Context, cmd ApprovalCommand) (OrderItem, error)
	InitiateReturn(ctx context.Context, cmd InitiateReturnCommand) (ReturnRequest, error)
	RecordCarrierScan(ctx context.Context, cmd CarrierScanCommand) (CarrierScanResult, error)
	RecordReceipt(ctx context.Context, cmd ReceiptCommand) (RefundRecord, error)
	ExpireDeadline(ctx context.Context, deadline Deadline, now time.Time) error
	GetItem(ctx context.Context, itemID string) (OrderItem, error)
	GetReturn(ctx context.Context, returnID string) (ReturnRequest, error)
	ListRefunds(ctx context.Context, itemID string) ([]RefundRecord, error)
}

// ShippingEligibilityService derives free-shipping and guaranteed-delivery
// outcomes for an order snapshot and persists the derived attributes.
type ShippingEligibilityService interface {
	Evaluate(ctx context.Context, snapshot Order) (ShippingEligibility, error)
}

// DeadlineService drains due deadlines exactly once per deadline.
type DeadlineService interface {
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)
}

// PolicyProvider serves the immutable policy snapshot held fixed for the
// duration of one evaluation.
type PolicyProvider interface {
	Current(ctx context.Context) (domain.PolicyConfig, error)
}

// InstrumentChecker reports whether the original payment instrument can still
// receive a refund. An unusable instrument routes the refund to the buyer's
// account balance.
type InstrumentChecker interface {
	InstrumentUsable(ctx context.Context, token string) (bool, error)
}

// DamageSeverityScorer maps an inspection report onto the 0..1 severity scale
// applied against the damage-fee ceiling. Pluggable so marketplaces can tune
// scoring without touching the calculator.
type DamageSeverityScorer interface {
	Score(report domain.ConditionReport) float64
}

// LinearDamageScorer passes the inspector-reported severity through, clamped
// to the valid range.
type LinearDamageScorer struct{}

// Score implements DamageSeverityScorer.
func (LinearDamageScorer) Score(report domain.ConditionReport) float64 {
	severity := report.DamageSeverity
	if severity < 0 {
		return 0
	}
	if severity > 1 {
		return 1
	}
	return severity
}

// EventMessage is the lifecycle event payload published for downstream consumers.
type EventMessage struct {
	EventID     string    `json:"eventId"`
	OrderItemID string    `json:"orderItemId"`
	Event       string    `json:"event"`
	FromState   string    `json:"fromState"`
	ToState     string    `json:"toState"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// EventPublisher publishes lifecycle events. Failures are logged, never block
// the committing transition.
type EventPublisher interface {
	PublishEvent(ctx context.Context, message EventMessage) (string, error)
}

// Notification is a buyer/seller-facing message handed to downstream delivery
// workers. The engine never sends email or SMS itself.
type Notification struct {
	Kind            string            `json:"kind"`
	OrderItemID     string            `json:"orderItemId"`
	ReturnRequestID string            `json:"returnRequestId,omitempty"`
	Payload         map[string]string `json:"payload,omitempty"`
}

// NotificationSink publishes notifications fire-and-forget.
type NotificationSink interface {
	PublishNotification(ctx context.Context, message Notification) (string, error)
}

// Decision is the structured outcome of an eligibility evaluation. Denials
// carry the specific rule that fired so callers can explain the outcome
// without re-deriving policy.
type Decision struct {
	Allowed       bool
	Reason        DenialReason
	DaysRemaining int
}

// DenialReason names the rule that blocked an action.
type DenialReason struct {
	Code    string
	Message string
	Suggest string
}

// RegisterItemCommand seeds a new order item from the checkout boundary.
type RegisterItemCommand struct {
	OrderID      string
	SellerType   domain.SellerType
	Category     string
	UnitPrice    int64
	Currency     string
	FXRate       float64
	Quantity     int
	Jurisdiction string
	Flags        domain.ItemFlags
	PaymentToken string
}

// ApplyEventCommand drives a fulfillment-side transition (confirm, ship,
// deliver, and friends) supplied by trusted machine callers.
type ApplyEventCommand struct {
	OrderItemID string
	Event       domain.ItemEvent
	ActorID     string
	OccurredAt  *time.Time
}

// CancellationCommand requests cancellation of an order item.
type CancellationCommand struct {
	OrderItemID string
	Reason      domain.ReasonCode
	ActorID     string
}

// CancellationResult reports the committed state and, when the cancellation
// settled immediately, the refund record it produced.
type CancellationResult struct {
	Item            OrderItem
	Refund          *RefundRecord
	PendingApproval bool
}

// ApprovalCommand resolves a pending third-party cancellation approval.
type ApprovalCommand struct {
	OrderItemID string
	Approve     bool
	ActorID     string
}

// InitiateReturnCommand opens a return for part or all of an item's quantity.
type InitiateReturnCommand struct {
	OrderItemID string
	Quantity    int
	Reason      domain.ReasonCode
	Method      domain.ReturnMethod
	CarrierFee  int64
	Notes       string
}

// CarrierScanCommand records the carrier's first scan of a return shipment.
type CarrierScanCommand struct {
	ReturnRequestID string
	ScannedAt       time.Time
}

// CarrierScanResult reports whether the scan triggered an advance refund.
type CarrierScanResult struct {
	Return                 ReturnRequest
	AdvanceRefundTriggered bool
	Refund                 *RefundRecord
}

// ReceiptCommand records physical receipt and inspection of a return.
type ReceiptCommand struct {
	ReturnRequestID string
	Report          domain.ConditionReport
	PostagePaid     int64
	ActorID         string
}

// SweepResult summarises one deadline sweep pass.
type SweepResult struct {
	Due     int
	Fired   int
	Skipped int
	Failed  int
}
