package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// SellerType distinguishes platform-sold items from marketplace sellers.
type SellerType string

const (
	// SellerFirstParty marks items sold and fulfilled by the platform.
	SellerFirstParty SellerType = "first_party"
	// SellerThirdParty marks items sold by independent marketplace sellers.
	SellerThirdParty SellerType = "third_party"
)

// ItemState enumerates the closed set of lifecycle states for an order item.
type ItemState string

const (
	// StatePlaced indicates the item was ordered but not yet confirmed cancelable.
	StatePlaced ItemState = "placed"
	// StateCancelable indicates the item can still be canceled without seller involvement.
	StateCancelable ItemState = "cancelable"
	// StateCanceled is terminal: the item was canceled before shipment.
	StateCanceled ItemState = "canceled"
	// StateEnteredFulfillment indicates a seller or warehouse has begun preparing the item.
	StateEnteredFulfillment ItemState = "entered_fulfillment"
	// StateShipped indicates the item left the fulfillment center.
	StateShipped ItemState = "shipped"
	// StateDelivered indicates carrier-confirmed delivery.
	StateDelivered ItemState = "delivered"
	// StateReturnWindowOpen indicates the item is delivered and inside its return window.
	StateReturnWindowOpen ItemState = "return_window_open"
	// StateReturnRequested indicates the buyer initiated a return.
	StateReturnRequested ItemState = "return_requested"
	// StateAwaitingReturnReceipt indicates a return shipment is expected back.
	StateAwaitingReturnReceipt ItemState = "awaiting_return_receipt"
	// StateReturnReceived indicates the returned item was received and inspected.
	StateReturnReceived ItemState = "return_received"
	// StateRefunded is terminal: a refund record was settled for the item.
	StateRefunded ItemState = "refunded"
	// StateNonReturnable is terminal: category or final-sale flags block returns.
	StateNonReturnable ItemState = "non_returnable"
	// StateChargedBack indicates an advance refund was clawed back after the
	// return-by deadline expired without receipt. Reversible on late arrival.
	StateChargedBack ItemState = "charged_back"
)

// ItemEvent names the inputs that drive state transitions.
type ItemEvent string

const (
	// EventConfirm moves a freshly placed item into the cancelable window.
	EventConfirm ItemEvent = "confirm"
	// EventCancel requests cancellation of the item.
	EventCancel ItemEvent = "cancel"
	// EventEnterFulfillment records the seller/warehouse starting preparation.
	EventEnterFulfillment ItemEvent = "enter_fulfillment"
	// EventShip records the outbound carrier pickup.
	EventShip ItemEvent = "ship"
	// EventDeliver records carrier-confirmed delivery.
	EventDeliver ItemEvent = "deliver"
	// EventOpenReturnWindow opens the return window after delivery.
	EventOpenReturnWindow ItemEvent = "open_return_window"
	// EventMarkNonReturnable parks a delivered final-sale item in its terminal state.
	EventMarkNonReturnable ItemEvent = "mark_non_returnable"
	// EventRequestReturn records a buyer-initiated return.
	EventRequestReturn ItemEvent = "request_return"
	// EventAwaitReturn moves the item into the awaiting-receipt state once a label/dropoff exists.
	EventAwaitReturn ItemEvent = "await_return"
	// EventReceiveReturn records physical receipt and inspection of the return.
	EventReceiveReturn ItemEvent = "receive_return"
	// EventRefund settles the refund for the item.
	EventRefund ItemEvent = "refund"
	// EventChargeBack claws back an advance refund after the return-by deadline expired.
	EventChargeBack ItemEvent = "charge_back"
	// EventReverseCharge reverses a chargeback when the return arrives late but intact.
	EventReverseCharge ItemEvent = "reverse_charge"
)

// ReasonCode classifies why a buyer cancels or returns an item.
type ReasonCode string

const (
	// ReasonDamaged covers items that arrived damaged.
	ReasonDamaged ReasonCode = "damaged"
	// ReasonDefective covers items that do not function as described.
	ReasonDefective ReasonCode = "defective"
	// ReasonMateriallyDifferent covers items materially different from the listing.
	ReasonMateriallyDifferent ReasonCode = "materially_different"
	// ReasonIncorrectItem covers wrong items shipped by the seller/platform.
	ReasonIncorrectItem ReasonCode = "incorrect_item"
	// ReasonNoLongerNeeded covers ordinary remorse returns.
	ReasonNoLongerNeeded ReasonCode = "no_longer_needed"
	// ReasonBetterPrice covers returns motivated by price.
	ReasonBetterPrice ReasonCode = "better_price"
	// ReasonOrderedByMistake covers accidental orders.
	ReasonOrderedByMistake ReasonCode = "ordered_by_mistake"
)

// SellerFaultReason reports whether the reason code pins responsibility on the
// seller or platform. Seller-fault reasons bypass category return restrictions
// and lift the global-store postage cap.
func SellerFaultReason(reason ReasonCode) bool {
	switch reason {
	case ReasonDamaged, ReasonDefective, ReasonMateriallyDifferent, ReasonIncorrectItem:
		return true
	default:
		return false
	}
}

// ReturnMethod selects how the buyer sends the item back.
type ReturnMethod string

const (
	// ReturnMethodFreeDropoff is a prepaid drop-off with no shipping fee deduction.
	ReturnMethodFreeDropoff ReturnMethod = "free_dropoff"
	// ReturnMethodPaidShipping is a buyer-paid carrier return; the quoted fee is deducted.
	ReturnMethodPaidShipping ReturnMethod = "paid_shipping"
)

// FXSnapshot pins the currency and exchange rate captured at purchase time.
// Rate converts one minor unit of the purchase currency into settlement minor
// units; settlements always use this snapshot, never the current rate.
type FXSnapshot struct {
	Currency string
	Rate     float64
}

// ItemFlags stores policy-relevant attributes of an order item.
type ItemFlags struct {
	FinalSale             bool
	NonReturnableCategory bool
	Gift                  bool
	GlobalStore           bool
	GuaranteedDelivery    bool
	FreeShippingEligible  bool
	GiftCard              bool
	PlatformFulfilled     bool
}

// ItemTimestamps records when each lifecycle transition committed.
type ItemTimestamps struct {
	PlacedAt        time.Time
	ConfirmedAt     *time.Time
	FulfillmentAt   *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CanceledAt      *time.Time
	ReturnedAt      *time.Time
	RefundedAt      *time.Time
	ChargedBackAt   *time.Time
	ChargeRevAt     *time.Time
	NonReturnableAt *time.Time
}

// OrderItem is the unit of policy evaluation.
type OrderItem struct {
	ID                string
	OrderID           string
	SellerType        SellerType
	Category          string
	UnitPrice         int64
	FX                FXSnapshot
	Quantity          int
	QuantityCanceled  int
	QuantityReturned  int
	State             ItemState
	Timestamps        ItemTimestamps
	Jurisdiction      string
	Flags             ItemFlags
	SellerApprovedAt  *time.Time
	ApprovalRequested *time.Time
	PaymentToken      string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Order is the snapshot of an order evaluated for shipping eligibility.
type Order struct {
	ID                    string
	Items                 []OrderItem
	DestinationRegion     string
	ShippingSpeed         string
	ShippingFee           int64
	Currency              string
	FreeShippingQualified bool
	GuaranteedDeliveryAt  *time.Time
	FirstDeliveryAttempt  *time.Time
	UpdatedAt             time.Time
}

// ItemCondition describes the inspector-reported condition classes.
type ItemCondition string

const (
	// ConditionUnopened covers pristine, resellable returns.
	ConditionUnopened ItemCondition = "unopened"
	// ConditionOpened covers opened packaging.
	ConditionOpened ItemCondition = "opened"
	// ConditionActivated covers software/devices that were activated.
	ConditionActivated ItemCondition = "activated"
	// ConditionUsed covers visible use.
	ConditionUsed ItemCondition = "used"
	// ConditionMissingParts covers incomplete returns.
	ConditionMissingParts ItemCondition = "missing_parts"
	// ConditionDamaged covers damage observed at receipt.
	ConditionDamaged ItemCondition = "damaged"
)

// ConditionReport is the inspection result recorded on physical receipt.
type ConditionReport struct {
	Condition      ItemCondition
	DamageSeverity float64
	SellerFault    bool
	Notes          string
	EvidenceRefs   []string
	InspectedAt    time.Time
	InspectorRef   string
}

// ReturnRequest tracks one buyer-initiated return for an order item.
type ReturnRequest struct {
	ID                string
	OrderItemID       string
	Quantity          int
	Reason            ReasonCode
	Method            ReturnMethod
	ReturnBy          time.Time
	LabelRequired     bool
	CarrierFee        int64
	PostagePaid       int64
	ImportFeesDeposit int64
	CarrierFirstScan  *time.Time
	DropoffAt         *time.Time
	Received          bool
	Report            *ConditionReport
	AdvanceRefunded   bool
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefundType tags the shape of a settled refund.
type RefundType string

const (
	// RefundTypeFull is a refund with zero deductions.
	RefundTypeFull RefundType = "full"
	// RefundTypePartial is a refund reduced by one or more deductions.
	RefundTypePartial RefundType = "partial"
	// RefundTypeAdvance is issued on carrier first scan, before receipt.
	RefundTypeAdvance RefundType = "advance"
	// RefundTypeDeclined routes to account balance because the original
	// payment instrument is no longer usable.
	RefundTypeDeclined RefundType = "declined"
	// RefundTypeGift routes to the gift recipient's account balance.
	RefundTypeGift RefundType = "gift"
	// RefundTypeReversal compensates a prior chargeback or refund record.
	RefundTypeReversal RefundType = "reversal"
)

// RefundDestination names where the refunded amount is sent.
type RefundDestination string

const (
	// DestinationOriginalInstrument refunds the original payment method.
	DestinationOriginalInstrument RefundDestination = "original_instrument"
	// DestinationAccountBalance credits the buyer's account balance.
	DestinationAccountBalance RefundDestination = "account_balance"
	// DestinationGiftRecipient credits the gift recipient's balance.
	DestinationGiftRecipient RefundDestination = "gift_recipient"
)

// DeductionKind identifies a fee withheld from the gross refundable amount.
type DeductionKind string

const (
	// DeductionRestockingFee is the full-price fee for opened items in restocking categories.
	DeductionRestockingFee DeductionKind = "restocking_fee"
	// DeductionRestockingTax is jurisdiction tax applied on the restocking fee.
	DeductionRestockingTax DeductionKind = "restocking_fee_tax"
	// DeductionDamageFee is the severity-scaled fee for damage not attributable to the seller.
	DeductionDamageFee DeductionKind = "damage_fee"
	// DeductionLateFee is the flat penalty for returns dropped off past the deadline.
	DeductionLateFee DeductionKind = "late_fee"
	// DeductionReturnShipping is the carrier-quoted fee for paid return methods.
	DeductionReturnShipping DeductionKind = "return_shipping"
	// DeductionChargebackOffset nets a prior advance-refund chargeback out of a reversal.
	DeductionChargebackOffset DeductionKind = "chargeback_offset"
)

// Deduction is one itemized fee line inside a refund record.
type Deduction struct {
	Kind   DeductionKind
	Amount int64
	Reason string
}

// ReimbursementKind identifies additive lines paid on top of the net refund.
type ReimbursementKind string

const (
	// ReimbursementPostage repays buyer-paid return postage, capped for remorse returns.
	ReimbursementPostage ReimbursementKind = "return_postage"
	// ReimbursementImportFees repays the import-fee deposit on seller-fault global-store returns.
	ReimbursementImportFees ReimbursementKind = "import_fees_deposit"
	// ReimbursementShippingFee repays the outbound shipping fee for missed guaranteed deliveries.
	ReimbursementShippingFee ReimbursementKind = "shipping_fee"
)

// Reimbursement is one additive payout line, never subject to the deduction cap.
type Reimbursement struct {
	Kind   ReimbursementKind
	Amount int64
	Reason string
}

// RefundRecord is the immutable output of refund computation. Corrections
// append a new record linked through ReversalOf, never edit in place.
type RefundRecord struct {
	ID              string
	OrderItemID     string
	ReturnRequestID string
	Type            RefundType
	GrossAmount     int64
	Deductions      []Deduction
	Reimbursements  []Reimbursement
	NetAmount       int64
	Currency        string
	Destination     RefundDestination
	ReversalOf      string
	SettledAt       time.Time
}

// TotalReimbursed sums the additive payout lines on the record.
func (r RefundRecord) TotalReimbursed() int64 {
	var total int64
	for _, line := range r.Reimbursements {
		total += line.Amount
	}
	return total
}

// DeadlineKind names the classes of scheduled policy deadlines.
type DeadlineKind string

const (
	// DeadlineReturnBy fires when the return-by date passes without receipt.
	DeadlineReturnBy DeadlineKind = "return_by"
	// DeadlineReminder fires ahead of the return-by date to nudge the buyer.
	DeadlineReminder DeadlineKind = "reminder"
	// DeadlineGlobalTransit fires when a cross-border return exceeds the transit allowance.
	DeadlineGlobalTransit DeadlineKind = "global_store_transit"
	// DeadlineFulfillmentApproval fires when the seller cancellation-approval SLA lapses.
	DeadlineFulfillmentApproval DeadlineKind = "fulfillment_approval"
)

// DeadlineStatus tracks the exactly-once firing lifecycle of a deadline.
type DeadlineStatus string

const (
	// DeadlinePending means the deadline is scheduled and unclaimed.
	DeadlinePending DeadlineStatus = "pending"
	// DeadlineClaimed means a sweeper holds the claim and is running callbacks.
	DeadlineClaimed DeadlineStatus = "claimed"
	// DeadlineFired means callbacks completed; the deadline never fires again.
	DeadlineFired DeadlineStatus = "fired"
	// DeadlineCanceled means the deadline became moot before firing.
	DeadlineCanceled DeadlineStatus = "canceled"
)

// Deadline is one scheduled time-based policy event.
type Deadline struct {
	ID          string
	OrderItemID string
	Kind        DeadlineKind
	DueAt       time.Time
	Status      DeadlineStatus
	ClaimedBy   string
	ClaimedAt   *time.Time
	FiredAt     *time.Time
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApprovalResolution configures how a lapsed seller-approval SLA resolves.
type ApprovalResolution string

const (
	// ApprovalResolveNone leaves lapsed approval requests pending.
	ApprovalResolveNone ApprovalResolution = "none"
	// ApprovalResolveApprove auto-approves on SLA expiry.
	ApprovalResolveApprove ApprovalResolution = "approve"
	// ApprovalResolveDeny auto-denies on SLA expiry.
	ApprovalResolveDeny ApprovalResolution = "deny"
)

// PolicyConfig is one immutable, versioned snapshot of marketplace policy
// parameters. A snapshot is loaded once per evaluation and held fixed for
// that evaluation's duration.
type PolicyConfig struct {
	Version                 string
	ReturnWindowDays        int
	LateFeeRate             float64
	DamageFeeCeiling        float64
	RestockingRate          float64
	RestockingCategories    map[string]bool
	TaxedJurisdictions      map[string]float64
	FreeShippingThreshold   int
	ExcludedShipRegions     map[string]bool
	AdvanceRefundPostageCap int64
	GlobalStoreTransitDays  int
	ReminderLeadDays        int
	ApprovalAutoResolve     ApprovalResolution
	ApprovalSLA             time.Duration
	SettlementCurrency      string
	CreatedAt               time.Time
}

// RestockingApplies reports whether the snapshot charges a restocking fee
// for the given category and inspected condition.
func (c PolicyConfig) RestockingApplies(category string, condition ItemCondition) bool {
	if !c.RestockingCategories[category] {
		return false
	}
	switch condition {
	case ConditionOpened, ConditionActivated, ConditionUsed, ConditionMissingParts:
		return true
	default:
		return false
	}
}

// ShippingEligibility is the derived shipping decision for an order snapshot.
type ShippingEligibility struct {
	Qualifies          bool
	ContributingCount  int
	Fee                int64
	GuaranteedDelivery *time.Time
	Reason             string
	EvaluatedAt        time.Time
}
