package services

import (
	"errors"
	"fmt"
	"math"
	"time"

	domain "github.com/marketgrid/policy-engine/internal/domain"
)

// RefundInput gathers everything the calculator needs for one settlement.
// The policy snapshot is held fixed for the whole computation.
type RefundInput struct {
	Item   domain.OrderItem
	Config domain.PolicyConfig

	// Request is nil for plain cancellations with no physical return.
	Request *domain.ReturnRequest
	// Report is nil until receipt and inspection; advance refunds and
	// cancellations settle without one.
	Report *domain.ConditionReport

	// AdvanceOnScan marks a refund issued on carrier first scan rather than
	// on receipt confirmation.
	AdvanceOnScan bool
	// InstrumentUsable is false when the original payment instrument can no
	// longer receive funds, routing the net amount to the account balance.
	InstrumentUsable bool

	// PriorAdvance links a receipt settlement back to the advance refund it
	// corrects; PriorChargeback links a late-arrival settlement back to the
	// chargeback it reverses.
	PriorAdvance    *domain.RefundRecord
	PriorChargeback *domain.RefundRecord

	Now time.Time
}

// RefundCalculator computes refund records deterministically: the same input
// always yields the same record. It never touches persistence.
type RefundCalculator struct {
	scorer DamageSeverityScorer
}

// NewRefundCalculator builds a calculator with the given severity scorer.
// A nil scorer falls back to the linear pass-through.
func NewRefundCalculator(scorer DamageSeverityScorer) *RefundCalculator {
	if scorer == nil {
		scorer = LinearDamageScorer{}
	}
	return &RefundCalculator{scorer: scorer}
}

// Compute runs the fixed-order deduction pipeline and type selection. The
// returned record has no ID or settlement timestamp; the caller stamps both
// when it persists the record.
func (c *RefundCalculator) Compute(in RefundInput) (domain.RefundRecord, error) {
	cfg := in.Config
	if cfg.Version == "" {
		return domain.RefundRecord{}, fmt.Errorf("%w: policy config snapshot missing", ErrConfigInconsistent)
	}
	if cfg.SettlementCurrency == "" {
		return domain.RefundRecord{}, fmt.Errorf("%w: settlement currency not configured", ErrConfigInconsistent)
	}

	quantity, err := settledQuantity(in)
	if err != nil {
		return domain.RefundRecord{}, err
	}

	base := domain.ConvertAtSnapshot(in.Item.UnitPrice*int64(quantity), in.Item.FX)
	if base < 0 {
		return domain.RefundRecord{}, fmt.Errorf("%w: negative base amount", ErrInvalidInput)
	}

	deductions := c.deductions(in, base)

	var total int64
	for _, d := range deductions {
		total += d.Amount
	}
	if total > base {
		total = base
	}
	net := base - total

	record := domain.RefundRecord{
		OrderItemID:    in.Item.ID,
		GrossAmount:    base,
		Deductions:     deductions,
		NetAmount:      net,
		Currency:       cfg.SettlementCurrency,
		Reimbursements: c.reimbursements(in),
	}
	if in.Request != nil {
		record.ReturnRequestID = in.Request.ID
	}

	record.Type, record.Destination = refundType(in, len(deductions) > 0)

	// A receipt settling after an advance refund or chargeback produces a
	// compensating record: the chain's combined net must equal a timely
	// return's net, never a double payout or a double penalty.
	switch {
	case in.PriorChargeback != nil:
		record.Type = domain.RefundTypeReversal
		record.ReversalOf = in.PriorChargeback.ID
	case in.PriorAdvance != nil:
		record.Type = domain.RefundTypeReversal
		record.ReversalOf = in.PriorAdvance.ID
		already := in.PriorAdvance.NetAmount
		if record.NetAmount <= already {
			record.NetAmount = 0
		} else {
			record.NetAmount -= already
		}
	}

	return record, nil
}

// ChargebackRecord builds the claw-back record appended when the return-by
// deadline passes without receipt after an advance refund. Net is zero: the
// full advance is recovered, documented as a single offset deduction.
func (c *RefundCalculator) ChargebackRecord(advance domain.RefundRecord) (domain.RefundRecord, error) {
	if advance.ID == "" {
		return domain.RefundRecord{}, errors.New("refund calculator: advance record id is required")
	}
	return domain.RefundRecord{
		OrderItemID:     advance.OrderItemID,
		ReturnRequestID: advance.ReturnRequestID,
		Type:            domain.RefundTypeReversal,
		GrossAmount:     advance.NetAmount,
		Deductions: []domain.Deduction{{
			Kind:   domain.DeductionChargebackOffset,
			Amount: advance.NetAmount,
			Reason: "return not received by deadline; advance refund recovered",
		}},
		NetAmount:   0,
		Currency:    advance.Currency,
		Destination: advance.Destination,
		ReversalOf:  advance.ID,
	}, nil
}

func settledQuantity(in RefundInput) (int, error) {
	if in.Request != nil {
		if in.Request.Quantity <= 0 {
			return 0, fmt.Errorf("%w: return quantity must be positive", ErrInvalidInput)
		}
		return in.Request.Quantity, nil
	}

	remaining := in.Item.Quantity - in.Item.QuantityCanceled - in.Item.QuantityReturned
	if remaining <= 0 {
		return 0, fmt.Errorf("%w: no remaining quantity to settle", ErrInvalidInput)
	}
	return remaining, nil
}

// deductions applies the fixed-order pipeline. Every fee is computed against
// the original base amount, never cascading on earlier deductions.
func (c *RefundCalculator) deductions(in RefundInput, base int64) []domain.Deduction {
	if in.Request == nil || in.AdvanceOnScan {
		return nil
	}

	cfg := in.Config
	var out []domain.Deduction

	var restocking int64
	if in.Report != nil && cfg.RestockingApplies(in.Item.Category, in.Report.Condition) {
		restocking = rateOf(base, cfg.RestockingRate)
		if restocking > 0 {
			out = append(out, domain.Deduction{
				Kind:   domain.DeductionRestockingFee,
				Amount: restocking,
				Reason: fmt.Sprintf("restocking fee for %s item in category %q", in.Report.Condition, in.Item.Category),
			})
		}
	}

	if restocking > 0 {
		if taxRate, taxed := cfg.TaxedJurisdictions[in.Item.Jurisdiction]; taxed && taxRate > 0 {
			tax := rateOf(restocking, taxRate)
			if tax > 0 {
				out = append(out, domain.Deduction{
					Kind:   domain.DeductionRestockingTax,
					Amount: tax,
					Reason: fmt.Sprintf("jurisdiction %s tax on restocking fee", in.Item.Jurisdiction),
				})
			}
		}
	}

	if in.Report != nil && damageFeeApplies(*in.Report) {
		severity := clamp01(c.scorer.Score(*in.Report))
		fee := rateOf(base, cfg.DamageFeeCeiling*severity)
		if fee > 0 {
			out = append(out, domain.Deduction{
				Kind:   domain.DeductionDamageFee,
				Amount: fee,
				Reason: fmt.Sprintf("damage fee at severity %.2f", severity),
			})
		}
	}

	if returnWasLate(*in.Request) {
		fee := rateOf(base, cfg.LateFeeRate)
		if fee > 0 {
			out = append(out, domain.Deduction{
				Kind:   domain.DeductionLateFee,
				Amount: fee,
				Reason: "return dropped off after the return-by deadline",
			})
		}
	}

	if in.Request.Method == domain.ReturnMethodPaidShipping && in.Request.CarrierFee > 0 {
		out = append(out, domain.Deduction{
			Kind:   domain.DeductionReturnShipping,
			Amount: in.Request.CarrierFee,
			Reason: "carrier-quoted return shipping",
		})
	}

	return out
}

// reimbursements builds the additive payout lines. They are never subject to
// the deduction cap.
func (c *RefundCalculator) reimbursements(in RefundInput) []domain.Reimbursement {
	if in.Request == nil || in.AdvanceOnScan {
		return nil
	}
	if !in.Item.Flags.GlobalStore || in.Request.PostagePaid <= 0 {
		return nil
	}

	var out []domain.Reimbursement
	if domain.SellerFaultReason(in.Request.Reason) {
		out = append(out, domain.Reimbursement{
			Kind:   domain.ReimbursementPostage,
			Amount: in.Request.PostagePaid,
			Reason: "full postage reimbursed on seller-fault return",
		})
		if in.Request.ImportFeesDeposit > 0 {
			out = append(out, domain.Reimbursement{
				Kind:   domain.ReimbursementImportFees,
				Amount: in.Request.ImportFeesDeposit,
				Reason: "import fees deposit reimbursed on seller-fault return",
			})
		}
		return out
	}

	amount := in.Request.PostagePaid
	if limit := in.Config.AdvanceRefundPostageCap; limit > 0 && amount > limit {
		amount = limit
	}
	return append(out, domain.Reimbursement{
		Kind:   domain.ReimbursementPostage,
		Amount: amount,
		Reason: "return postage reimbursed up to the global-store cap",
	})
}

// refundType selects the mutually exclusive type tag in fixed order:
// gift, advance, declined, partial, full.
func refundType(in RefundInput, hasDeductions bool) (domain.RefundType, domain.RefundDestination) {
	switch {
	case in.Item.Flags.Gift:
		return domain.RefundTypeGift, domain.DestinationGiftRecipient
	case in.AdvanceOnScan:
		return domain.RefundTypeAdvance, domain.DestinationOriginalInstrument
	case !in.InstrumentUsable:
		return domain.RefundTypeDeclined, domain.DestinationAccountBalance
	case hasDeductions:
		return domain.RefundTypePartial, domain.DestinationOriginalInstrument
	default:
		return domain.RefundTypeFull, domain.DestinationOriginalInstrument
	}
}

func damageFeeApplies(report domain.ConditionReport) bool {
	if report.SellerFault {
		return false
	}
	switch report.Condition {
	case domain.ConditionDamaged, domain.ConditionMissingParts:
		return true
	default:
		return false
	}
}

// returnWasLate checks the carrier pickup or drop-off timestamp against the
// return-by deadline.
func returnWasLate(req domain.ReturnRequest) bool {
	if req.ReturnBy.IsZero() {
		return false
	}
	handedOver := req.DropoffAt
	if handedOver == nil {
		handedOver = req.CarrierFirstScan
	}
	if handedOver == nil {
		return false
	}
	return handedOver.After(req.ReturnBy)
}

func rateOf(base int64, rate float64) int64 {
	if rate <= 0 || base <= 0 {
		return 0
	}
	return int64(math.Round(float64(base) * rate))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
