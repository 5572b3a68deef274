package handlers

import (
	domain "github.com/marketgrid/policy-engine/internal/domain"
)

type itemFlagsPayload struct {
	FinalSale             bool `json:"finalSale"`
	NonReturnableCategory bool `json:"nonReturnableCategory"`
	Gift                  bool `json:"gift"`
	GlobalStore           bool `json:"globalStore"`
	GuaranteedDelivery    bool `json:"guaranteedDelivery"`
	FreeShippingEligible  bool `json:"freeShippingEligible"`
	GiftCard              bool `json:"giftCard"`
	PlatformFulfilled     bool `json:"platformFulfilled"`
}

type itemPayload struct {
	ID               string           `json:"id"`
	OrderID          string           `json:"orderId"`
	SellerType       string           `json:"sellerType"`
	Category         string           `json:"category"`
	UnitPrice        int64            `json:"unitPrice"`
	Currency         string           `json:"currency"`
	FXRate           float64          `json:"fxRate"`
	Quantity         int              `json:"quantity"`
	QuantityCanceled int              `json:"quantityCanceled"`
	QuantityReturned int              `json:"quantityReturned"`
	State            string           `json:"state"`
	Jurisdiction     string           `json:"jurisdiction,omitempty"`
	Flags            itemFlagsPayload `json:"flags"`
	PlacedAt         string           `json:"placedAt"`
	DeliveredAt      string           `json:"deliveredAt,omitempty"`
	CanceledAt       string           `json:"canceledAt,omitempty"`
	RefundedAt       string           `json:"refundedAt,omitempty"`
	Version          int64            `json:"version"`
}

func buildItemPayload(item domain.OrderItem) itemPayload {
	return itemPayload{
		ID:               item.ID,
		OrderID:          item.OrderID,
		SellerType:       string(item.SellerType),
		Category:         item.Category,
		UnitPrice:        item.UnitPrice,
		Currency:         item.FX.Currency,
		FXRate:           item.FX.Rate,
		Quantity:         item.Quantity,
		QuantityCanceled: item.QuantityCanceled,
		QuantityReturned: item.QuantityReturned,
		State:            string(item.State),
		Jurisdiction:     item.Jurisdiction,
		Flags: itemFlagsPayload{
			FinalSale:             item.Flags.FinalSale,
			NonReturnableCategory: item.Flags.NonReturnableCategory,
			Gift:                  item.Flags.Gift,
			GlobalStore:           item.Flags.GlobalStore,
			GuaranteedDelivery:    item.Flags.GuaranteedDelivery,
			FreeShippingEligible:  item.Flags.FreeShippingEligible,
			GiftCard:              item.Flags.GiftCard,
			PlatformFulfilled:     item.Flags.PlatformFulfilled,
		},
		PlacedAt:    formatTime(item.Timestamps.PlacedAt),
		DeliveredAt: formatTimePtr(item.Timestamps.DeliveredAt),
		CanceledAt:  formatTimePtr(item.Timestamps.CanceledAt),
		RefundedAt:  formatTimePtr(item.Timestamps.RefundedAt),
		Version:     item.Version,
	}
}

type returnPayload struct {
	ID               string `json:"id"`
	OrderItemID      string `json:"orderItemId"`
	Quantity         int    `json:"quantity"`
	Reason           string `json:"reason"`
	Method           string `json:"method"`
	ReturnBy         string `json:"returnBy"`
	LabelRequired    bool   `json:"labelRequired"`
	CarrierFee       int64  `json:"carrierFee,omitempty"`
	PostagePaid      int64  `json:"postagePaid,omitempty"`
	CarrierFirstScan string `json:"carrierFirstScan,omitempty"`
	Received         bool   `json:"received"`
	AdvanceRefunded  bool   `json:"advanceRefunded"`
}

func buildReturnPayload(req domain.ReturnRequest) returnPayload {
	return returnPayload{
		ID:               req.ID,
		OrderItemID:      req.OrderItemID,
		Quantity:         req.Quantity,
		Reason:           string(req.Reason),
		Method:           string(req.Method),
		ReturnBy:         formatTime(req.ReturnBy),
		LabelRequired:    req.LabelRequired,
		CarrierFee:       req.CarrierFee,
		PostagePaid:      req.PostagePaid,
		CarrierFirstScan: formatTimePtr(req.CarrierFirstScan),
		Received:         req.Received,
		AdvanceRefunded:  req.AdvanceRefunded,
	}
}

type refundLinePayload struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type refundPayload struct {
	ID              string              `json:"id"`
	OrderItemID     string              `json:"orderItemId"`
	ReturnRequestID string              `json:"returnRequestId,omitempty"`
	Type            string              `json:"type"`
	GrossAmount     int64               `json:"grossAmount"`
	Deductions      []refundLinePayload `json:"deductions,omitempty"`
	Reimbursements  []refundLinePayload `json:"reimbursements,omitempty"`
	NetAmount       int64               `json:"netAmount"`
	Currency        string              `json:"currency"`
	Destination     string              `json:"destination"`
	ReversalOf      string              `json:"reversalOf,omitempty"`
	SettledAt       string              `json:"settledAt"`
}

func buildRefundPayload(record domain.RefundRecord) refundPayload {
	payload := refundPayload{
		ID:              record.ID,
		OrderItemID:     record.OrderItemID,
		ReturnRequestID: record.ReturnRequestID,
		Type:            string(record.Type),
		GrossAmount:     record.GrossAmount,
		NetAmount:       record.NetAmount,
		Currency:        record.Currency,
		Destination:     string(record.Destination),
		ReversalOf:      record.ReversalOf,
		SettledAt:       formatTime(record.SettledAt),
	}
	for _, d := range record.Deductions {
		payload.Deductions = append(payload.Deductions, refundLinePayload{
			Kind:   string(d.Kind),
			Amount: d.Amount,
			Reason: d.Reason,
		})
	}
	for _, l := range record.Reimbursements {
		payload.Reimbursements = append(payload.Reimbursements, refundLinePayload{
			Kind:   string(l.Kind),
			Amount: l.Amount,
			Reason: l.Reason,
		})
	}
	return payload
}
