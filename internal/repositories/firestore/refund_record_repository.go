package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	pfirestore "github.com/marketgrid/policy-engine/internal/platform/firestore"
	"github.com/marketgrid/policy-engine/internal/repositories"
)

const refundRecordsCollection = "refund_records"

type deductionDocument struct {
	Kind   string `firestore:"kind"`
	Amount int64  `firestore:"amount"`
	Reason string `firestore:"reason"`
}

type reimbursementDocument struct {
	Kind   string `firestore:"kind"`
	Amount int64  `firestore:"amount"`
	Reason string `firestore:"reason"`
}

type refundRecordDocument struct {
	OrderItemID     string                  `firestore:"orderItemId"`
	ReturnRequestID string                  `firestore:"returnRequestId,omitempty"`
	Type            string                  `firestore:"type"`
	GrossAmount     int64                   `firestore:"grossAmount"`
	Deductions      []deductionDocument     `firestore:"deductions,omitempty"`
	Reimbursements  []reimbursementDocument `firestore:"reimbursements,omitempty"`
	NetAmount       int64                   `firestore:"netAmount"`
	Currency        string                  `firestore:"currency"`
	Destination     string                  `firestore:"destination"`
	ReversalOf      string                  `firestore:"reversalOf,omitempty"`
	SettledAt       time.Time               `firestore:"settledAt"`
}

func toRefundRecordDocument(record domain.RefundRecord) refundRecordDocument {
	doc := refundRecordDocument{
		OrderItemID:     record.OrderItemID,
		ReturnRequestID: record.ReturnRequestID,
		Type:            string(record.Type),
		GrossAmount:     record.GrossAmount,
		NetAmount:       record.NetAmount,
		Currency:        record.Currency,
		Destination:     string(record.Destination),
		ReversalOf:      record.ReversalOf,
		SettledAt:       record.SettledAt,
	}
	for _, d := range record.Deductions {
		doc.Deductions = append(doc.Deductions, deductionDocument{
			Kind:   string(d.Kind),
			Amount: d.Amount,
			Reason: d.Reason,
		})
	}
	for _, l := range record.Reimbursements {
		doc.Reimbursements = append(doc.Reimbursements, reimbursementDocument{
			Kind:   string(l.Kind),
			Amount: l.Amount,
			Reason: l.Reason,
		})
	}
	return doc
}

func (d refundRecordDocument) toDomain(id string) domain.RefundRecord {
	record := domain.RefundRecord{
		ID:              id,
		OrderItemID:     d.OrderItemID,
		ReturnRequestID: d.ReturnRequestID,
		Type:            domain.RefundType(d.Type),
		GrossAmount:     d.GrossAmount,
		NetAmount:       d.NetAmount,
		Currency:        d.Currency,
		Destination:     domain.RefundDestination(d.Destination),
		ReversalOf:      d.ReversalOf,
		SettledAt:       d.SettledAt,
	}
	for _, ded := range d.Deductions {
		record.Deductions = append(record.Deductions, domain.Deduction{
			Kind:   domain.DeductionKind(ded.Kind),
			Amount: ded.Amount,
			Reason: ded.Reason,
		})
	}
	for _, l := range d.Reimbursements {
		record.Reimbursements = append(record.Reimbursements, domain.Reimbursement{
			Kind:   domain.ReimbursementKind(l.Kind),
			Amount: l.Amount,
			Reason: l.Reason,
		})
	}
	return record
}

// RefundRecordRepository implements repositories.RefundRecordRepository.
// Records are append-only: there is no update path, and a duplicate id
// surfaces as a conflict.
type RefundRecordRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.RefundRecordRepository = (*RefundRecordRepository)(nil)

// NewRefundRecordRepository constructs a Firestore-backed refund record repository.
func NewRefundRecordRepository(provider *pfirestore.Provider) (*RefundRecordRepository, error) {
	if provider == nil {
		return nil, errors.New("refund record repository requires firestore provider")
	}
	return &RefundRecordRepository{provider: provider}, nil
}

func (r *RefundRecordRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("refund_records", err)
	}
	return client.Collection(refundRecordsCollection), nil
}

// Append writes one immutable refund record.
func (r *RefundRecordRepository) Append(ctx context.Context, record domain.RefundRecord) error {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return pfirestore.WrapError("refund_records.append", errors.New("record id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return err
	}
	if _, err := col.Doc(id).Create(ctx, toRefundRecordDocument(record)); err != nil {
		return pfirestore.WrapError("refund_records.append", err)
	}
	return nil
}

// FindByID loads one refund record by document id.
func (r *RefundRecordRepository) FindByID(ctx context.Context, recordID string) (domain.RefundRecord, error) {
	id := strings.TrimSpace(recordID)
	if id == "" {
		return domain.RefundRecord{}, pfirestore.WrapError("refund_records.find", errors.New("record id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.RefundRecord{}, err
	}
	snapshot, err := col.Doc(id).Get(ctx)
	if err != nil {
		return domain.RefundRecord{}, pfirestore.WrapError("refund_records.find", err)
	}

	var doc refundRecordDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.RefundRecord{}, pfirestore.WrapError("refund_records.find", fmt.Errorf("decode record %s: %w", id, err))
	}
	return doc.toDomain(id), nil
}

// ListByItem returns every refund record for the item in settlement order.
func (r *RefundRecordRepository) ListByItem(ctx context.Context, itemID string) ([]domain.RefundRecord, error) {
	trimmed := strings.TrimSpace(itemID)
	if trimmed == "" {
		return nil, pfirestore.WrapError("refund_records.list", errors.New("item id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	iter := col.Where("orderItemId", "==", trimmed).OrderBy("settledAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []domain.RefundRecord
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("refund_records.list", err)
		}
		var doc refundRecordDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("refund_records.list", fmt.Errorf("decode record %s: %w", snapshot.Ref.ID, err))
		}
		out = append(out, doc.toDomain(snapshot.Ref.ID))
	}
	return out, nil
}
