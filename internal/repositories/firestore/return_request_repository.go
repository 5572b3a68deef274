package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	pfirestore "github.com/marketgrid/policy-engine/internal/platform/firestore"
	"github.com/marketgrid/policy-engine/internal/repositories"
)

const returnRequestsCollection = "return_requests"

type conditionReportDocument struct {
	Condition      string    `firestore:"condition"`
	DamageSeverity float64   `firestore:"damageSeverity"`
	SellerFault    bool      `firestore:"sellerFault"`
	Notes          string    `firestore:"notes,omitempty"`
	EvidenceRefs   []string  `firestore:"evidenceRefs,omitempty"`
	InspectedAt    time.Time `firestore:"inspectedAt"`
	InspectorRef   string    `firestore:"inspectorRef,omitempty"`
}

type returnRequestDocument struct {
	OrderItemID       string                   `firestore:"orderItemId"`
	Quantity          int                      `firestore:"quantity"`
	Reason            string                   `firestore:"reason"`
	Method            string                   `firestore:"method"`
	ReturnBy          time.Time                `firestore:"returnBy"`
	LabelRequired     bool                     `firestore:"labelRequired"`
	CarrierFee        int64                    `firestore:"carrierFee"`
	PostagePaid       int64                    `firestore:"postagePaid"`
	ImportFeesDeposit int64                    `firestore:"importFeesDeposit"`
	CarrierFirstScan  *time.Time               `firestore:"carrierFirstScan,omitempty"`
	DropoffAt         *time.Time               `firestore:"dropoffAt,omitempty"`
	Received          bool                     `firestore:"received"`
	Report            *conditionReportDocument `firestore:"report,omitempty"`
	AdvanceRefunded   bool                     `firestore:"advanceRefunded"`
	Version           int64                    `firestore:"version"`
	CreatedAt         time.Time                `firestore:"createdAt"`
	UpdatedAt         time.Time                `firestore:"updatedAt"`
}

func toReturnRequestDocument(req domain.ReturnRequest) returnRequestDocument {
	doc := returnRequestDocument{
		OrderItemID:       req.OrderItemID,
		Quantity:          req.Quantity,
		Reason:            string(req.Reason),
		Method:            string(req.Method),
		ReturnBy:          req.ReturnBy,
		LabelRequired:     req.LabelRequired,
		CarrierFee:        req.CarrierFee,
		PostagePaid:       req.PostagePaid,
		ImportFeesDeposit: req.ImportFeesDeposit,
		CarrierFirstScan:  req.CarrierFirstScan,
		DropoffAt:         req.DropoffAt,
		Received:          req.Received,
		AdvanceRefunded:   req.AdvanceRefunded,
		Version:           req.Version,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
	}
	if req.Report != nil {
		doc.Report = &conditionReportDocument{
			Condition:      string(req.Report.Condition),
			DamageSeverity: req.Report.DamageSeverity,
			SellerFault:    req.Report.SellerFault,
			Notes:          req.Report.Notes,
			EvidenceRefs:   req.Report.EvidenceRefs,
			InspectedAt:    req.Report.InspectedAt,
			InspectorRef:   req.Report.InspectorRef,
		}
	}
	return doc
}

func (d returnRequestDocument) toDomain(id string) domain.ReturnRequest {
	req := domain.ReturnRequest{
		ID:                id,
		OrderItemID:       d.OrderItemID,
		Quantity:          d.Quantity,
		Reason:            domain.ReasonCode(d.Reason),
		Method:            domain.ReturnMethod(d.Method),
		ReturnBy:          d.ReturnBy,
		LabelRequired:     d.LabelRequired,
		CarrierFee:        d.CarrierFee,
		PostagePaid:       d.PostagePaid,
		ImportFeesDeposit: d.ImportFeesDeposit,
		CarrierFirstScan:  d.CarrierFirstScan,
		DropoffAt:         d.DropoffAt,
		Received:          d.Received,
		AdvanceRefunded:   d.AdvanceRefunded,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
	if d.Report != nil {
		req.Report = &domain.ConditionReport{
			Condition:      domain.ItemCondition(d.Report.Condition),
			DamageSeverity: d.Report.DamageSeverity,
			SellerFault:    d.Report.SellerFault,
			Notes:          d.Report.Notes,
			EvidenceRefs:   d.Report.EvidenceRefs,
			InspectedAt:    d.Report.InspectedAt,
			InspectorRef:   d.Report.InspectorRef,
		}
	}
	return req
}

// ReturnRequestRepository implements repositories.ReturnRequestRepository
// backed by Firestore with version-checked updates.
type ReturnRequestRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.ReturnRequestRepository = (*ReturnRequestRepository)(nil)

// NewReturnRequestRepository constructs a Firestore-backed return request repository.
func NewReturnRequestRepository(provider *pfirestore.Provider) (*ReturnRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("return request repository requires firestore provider")
	}
	return &ReturnRequestRepository{provider: provider}, nil
}

func (r *ReturnRequestRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("return_requests", err)
	}
	return client.Collection(returnRequestsCollection), nil
}

// Insert creates the return request document.
func (r *ReturnRequestRepository) Insert(ctx context.Context, req domain.ReturnRequest) error {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return pfirestore.WrapError("return_requests.insert", errors.New("request id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return err
	}
	if _, err := col.Doc(id).Create(ctx, toReturnRequestDocument(req)); err != nil {
		return pfirestore.WrapError("return_requests.insert", err)
	}
	return nil
}

// Update writes the request iff the stored version matches, then increments it.
func (r *ReturnRequestRepository) Update(ctx context.Context, req domain.ReturnRequest) (domain.ReturnRequest, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.update", errors.New("request id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	ref := col.Doc(id)

	updated := req
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return pfirestore.NotFoundError("return_requests.update", fmt.Errorf("request %s not found", id))
		}
		if err != nil {
			return err
		}

		var stored returnRequestDocument
		if err := snapshot.DataTo(&stored); err != nil {
			return fmt.Errorf("decode request %s: %w", id, err)
		}
		if stored.Version != req.Version {
			return pfirestore.ConflictError("return_requests.update",
				fmt.Errorf("request %s version %d does not match stored %d", id, req.Version, stored.Version))
		}

		updated.Version = req.Version + 1
		return tx.Set(ref, toReturnRequestDocument(updated))
	})
	if err != nil {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.update", err)
	}
	return updated, nil
}

// FindByID loads one return request by document id.
func (r *ReturnRequestRepository) FindByID(ctx context.Context, requestID string) (domain.ReturnRequest, error) {
	id := strings.TrimSpace(requestID)
	if id == "" {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.find", errors.New("request id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	snapshot, err := col.Doc(id).Get(ctx)
	if err != nil {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.find", err)
	}

	var doc returnRequestDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.find", fmt.Errorf("decode request %s: %w", id, err))
	}
	return doc.toDomain(id), nil
}

// FindOpenByItem returns the most recent return request for the item.
func (r *ReturnRequestRepository) FindOpenByItem(ctx context.Context, itemID string) (domain.ReturnRequest, error) {
	trimmed := strings.TrimSpace(itemID)
	if trimmed == "" {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.find_open", errors.New("item id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	iter := col.Where("orderItemId", "==", trimmed).
		OrderBy("createdAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snapshot, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.ReturnRequest{}, pfirestore.NotFoundError("return_requests.find_open",
			fmt.Errorf("no return request for item %s", trimmed))
	}
	if err != nil {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.find_open", err)
	}

	var doc returnRequestDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.ReturnRequest{}, pfirestore.WrapError("return_requests.find_open", fmt.Errorf("decode request %s: %w", snapshot.Ref.ID, err))
	}
	return doc.toDomain(snapshot.Ref.ID), nil
}
