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

const orderItemsCollection = "order_items"

type itemFlagsDocument struct {
	FinalSale             bool `firestore:"finalSale"`
	NonReturnableCategory bool `firestore:"nonReturnableCategory"`
	Gift                  bool `firestore:"gift"`
	GlobalStore           bool `firestore:"globalStore"`
	GuaranteedDelivery    bool `firestore:"guaranteedDelivery"`
	FreeShippingEligible  bool `firestore:"freeShippingEligible"`
	GiftCard              bool `firestore:"giftCard"`
	PlatformFulfilled     bool `firestore:"platformFulfilled"`
}

type orderItemDocument struct {
	OrderID          string `firestore:"orderId"`
	SellerType       string `firestore:"sellerType"`
	Category         string `firestore:"category"`
	UnitPrice        int64  `firestore:"unitPrice"`
	Currency         string `firestore:"currency"`
	FXRate           float64 `firestore:"fxRate"`
	Quantity         int    `firestore:"quantity"`
	QuantityCanceled int    `firestore:"quantityCanceled"`
	QuantityReturned int    `firestore:"quantityReturned"`
	State            string `firestore:"state"`
	Jurisdiction     string `firestore:"jurisdiction"`
	Flags            itemFlagsDocument `firestore:"flags"`
	PaymentToken     string `firestore:"paymentToken"`
	Version          int64  `firestore:"version"`

	PlacedAt        time.Time  `firestore:"placedAt"`
	ConfirmedAt     *time.Time `firestore:"confirmedAt,omitempty"`
	FulfillmentAt   *time.Time `firestore:"fulfillmentAt,omitempty"`
	ShippedAt       *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time `firestore:"deliveredAt,omitempty"`
	CanceledAt      *time.Time `firestore:"canceledAt,omitempty"`
	ReturnedAt      *time.Time `firestore:"returnedAt,omitempty"`
	RefundedAt      *time.Time `firestore:"refundedAt,omitempty"`
	ChargedBackAt   *time.Time `firestore:"chargedBackAt,omitempty"`
	ChargeRevAt     *time.Time `firestore:"chargeRevAt,omitempty"`
	NonReturnableAt *time.Time `firestore:"nonReturnableAt,omitempty"`

	SellerApprovedAt  *time.Time `firestore:"sellerApprovedAt,omitempty"`
	ApprovalRequested *time.Time `firestore:"approvalRequested,omitempty"`

	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func toOrderItemDocument(item domain.OrderItem) orderItemDocument {
	return orderItemDocument{
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
		Flags: itemFlagsDocument{
			FinalSale:             item.Flags.FinalSale,
			NonReturnableCategory: item.Flags.NonReturnableCategory,
			Gift:                  item.Flags.Gift,
			GlobalStore:           item.Flags.GlobalStore,
			GuaranteedDelivery:    item.Flags.GuaranteedDelivery,
			FreeShippingEligible:  item.Flags.FreeShippingEligible,
			GiftCard:              item.Flags.GiftCard,
			PlatformFulfilled:     item.Flags.PlatformFulfilled,
		},
		PaymentToken:      item.PaymentToken,
		Version:           item.Version,
		PlacedAt:          item.Timestamps.PlacedAt,
		ConfirmedAt:       item.Timestamps.ConfirmedAt,
		FulfillmentAt:     item.Timestamps.FulfillmentAt,
		ShippedAt:         item.Timestamps.ShippedAt,
		DeliveredAt:       item.Timestamps.DeliveredAt,
		CanceledAt:        item.Timestamps.CanceledAt,
		ReturnedAt:        item.Timestamps.ReturnedAt,
		RefundedAt:        item.Timestamps.RefundedAt,
		ChargedBackAt:     item.Timestamps.ChargedBackAt,
		ChargeRevAt:       item.Timestamps.ChargeRevAt,
		NonReturnableAt:   item.Timestamps.NonReturnableAt,
		SellerApprovedAt:  item.SellerApprovedAt,
		ApprovalRequested: item.ApprovalRequested,
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
	}
}

func (d orderItemDocument) toDomain(id string) domain.OrderItem {
	return domain.OrderItem{
		ID:               id,
		OrderID:          d.OrderID,
		SellerType:       domain.SellerType(d.SellerType),
		Category:         d.Category,
		UnitPrice:        d.UnitPrice,
		FX:               domain.FXSnapshot{Currency: d.Currency, Rate: d.FXRate},
		Quantity:         d.Quantity,
		QuantityCanceled: d.QuantityCanceled,
		QuantityReturned: d.QuantityReturned,
		State:            domain.ItemState(d.State),
		Timestamps: domain.ItemTimestamps{
			PlacedAt:        d.PlacedAt,
			ConfirmedAt:     d.ConfirmedAt,
			FulfillmentAt:   d.FulfillmentAt,
			ShippedAt:       d.ShippedAt,
			DeliveredAt:     d.DeliveredAt,
			CanceledAt:      d.CanceledAt,
			ReturnedAt:      d.ReturnedAt,
			RefundedAt:      d.RefundedAt,
			ChargedBackAt:   d.ChargedBackAt,
			ChargeRevAt:     d.ChargeRevAt,
			NonReturnableAt: d.NonReturnableAt,
		},
		Jurisdiction: d.Jurisdiction,
		Flags: domain.ItemFlags{
			FinalSale:             d.Flags.FinalSale,
			NonReturnableCategory: d.Flags.NonReturnableCategory,
			Gift:                  d.Flags.Gift,
			GlobalStore:           d.Flags.GlobalStore,
			GuaranteedDelivery:    d.Flags.GuaranteedDelivery,
			FreeShippingEligible:  d.Flags.FreeShippingEligible,
			GiftCard:              d.Flags.GiftCard,
			PlatformFulfilled:     d.Flags.PlatformFulfilled,
		},
		SellerApprovedAt:  d.SellerApprovedAt,
		ApprovalRequested: d.ApprovalRequested,
		PaymentToken:      d.PaymentToken,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

// OrderItemRepository implements repositories.OrderItemRepository backed by
// Firestore with version-checked updates.
type OrderItemRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderItemRepository = (*OrderItemRepository)(nil)

// NewOrderItemRepository constructs a Firestore-backed order item repository.
func NewOrderItemRepository(provider *pfirestore.Provider) (*OrderItemRepository, error) {
	if provider == nil {
		return nil, errors.New("order item repository requires firestore provider")
	}
	return &OrderItemRepository{provider: provider}, nil
}

func (r *OrderItemRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("order_items", err)
	}
	return client.Collection(orderItemsCollection), nil
}

// Insert creates the item document. A duplicate id surfaces as a conflict.
func (r *OrderItemRepository) Insert(ctx context.Context, item domain.OrderItem) error {
	id := strings.TrimSpace(item.ID)
	if id == "" {
		return pfirestore.WrapError("order_items.insert", errors.New("item id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return err
	}
	if _, err := col.Doc(id).Create(ctx, toOrderItemDocument(item)); err != nil {
		return pfirestore.WrapError("order_items.insert", err)
	}
	return nil
}

// Update writes the item iff the stored version matches item.Version, then
// increments the version. A mismatch surfaces as a conflict so callers can
// re-read and retry.
func (r *OrderItemRepository) Update(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	id := strings.TrimSpace(item.ID)
	if id == "" {
		return domain.OrderItem{}, pfirestore.WrapError("order_items.update", errors.New("item id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.OrderItem{}, err
	}
	ref := col.Doc(id)

	updated := item
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return pfirestore.NotFoundError("order_items.update", fmt.Errorf("item %s not found", id))
		}
		if err != nil {
			return err
		}

		var stored orderItemDocument
		if err := snapshot.DataTo(&stored); err != nil {
			return fmt.Errorf("decode item %s: %w", id, err)
		}
		if stored.Version != item.Version {
			return pfirestore.ConflictError("order_items.update",
				fmt.Errorf("item %s version %d does not match stored %d", id, item.Version, stored.Version))
		}

		updated.Version = item.Version + 1
		return tx.Set(ref, toOrderItemDocument(updated))
	})
	if err != nil {
		return domain.OrderItem{}, pfirestore.WrapError("order_items.update", err)
	}
	return updated, nil
}

// FindByID loads one item by document id.
func (r *OrderItemRepository) FindByID(ctx context.Context, itemID string) (domain.OrderItem, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.OrderItem{}, pfirestore.WrapError("order_items.find", errors.New("item id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.OrderItem{}, err
	}
	snapshot, err := col.Doc(id).Get(ctx)
	if err != nil {
		return domain.OrderItem{}, pfirestore.WrapError("order_items.find", err)
	}

	var doc orderItemDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.OrderItem{}, pfirestore.WrapError("order_items.find", fmt.Errorf("decode item %s: %w", id, err))
	}
	return doc.toDomain(id), nil
}

// ListByOrder returns all items belonging to one order.
func (r *OrderItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, pfirestore.WrapError("order_items.list", errors.New("order id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	iter := col.Where("orderId", "==", trimmed).OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []domain.OrderItem
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("order_items.list", err)
		}
		var doc orderItemDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("order_items.list", fmt.Errorf("decode item %s: %w", snapshot.Ref.ID, err))
		}
		out = append(out, doc.toDomain(snapshot.Ref.ID))
	}
	return out, nil
}
