package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	pfirestore "github.com/marketgrid/policy-engine/internal/platform/firestore"
	"github.com/marketgrid/policy-engine/internal/repositories"
)

const ordersCollection = "orders"

type orderLineDocument struct {
	ItemID string            `firestore:"itemId"`
	Item   orderItemDocument `firestore:"item"`
}

type orderDocument struct {
	Items                 []orderLineDocument `firestore:"items,omitempty"`
	DestinationRegion     string              `firestore:"destinationRegion"`
	ShippingSpeed         string              `firestore:"shippingSpeed,omitempty"`
	ShippingFee           int64               `firestore:"shippingFee"`
	Currency              string              `firestore:"currency"`
	FreeShippingQualified bool                `firestore:"freeShippingQualified"`
	GuaranteedDeliveryAt  *time.Time          `firestore:"guaranteedDeliveryAt,omitempty"`
	FirstDeliveryAttempt  *time.Time          `firestore:"firstDeliveryAttempt,omitempty"`
	UpdatedAt             time.Time           `firestore:"updatedAt"`
}

func toOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		DestinationRegion:     order.DestinationRegion,
		ShippingSpeed:         order.ShippingSpeed,
		ShippingFee:           order.ShippingFee,
		Currency:              order.Currency,
		FreeShippingQualified: order.FreeShippingQualified,
		GuaranteedDeliveryAt:  order.GuaranteedDeliveryAt,
		FirstDeliveryAttempt:  order.FirstDeliveryAttempt,
		UpdatedAt:             order.UpdatedAt,
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderLineDocument{
			ItemID: item.ID,
			Item:   toOrderItemDocument(item),
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:                    id,
		DestinationRegion:     d.DestinationRegion,
		ShippingSpeed:         d.ShippingSpeed,
		ShippingFee:           d.ShippingFee,
		Currency:              d.Currency,
		FreeShippingQualified: d.FreeShippingQualified,
		GuaranteedDeliveryAt:  d.GuaranteedDeliveryAt,
		FirstDeliveryAttempt:  d.FirstDeliveryAttempt,
		UpdatedAt:             d.UpdatedAt,
	}
	for _, line := range d.Items {
		order.Items = append(order.Items, line.Item.toDomain(line.ItemID))
	}
	return order
}

// OrderRepository persists order snapshots carrying derived shipping attributes.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order snapshot repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders", err)
	}
	return client.Collection(ordersCollection), nil
}

// Upsert writes the snapshot, replacing any previous one for the same order.
func (r *OrderRepository) Upsert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return pfirestore.WrapError("orders.upsert", errors.New("order id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return err
	}
	if _, err := col.Doc(id).Set(ctx, toOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.upsert", err)
	}
	return nil
}

// FindByID loads one order snapshot by document id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, pfirestore.WrapError("orders.find", errors.New("order id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snapshot, err := col.Doc(id).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}

	var doc orderDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", fmt.Errorf("decode order %s: %w", id, err))
	}
	return doc.toDomain(id), nil
}
