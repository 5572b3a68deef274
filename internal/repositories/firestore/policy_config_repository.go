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

const policyConfigsCollection = "policy_configs"

type policyConfigDocument struct {
	ReturnWindowDays        int                `firestore:"returnWindowDays"`
	LateFeeRate             float64            `firestore:"lateFeeRate"`
	DamageFeeCeiling        float64            `firestore:"damageFeeCeiling"`
	RestockingRate          float64            `firestore:"restockingRate"`
	RestockingCategories    map[string]bool    `firestore:"restockingCategories,omitempty"`
	TaxedJurisdictions      map[string]float64 `firestore:"taxedJurisdictions,omitempty"`
	FreeShippingThreshold   int                `firestore:"freeShippingThreshold"`
	ExcludedShipRegions     map[string]bool    `firestore:"excludedShipRegions,omitempty"`
	AdvanceRefundPostageCap int64              `firestore:"advanceRefundPostageCap"`
	GlobalStoreTransitDays  int                `firestore:"globalStoreTransitDays"`
	ReminderLeadDays        int                `firestore:"reminderLeadDays"`
	ApprovalAutoResolve     string             `firestore:"approvalAutoResolve,omitempty"`
	ApprovalSLAMinutes      int64              `firestore:"approvalSlaMinutes"`
	SettlementCurrency      string             `firestore:"settlementCurrency"`
	CreatedAt               time.Time          `firestore:"createdAt"`
}

func (d policyConfigDocument) toDomain(version string) domain.PolicyConfig {
	return domain.PolicyConfig{
		Version:                 version,
		ReturnWindowDays:        d.ReturnWindowDays,
		LateFeeRate:             d.LateFeeRate,
		DamageFeeCeiling:        d.DamageFeeCeiling,
		RestockingRate:          d.RestockingRate,
		RestockingCategories:    d.RestockingCategories,
		TaxedJurisdictions:      d.TaxedJurisdictions,
		FreeShippingThreshold:   d.FreeShippingThreshold,
		ExcludedShipRegions:     d.ExcludedShipRegions,
		AdvanceRefundPostageCap: d.AdvanceRefundPostageCap,
		GlobalStoreTransitDays:  d.GlobalStoreTransitDays,
		ReminderLeadDays:        d.ReminderLeadDays,
		ApprovalAutoResolve:     domain.ApprovalResolution(d.ApprovalAutoResolve),
		ApprovalSLA:             time.Duration(d.ApprovalSLAMinutes) * time.Minute,
		SettlementCurrency:      d.SettlementCurrency,
		CreatedAt:               d.CreatedAt,
	}
}

// PolicyConfigRepository serves immutable policy snapshots keyed by version.
// Snapshots are written out of band by configuration tooling; the engine only
// reads them.
type PolicyConfigRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.PolicyConfigRepository = (*PolicyConfigRepository)(nil)

// NewPolicyConfigRepository constructs a Firestore-backed policy config repository.
func NewPolicyConfigRepository(provider *pfirestore.Provider) (*PolicyConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("policy config repository requires firestore provider")
	}
	return &PolicyConfigRepository{provider: provider}, nil
}

func (r *PolicyConfigRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("policy_configs", err)
	}
	return client.Collection(policyConfigsCollection), nil
}

// FindVersion loads the snapshot with the given version id.
func (r *PolicyConfigRepository) FindVersion(ctx context.Context, version string) (domain.PolicyConfig, error) {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" {
		return domain.PolicyConfig{}, pfirestore.WrapError("policy_configs.find", errors.New("version is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.PolicyConfig{}, err
	}
	snapshot, err := col.Doc(trimmed).Get(ctx)
	if err != nil {
		return domain.PolicyConfig{}, pfirestore.WrapError("policy_configs.find", err)
	}

	var doc policyConfigDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.PolicyConfig{}, pfirestore.WrapError("policy_configs.find", fmt.Errorf("decode config %s: %w", trimmed, err))
	}
	return doc.toDomain(trimmed), nil
}

// Current returns the most recently created snapshot.
func (r *PolicyConfigRepository) Current(ctx context.Context) (domain.PolicyConfig, error) {
	col, err := r.collection(ctx)
	if err != nil {
		return domain.PolicyConfig{}, err
	}

	iter := col.OrderBy("createdAt", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()

	snapshot, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.PolicyConfig{}, pfirestore.NotFoundError("policy_configs.current", errors.New("no policy config published"))
	}
	if err != nil {
		return domain.PolicyConfig{}, pfirestore.WrapError("policy_configs.current", err)
	}

	var doc policyConfigDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.PolicyConfig{}, pfirestore.WrapError("policy_configs.current", fmt.Errorf("decode config %s: %w", snapshot.Ref.ID, err))
	}
	return doc.toDomain(snapshot.Ref.ID), nil
}
