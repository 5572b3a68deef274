package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
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

const deadlinesCollection = "deadlines"

// claimLease bounds how long a claim blocks other sweepers. A sweeper that
// crashed mid-callback loses its claim after the lease and the deadline is
// picked up again.
const claimLease = 5 * time.Minute

type deadlineDocument struct {
	OrderItemID string     `firestore:"orderItemId"`
	Kind        string     `firestore:"kind"`
	DueAt       time.Time  `firestore:"dueAt"`
	Status      string     `firestore:"status"`
	ClaimedBy   string     `firestore:"claimedBy,omitempty"`
	ClaimedAt   *time.Time `firestore:"claimedAt,omitempty"`
	FiredAt     *time.Time `firestore:"firedAt,omitempty"`
	Attempts    int        `firestore:"attempts"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

func toDeadlineDocument(d domain.Deadline) deadlineDocument {
	return deadlineDocument{
		OrderItemID: d.OrderItemID,
		Kind:        string(d.Kind),
		DueAt:       d.DueAt,
		Status:      string(d.Status),
		ClaimedBy:   d.ClaimedBy,
		ClaimedAt:   d.ClaimedAt,
		FiredAt:     d.FiredAt,
		Attempts:    d.Attempts,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (d deadlineDocument) toDomain(id string) domain.Deadline {
	return domain.Deadline{
		ID:          id,
		OrderItemID: d.OrderItemID,
		Kind:        domain.DeadlineKind(d.Kind),
		DueAt:       d.DueAt,
		Status:      domain.DeadlineStatus(d.Status),
		ClaimedBy:   d.ClaimedBy,
		ClaimedAt:   d.ClaimedAt,
		FiredAt:     d.FiredAt,
		Attempts:    d.Attempts,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// DeadlineRepository implements repositories.DeadlineRepository with the
// claim transition enforced inside a transaction.
type DeadlineRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.DeadlineRepository = (*DeadlineRepository)(nil)

// NewDeadlineRepository constructs a Firestore-backed deadline repository.
func NewDeadlineRepository(provider *pfirestore.Provider) (*DeadlineRepository, error) {
	if provider == nil {
		return nil, errors.New("deadline repository requires firestore provider")
	}
	return &DeadlineRepository{provider: provider}, nil
}

func (r *DeadlineRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("deadlines", err)
	}
	return client.Collection(deadlinesCollection), nil
}

// Schedule creates the deadline document in the pending state.
func (r *DeadlineRepository) Schedule(ctx context.Context, deadline domain.Deadline) (domain.Deadline, error) {
	id := strings.TrimSpace(deadline.ID)
	if id == "" {
		return domain.Deadline{}, pfirestore.WrapError("deadlines.schedule", errors.New("deadline id is required"))
	}
	if deadline.Status == "" {
		deadline.Status = domain.DeadlinePending
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.Deadline{}, err
	}
	if _, err := col.Doc(id).Create(ctx, toDeadlineDocument(deadline)); err != nil {
		return domain.Deadline{}, pfirestore.WrapError("deadlines.schedule", err)
	}
	return deadline, nil
}

// Cancel marks every pending deadline of the given kind for the item canceled.
// Canceling a kind with no pending deadline is a no-op.
func (r *DeadlineRepository) Cancel(ctx context.Context, itemID string, kind domain.DeadlineKind) error {
	trimmed := strings.TrimSpace(itemID)
	if trimmed == "" {
		return pfirestore.WrapError("deadlines.cancel", errors.New("item id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return err
	}

	iter := col.Where("orderItemId", "==", trimmed).
		Where("kind", "==", string(kind)).
		Where("status", "==", string(domain.DeadlinePending)).
		Documents(ctx)
	defer iter.Stop()

	now := time.Now().UTC()
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return pfirestore.WrapError("deadlines.cancel", err)
		}

		ref := snapshot.Ref
		err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			current, err := tx.Get(ref)
			if status.Code(err) == codes.NotFound {
				return nil
			}
			if err != nil {
				return err
			}
			var doc deadlineDocument
			if err := current.DataTo(&doc); err != nil {
				return fmt.Errorf("decode deadline %s: %w", ref.ID, err)
			}
			// A sweeper may have claimed it between the query and this
			// transaction; only pending deadlines are cancelable.
			if doc.Status != string(domain.DeadlinePending) {
				return nil
			}
			return tx.Update(ref, []firestore.Update{
				{Path: "status", Value: string(domain.DeadlineCanceled)},
				{Path: "updatedAt", Value: now},
			})
		})
		if err != nil {
			return pfirestore.WrapError("deadlines.cancel", err)
		}
	}
	return nil
}

// Claim atomically transitions the deadline pending→claimed. A deadline
// already claimed within the lease, fired, or canceled surfaces as a
// conflict; a stale claim past the lease is taken over.
func (r *DeadlineRepository) Claim(ctx context.Context, deadlineID, claimedBy string, now time.Time) (domain.Deadline, error) {
	id := strings.TrimSpace(deadlineID)
	if id == "" {
		return domain.Deadline{}, pfirestore.WrapError("deadlines.claim", errors.New("deadline id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return domain.Deadline{}, err
	}
	ref := col.Doc(id)

	var claimed domain.Deadline
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return pfirestore.NotFoundError("deadlines.claim", fmt.Errorf("deadline %s not found", id))
		}
		if err != nil {
			return err
		}

		var doc deadlineDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("decode deadline %s: %w", id, err)
		}

		switch domain.DeadlineStatus(doc.Status) {
		case domain.DeadlinePending:
		case domain.DeadlineClaimed:
			if doc.ClaimedAt != nil && now.Sub(*doc.ClaimedAt) < claimLease {
				return pfirestore.ConflictError("deadlines.claim",
					fmt.Errorf("deadline %s held by %s", id, doc.ClaimedBy))
			}
			// Stale claim: the previous holder crashed; take it over.
		default:
			return pfirestore.ConflictError("deadlines.claim",
				fmt.Errorf("deadline %s already %s", id, doc.Status))
		}

		doc.Status = string(domain.DeadlineClaimed)
		doc.ClaimedBy = claimedBy
		doc.ClaimedAt = &now
		doc.Attempts++
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		claimed = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Deadline{}, pfirestore.WrapError("deadlines.claim", err)
	}
	return claimed, nil
}

// MarkFired finalises a claimed deadline. Fired is terminal.
func (r *DeadlineRepository) MarkFired(ctx context.Context, deadlineID string, firedAt time.Time) error {
	id := strings.TrimSpace(deadlineID)
	if id == "" {
		return pfirestore.WrapError("deadlines.mark_fired", errors.New("deadline id is required"))
	}

	col, err := r.collection(ctx)
	if err != nil {
		return err
	}
	ref := col.Doc(id)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return pfirestore.NotFoundError("deadlines.mark_fired", fmt.Errorf("deadline %s not found", id))
		}
		if err != nil {
			return err
		}

		var doc deadlineDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("decode deadline %s: %w", id, err)
		}
		if doc.Status != string(domain.DeadlineClaimed) {
			return pfirestore.ConflictError("deadlines.mark_fired",
				fmt.Errorf("deadline %s is %s, not claimed", id, doc.Status))
		}

		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(domain.DeadlineFired)},
			{Path: "firedAt", Value: firedAt},
			{Path: "updatedAt", Value: firedAt},
		})
	})
	return pfirestore.WrapError("deadlines.mark_fired", err)
}

// ListDue returns deadlines ready for a sweeper, oldest first: pending rows
// whose due time has passed, plus claimed rows whose lease has lapsed. A
// sweeper that failed mid-callback leaves its row claimed; once the lease
// expires the row surfaces again so another sweep can take it over.
func (r *DeadlineRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Deadline, error) {
	if limit <= 0 {
		limit = 100
	}

	col, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	pending := col.Where("status", "==", string(domain.DeadlinePending)).
		Where("dueAt", "<=", now).
		OrderBy("dueAt", firestore.Asc).
		Limit(limit)
	stale := col.Where("status", "==", string(domain.DeadlineClaimed)).
		Where("claimedAt", "<=", now.Add(-claimLease)).
		OrderBy("claimedAt", firestore.Asc).
		Limit(limit)

	var out []domain.Deadline
	for _, query := range []firestore.Query{pending, stale} {
		deadlines, err := r.collectDue(ctx, query)
		if err != nil {
			return nil, err
		}
		out = append(out, deadlines...)
	}

	slices.SortFunc(out, func(a, b domain.Deadline) int {
		return a.DueAt.Compare(b.DueAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeadlineRepository) collectDue(ctx context.Context, query firestore.Query) ([]domain.Deadline, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []domain.Deadline
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("deadlines.list_due", err)
		}
		var doc deadlineDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("deadlines.list_due", fmt.Errorf("decode deadline %s: %w", snapshot.Ref.ID, err))
		}
		out = append(out, doc.toDomain(snapshot.Ref.ID))
	}
	return out, nil
}
