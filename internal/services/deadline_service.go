package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/marketgrid/policy-engine/internal/repositories"
)

const defaultSweepBatchSize = 100

// DeadlineDeps bundles collaborators for the deadline sweeper.
type DeadlineDeps struct {
	Deadlines repositories.DeadlineRepository
	Lifecycle LifecycleService
	Clock     func() time.Time
	// WorkerID identifies this sweeper instance in claim records. Defaults to
	// hostname plus a random suffix.
	WorkerID  string
	BatchSize int
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type deadlineService struct {
	deadlines repositories.DeadlineRepository
	lifecycle LifecycleService
	clock     func() time.Time
	workerID  string
	batchSize int
	logger    func(context.Context, string, map[string]any)
}

// NewDeadlineService wires dependencies into a concrete DeadlineService.
func NewDeadlineService(deps DeadlineDeps) (DeadlineService, error) {
	if deps.Deadlines == nil {
		return nil, errors.New("deadline service: deadline repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("deadline service: lifecycle service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	workerID := deps.WorkerID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "sweeper"
		}
		workerID = fmt.Sprintf("%s-%s", host, ulid.Make().String())
	}

	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &deadlineService{
		deadlines: deps.Deadlines,
		lifecycle: deps.Lifecycle,
		clock:     func() time.Time { return clock().UTC() },
		workerID:  workerID,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Sweep claims and fires every due deadline in one pass. Each deadline fires
// at most once across all sweeper instances: the claim is the exclusive lock,
// and a claim conflict means another instance already owns it.
func (s *deadlineService) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	if now.IsZero() {
		now = s.clock()
	}
	now = now.UTC()

	due, err := s.deadlines.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return SweepResult{}, mapRepositoryError(err)
	}

	result := SweepResult{Due: len(due)}
	for _, deadline := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		claimed, err := s.deadlines.Claim(ctx, deadline.ID, s.workerID, now)
		if err != nil {
			if isConflict(err) {
				result.Skipped++
				continue
			}
			result.Failed++
			s.logger(ctx, "deadline.claim.failed", map[string]any{
				"deadline": deadline.ID, "kind": string(deadline.Kind), "error": err.Error(),
			})
			continue
		}

		if err := s.lifecycle.ExpireDeadline(ctx, claimed, now); err != nil {
			// Left claimed without MarkFired: the stale-claim lease lets a
			// later sweep retry it.
			result.Failed++
			s.logger(ctx, "deadline.expire.failed", map[string]any{
				"deadline": claimed.ID, "item": claimed.OrderItemID,
				"kind": string(claimed.Kind), "error": err.Error(),
			})
			continue
		}

		if err := s.deadlines.MarkFired(ctx, claimed.ID, now); err != nil {
			result.Failed++
			s.logger(ctx, "deadline.mark_fired.failed", map[string]any{
				"deadline": claimed.ID, "error": err.Error(),
			})
			continue
		}
		result.Fired++
	}

	return result, nil
}
