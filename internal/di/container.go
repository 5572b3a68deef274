package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	domain "github.com/marketgrid/policy-engine/internal/domain"
	"github.com/marketgrid/policy-engine/internal/platform/config"
	"github.com/marketgrid/policy-engine/internal/repositories"
	"github.com/marketgrid/policy-engine/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Lifecycle services.LifecycleService
	Shipping  services.ShippingEligibilityService
	Deadlines services.DeadlineService
}

// Dependencies carries externally constructed collaborators (payment lookups,
// publishers) that the container wires into services. All fields are optional;
// services degrade to their documented fallbacks when one is absent.
type Dependencies struct {
	Instruments   services.InstrumentChecker
	Events        services.EventPublisher
	Notifications services.NotificationSink
	Logger        *zap.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// real implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	policies := newPolicyProvider(reg.PolicyConfigs(), cfg.Policy.ActiveVersion)
	logger := newServiceLogger(deps.Logger)

	lifecycle, err := services.NewLifecycleService(services.LifecycleDeps{
		Items:         reg.OrderItems(),
		Returns:       reg.ReturnRequests(),
		Refunds:       reg.RefundRecords(),
		Deadlines:     reg.Deadlines(),
		Policies:      policies,
		Instruments:   deps.Instruments,
		Scorer:        services.LinearDamageScorer{},
		Events:        deps.Events,
		Notifications: deps.Notifications,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build lifecycle service: %w", err)
	}
	svc.Lifecycle = lifecycle

	shipping, err := services.NewShippingEligibilityService(services.ShippingDeps{
		Orders:        reg.Orders(),
		Refunds:       reg.RefundRecords(),
		Policies:      policies,
		Notifications: deps.Notifications,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shipping service: %w", err)
	}
	svc.Shipping = shipping

	deadlines, err := services.NewDeadlineService(services.DeadlineDeps{
		Deadlines: reg.Deadlines(),
		Lifecycle: lifecycle,
		Clock:     time.Now,
		BatchSize: cfg.Sweep.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build deadline service: %w", err)
	}
	svc.Deadlines = deadlines

	return svc, nil
}

// versionedPolicyProvider pins evaluations to an explicitly configured policy
// snapshot; without a pinned version the latest published snapshot is served.
type versionedPolicyProvider struct {
	configs repositories.PolicyConfigRepository
	version string
}

func newPolicyProvider(configs repositories.PolicyConfigRepository, version string) services.PolicyProvider {
	return &versionedPolicyProvider{configs: configs, version: version}
}

// Current implements services.PolicyProvider.
func (p *versionedPolicyProvider) Current(ctx context.Context) (domain.PolicyConfig, error) {
	if p.version != "" {
		return p.configs.FindVersion(ctx, p.version)
	}
	return p.configs.Current(ctx)
}

func newServiceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		return nil
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
