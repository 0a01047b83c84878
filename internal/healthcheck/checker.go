// Package healthcheck keeps platform push subscriptions alive. The
// platform silently expires subscriptions whose endpoint misbehaves, so
// a periodic sweep recreates any that went missing.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/docvaulthq/chatrelay/internal/integration"
	"github.com/docvaulthq/chatrelay/internal/platform"
)

type IntegrationStore interface {
	ListConnected(ctx context.Context) ([]integration.Record, error)
	SetSubscription(ctx context.Context, tenantID, subscriptionID string) error
	MarkError(ctx context.Context, tenantID, reason string) error
}

type SubscriptionAPI interface {
	EnsureSubscription(ctx context.Context, credential string, eventTypes []string) (platform.Subscription, error)
	CheckSubscription(ctx context.Context, credential, id string) (*platform.Subscription, error)
}

type CredentialResolver interface {
	Resolve(stored string) (string, error)
}

// Checker sweeps connected integrations and repairs their subscriptions.
type Checker struct {
	integrations  IntegrationStore
	subscriptions SubscriptionAPI
	credentials   CredentialResolver
	eventTypes    []string
	logger        *slog.Logger
}

func NewChecker(log *slog.Logger, integrations IntegrationStore, subscriptions SubscriptionAPI, credentials CredentialResolver, eventTypes []string) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		integrations:  integrations,
		subscriptions: subscriptions,
		credentials:   credentials,
		eventTypes:    eventTypes,
		logger:        log.With(slog.String("service", "healthcheck")),
	}
}

// Run sweeps every connected integration once. Failures for one tenant
// never stop the sweep for the rest.
func (c *Checker) Run(ctx context.Context) {
	records, err := c.integrations.ListConnected(ctx)
	if err != nil {
		c.logger.Error("list connected integrations failed", slog.Any("error", err))
		return
	}
	for _, record := range records {
		if err := c.checkOne(ctx, record); err != nil {
			c.logger.Error("subscription check failed",
				slog.String("tenant_id", record.TenantID),
				slog.Any("error", err))
		}
	}
}

func (c *Checker) checkOne(ctx context.Context, record integration.Record) error {
	credential, err := c.credentials.Resolve(record.Credential)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}

	if record.SubscriptionID != "" {
		sub, err := c.subscriptions.CheckSubscription(ctx, credential, record.SubscriptionID)
		if err != nil {
			if platform.IsCredentialRevoked(err) {
				return c.degrade(ctx, record.TenantID)
			}
			return err
		}
		if sub != nil {
			return nil
		}
		c.logger.Warn("subscription missing, recreating",
			slog.String("tenant_id", record.TenantID),
			slog.String("subscription_id", record.SubscriptionID))
	}

	created, err := c.subscriptions.EnsureSubscription(ctx, credential, c.eventTypes)
	if err != nil {
		if platform.IsCredentialRevoked(err) {
			return c.degrade(ctx, record.TenantID)
		}
		return err
	}
	return c.integrations.SetSubscription(ctx, record.TenantID, created.ID)
}

func (c *Checker) degrade(ctx context.Context, tenantID string) error {
	reason := "platform rejected credential: status 401"
	if err := c.integrations.MarkError(ctx, tenantID, reason); err != nil {
		return fmt.Errorf("mark integration error: %w", err)
	}
	return nil
}

// Scheduler drives the checker on a cron expression.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(log *slog.Logger, checker *Checker, spec string) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		checker.Run(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("schedule healthcheck: %w", err)
	}
	return &Scheduler{
		cron:   c,
		logger: log.With(slog.String("service", "healthcheck")),
	}, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("subscription healthcheck started")
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
