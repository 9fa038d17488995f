/**
 * @description
 * This file contains the core application service for the entitlement-service.
 * The Service owns catalog publishing and lookup, price tier expansion, the
 * ledger query surface used to authorize downloads, and the operator reads.
 * The payment reconciliation state machine lives in reconciler.go.
 *
 * @dependencies
 * - internal/store: The data access layer.
 * - internal/domain: The service's domain models.
 * - pkg/rabbitmq: For publishing entitlement change events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/izaos/entitlement-service/internal/domain"
	"github.com/izaos/entitlement-service/internal/store"
	"github.com/izaos/entitlement-service/pkg/rabbitmq"
)

var (
	ErrInvalidTemplate  = errors.New("template id, price tier id and storage locator are required")
	ErrInvalidPriceTier = errors.New("price tier definition is invalid")
	ErrNotEntitled      = errors.New("customer is not entitled to this template")
	ErrDeliveryDisabled = errors.New("download delivery is not configured")
)

const entitlementEventsExchange = "entitlement_events"

// DownloadLinker generates short-lived download URLs for stored template content.
// Implemented by pkg/s3delivery.
type DownloadLinker interface {
	PresignDownload(ctx context.Context, storageLocator string) (string, error)
}

// RateLimiter is the distributed limiter guarding the public webhook endpoint.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service encapsulates the core business logic of the entitlement-service.
type Service struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	delivery DownloadLinker
	limiter  RateLimiter

	claimStaleWindow time.Duration
	retryAttempts    int
	retryBackoff     time.Duration
}

// NewService creates a new instance of the application service.
func NewService(repo store.Repository, producer rabbitmq.Publisher, delivery DownloadLinker, claimStaleWindow time.Duration, retryAttempts int, retryBackoff time.Duration) *Service {
	if claimStaleWindow <= 0 {
		claimStaleWindow = 2 * time.Minute
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = 200 * time.Millisecond
	}
	return &Service{
		repo:             repo,
		producer:         producer,
		delivery:         delivery,
		claimStaleWindow: claimStaleWindow,
		retryAttempts:    retryAttempts,
		retryBackoff:     retryBackoff,
	}
}

// SetWebhookRateLimiter installs the optional Redis-backed limiter.
func (s *Service) SetWebhookRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// WebhookRateLimiter returns the installed limiter, nil when disabled.
func (s *Service) WebhookRateLimiter() RateLimiter {
	return s.limiter
}

// PublishTemplate validates and upserts a template into the catalog. The
// referenced price tier must already exist so a purchase can always resolve.
func (s *Service) PublishTemplate(ctx context.Context, req domain.PublishTemplateRequest) (*domain.Template, error) {
	id := strings.TrimSpace(req.ID)
	tierID := strings.TrimSpace(req.PriceTierID)
	locator := strings.TrimSpace(req.StorageLocator)
	if id == "" || tierID == "" || locator == "" {
		return nil, ErrInvalidTemplate
	}

	if _, err := s.repo.GetPriceTier(ctx, tierID); err != nil {
		if errors.Is(err, store.ErrPriceTierNotFound) {
			return nil, fmt.Errorf("%w: unknown price tier %q", ErrInvalidTemplate, tierID)
		}
		return nil, err
	}

	tpl := &domain.Template{
		ID:             id,
		Category:       strings.TrimSpace(req.Category),
		PriceTierID:    tierID,
		StorageLocator: locator,
	}
	published, err := s.repo.PublishTemplate(ctx, tpl)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=catalog msg=\"template published\" template_id=%s version=%d category=%q", published.ID, published.Version, published.Category)
	return published, nil
}

// PublishPriceTier validates and registers a new price tier.
func (s *Service) PublishPriceTier(ctx context.Context, req domain.PublishPriceTierRequest) (*domain.PriceTier, error) {
	tier := &domain.PriceTier{
		ID:                  strings.TrimSpace(req.ID),
		Kind:                strings.TrimSpace(strings.ToLower(req.Kind)),
		Amount:              req.Amount,
		Currency:            strings.TrimSpace(strings.ToLower(req.Currency)),
		IncludedTemplateIDs: req.IncludedTemplateIDs,
	}

	if tier.ID == "" || tier.Currency == "" {
		return nil, ErrInvalidPriceTier
	}
	if tier.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be >= 0", ErrInvalidPriceTier)
	}
	switch tier.Kind {
	case domain.TierKindSingle:
		if len(tier.IncludedTemplateIDs) != 1 {
			return nil, fmt.Errorf("%w: single tier must include exactly one template", ErrInvalidPriceTier)
		}
	case domain.TierKindBundle:
		if len(tier.IncludedTemplateIDs) == 0 {
			return nil, fmt.Errorf("%w: bundle tier must include at least one template", ErrInvalidPriceTier)
		}
	case domain.TierKindVault, domain.TierKindSubscription:
		// Membership is computed (vault) or delivery-schedule-driven (subscription);
		// an explicit include list would go stale and is rejected.
		if len(tier.IncludedTemplateIDs) != 0 {
			return nil, fmt.Errorf("%w: %s tier must not list included templates", ErrInvalidPriceTier, tier.Kind)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPriceTier, tier.Kind)
	}

	if err := s.repo.PublishPriceTier(ctx, tier); err != nil {
		return nil, err
	}

	log.Printf("level=info component=catalog msg=\"price tier published\" tier_id=%s kind=%s amount=%d currency=%s", tier.ID, tier.Kind, tier.Amount, tier.Currency)
	return tier, nil
}

// GetTemplate looks up one template by id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

// GetPriceTier looks up one price tier by id.
func (s *Service) GetPriceTier(ctx context.Context, id string) (*domain.PriceTier, error) {
	return s.repo.GetPriceTier(ctx, id)
}

// ExpandPriceTier resolves a tier to the set of template ids it covers at call
// time. Vault membership grows with the catalog, so it is computed here rather
// than stored; subscription tiers expand to nothing (delivery-schedule-driven).
func (s *Service) ExpandPriceTier(ctx context.Context, tierID string) ([]string, error) {
	tier, err := s.repo.GetPriceTier(ctx, tierID)
	if err != nil {
		return nil, err
	}

	switch tier.Kind {
	case domain.TierKindSingle, domain.TierKindBundle:
		return tier.IncludedTemplateIDs, nil
	case domain.TierKindVault:
		return s.repo.ListPublishedTemplateIDs(ctx)
	case domain.TierKindSubscription:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPriceTier, tier.Kind)
	}
}

// IsEntitled is the sole authorization check before content delivery.
func (s *Service) IsEntitled(ctx context.Context, customerID, templateID string) (bool, error) {
	return s.repo.IsEntitled(ctx, customerID, templateID)
}

// ListEntitlements returns the customer's entitlement history, oldest first.
func (s *Service) ListEntitlements(ctx context.Context, customerID string) ([]domain.Entitlement, error) {
	return s.repo.ListEntitlements(ctx, customerID)
}

// DownloadLink authorizes the customer against the ledger and returns a
// short-lived presigned URL for the template's stored content.
func (s *Service) DownloadLink(ctx context.Context, customerID, templateID string) (string, error) {
	if s.delivery == nil {
		return "", ErrDeliveryDisabled
	}

	entitled, err := s.repo.IsEntitled(ctx, customerID, templateID)
	if err != nil {
		return "", err
	}
	if !entitled {
		return "", ErrNotEntitled
	}

	tpl, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}

	url, err := s.delivery.PresignDownload(ctx, tpl.StorageLocator)
	if err != nil {
		return "", fmt.Errorf("presign download for template %s: %w", templateID, err)
	}

	log.Printf("level=info component=delivery msg=\"download link issued\" customer_id=%s template_id=%s version=%d", customerID, templateID, tpl.Version)
	return url, nil
}

// ListPendingRevokes exposes the parked-refund side table for operators.
func (s *Service) ListPendingRevokes(ctx context.Context) ([]domain.PendingRevoke, error) {
	return s.repo.ListPendingRevokes(ctx)
}

// ListRejectedEvents exposes terminally rejected events for operators.
func (s *Service) ListRejectedEvents(ctx context.Context, limit int) ([]domain.ProcessedEvent, error) {
	return s.repo.ListRejectedEvents(ctx, limit)
}

// publishEntitlementChange notifies downstream automation. Publishing is best
// effort; the ledger is already durable when this runs.
func (s *Service) publishEntitlementChange(ctx context.Context, routingKey string, event domain.EntitlementChangedEvent) {
	if s.producer == nil || len(event.TemplateIDs) == 0 {
		return
	}
	if err := s.producer.Publish(ctx, entitlementEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=app msg=\"entitlement event publish failed\" routing_key=%s customer_id=%s err=%v", routingKey, event.CustomerID, err)
	}
}
