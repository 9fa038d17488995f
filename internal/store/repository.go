/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the entitlement-service. By defining an
 * interface, we decouple the application's business logic from the specific
 * database implementation (PostgreSQL), making the code more modular and easier
 * to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/izaos/entitlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Catalog methods. Templates are append-only: republishing an existing id
	// bumps the version, ids are never reassigned or removed.
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
	GetPriceTier(ctx context.Context, id string) (*domain.PriceTier, error)
	ListPublishedTemplateIDs(ctx context.Context) ([]string, error)
	PublishTemplate(ctx context.Context, tpl *domain.Template) (*domain.Template, error)
	PublishPriceTier(ctx context.Context, tier *domain.PriceTier) error

	// Entitlement ledger methods. Grant and revoke serialize per customer via a
	// transaction-scoped advisory lock so concurrent mutations for the same
	// customer cannot double-create or miss each other. The pending-revoke side
	// table is read and written inside those same transactions: a grant consumes
	// a waiting park, a revoke that matches nothing parks itself, and neither
	// decision can interleave with the other customer mutation.
	GrantEntitlements(ctx context.Context, customerID string, templateIDs []string, sourceEventID, priceTierID string) (*domain.GrantResult, error)
	RevokeEntitlementsByTier(ctx context.Context, customerID, priceTierID, sourceEventID string) (*domain.RevokeResult, error)
	IsEntitled(ctx context.Context, customerID, templateID string) (bool, error)
	ListEntitlements(ctx context.Context, customerID string) ([]domain.Entitlement, error)

	// Processed-event claim methods. AcquireEventClaim is the at-least-once to
	// at-most-once boundary: exactly one claimant wins per provider event id,
	// terminal rows return their stored outcome, and stale in-flight claims
	// become reclaimable after the visibility timeout. The returned claim token
	// fences CompleteEventClaim and ReleaseEventClaim so a worker that lost its
	// claim to a takeover cannot finish or delete the new claimant's row.
	AcquireEventClaim(ctx context.Context, providerEventID string, staleWindow time.Duration) (prior *domain.ProcessedEvent, claimToken string, acquired bool, err error)
	CompleteEventClaim(ctx context.Context, providerEventID, claimToken string, outcome domain.EventOutcome) error
	ReleaseEventClaim(ctx context.Context, providerEventID, claimToken string) error
	ListRejectedEvents(ctx context.Context, limit int) ([]domain.ProcessedEvent, error)

	// Operator view over refunds still waiting for their purchase.
	ListPendingRevokes(ctx context.Context) ([]domain.PendingRevoke, error)
}
