/**
 * @description
 * This file implements the payment reconciler: the state machine that turns the
 * payment provider's at-least-once, possibly out-of-order event stream into
 * deterministic entitlement ledger updates.
 *
 * Per provider event id: unseen -> processing -> applied | rejected. The claim
 * row in processed_events is the deduplication boundary; replays of a terminal
 * event return the recorded outcome without touching the ledger. A refund that
 * arrives before the purchase it refunds is parked in the pending_revokes side
 * table and re-applied when the matching grant lands. Both the park decision
 * and its consumption happen inside the repository's per-customer transaction,
 * so they cannot interleave with a concurrent grant or refund for the same
 * customer.
 *
 * @notes
 * - Ledger mutations retry with backoff on storage failure up to a bounded
 *   attempt count; exhaustion releases the claim so a later delivery can retry,
 *   and fails only that event. The release is fenced by the claim token, so a
 *   worker that stalled past the visibility timeout cannot delete the claim a
 *   takeover worker now holds.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/izaos/entitlement-service/internal/domain"
	"github.com/izaos/entitlement-service/internal/store"
)

var (
	ErrMalformedEvent  = errors.New("payment event payload is malformed")
	ErrEventInProgress = errors.New("payment event is being processed by another worker")
)

// ProcessPaymentEvent drives one provider event through the claim state machine
// and returns the terminal outcome. Safe to call concurrently for the same
// event id: exactly one caller mutates the ledger, the rest observe its result.
func (s *Service) ProcessPaymentEvent(ctx context.Context, event domain.PaymentEvent) (*domain.EventOutcome, error) {
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		// Without the dedup key there is nothing to claim or record.
		return nil, fmt.Errorf("%w: missing provider event id", ErrMalformedEvent)
	}

	prior, claimToken, acquired, err := s.repo.AcquireEventClaim(ctx, event.ProviderEventID, s.claimStaleWindow)
	if err != nil {
		if errors.Is(err, store.ErrEventClaimInProgress) {
			return nil, ErrEventInProgress
		}
		return nil, fmt.Errorf("acquire event claim: %w", err)
	}
	if !acquired {
		return decodePriorOutcome(prior)
	}

	outcome, terminal, err := s.applyClaimedEvent(ctx, event)
	if err != nil {
		// Transient failure mid-processing: give the claim back so a provider
		// redelivery (or the stale-claim takeover) can finish the job.
		if releaseErr := s.repo.ReleaseEventClaim(ctx, event.ProviderEventID, claimToken); releaseErr != nil {
			log.Printf("level=error component=reconciler msg=\"event claim release failed\" provider_event_id=%s err=%v", event.ProviderEventID, releaseErr)
		}
		return nil, err
	}

	if completeErr := s.repo.CompleteEventClaim(ctx, event.ProviderEventID, claimToken, *outcome); completeErr != nil {
		if errors.Is(completeErr, store.ErrEventClaimInProgress) {
			// Our claim was reclaimed past the visibility timeout; the ledger
			// operations are idempotent, so the new claimant converges on the
			// same outcome. Report ours.
			log.Printf("level=warn component=reconciler msg=\"event claim lost before completion\" provider_event_id=%s", event.ProviderEventID)
			return outcome, nil
		}
		return nil, fmt.Errorf("complete event claim: %w", completeErr)
	}

	log.Printf("level=info component=reconciler msg=\"payment event %s\" provider_event_id=%s customer_id=%s tier_id=%s status=%s granted=%d revoked=%d parked=%t",
		terminal, event.ProviderEventID, event.CustomerID, event.PriceTierID, event.Status, len(outcome.Granted), len(outcome.Revoked), outcome.RevokeParked)
	return outcome, nil
}

// applyClaimedEvent runs the per-status logic once the claim is held. It
// returns the terminal outcome, or an error for transient failures that should
// release the claim. Malformed payloads are a terminal outcome, not an error.
func (s *Service) applyClaimedEvent(ctx context.Context, event domain.PaymentEvent) (*domain.EventOutcome, string, error) {
	if reason := validatePaymentEvent(event); reason != "" {
		return &domain.EventOutcome{State: domain.EventStateRejected, Reason: reason}, "rejected", nil
	}

	switch event.Status {
	case domain.PaymentStatusFailed:
		// Recorded for replay safety, no ledger mutation.
		return &domain.EventOutcome{State: domain.EventStateApplied, Reason: "payment failed; no entitlement change"}, "applied", nil
	case domain.PaymentStatusSucceeded:
		return s.applySucceeded(ctx, event)
	case domain.PaymentStatusRefunded:
		return s.applyRefunded(ctx, event)
	default:
		// validatePaymentEvent rejects unknown statuses already.
		return &domain.EventOutcome{State: domain.EventStateRejected, Reason: fmt.Sprintf("unknown status %q", event.Status)}, "rejected", nil
	}
}

func (s *Service) applySucceeded(ctx context.Context, event domain.PaymentEvent) (*domain.EventOutcome, string, error) {
	templateIDs, rejectReason, err := s.expandForEvent(ctx, event.PriceTierID)
	if err != nil {
		return nil, "", err
	}
	if rejectReason != "" {
		return &domain.EventOutcome{State: domain.EventStateRejected, Reason: rejectReason}, "rejected", nil
	}
	if len(templateIDs) == 0 {
		// Subscription purchase: recorded, entitlements are delivered by the
		// external schedule-driven process.
		return &domain.EventOutcome{State: domain.EventStateApplied, Reason: "subscription tier; no direct grants"}, "applied", nil
	}

	// The repository grants and, if a refund for this (customer, tier) was
	// parked first, revokes and consumes the park in the same transaction. A
	// reordered refund therefore cannot leave the customer entitled.
	var grant *domain.GrantResult
	err = s.retryStorage(ctx, "grant entitlements", func() error {
		var opErr error
		grant, opErr = s.repo.GrantEntitlements(ctx, event.CustomerID, templateIDs, event.ProviderEventID, event.PriceTierID)
		return opErr
	})
	if err != nil {
		return nil, "", err
	}

	outcome := &domain.EventOutcome{
		State:          domain.EventStateApplied,
		Granted:        grant.Created,
		AlreadyPresent: grant.AlreadyPresent,
	}

	s.publishEntitlementChange(ctx, "entitlement.granted", domain.EntitlementChangedEvent{
		CustomerID:    event.CustomerID,
		PriceTierID:   event.PriceTierID,
		TemplateIDs:   grant.Created,
		SourceEventID: event.ProviderEventID,
		Timestamp:     time.Now().UTC(),
	})

	if grant.RefundEventID != "" {
		outcome.Revoked = grant.Revoked
		outcome.Reason = fmt.Sprintf("parked refund %s applied after grant", grant.RefundEventID)
		log.Printf("level=info component=reconciler msg=\"parked refund applied\" customer_id=%s tier_id=%s refund_event_id=%s revoked=%d",
			event.CustomerID, event.PriceTierID, grant.RefundEventID, len(grant.Revoked))

		s.publishEntitlementChange(ctx, "entitlement.revoked", domain.EntitlementChangedEvent{
			CustomerID:    event.CustomerID,
			PriceTierID:   event.PriceTierID,
			TemplateIDs:   grant.Revoked,
			SourceEventID: grant.RefundEventID,
			Timestamp:     time.Now().UTC(),
		})
	}

	return outcome, "applied", nil
}

func (s *Service) applyRefunded(ctx context.Context, event domain.PaymentEvent) (*domain.EventOutcome, string, error) {
	if _, err := s.repo.GetPriceTier(ctx, event.PriceTierID); err != nil {
		if errors.Is(err, store.ErrPriceTierNotFound) {
			return &domain.EventOutcome{State: domain.EventStateRejected, Reason: fmt.Sprintf("unknown price tier %q", event.PriceTierID)}, "rejected", nil
		}
		return nil, "", err
	}

	// The repository revokes or, when nothing matches, parks the refund in the
	// same transaction, so the decision cannot race a concurrent grant.
	var revoke *domain.RevokeResult
	err := s.retryStorage(ctx, "revoke entitlements", func() error {
		var opErr error
		revoke, opErr = s.repo.RevokeEntitlementsByTier(ctx, event.CustomerID, event.PriceTierID, event.ProviderEventID)
		return opErr
	})
	if err != nil {
		return nil, "", err
	}

	if revoke.Parked {
		// Refund delivered ahead of its purchase (or for an unknown one); the
		// eventual grant revokes retroactively. Logged, never fatal.
		log.Printf("level=warn component=reconciler msg=\"refund with no active entitlement parked\" customer_id=%s tier_id=%s provider_event_id=%s",
			event.CustomerID, event.PriceTierID, event.ProviderEventID)
		return &domain.EventOutcome{State: domain.EventStateApplied, RevokeParked: true, Reason: "no active entitlement; refund parked"}, "applied", nil
	}

	s.publishEntitlementChange(ctx, "entitlement.revoked", domain.EntitlementChangedEvent{
		CustomerID:    event.CustomerID,
		PriceTierID:   event.PriceTierID,
		TemplateIDs:   revoke.Revoked,
		SourceEventID: event.ProviderEventID,
		Timestamp:     time.Now().UTC(),
	})

	return &domain.EventOutcome{State: domain.EventStateApplied, Revoked: revoke.Revoked}, "applied", nil
}

// expandForEvent resolves the tier to template ids, distinguishing terminal
// rejection reasons (unknown tier, empty bundle) from transient lookup errors.
func (s *Service) expandForEvent(ctx context.Context, tierID string) (templateIDs []string, rejectReason string, err error) {
	tier, err := s.repo.GetPriceTier(ctx, tierID)
	if err != nil {
		if errors.Is(err, store.ErrPriceTierNotFound) {
			return nil, fmt.Sprintf("unknown price tier %q", tierID), nil
		}
		return nil, "", err
	}

	switch tier.Kind {
	case domain.TierKindSingle, domain.TierKindBundle:
		if len(tier.IncludedTemplateIDs) == 0 {
			return nil, fmt.Sprintf("price tier %q has no included templates", tierID), nil
		}
		return tier.IncludedTemplateIDs, "", nil
	case domain.TierKindVault:
		ids, listErr := s.repo.ListPublishedTemplateIDs(ctx)
		if listErr != nil {
			return nil, "", listErr
		}
		return ids, "", nil
	case domain.TierKindSubscription:
		return nil, "", nil
	default:
		return nil, fmt.Sprintf("price tier %q has unknown kind %q", tierID, tier.Kind), nil
	}
}

// retryStorage retries a ledger operation with linear backoff up to the bounded
// attempt count, honoring context cancellation between attempts.
func (s *Service) retryStorage(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == s.retryAttempts {
			break
		}
		log.Printf("level=warn component=reconciler msg=\"storage operation failed; retrying\" op=%q attempt=%d err=%v", op, attempt, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, s.retryAttempts, lastErr)
}

func validatePaymentEvent(event domain.PaymentEvent) string {
	if strings.TrimSpace(event.CustomerID) == "" {
		return "missing customer id"
	}
	if strings.TrimSpace(event.PriceTierID) == "" {
		return "missing price tier id"
	}
	switch event.Status {
	case domain.PaymentStatusSucceeded, domain.PaymentStatusFailed, domain.PaymentStatusRefunded:
		return ""
	default:
		return fmt.Sprintf("unknown status %q", event.Status)
	}
}

func decodePriorOutcome(prior *domain.ProcessedEvent) (*domain.EventOutcome, error) {
	if prior == nil {
		return nil, ErrEventInProgress
	}
	var outcome domain.EventOutcome
	if len(prior.Outcome) > 0 {
		if err := json.Unmarshal(prior.Outcome, &outcome); err != nil {
			return nil, fmt.Errorf("decode recorded outcome for event %s: %w", prior.ProviderEventID, err)
		}
	}
	if outcome.State == "" {
		outcome.State = prior.State
	}
	return &outcome, nil
}
