package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/izaos/entitlement-service/internal/domain"
)

// AcquireEventClaim reserves a provider event id for processing. Exactly one
// claimant wins: the insert succeeds for an unseen id, a terminal row is
// returned without reprocessing, an in-flight row blocks other workers until
// the claim goes stale (visibility timeout), at which point it is reclaimed
// under a fresh claim token. The token identifies the claimant; complete and
// release only act on the row while it still carries the caller's token, so a
// worker that lost its claim to a takeover cannot touch the new claimant's row.
func (r *PostgresRepository) AcquireEventClaim(ctx context.Context, providerEventID string, staleWindow time.Duration) (*domain.ProcessedEvent, string, bool, error) {
	if staleWindow <= 0 {
		staleWindow = 2 * time.Minute
	}
	claimToken := uuid.NewString()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertResult, err := tx.Exec(ctx, `
		INSERT INTO processed_events (provider_event_id, state, claim_token, claimed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider_event_id) DO NOTHING
	`, providerEventID, domain.EventStateProcessing, claimToken)
	if err != nil {
		return nil, "", false, fmt.Errorf("reserve event claim: %w", err)
	}
	if insertResult.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return nil, "", false, err
		}
		return nil, claimToken, true, nil
	}

	var prior domain.ProcessedEvent
	err = tx.QueryRow(ctx, `
		SELECT provider_event_id, state, outcome, claimed_at, completed_at
		FROM processed_events
		WHERE provider_event_id = $1
		FOR UPDATE
	`, providerEventID).Scan(&prior.ProviderEventID, &prior.State, &prior.Outcome, &prior.ClaimedAt, &prior.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, "", false, ErrEventClaimInProgress
		}
		return nil, "", false, fmt.Errorf("load event claim: %w", err)
	}

	if prior.State != domain.EventStateProcessing {
		if err := tx.Commit(ctx); err != nil {
			return nil, "", false, err
		}
		return &prior, "", false, nil
	}

	if prior.ClaimedAt.After(time.Now().UTC().Add(-staleWindow)) {
		if err := tx.Commit(ctx); err != nil {
			return nil, "", false, err
		}
		return nil, "", false, ErrEventClaimInProgress
	}

	// Claimant crashed or stalled past the visibility timeout; take over under
	// a new token so the original worker's complete/release become no-ops.
	if _, err := tx.Exec(ctx, `
		UPDATE processed_events
		SET claim_token = $2, claimed_at = NOW(), outcome = NULL, completed_at = NULL
		WHERE provider_event_id = $1
	`, providerEventID, claimToken); err != nil {
		return nil, "", false, fmt.Errorf("reclaim stale event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", false, err
	}
	return nil, claimToken, true, nil
}

// CompleteEventClaim records the terminal state and outcome for a claimed
// event. The claim token must still match: a worker whose claim was taken over
// gets ErrEventClaimInProgress instead of overwriting the new claimant's row.
func (r *PostgresRepository) CompleteEventClaim(ctx context.Context, providerEventID, claimToken string, outcome domain.EventOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal event outcome: %w", err)
	}

	result, err := r.db.Exec(ctx, `
		UPDATE processed_events
		SET state = $3, outcome = $4::jsonb, completed_at = NOW()
		WHERE provider_event_id = $1 AND claim_token = $2 AND state = $5
	`, providerEventID, claimToken, outcome.State, string(payload), domain.EventStateProcessing)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrEventClaimInProgress
	}
	return nil
}

// ReleaseEventClaim drops an in-flight claim so the event can be retried
// immediately, used when processing hit a transient failure. Conditioned on the
// claim token, so releasing after a takeover leaves the new claim untouched.
func (r *PostgresRepository) ReleaseEventClaim(ctx context.Context, providerEventID, claimToken string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM processed_events
		WHERE provider_event_id = $1 AND claim_token = $2 AND state = $3
	`, providerEventID, claimToken, domain.EventStateProcessing)
	return err
}

// ListRejectedEvents returns terminally rejected events for operator remediation.
func (r *PostgresRepository) ListRejectedEvents(ctx context.Context, limit int) ([]domain.ProcessedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT provider_event_id, state, outcome, claimed_at, completed_at
		FROM processed_events
		WHERE state = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`, domain.EventStateRejected, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ProcessedEvent
	for rows.Next() {
		var e domain.ProcessedEvent
		if err := rows.Scan(&e.ProviderEventID, &e.State, &e.Outcome, &e.ClaimedAt, &e.CompletedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListPendingRevokes returns the full side table for operator visibility.
// Parking and consuming happen inside the grant/revoke transactions in
// postgres_repository.go; this is a read-only view.
func (r *PostgresRepository) ListPendingRevokes(ctx context.Context) ([]domain.PendingRevoke, error) {
	rows, err := r.db.Query(ctx, `
		SELECT customer_id, price_tier_id, source_event_id, parked_at
		FROM pending_revokes
		ORDER BY parked_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parked []domain.PendingRevoke
	for rows.Next() {
		var pr domain.PendingRevoke
		if err := rows.Scan(&pr.CustomerID, &pr.PriceTierID, &pr.SourceEventID, &pr.ParkedAt); err != nil {
			return nil, err
		}
		parked = append(parked, pr)
	}
	return parked, rows.Err()
}
