/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * for the catalog and the entitlement ledger. It contains all the SQL queries
 * against the `templates`, `price_tiers`, `price_tier_templates` and
 * `entitlements` tables.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/izaos/entitlement-service/internal/domain"
)

var (
	ErrTemplateNotFound     = errors.New("template not found")
	ErrPriceTierNotFound    = errors.New("price tier not found")
	ErrPriceTierExists      = errors.New("price tier already exists")
	ErrEventClaimInProgress = errors.New("event claim held by another worker")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// customerLockKey derives a stable advisory lock key from a customer id so that
// all ledger mutations for one customer serialize on the same lock.
func customerLockKey(customerID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("entitlement:customer:"))
	h.Write([]byte(customerID))
	return int64(h.Sum64())
}

// GetTemplate retrieves a template from the catalog by its id.
func (r *PostgresRepository) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	var tpl domain.Template
	query := `SELECT id, category, price_tier_id, version, storage_locator, published_at FROM templates WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(&tpl.ID, &tpl.Category, &tpl.PriceTierID, &tpl.Version, &tpl.StorageLocator, &tpl.PublishedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return &tpl, nil
}

// GetPriceTier retrieves a price tier and its included template ids.
func (r *PostgresRepository) GetPriceTier(ctx context.Context, id string) (*domain.PriceTier, error) {
	var tier domain.PriceTier
	query := `SELECT id, kind, amount, currency, created_at FROM price_tiers WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(&tier.ID, &tier.Kind, &tier.Amount, &tier.Currency, &tier.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPriceTierNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `SELECT template_id FROM price_tier_templates WHERE tier_id = $1 ORDER BY template_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var templateID string
		if err := rows.Scan(&templateID); err != nil {
			return nil, err
		}
		tier.IncludedTemplateIDs = append(tier.IncludedTemplateIDs, templateID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &tier, nil
}

// ListPublishedTemplateIDs returns every template id currently in the catalog.
// Vault purchases expand through this at processing time.
func (r *PostgresRepository) ListPublishedTemplateIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PublishTemplate inserts a new template or, when the id already exists, bumps
// its version and replaces the mutable attributes. The id itself is immutable.
func (r *PostgresRepository) PublishTemplate(ctx context.Context, tpl *domain.Template) (*domain.Template, error) {
	var out domain.Template
	query := `
		INSERT INTO templates (id, category, price_tier_id, version, storage_locator, published_at)
		VALUES ($1, $2, $3, 1, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			price_tier_id = EXCLUDED.price_tier_id,
			version = templates.version + 1,
			storage_locator = EXCLUDED.storage_locator,
			published_at = NOW()
		RETURNING id, category, price_tier_id, version, storage_locator, published_at
	`
	err := r.db.QueryRow(ctx, query, tpl.ID, tpl.Category, tpl.PriceTierID, tpl.StorageLocator).Scan(
		&out.ID, &out.Category, &out.PriceTierID, &out.Version, &out.StorageLocator, &out.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PublishPriceTier registers a new price tier with its included template set.
// Tiers are insert-only; a duplicate id is rejected rather than silently replaced.
func (r *PostgresRepository) PublishPriceTier(ctx context.Context, tier *domain.PriceTier) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tier publish tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		INSERT INTO price_tiers (id, kind, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO NOTHING
	`, tier.ID, tier.Kind, tier.Amount, tier.Currency)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPriceTierExists
	}

	for _, templateID := range tier.IncludedTemplateIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO price_tier_templates (tier_id, template_id)
			VALUES ($1, $2)
			ON CONFLICT (tier_id, template_id) DO NOTHING
		`, tier.ID, templateID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GrantEntitlements creates an entitlement per template id unless an active one
// already exists for that (customer, template). The whole grant runs in one
// transaction holding the per-customer advisory lock, so two workers racing on
// the same customer cannot both observe "not yet granted". A parked refund for
// the same (customer, tier) is consumed inside that transaction: releasing the
// lock between granting and applying the park would let a concurrent refund
// slip between the two and strand the customer entitled.
func (r *PostgresRepository) GrantEntitlements(ctx context.Context, customerID string, templateIDs []string, sourceEventID, priceTierID string) (*domain.GrantResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, customerLockKey(customerID)); err != nil {
		return nil, fmt.Errorf("acquire customer lock: %w", err)
	}

	result := &domain.GrantResult{}
	for _, templateID := range templateIDs {
		// The partial unique index on (customer_id, template_id) WHERE NOT revoked
		// makes this insert a no-op when an active entitlement already exists.
		tag, err := tx.Exec(ctx, `
			INSERT INTO entitlements (id, customer_id, template_id, source_event_id, price_tier_id, granted_at, revoked)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, NOW(), FALSE)
			ON CONFLICT (customer_id, template_id) WHERE NOT revoked DO NOTHING
		`, customerID, templateID, sourceEventID, priceTierID)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			result.Created = append(result.Created, templateID)
		} else {
			result.AlreadyPresent = append(result.AlreadyPresent, templateID)
		}
	}

	var refundEventID string
	err = tx.QueryRow(ctx, `
		SELECT source_event_id FROM pending_revokes
		WHERE customer_id = $1 AND price_tier_id = $2
		FOR UPDATE
	`, customerID, priceTierID).Scan(&refundEventID)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("check pending revoke: %w", err)
	}
	if err == nil {
		revoked, err := revokeByTierLocked(ctx, tx, customerID, priceTierID, refundEventID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM pending_revokes
			WHERE customer_id = $1 AND price_tier_id = $2
		`, customerID, priceTierID); err != nil {
			return nil, fmt.Errorf("clear pending revoke: %w", err)
		}
		result.Revoked = revoked
		result.RefundEventID = refundEventID
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// RevokeEntitlementsByTier flags every active entitlement for the customer whose
// originating price tier matches. When nothing matches, the refund is parked in
// the same transaction so the decision cannot race a concurrent grant for the
// pair; the first parked event id wins.
func (r *PostgresRepository) RevokeEntitlementsByTier(ctx context.Context, customerID, priceTierID, sourceEventID string) (*domain.RevokeResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin revoke tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, customerLockKey(customerID)); err != nil {
		return nil, fmt.Errorf("acquire customer lock: %w", err)
	}

	revoked, err := revokeByTierLocked(ctx, tx, customerID, priceTierID, sourceEventID)
	if err != nil {
		return nil, err
	}

	result := &domain.RevokeResult{Revoked: revoked}
	if len(revoked) == 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO pending_revokes (customer_id, price_tier_id, source_event_id, parked_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (customer_id, price_tier_id) DO NOTHING
		`, customerID, priceTierID, sourceEventID); err != nil {
			return nil, fmt.Errorf("park pending revoke: %w", err)
		}
		result.Parked = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// revokeByTierLocked runs the revoke statement inside a transaction that already
// holds the customer's advisory lock.
func revokeByTierLocked(ctx context.Context, tx pgx.Tx, customerID, priceTierID, sourceEventID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE entitlements
		SET revoked = TRUE, revoked_at = NOW(), revoked_by_event_id = $3
		WHERE customer_id = $1 AND price_tier_id = $2 AND NOT revoked
		RETURNING template_id
	`, customerID, priceTierID, sourceEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revoked []string
	for rows.Next() {
		var templateID string
		if err := rows.Scan(&templateID); err != nil {
			return nil, err
		}
		revoked = append(revoked, templateID)
	}
	return revoked, rows.Err()
}

// IsEntitled reports whether an active, non-revoked entitlement exists.
func (r *PostgresRepository) IsEntitled(ctx context.Context, customerID, templateID string) (bool, error) {
	var entitled bool
	query := `SELECT EXISTS (SELECT 1 FROM entitlements WHERE customer_id = $1 AND template_id = $2 AND NOT revoked)`
	if err := r.db.QueryRow(ctx, query, customerID, templateID).Scan(&entitled); err != nil {
		return false, err
	}
	return entitled, nil
}

// ListEntitlements returns the customer's full entitlement history, revoked rows
// included, ordered by granted_at ascending.
func (r *PostgresRepository) ListEntitlements(ctx context.Context, customerID string) ([]domain.Entitlement, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, customer_id, template_id, source_event_id, price_tier_id, granted_at, revoked, revoked_at
		FROM entitlements
		WHERE customer_id = $1
		ORDER BY granted_at ASC, template_id ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entitlements []domain.Entitlement
	for rows.Next() {
		var e domain.Entitlement
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.TemplateID, &e.SourceEventID, &e.PriceTierID, &e.GrantedAt, &e.Revoked, &e.RevokedAt); err != nil {
			return nil, err
		}
		entitlements = append(entitlements, e)
	}
	return entitlements, rows.Err()
}
