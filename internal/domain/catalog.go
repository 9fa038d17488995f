/**
 * @description
 * This file defines the catalog domain models for the entitlement-service: the
 * purchasable templates and the price tiers (SKUs) that resolve to them. These
 * structs map directly to the `templates` and `price_tiers` tables.
 *
 * @notes
 * - Template ids are stable, human-assigned strings (e.g. "fintech_001") rather
 *   than UUIDs, because they double as the key under which template content is
 *   stored and marketed.
 * - Amounts are stored as `int64` in the smallest currency unit (cents) to avoid
 *   floating-point inaccuracies with money.
 */

package domain

import "time"

// PriceTier kinds. A tier is the unit of purchase: one template, a category
// bundle, the full vault license, or a recurring subscription.
const (
	TierKindSingle       = "single"
	TierKindBundle       = "bundle"
	TierKindVault        = "vault"
	TierKindSubscription = "subscription"
)

// Template represents one purchasable digital asset in the catalog.
// Templates are never deleted; publishing the same id again bumps the version
// so already-entitled customers keep a resolvable storage locator.
type Template struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	PriceTierID    string    `json:"price_tier_id"`
	Version        int       `json:"version"`
	StorageLocator string    `json:"storage_locator"`
	PublishedAt    time.Time `json:"published_at"`
}

// PriceTier represents a purchasable SKU.
// IncludedTemplateIDs is empty for `vault` (membership is computed at purchase
// time from the full catalog) and for `subscription` (delivery-schedule-driven,
// handled outside this service).
type PriceTier struct {
	ID                  string    `json:"id"`
	Kind                string    `json:"kind"`
	Amount              int64     `json:"amount"` // in cents
	Currency            string    `json:"currency"`
	IncludedTemplateIDs []string  `json:"included_template_ids,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// PublishTemplateRequest is the DTO for the catalog publishing endpoint.
type PublishTemplateRequest struct {
	ID             string `json:"id"`
	Category       string `json:"category"`
	PriceTierID    string `json:"price_tier_id"`
	StorageLocator string `json:"storage_locator"`
}

// PublishPriceTierRequest is the DTO for registering a new price tier.
type PublishPriceTierRequest struct {
	ID                  string   `json:"id"`
	Kind                string   `json:"kind"`
	Amount              int64    `json:"amount"`
	Currency            string   `json:"currency"`
	IncludedTemplateIDs []string `json:"included_template_ids,omitempty"`
}
