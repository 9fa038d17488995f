/**
 * @description
 * This file defines the entitlement ledger domain models. An entitlement is the
 * durable record that a specific customer may download a specific template; the
 * ledger is append-only (revocation flips a flag, rows are never deleted) so the
 * full grant/revoke history stays auditable.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entitlement is a single download grant. At most one active (non-revoked)
// entitlement may exist per (customer, template) pair; the source event id ties
// the grant back to the payment that produced it.
type Entitlement struct {
	ID            uuid.UUID  `json:"id"`
	CustomerID    string     `json:"customer_id"`
	TemplateID    string     `json:"template_id"`
	SourceEventID string     `json:"source_event_id"`
	PriceTierID   string     `json:"price_tier_id"`
	GrantedAt     time.Time  `json:"granted_at"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// GrantResult reports which template ids were newly granted and which already
// had an active entitlement. Replaying the same source event yields an empty
// Created set and the same observable state. When a parked refund for the same
// (customer, tier) was waiting, the grant consumes it in the same transaction:
// Revoked lists the entitlements it took back and RefundEventID names the
// refund that was parked.
type GrantResult struct {
	Created        []string `json:"created"`
	AlreadyPresent []string `json:"already_present"`
	Revoked        []string `json:"revoked,omitempty"`
	RefundEventID  string   `json:"refund_event_id,omitempty"`
}

// RevokeResult reports how many entitlements a refund actually revoked.
// Zero is not an error: a refund that finds no active entitlement is parked
// within the same transaction and reported with Parked set.
type RevokeResult struct {
	Revoked []string `json:"revoked"`
	Parked  bool     `json:"parked,omitempty"`
}

// PendingRevoke parks a refund that arrived before the purchase it refunds.
// It is keyed by (customer, tier) and re-applied the next time a grant for
// that pair succeeds.
type PendingRevoke struct {
	CustomerID    string    `json:"customer_id"`
	PriceTierID   string    `json:"price_tier_id"`
	SourceEventID string    `json:"source_event_id"`
	ParkedAt      time.Time `json:"parked_at"`
}
