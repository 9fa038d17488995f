/**
 * @description
 * This file defines the payment-provider event models and the processed-event
 * dedup record. The provider delivers events at-least-once and possibly out of
 * order; `processed_events` is the single point where that stream is translated
 * into at-most-once ledger mutations.
 */

package domain

import (
	"encoding/json"
	"time"
)

// Payment event statuses as reported by the provider.
const (
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Terminal and in-flight states for a processed event claim.
const (
	EventStateProcessing = "processing"
	EventStateApplied    = "applied"
	EventStateRejected   = "rejected"
)

// PaymentEvent is an inbound notification from the payment provider, either via
// the HTTP webhook or the `payment.event.*` queue. ProviderEventID is the
// deduplication key; the same event must never be applied twice.
type PaymentEvent struct {
	ProviderEventID string    `json:"provider_event_id"`
	CustomerID      string    `json:"customer_id"`
	PriceTierID     string    `json:"price_tier_id"`
	Status          string    `json:"status"`
	OccurredAt      time.Time `json:"occurred_at"`
	ReceivedAt      time.Time `json:"received_at"`
}

// EventOutcome is the recorded result of processing one payment event. It is
// stored on the processed_events row and returned verbatim on replays.
type EventOutcome struct {
	State          string   `json:"state"` // applied | rejected
	Reason         string   `json:"reason,omitempty"`
	Granted        []string `json:"granted,omitempty"`
	AlreadyPresent []string `json:"already_present,omitempty"`
	Revoked        []string `json:"revoked,omitempty"`
	RevokeParked   bool     `json:"revoke_parked,omitempty"`
}

// ProcessedEvent is the durable claim record for one provider event id.
type ProcessedEvent struct {
	ProviderEventID string          `json:"provider_event_id"`
	State           string          `json:"state"`
	Outcome         json.RawMessage `json:"outcome,omitempty"`
	ClaimedAt       time.Time       `json:"claimed_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// EntitlementChangedEvent is the message published to RabbitMQ after the ledger
// changes, for downstream delivery and campaign automation.
type EntitlementChangedEvent struct {
	CustomerID    string    `json:"customer_id"`
	PriceTierID   string    `json:"price_tier_id"`
	TemplateIDs   []string  `json:"template_ids"`
	SourceEventID string    `json:"source_event_id"`
	Timestamp     time.Time `json:"timestamp"`
}
