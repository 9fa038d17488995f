package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/izaos/entitlement-service/internal/domain"
)

// PaymentEventConsumer feeds queued provider events into the reconciler. Both
// this path and the HTTP webhook funnel into the same claim table, so an event
// delivered on both is still applied once.
type PaymentEventConsumer struct {
	service *Service
}

func NewPaymentEventConsumer(service *Service) *PaymentEventConsumer {
	return &PaymentEventConsumer{service: service}
}

// HandleMessage processes one queued payment event. Returning false requeues
// the delivery; poison payloads are acknowledged so they do not loop forever.
func (c *PaymentEventConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=payment_consumer msg=\"unmarshal failed; dropping\" err=%v", err)
		return true
	}

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := c.service.ProcessPaymentEvent(ctx, event)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			// Unclaimable payload; nothing to record, nothing to retry.
			log.Printf("level=warn component=payment_consumer msg=\"malformed event dropped\" err=%v", err)
			return true
		}
		if errors.Is(err, ErrEventInProgress) {
			log.Printf("level=info component=payment_consumer msg=\"event in flight elsewhere; requeuing\" provider_event_id=%s", event.ProviderEventID)
			return false
		}
		log.Printf("level=error component=payment_consumer msg=\"processing failed; requeuing\" provider_event_id=%s err=%v", event.ProviderEventID, err)
		return false
	}

	if outcome.State == domain.EventStateRejected {
		log.Printf("level=warn component=payment_consumer msg=\"event rejected\" provider_event_id=%s reason=%q", event.ProviderEventID, outcome.Reason)
	}
	return true
}
