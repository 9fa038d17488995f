package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/izaos/entitlement-service/internal/domain"
)

func TestHandleMessage_AcksAppliedEvent(t *testing.T) {
	repo := newMemoryRepo()
	repo.addTier("tier_single", domain.TierKindSingle, "fintech_001")
	repo.addTemplate("fintech_001", "fintech", "tier_single")
	consumer := NewPaymentEventConsumer(newTestService(repo))

	body, _ := json.Marshal(succeededEvent("evt_q1", "cus_1", "tier_single"))
	if !consumer.HandleMessage(body) {
		t.Fatal("expected applied event to be acked")
	}
	entitled, _ := repo.IsEntitled(context.Background(), "cus_1", "fintech_001")
	if !entitled {
		t.Fatal("expected queued delivery to grant the entitlement")
	}
}

func TestHandleMessage_AcksPoisonPayload(t *testing.T) {
	consumer := NewPaymentEventConsumer(newTestService(newMemoryRepo()))

	if !consumer.HandleMessage([]byte("not json")) {
		t.Fatal("expected poison payload to be acked, not requeued")
	}
}

func TestHandleMessage_AcksMissingEventID(t *testing.T) {
	consumer := NewPaymentEventConsumer(newTestService(newMemoryRepo()))

	body := []byte(`{"customer_id":"cus_1","price_tier_id":"tier_single","status":"succeeded"}`)
	if !consumer.HandleMessage(body) {
		t.Fatal("expected unclaimable event to be acked")
	}
}

func TestHandleMessage_RequeuesOnStorageFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.addTier("tier_single", domain.TierKindSingle, "fintech_001")
	repo.addTemplate("fintech_001", "fintech", "tier_single")
	repo.grantErrs = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	consumer := NewPaymentEventConsumer(newTestService(repo))

	body, _ := json.Marshal(succeededEvent("evt_q2", "cus_1", "tier_single"))
	if consumer.HandleMessage(body) {
		t.Fatal("expected storage failure to requeue the delivery")
	}

	// The redelivery must converge once storage recovers.
	if !consumer.HandleMessage(body) {
		t.Fatal("expected redelivery to be acked after recovery")
	}
	entitled, _ := repo.IsEntitled(context.Background(), "cus_1", "fintech_001")
	if !entitled {
		t.Fatal("expected redelivery to grant the entitlement")
	}
}

func TestHandleMessage_AcksRejectedEvent(t *testing.T) {
	consumer := NewPaymentEventConsumer(newTestService(newMemoryRepo()))

	body, _ := json.Marshal(succeededEvent("evt_q3", "cus_1", "tier_ghost"))
	if !consumer.HandleMessage(body) {
		t.Fatal("expected terminally rejected event to be acked")
	}
}
