package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/izaos/entitlement-service/internal/domain"
)

// stallingRepo stalls the first GrantEntitlements call until released, then
// fails it. This pins a worker past the stale window so a second worker can
// reclaim the event, the same way a database hiccup would in production.
type stallingRepo struct {
	*memoryRepo

	mu       sync.Mutex
	calls    int
	entered  chan struct{}
	resume   chan struct{}
	stallErr error
}

func (r *stallingRepo) GrantEntitlements(ctx context.Context, customerID string, templateIDs []string, sourceEventID, priceTierID string) (*domain.GrantResult, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()
	if first {
		close(r.entered)
		<-r.resume
		return nil, r.stallErr
	}
	return r.memoryRepo.GrantEntitlements(ctx, customerID, templateIDs, sourceEventID, priceTierID)
}

// A worker that stalls past the stale window loses its claim to a second
// worker. When the stalled worker finally fails and releases, the release must
// be a no-op: the claim token it holds is no longer current, so it cannot
// delete the outcome the takeover worker recorded.
func TestProcessPaymentEvent_StaleTakeoverSurvivesLateRelease(t *testing.T) {
	inner := newMemoryRepo()
	inner.addTier("tier_single", domain.TierKindSingle, "fintech_001")
	inner.addTemplate("fintech_001", "fintech", "tier_single")
	repo := &stallingRepo{
		memoryRepo: inner,
		entered:    make(chan struct{}),
		resume:     make(chan struct{}),
		stallErr:   errors.New("connection reset"),
	}
	svc := NewService(repo, nil, nil, 10*time.Millisecond, 1, time.Millisecond)

	event := succeededEvent("evt_takeover", "cus_1", "tier_single")

	stalledDone := make(chan error, 1)
	go func() {
		_, err := svc.ProcessPaymentEvent(context.Background(), event)
		stalledDone <- err
	}()

	<-repo.entered
	time.Sleep(15 * time.Millisecond) // let the claim go stale

	outcome, err := svc.ProcessPaymentEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("takeover worker failed: %v", err)
	}
	if outcome.State != domain.EventStateApplied || len(outcome.Granted) != 1 {
		t.Fatalf("expected takeover worker to apply the grant, got %+v", outcome)
	}

	close(repo.resume)
	if err := <-stalledDone; err == nil {
		t.Fatalf("expected the stalled worker to fail after retry exhaustion")
	}

	// The stalled worker's release ran with a superseded token; the claim and
	// its recorded outcome must still be there.
	inner.mu.Lock()
	claim, ok := inner.claims["evt_takeover"]
	inner.mu.Unlock()
	if !ok {
		t.Fatalf("claim was deleted by the superseded worker's release")
	}
	if claim.State != domain.EventStateApplied {
		t.Fatalf("expected claim to remain applied, got %q", claim.State)
	}

	replayed, err := svc.ProcessPaymentEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replayed.State != domain.EventStateApplied || len(replayed.Granted) != 1 {
		t.Fatalf("expected replay to return the recorded outcome, got %+v", replayed)
	}
	entitled, err := inner.IsEntitled(context.Background(), "cus_1", "fintech_001")
	if err != nil || !entitled {
		t.Fatalf("expected customer to stay entitled, got entitled=%t err=%v", entitled, err)
	}
}

// A tokenless sanity check on the fence itself: completing or releasing with a
// token the store no longer recognizes must not touch the claim.
func TestEventClaim_TokenFencing(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	_, staleToken, acquired, err := repo.AcquireEventClaim(ctx, "evt_1", 0)
	if err != nil || !acquired {
		t.Fatalf("initial acquire failed: acquired=%t err=%v", acquired, err)
	}

	// Zero stale window: any processing claim is immediately reclaimable.
	_, freshToken, acquired, err := repo.AcquireEventClaim(ctx, "evt_1", 0)
	if err != nil || !acquired {
		t.Fatalf("takeover acquire failed: acquired=%t err=%v", acquired, err)
	}
	if freshToken == staleToken {
		t.Fatalf("takeover must issue a new claim token")
	}

	if err := repo.ReleaseEventClaim(ctx, "evt_1", staleToken); err != nil {
		t.Fatalf("superseded release errored: %v", err)
	}
	if _, ok := repo.claims["evt_1"]; !ok {
		t.Fatalf("superseded release deleted the current claim")
	}

	outcome := domain.EventOutcome{State: domain.EventStateApplied}
	if err := repo.CompleteEventClaim(ctx, "evt_1", staleToken, outcome); err == nil {
		t.Fatalf("superseded complete must be rejected")
	}
	if err := repo.CompleteEventClaim(ctx, "evt_1", freshToken, outcome); err != nil {
		t.Fatalf("current complete failed: %v", err)
	}
}
