package app

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/izaos/entitlement-service/internal/domain"
	"github.com/izaos/entitlement-service/internal/store"
)

func (m *memoryRepo) PublishTemplate(ctx context.Context, tpl *domain.Template) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *tpl
	if existing, ok := m.templates[tpl.ID]; ok {
		stored.Version = existing.Version + 1
	} else {
		stored.Version = 1
	}
	stored.PublishedAt = time.Now()
	m.templates[tpl.ID] = &stored
	cp := stored
	return &cp, nil
}

func (m *memoryRepo) PublishPriceTier(ctx context.Context, tier *domain.PriceTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tiers[tier.ID]; ok {
		return store.ErrPriceTierExists
	}
	stored := *tier
	stored.CreatedAt = time.Now()
	m.tiers[tier.ID] = &stored
	return nil
}

type stubDelivery struct {
	lastLocator string
}

func (s *stubDelivery) PresignDownload(ctx context.Context, storageLocator string) (string, error) {
	s.lastLocator = storageLocator
	return "https://cdn.example.com/" + storageLocator + "?sig=abc", nil
}

func TestPublishPriceTier_KindValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.PublishPriceTierRequest
		wantErr bool
	}{
		{
			name: "single with exactly one template",
			req:  domain.PublishPriceTierRequest{ID: "tier_a", Kind: "single", Amount: 4900, Currency: "usd", IncludedTemplateIDs: []string{"fintech_001"}},
		},
		{
			name:    "single with two templates rejected",
			req:     domain.PublishPriceTierRequest{ID: "tier_b", Kind: "single", Amount: 4900, Currency: "usd", IncludedTemplateIDs: []string{"a", "b"}},
			wantErr: true,
		},
		{
			name:    "bundle with no templates rejected",
			req:     domain.PublishPriceTierRequest{ID: "tier_c", Kind: "bundle", Amount: 9900, Currency: "usd"},
			wantErr: true,
		},
		{
			name: "vault with no templates",
			req:  domain.PublishPriceTierRequest{ID: "tier_d", Kind: "vault", Amount: 49900, Currency: "usd"},
		},
		{
			name:    "vault with explicit templates rejected",
			req:     domain.PublishPriceTierRequest{ID: "tier_e", Kind: "vault", Amount: 49900, Currency: "usd", IncludedTemplateIDs: []string{"a"}},
			wantErr: true,
		},
		{
			name:    "unknown kind rejected",
			req:     domain.PublishPriceTierRequest{ID: "tier_f", Kind: "mystery", Amount: 100, Currency: "usd"},
			wantErr: true,
		},
		{
			name:    "negative amount rejected",
			req:     domain.PublishPriceTierRequest{ID: "tier_g", Kind: "subscription", Amount: -1, Currency: "usd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(newMemoryRepo())
			_, err := svc.PublishPriceTier(context.Background(), tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPriceTier) {
					t.Fatalf("expected ErrInvalidPriceTier, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
		})
	}
}

func TestPublishPriceTier_DuplicateIDRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	req := domain.PublishPriceTierRequest{ID: "tier_dup", Kind: "vault", Amount: 49900, Currency: "usd"}
	if _, err := svc.PublishPriceTier(context.Background(), req); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if _, err := svc.PublishPriceTier(context.Background(), req); !errors.Is(err, store.ErrPriceTierExists) {
		t.Fatalf("expected ErrPriceTierExists on duplicate id, got %v", err)
	}
}

func TestPublishTemplate_RequiresExistingTier(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.PublishTemplate(context.Background(), domain.PublishTemplateRequest{
		ID: "fintech_001", Category: "fintech", PriceTierID: "tier_ghost", StorageLocator: "fintech_001.zip",
	})
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate for unknown tier, got %v", err)
	}
}

func TestPublishTemplate_RepublishBumpsVersion(t *testing.T) {
	repo := newMemoryRepo()
	repo.addTier("tier_single", domain.TierKindSingle, "fintech_001")
	svc := newTestService(repo)

	req := domain.PublishTemplateRequest{ID: "fintech_001", Category: "fintech", PriceTierID: "tier_single", StorageLocator: "fintech_001.zip"}
	first, err := svc.PublishTemplate(context.Background(), req)
	if err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	second, err := svc.PublishTemplate(context.Background(), req)
	if err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1 then 2, got %d then %d", first.Version, second.Version)
	}
}

func TestExpandPriceTier_VaultTracksCatalog(t *testing.T) {
	repo := newMemoryRepo()
	repo.addTier("tier_vault", domain.TierKindVault)
	repo.addTemplate("fintech_001", "fintech", "tier_vault")
	svc := newTestService(repo)

	ids, err := svc.ExpandPriceTier(context.Background(), "tier_vault")
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 template in vault expansion, got %v", ids)
	}

	repo.addTemplate("saas_001", "saas", "tier_vault")
	ids, err = svc.ExpandPriceTier(context.Background(), "tier_vault")
	if err != nil {
		t.Fatalf("expand after publish failed: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "fintech_001" || ids[1] != "saas_001" {
		t.Fatalf("expected vault expansion to track the growing catalog, got %v", ids)
	}
}

func TestExpandPriceTier_SubscriptionExpandsToNothing(t *testing.T) {
	repo := newMemoryRepo()
	repo.addTier("tier_sub", domain.TierKindSubscription)
	repo.addTemplate("fintech_001", "fintech", "tier_sub")
	svc := newTestService(repo)

	ids, err := svc.ExpandPriceTier(context.Background(), "tier_sub")
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty expansion for subscription tier, got %v", ids)
	}
}

func TestDownloadLink_RequiresEntitlement(t *testing.T) {
	repo := newMemoryRepo()
	repo.addTier("tier_single", domain.TierKindSingle, "fintech_001")
	repo.addTemplate("fintech_001", "fintech", "tier_single")
	delivery := &stubDelivery{}
	svc := NewService(repo, nil, delivery, time.Minute, 3, time.Millisecond)

	if _, err := svc.DownloadLink(context.Background(), "cus_1", "fintech_001"); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("expected ErrNotEntitled before purchase, got %v", err)
	}

	if _, err := svc.ProcessPaymentEvent(context.Background(), succeededEvent("evt_buy", "cus_1", "tier_single")); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	url, err := svc.DownloadLink(context.Background(), "cus_1", "fintech_001")
	if err != nil {
		t.Fatalf("expected download link after purchase, got %v", err)
	}
	if url == "" || delivery.lastLocator != "fintech_001.zip" {
		t.Fatalf("expected presign against the template's storage locator, got url=%q locator=%q", url, delivery.lastLocator)
	}
}

func TestDownloadLink_DisabledWithoutDelivery(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	if _, err := svc.DownloadLink(context.Background(), "cus_1", "fintech_001"); !errors.Is(err, ErrDeliveryDisabled) {
		t.Fatalf("expected ErrDeliveryDisabled when storage is unconfigured, got %v", err)
	}
}
