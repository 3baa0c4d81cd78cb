package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/digkill/CutoutStore/internal/config"
	"github.com/digkill/CutoutStore/internal/models"
)

type fakePacks struct {
	mu     sync.Mutex
	packs  []models.CreditPack
	nextID int64
}

func (f *fakePacks) List(context.Context) ([]models.CreditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CreditPack(nil), f.packs...), nil
}

func (f *fakePacks) ListActive(context.Context) ([]models.CreditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CreditPack
	for _, p := range f.packs {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePacks) GetByID(_ context.Context, id int64) (*models.CreditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.packs {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePacks) GetByPriceID(_ context.Context, priceID string) (*models.CreditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.packs {
		if p.StripePriceID == priceID {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePacks) Create(_ context.Context, p *models.CreditPack) (*models.CreditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *p
	cp.ID = f.nextID
	f.packs = append(f.packs, cp)
	return &cp, nil
}

func (f *fakePacks) Update(_ context.Context, p *models.CreditPack) (*models.CreditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.packs {
		if f.packs[i].ID == p.ID {
			f.packs[i] = *p
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePacks) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.packs {
		if f.packs[i].ID == id {
			f.packs = append(f.packs[:i], f.packs[i+1:]...)
			return nil
		}
	}
	return nil
}

func TestEnsureDefaultPacks(t *testing.T) {
	repo := &fakePacks{}
	cfg := config.Config{
		StripeDefaultPrice: "price_123",
		StripeDefaultMode:  "payment",
		DefaultPackCredits: 50,
		DefaultPackTitle:   "Pay as you go",
		CreditValidity:     30 * 24 * time.Hour,
	}
	svc := NewPackService(cfg, repo)
	for i := 0; i < 2; i++ {
		if err := svc.EnsureDefaultPacks(context.Background()); err != nil {
			t.Fatalf("EnsureDefaultPacks() error = %v", err)
		}
	}
	if len(repo.packs) != 1 {
		t.Fatalf("packs = %d, want 1", len(repo.packs))
	}
	p := repo.packs[0]
	if p.Credits != 50 || p.DaysValid != 30 || p.Mode != models.PackModePayment || !p.IsActive {
		t.Fatalf("default pack = %+v", p)
	}
}

func TestCreateAndUpdatePack(t *testing.T) {
	svc := NewPackService(config.Config{CreditValidity: 30 * 24 * time.Hour}, &fakePacks{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreatePackInput{Title: "x", StripePriceID: "p", Credits: 0}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero credits error = %v", err)
	}
	if _, err := svc.Create(ctx, CreatePackInput{Title: "x", StripePriceID: "p", Credits: 5, Mode: "barter"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("bad mode error = %v", err)
	}

	pack, err := svc.Create(ctx, CreatePackInput{Title: "Pro", StripePriceID: "price_pro", Mode: models.PackModeSubscription, Credits: 150})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if pack.DaysValid != 30 {
		t.Fatalf("DaysValid = %d, want 30", pack.DaysValid)
	}

	inactive := false
	credits := 200
	updated, err := svc.Update(ctx, pack.ID, UpdatePackInput{IsActive: &inactive, Credits: &credits})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.IsActive || updated.Credits != 200 {
		t.Fatalf("updated = %+v", updated)
	}
	active, _ := svc.ListActive(ctx)
	if len(active) != 0 {
		t.Fatalf("active packs = %d, want 0", len(active))
	}
	if _, err := svc.Update(ctx, 999, UpdatePackInput{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing pack error = %v", err)
	}
}

func TestPackPriceMustBeUnique(t *testing.T) {
	svc := NewPackService(config.Config{CreditValidity: 30 * 24 * time.Hour}, &fakePacks{})
	ctx := context.Background()

	first, err := svc.Create(ctx, CreatePackInput{Title: "Small", StripePriceID: "price_a", Credits: 10})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Create(ctx, CreatePackInput{Title: "Copy", StripePriceID: "price_a", Credits: 20}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("duplicate price error = %v, want ErrInvalidArgument", err)
	}
	second, err := svc.Create(ctx, CreatePackInput{Title: "Large", StripePriceID: "price_b", Credits: 100})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	taken := "price_a"
	if _, err := svc.Update(ctx, second.ID, UpdatePackInput{StripePriceID: &taken}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("update to taken price error = %v, want ErrInvalidArgument", err)
	}
	same := "price_a"
	if _, err := svc.Update(ctx, first.ID, UpdatePackInput{StripePriceID: &same}); err != nil {
		t.Fatalf("update keeping own price error = %v", err)
	}
}

func TestGetPackNotFound(t *testing.T) {
	svc := NewPackService(config.Config{}, &fakePacks{})
	if _, err := svc.GetByID(context.Background(), 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByID() error = %v, want ErrNotFound", err)
	}
}
