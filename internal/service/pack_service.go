package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/digkill/CutoutStore/internal/config"
	"github.com/digkill/CutoutStore/internal/models"
)

type PackStore interface {
	List(ctx context.Context) ([]models.CreditPack, error)
	ListActive(ctx context.Context) ([]models.CreditPack, error)
	GetByID(ctx context.Context, id int64) (*models.CreditPack, error)
	GetByPriceID(ctx context.Context, priceID string) (*models.CreditPack, error)
	Create(ctx context.Context, pack *models.CreditPack) (*models.CreditPack, error)
	Update(ctx context.Context, pack *models.CreditPack) (*models.CreditPack, error)
	Delete(ctx context.Context, id int64) error
}

type PackService struct {
	cfg  config.Config
	repo PackStore
}

type CreatePackInput struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	StripePriceID string          `json:"stripe_price_id"`
	Mode          models.PackMode `json:"mode"`
	Credits       int             `json:"credits"`
	DaysValid     int             `json:"days_valid"`
	IsActive      *bool           `json:"is_active"`
}

type UpdatePackInput struct {
	Title         *string          `json:"title"`
	Description   *string          `json:"description"`
	StripePriceID *string          `json:"stripe_price_id"`
	Mode          *models.PackMode `json:"mode"`
	Credits       *int             `json:"credits"`
	DaysValid     *int             `json:"days_valid"`
	IsActive      *bool            `json:"is_active"`
}

func NewPackService(cfg config.Config, repo PackStore) *PackService {
	return &PackService{cfg: cfg, repo: repo}
}

func (s *PackService) defaultDays() int {
	days := int(s.cfg.CreditValidity.Hours() / 24)
	if days <= 0 {
		return 30
	}
	return days
}

// EnsureDefaultPacks seeds the configured Stripe price as a pack when the catalogue is empty.
func (s *PackService) EnsureDefaultPacks(ctx context.Context) error {
	if s.cfg.StripeDefaultPrice == "" {
		return nil
	}
	packs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	if len(packs) > 0 {
		return nil
	}
	pack := &models.CreditPack{
		Title:         s.cfg.DefaultPackTitle,
		Description:   fmt.Sprintf("%d background removals", s.cfg.DefaultPackCredits),
		StripePriceID: s.cfg.StripeDefaultPrice,
		Mode:          models.PackMode(s.cfg.StripeDefaultMode),
		Credits:       s.cfg.DefaultPackCredits,
		DaysValid:     s.defaultDays(),
		IsActive:      true,
	}
	if _, err := s.repo.Create(ctx, pack); err != nil {
		return fmt.Errorf("create default pack: %w", err)
	}
	return nil
}

func (s *PackService) List(ctx context.Context) ([]models.CreditPack, error) {
	return s.repo.List(ctx)
}

func (s *PackService) ListActive(ctx context.Context) ([]models.CreditPack, error) {
	return s.repo.ListActive(ctx)
}

func (s *PackService) GetByID(ctx context.Context, id int64) (*models.CreditPack, error) {
	pack, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get pack: %w", ErrStorage, err)
	}
	if pack == nil {
		return nil, fmt.Errorf("%w: pack %d", ErrNotFound, id)
	}
	return pack, nil
}

// checkPriceFree rejects a Stripe price already sold by another pack, since
// checkout metadata ties each price to exactly one pack.
func (s *PackService) checkPriceFree(ctx context.Context, priceID string, packID int64) error {
	other, err := s.repo.GetByPriceID(ctx, priceID)
	if err != nil {
		return fmt.Errorf("%w: get pack by price: %w", ErrStorage, err)
	}
	if other != nil && other.ID != packID {
		return fmt.Errorf("%w: price %s already used by pack %d", ErrInvalidArgument, priceID, other.ID)
	}
	return nil
}

func validMode(m models.PackMode) bool {
	return m == models.PackModePayment || m == models.PackModeSubscription
}

func (s *PackService) Create(ctx context.Context, input CreatePackInput) (*models.CreditPack, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if input.StripePriceID == "" {
		return nil, fmt.Errorf("%w: stripe_price_id is required", ErrInvalidArgument)
	}
	if input.Mode == "" {
		input.Mode = models.PackModePayment
	}
	if !validMode(input.Mode) {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, input.Mode)
	}
	if input.Credits <= 0 {
		return nil, fmt.Errorf("%w: credits must be positive", ErrInvalidArgument)
	}
	if input.DaysValid < 0 {
		return nil, fmt.Errorf("%w: days_valid must not be negative", ErrInvalidArgument)
	}
	if input.DaysValid == 0 {
		input.DaysValid = s.defaultDays()
	}
	if err := s.checkPriceFree(ctx, input.StripePriceID, 0); err != nil {
		return nil, err
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	pack := models.CreditPack{
		Title:         input.Title,
		Description:   input.Description,
		StripePriceID: input.StripePriceID,
		Mode:          input.Mode,
		Credits:       input.Credits,
		DaysValid:     input.DaysValid,
		IsActive:      isActive,
	}
	return s.repo.Create(ctx, &pack)
}

func (s *PackService) Update(ctx context.Context, id int64, input UpdatePackInput) (*models.CreditPack, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: pack %d", ErrNotFound, id)
	}
	if input.Title != nil && strings.TrimSpace(*input.Title) != "" {
		existing.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.StripePriceID != nil && *input.StripePriceID != "" && *input.StripePriceID != existing.StripePriceID {
		if err := s.checkPriceFree(ctx, *input.StripePriceID, id); err != nil {
			return nil, err
		}
		existing.StripePriceID = *input.StripePriceID
	}
	if input.Mode != nil {
		if !validMode(*input.Mode) {
			return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, *input.Mode)
		}
		existing.Mode = *input.Mode
	}
	if input.Credits != nil && *input.Credits > 0 {
		existing.Credits = *input.Credits
	}
	if input.DaysValid != nil && *input.DaysValid > 0 {
		existing.DaysValid = *input.DaysValid
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	return s.repo.Update(ctx, existing)
}

func (s *PackService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}
