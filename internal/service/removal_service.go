package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/CutoutStore/internal/models"
	"github.com/digkill/CutoutStore/internal/storage"
)

const (
	folderOriginals = "originals"
	folderProcessed = "processed"
	folderPreviews  = "previews"
)

type ObjectStore interface {
	Upload(ctx context.Context, folder string, data []byte, contentType string, public bool) (storage.Object, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, imageURL string) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type RemovalStore interface {
	Create(ctx context.Context, removal *models.Removal) error
	FindByImageID(ctx context.Context, imageID string) (*models.Removal, error)
}

type Consumer interface {
	Consume(ctx context.Context, userID int64, count int) (int, error)
}

type ProcessResult struct {
	ImageID     string `json:"image_id"`
	OriginalURL string `json:"original_url"`
	PreviewURL  string `json:"preview_url"`
}

type DownloadResult struct {
	URL              string `json:"url"`
	RemainingCredits int    `json:"remaining_credits"`
}

type RemovalService struct {
	log       *slog.Logger
	objects   ObjectStore
	remover   BackgroundRemover
	removals  RemovalStore
	credits   Consumer
	watermark func([]byte) ([]byte, error)
	cost      int
	urlTTL    time.Duration
}

func NewRemovalService(log *slog.Logger, objects ObjectStore, remover BackgroundRemover, removals RemovalStore, credits Consumer, watermark func([]byte) ([]byte, error), cost int, urlTTL time.Duration) *RemovalService {
	if cost <= 0 {
		cost = 1
	}
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &RemovalService{
		log:       log,
		objects:   objects,
		remover:   remover,
		removals:  removals,
		credits:   credits,
		watermark: watermark,
		cost:      cost,
		urlTTL:    urlTTL,
	}
}

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

// Process removes the background from data and stores the original, the
// full-resolution cutout (private) and a watermarked preview. It costs nothing.
func (s *RemovalService) Process(ctx context.Context, userID int64, data []byte) (*ProcessResult, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidArgument)
	}
	contentType := http.DetectContentType(data)
	if !allowedImageTypes[contentType] {
		return nil, fmt.Errorf("%w: unsupported image type %s", ErrInvalidArgument, contentType)
	}

	original, err := s.objects.Upload(ctx, folderOriginals, data, contentType, true)
	if err != nil {
		return nil, fmt.Errorf("store original: %w", err)
	}
	outputURL, err := s.remover.RemoveBackground(ctx, original.URL)
	if err != nil {
		return nil, fmt.Errorf("remove background: %w", err)
	}
	processed, processedType, err := s.remover.Fetch(ctx, outputURL)
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	full, err := s.objects.Upload(ctx, folderProcessed, processed, processedType, false)
	if err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	previewData, err := s.watermark(processed)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	preview, err := s.objects.Upload(ctx, folderPreviews, previewData, "image/png", true)
	if err != nil {
		return nil, fmt.Errorf("store preview: %w", err)
	}

	removal := &models.Removal{
		UserID:       userID,
		ImageID:      uuid.NewString(),
		OriginalURL:  original.URL,
		PreviewURL:   preview.URL,
		ProcessedKey: full.Key,
	}
	if err := s.removals.Create(ctx, removal); err != nil {
		return nil, fmt.Errorf("%w: record removal: %w", ErrStorage, err)
	}
	s.log.Info("background removed", "user_id", userID, "image_id", removal.ImageID)
	return &ProcessResult{
		ImageID:     removal.ImageID,
		OriginalURL: removal.OriginalURL,
		PreviewURL:  removal.PreviewURL,
	}, nil
}

// Download charges the download cost and returns a signed link to the
// full-resolution result. No link is returned unless the debit succeeded.
func (s *RemovalService) Download(ctx context.Context, userID int64, imageID string) (*DownloadResult, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if _, err := uuid.Parse(imageID); err != nil {
		return nil, ErrImageNotFound
	}
	removal, err := s.removals.FindByImageID(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("%w: find removal: %w", ErrStorage, err)
	}
	if removal == nil || removal.UserID != userID {
		return nil, ErrImageNotFound
	}

	url, err := s.objects.PresignGet(ctx, removal.ProcessedKey, s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}
	remaining, err := s.credits.Consume(ctx, userID, s.cost)
	if err != nil {
		if !errors.Is(err, ErrInsufficientCredits) {
			s.log.Error("download debit failed", "user_id", userID, "image_id", imageID, "err", err)
		}
		return nil, err
	}
	s.log.Info("download charged", "user_id", userID, "image_id", imageID, "remaining", remaining)
	return &DownloadResult{URL: url, RemainingCredits: remaining}, nil
}
