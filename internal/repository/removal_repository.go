package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/CutoutStore/internal/models"
)

type RemovalRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewRemovalRepository(db *sql.DB, dialect Dialect) *RemovalRepository {
	return &RemovalRepository{db: db, dialect: dialect}
}

func (r *RemovalRepository) Create(ctx context.Context, removal *models.Removal) error {
	const query = `
INSERT INTO removals (user_id, image_id, original_url, preview_url, processed_key)
VALUES (?, ?, ?, ?, ?)`
	id, err := r.dialect.insert(ctx, r.db, query, removal.UserID, removal.ImageID, removal.OriginalURL, removal.PreviewURL, removal.ProcessedKey)
	if err != nil {
		return fmt.Errorf("insert removal: %w", err)
	}
	removal.ID = id
	return nil
}

func (r *RemovalRepository) FindByImageID(ctx context.Context, imageID string) (*models.Removal, error) {
	const query = `
SELECT id, user_id, image_id, original_url, preview_url, processed_key, created_at
FROM removals WHERE image_id = ?`
	var m models.Removal
	row := r.dialect.queryRow(ctx, r.db, query, imageID)
	if err := row.Scan(&m.ID, &m.UserID, &m.ImageID, &m.OriginalURL, &m.PreviewURL, &m.ProcessedKey, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan removal: %w", err)
	}
	return &m, nil
}
