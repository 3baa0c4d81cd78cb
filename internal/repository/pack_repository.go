package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/CutoutStore/internal/models"
)

type PackRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewPackRepository(db *sql.DB, dialect Dialect) *PackRepository {
	return &PackRepository{db: db, dialect: dialect}
}

const packColumns = `id, title, COALESCE(description, ''), stripe_price_id, mode, credits, days_valid, is_active, created_at, updated_at`

func scanPack(row interface{ Scan(...any) error }) (*models.CreditPack, error) {
	var p models.CreditPack
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.StripePriceID, &p.Mode, &p.Credits, &p.DaysValid, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PackRepository) list(ctx context.Context, query string, args ...any) ([]models.CreditPack, error) {
	rows, err := r.dialect.query(ctx, r.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	defer rows.Close()

	packs := []models.CreditPack{}
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pack: %w", err)
		}
		packs = append(packs, *p)
	}
	return packs, rows.Err()
}

func (r *PackRepository) List(ctx context.Context) ([]models.CreditPack, error) {
	return r.list(ctx, `SELECT `+packColumns+` FROM credit_packs ORDER BY id ASC`)
}

func (r *PackRepository) ListActive(ctx context.Context) ([]models.CreditPack, error) {
	return r.list(ctx, `SELECT `+packColumns+` FROM credit_packs WHERE is_active = ? ORDER BY id ASC`, true)
}

func (r *PackRepository) getOne(ctx context.Context, where string, arg any) (*models.CreditPack, error) {
	row := r.dialect.queryRow(ctx, r.db, `SELECT `+packColumns+` FROM credit_packs WHERE `+where, arg)
	p, err := scanPack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pack: %w", err)
	}
	return p, nil
}

func (r *PackRepository) GetByID(ctx context.Context, id int64) (*models.CreditPack, error) {
	return r.getOne(ctx, "id = ?", id)
}

func (r *PackRepository) GetByPriceID(ctx context.Context, priceID string) (*models.CreditPack, error) {
	return r.getOne(ctx, "stripe_price_id = ?", priceID)
}

func (r *PackRepository) Create(ctx context.Context, pack *models.CreditPack) (*models.CreditPack, error) {
	const query = `
INSERT INTO credit_packs (title, description, stripe_price_id, mode, credits, days_valid, is_active)
VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?)`
	id, err := r.dialect.insert(ctx, r.db, query, pack.Title, pack.Description, pack.StripePriceID, pack.Mode, pack.Credits, pack.DaysValid, pack.IsActive)
	if err != nil {
		return nil, fmt.Errorf("create pack: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PackRepository) Update(ctx context.Context, pack *models.CreditPack) (*models.CreditPack, error) {
	const query = `
UPDATE credit_packs
SET title = ?, description = NULLIF(?, ''), stripe_price_id = ?, mode = ?, credits = ?, days_valid = ?, is_active = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := r.dialect.exec(ctx, r.db, query, pack.Title, pack.Description, pack.StripePriceID, pack.Mode, pack.Credits, pack.DaysValid, pack.IsActive, pack.ID); err != nil {
		return nil, fmt.Errorf("update pack: %w", err)
	}
	return r.GetByID(ctx, pack.ID)
}

func (r *PackRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.dialect.exec(ctx, r.db, `DELETE FROM credit_packs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pack: %w", err)
	}
	return nil
}
