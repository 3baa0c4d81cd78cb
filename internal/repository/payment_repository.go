package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/CutoutStore/internal/models"
)

// ErrDuplicateEvent is returned when a provider event was already recorded.
var ErrDuplicateEvent = errors.New("payment event already recorded")

type PaymentRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewPaymentRepository(db *sql.DB, dialect Dialect) *PaymentRepository {
	return &PaymentRepository{db: db, dialect: dialect}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, pack_id, provider, provider_event_id, event_type, credits, status, raw_payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	var packID sql.NullInt64
	if payment.PackID != nil {
		packID = sql.NullInt64{Int64: *payment.PackID, Valid: true}
	}
	id, err := r.dialect.insert(ctx, r.db, query, payment.UserID, packID, payment.Provider, payment.ProviderEventID, payment.EventType, payment.Credits, payment.Status, payment.RawPayload)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	payment.ID = id
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID int64, status models.PaymentStatus) error {
	const query = `UPDATE payments SET status = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.dialect.exec(ctx, r.db, query, status, paymentID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

// Claim is a compare-and-set on (status, updated_at) that sets the row back to pending.
func (r *PaymentRepository) Claim(ctx context.Context, payment *models.Payment) (bool, error) {
	const query = `
UPDATE payments SET status = ?, updated_at = NOW()
WHERE id = ? AND status = ? AND updated_at = ?`
	res, err := r.dialect.exec(ctx, r.db, query, models.PaymentStatusPending, payment.ID, payment.Status, payment.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("claim payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim payment rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *PaymentRepository) FindByProviderEvent(ctx context.Context, provider, eventID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, pack_id, provider, provider_event_id, event_type, credits, status, COALESCE(raw_payload, ''), created_at, updated_at
FROM payments WHERE provider = ? AND provider_event_id = ?`
	row := r.dialect.queryRow(ctx, r.db, query, provider, eventID)
	var p models.Payment
	var packID sql.NullInt64
	if err := row.Scan(&p.ID, &p.UserID, &packID, &p.Provider, &p.ProviderEventID, &p.EventType, &p.Credits, &p.Status, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if packID.Valid {
		p.PackID = &packID.Int64
	}
	return &p, nil
}
