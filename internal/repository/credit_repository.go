package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/CutoutStore/internal/models"
)

// ErrUserNotFound is returned by WithUserLock when the user row does not exist.
var ErrUserNotFound = errors.New("user not found")

// CreditTx is the set of ledger operations available while a user's rows are locked.
// Every method runs inside the same transaction.
type CreditTx interface {
	// ValidBatches returns batches with amount > 0 and expires_at > now,
	// soonest expiry first, locked for update.
	ValidBatches(ctx context.Context, now time.Time) ([]models.CreditBatch, error)
	InsertBatch(ctx context.Context, batch *models.CreditBatch) error
	SetBatchAmount(ctx context.Context, batchID int64, amount int) error
	// StoreTotal recomputes the valid sum and writes it to users.total_credits.
	StoreTotal(ctx context.Context, now time.Time) (int, error)
}

type CreditRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewCreditRepository(db *sql.DB, dialect Dialect) *CreditRepository {
	return &CreditRepository{db: db, dialect: dialect}
}

// WithUserLock runs fn in a transaction that holds the user's row lock.
// Concurrent calls for the same user serialize on that row; other users are
// unaffected. The transaction commits only if fn returns nil.
func (r *CreditRepository) WithUserLock(ctx context.Context, userID int64, fn func(tx CreditTx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lockedID int64
	row := r.dialect.queryRow(ctx, tx, `SELECT id FROM users WHERE id = ? FOR UPDATE`, userID)
	if err := row.Scan(&lockedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user: %w", err)
	}

	if err := fn(&creditTx{tx: tx, dialect: r.dialect, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit tx: %w", err)
	}
	return nil
}

// ListValidBatches is the non-locking read used by summaries.
func (r *CreditRepository) ListValidBatches(ctx context.Context, userID int64, now time.Time) ([]models.CreditBatch, error) {
	return queryValidBatches(ctx, r.db, r.dialect, userID, now, false)
}

// UsersWithBatchesExpiredBetween lists users owning a positive batch whose
// expiry falls in (from, to].
func (r *CreditRepository) UsersWithBatchesExpiredBetween(ctx context.Context, from, to time.Time) ([]int64, error) {
	const query = `
SELECT DISTINCT user_id FROM credit_batches
WHERE amount > 0 AND expires_at > ? AND expires_at <= ?`
	rows, err := r.dialect.query(ctx, r.db, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("list expired batch owners: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired batch owner: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type creditTx struct {
	tx      *sql.Tx
	dialect Dialect
	userID  int64
}

func (t *creditTx) ValidBatches(ctx context.Context, now time.Time) ([]models.CreditBatch, error) {
	return queryValidBatches(ctx, t.tx, t.dialect, t.userID, now, true)
}

func (t *creditTx) InsertBatch(ctx context.Context, batch *models.CreditBatch) error {
	const query = `
INSERT INTO credit_batches (user_id, amount, source, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)`
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.UserID = t.userID
	id, err := t.dialect.insert(ctx, t.tx, query, t.userID, batch.Amount, batch.Source, batch.ExpiresAt.UTC(), batch.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert credit batch: %w", err)
	}
	batch.ID = id
	return nil
}

func (t *creditTx) SetBatchAmount(ctx context.Context, batchID int64, amount int) error {
	if amount < 0 {
		return fmt.Errorf("credit batch %d: negative amount %d", batchID, amount)
	}
	const query = `UPDATE credit_batches SET amount = ? WHERE id = ? AND user_id = ?`
	res, err := t.dialect.exec(ctx, t.tx, query, amount, batchID, t.userID)
	if err != nil {
		return fmt.Errorf("update credit batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit batch rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("credit batch %d not updated", batchID)
	}
	return nil
}

func (t *creditTx) StoreTotal(ctx context.Context, now time.Time) (int, error) {
	const sumQuery = `
SELECT COALESCE(SUM(amount), 0) FROM credit_batches
WHERE user_id = ? AND amount > 0 AND expires_at > ?`
	var total int
	if err := t.dialect.queryRow(ctx, t.tx, sumQuery, t.userID, now.UTC()).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum credit batches: %w", err)
	}

	const updateQuery = `UPDATE users SET total_credits = ?, updated_at = NOW() WHERE id = ?`
	if _, err := t.dialect.exec(ctx, t.tx, updateQuery, total, t.userID); err != nil {
		return 0, fmt.Errorf("store total credits: %w", err)
	}
	return total, nil
}

func queryValidBatches(ctx context.Context, q execQuerier, dialect Dialect, userID int64, now time.Time, forUpdate bool) ([]models.CreditBatch, error) {
	query := `
SELECT id, user_id, amount, source, expires_at, created_at
FROM credit_batches
WHERE user_id = ? AND amount > 0 AND expires_at > ?
ORDER BY expires_at ASC, id ASC`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := dialect.query(ctx, q, query, userID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list credit batches: %w", err)
	}
	defer rows.Close()

	batches := []models.CreditBatch{}
	for rows.Next() {
		var b models.CreditBatch
		if err := rows.Scan(&b.ID, &b.UserID, &b.Amount, &b.Source, &b.ExpiresAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credit batches: %w", err)
	}
	return batches, nil
}
