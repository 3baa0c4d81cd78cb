package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/digkill/CutoutStore/internal/models"
)

func newMock(t *testing.T) (*CreditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCreditRepository(db, MySQL), mock
}

func TestWithUserLockConsumePath(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE id = ? FOR UPDATE")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY expires_at ASC, id ASC FOR UPDATE")).
		WithArgs(int64(7), now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "source", "expires_at", "created_at"}).
			AddRow(int64(1), int64(7), 5, "PAYG:1", now.Add(time.Hour), now).
			AddRow(int64(2), int64(7), 10, "PAYG:2", now.Add(2*time.Hour), now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_batches SET amount = ? WHERE id = ? AND user_id = ?")).
		WithArgs(0, int64(1), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM credit_batches")).
		WithArgs(int64(7), now).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(10))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET total_credits = ?")).
		WithArgs(10, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var total int
	err := repo.WithUserLock(context.Background(), 7, func(tx CreditTx) error {
		batches, err := tx.ValidBatches(context.Background(), now)
		if err != nil {
			return err
		}
		if len(batches) != 2 || batches[0].ID != 1 {
			t.Fatalf("unexpected batches: %+v", batches)
		}
		if err := tx.SetBatchAmount(context.Background(), batches[0].ID, 0); err != nil {
			return err
		}
		total, err = tx.StoreTotal(context.Background(), now)
		return err
	})
	if err != nil {
		t.Fatalf("WithUserLock() error = %v", err)
	}
	if total != 10 {
		t.Fatalf("total = %d, want 10", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithUserLockUnknownUser(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE id = ? FOR UPDATE")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	called := false
	err := repo.WithUserLock(context.Background(), 99, func(CreditTx) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("error = %v, want ErrUserNotFound", err)
	}
	if called {
		t.Fatalf("fn must not run for a missing user")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithUserLockRollsBackOnError(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE id = ? FOR UPDATE")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_batches")).
		WithArgs(int64(7), 30, "MANUAL", now.Add(time.Hour), now).
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := repo.WithUserLock(context.Background(), 7, func(tx CreditTx) error {
		batch := &models.CreditBatch{Amount: 30, Source: "MANUAL", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
		if err := tx.InsertBatch(context.Background(), batch); err != nil {
			return err
		}
		if batch.ID != 12 {
			t.Fatalf("batch id = %d, want 12", batch.ID)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithUserLockCommitFailure(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE id = ? FOR UPDATE")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

	err := repo.WithUserLock(context.Background(), 7, func(CreditTx) error { return nil })
	if err == nil {
		t.Fatalf("expected commit error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetBatchAmountRejectsNegative(t *testing.T) {
	tx := &creditTx{dialect: MySQL, userID: 1}
	if err := tx.SetBatchAmount(context.Background(), 1, -1); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestPostgresInsertUsesReturning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	repo := NewCreditRepository(db, Postgres)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5) RETURNING id")).
		WithArgs(int64(3), 5, "PAYG:1", now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(44)))
	mock.ExpectCommit()

	err = repo.WithUserLock(context.Background(), 3, func(tx CreditTx) error {
		b := &models.CreditBatch{Amount: 5, Source: "PAYG:1", ExpiresAt: now, CreatedAt: now}
		if err := tx.InsertBatch(context.Background(), b); err != nil {
			return err
		}
		if b.ID != 44 || b.UserID != 3 {
			t.Fatalf("batch = %+v", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithUserLock() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUsersWithBatchesExpiredBetween(t *testing.T) {
	repo, mock := newMock(t)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT user_id FROM credit_batches")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(4)))

	ids, err := repo.UsersWithBatchesExpiredBetween(context.Background(), from, to)
	if err != nil {
		t.Fatalf("UsersWithBatchesExpiredBetween() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 4 {
		t.Fatalf("ids = %v", ids)
	}
}
