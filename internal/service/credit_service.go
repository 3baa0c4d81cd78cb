package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/digkill/CutoutStore/internal/models"
	"github.com/digkill/CutoutStore/internal/repository"
)

// DefaultValidity is how long granted credits stay spendable when the caller
// does not say otherwise.
const DefaultValidity = 30 * 24 * time.Hour

// CreditStore is the persistence the ledger needs. WithUserLock must run fn
// in one transaction serialized per user and commit only when fn succeeds.
type CreditStore interface {
	WithUserLock(ctx context.Context, userID int64, fn func(tx repository.CreditTx) error) error
	ListValidBatches(ctx context.Context, userID int64, now time.Time) ([]models.CreditBatch, error)
	UsersWithBatchesExpiredBetween(ctx context.Context, from, to time.Time) ([]int64, error)
}

type CreditOption func(*CreditService)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) CreditOption {
	return func(s *CreditService) { s.now = now }
}

func WithDefaultValidity(d time.Duration) CreditOption {
	return func(s *CreditService) {
		if d > 0 {
			s.validity = d
		}
	}
}

type CreditService struct {
	store    CreditStore
	log      *slog.Logger
	now      func() time.Time
	validity time.Duration
}

func NewCreditService(store CreditStore, log *slog.Logger, opts ...CreditOption) *CreditService {
	s := &CreditService{
		store:    store,
		log:      log,
		now:      time.Now,
		validity: DefaultValidity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Grant adds a batch of amount credits expiring after validity (the service
// default when zero) and returns the user's new total.
func (s *CreditService) Grant(ctx context.Context, userID int64, amount int, source string, validity time.Duration) (int, error) {
	source = strings.TrimSpace(source)
	switch {
	case userID <= 0:
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	case amount <= 0:
		return 0, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidArgument, amount)
	case source == "":
		return 0, fmt.Errorf("%w: source is required", ErrInvalidArgument)
	case validity < 0:
		return 0, fmt.Errorf("%w: validity must not be negative", ErrInvalidArgument)
	}
	if validity == 0 {
		validity = s.validity
	}

	var total int
	err := s.store.WithUserLock(ctx, userID, func(tx repository.CreditTx) error {
		now := s.now().UTC()
		batch := &models.CreditBatch{
			Amount:    amount,
			Source:    source,
			ExpiresAt: now.Add(validity),
			CreatedAt: now,
		}
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}
		var err error
		total, err = tx.StoreTotal(ctx, now)
		return err
	})
	if err != nil {
		err = s.classify(err, "grant")
		s.log.Error("grant credits failed", "user_id", userID, "amount", amount, "source", source, "err", err)
		return 0, err
	}
	s.log.Info("credits granted", "user_id", userID, "amount", amount, "source", source, "total", total)
	return total, nil
}

// Consume debits count credits, soonest-expiring batches first, and returns
// the remaining total. Nothing changes when the balance is short.
func (s *CreditService) Consume(ctx context.Context, userID int64, count int) (int, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if count <= 0 {
		return 0, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidArgument, count)
	}

	var total int
	err := s.store.WithUserLock(ctx, userID, func(tx repository.CreditTx) error {
		now := s.now().UTC()
		batches, err := tx.ValidBatches(ctx, now)
		if err != nil {
			return err
		}
		plan, err := Allocate(batches, count)
		if err != nil {
			return err
		}
		for _, d := range plan {
			if err := tx.SetBatchAmount(ctx, d.BatchID, d.Remaining); err != nil {
				return err
			}
		}
		total, err = tx.StoreTotal(ctx, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			s.log.Debug("consume rejected", "user_id", userID, "count", count)
			return 0, err
		}
		err = s.classify(err, "consume")
		s.log.Error("consume credits failed", "user_id", userID, "count", count, "err", err)
		return 0, err
	}
	s.log.Info("credits consumed", "user_id", userID, "count", count, "total", total)
	return total, nil
}

// Summarize lists spendable batches by soonest expiry. Guests and unknown
// users get an empty summary.
func (s *CreditService) Summarize(ctx context.Context, userID int64) (models.CreditSummary, error) {
	summary := models.CreditSummary{Batches: []models.CreditBatch{}}
	if userID <= 0 {
		return summary, nil
	}
	batches, err := s.store.ListValidBatches(ctx, userID, s.now().UTC())
	if err != nil {
		return summary, fmt.Errorf("%w: summarize: %w", ErrStorage, err)
	}
	for _, b := range batches {
		summary.Total += b.Amount
	}
	if batches != nil {
		summary.Batches = batches
	}
	return summary, nil
}

// Sync recomputes the cached total from the batch rows and stores it.
func (s *CreditService) Sync(ctx context.Context, userID int64) (int, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	var total int
	err := s.store.WithUserLock(ctx, userID, func(tx repository.CreditTx) error {
		var err error
		total, err = tx.StoreTotal(ctx, s.now().UTC())
		return err
	})
	if err != nil {
		return 0, s.classify(err, "sync")
	}
	return total, nil
}

// SyncExpired resyncs every user whose positive batch expired in (from, to].
// It keeps going past per-user failures and returns how many users were synced.
func (s *CreditService) SyncExpired(ctx context.Context, from, to time.Time) (int, error) {
	ids, err := s.store.UsersWithBatchesExpiredBetween(ctx, from.UTC(), to.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: list expired: %w", ErrStorage, err)
	}
	var errs []error
	synced := 0
	for _, id := range ids {
		if _, err := s.Sync(ctx, id); err != nil {
			s.log.Warn("expiry sync failed", "user_id", id, "err", err)
			errs = append(errs, err)
			continue
		}
		synced++
	}
	return synced, errors.Join(errs...)
}

// RunExpirySync first catches up on every batch that expired before now,
// including while the process was down, then calls SyncExpired every
// interval until ctx is done.
func (s *CreditService) RunExpirySync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	last := s.now()
	synced, err := s.SyncExpired(ctx, time.Time{}, last)
	if err != nil {
		s.log.Error("expiry catch-up failed", "err", err)
	} else {
		s.log.Info("expiry catch-up", "users", synced)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			to := s.now()
			synced, err := s.SyncExpired(ctx, last, to)
			if err != nil {
				s.log.Error("expiry sync pass failed", "err", err)
			} else if synced > 0 {
				s.log.Info("expiry sync pass", "users", synced)
			}
			last = to
		}
	}
}

func (s *CreditService) classify(err error, op string) error {
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		return fmt.Errorf("%w: user", ErrNotFound)
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInsufficientCredits):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
}

// Debit is one step of a consumption plan.
type Debit struct {
	BatchID   int64
	Take      int
	Remaining int
}

// Allocate plans a debit of count credits across batches, soonest expiry
// first and lower id on ties. Batches with no credits are skipped.
func Allocate(batches []models.CreditBatch, count int) ([]Debit, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidArgument, count)
	}
	ordered := make([]models.CreditBatch, 0, len(batches))
	available := 0
	for _, b := range batches {
		if b.Amount > 0 {
			ordered = append(ordered, b)
			available += b.Amount
		}
	}
	if available < count {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, available, count)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExpiresAt.Equal(ordered[j].ExpiresAt) {
			return ordered[i].ExpiresAt.Before(ordered[j].ExpiresAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var plan []Debit
	remaining := count
	for _, b := range ordered {
		if remaining == 0 {
			break
		}
		take := min(b.Amount, remaining)
		plan = append(plan, Debit{BatchID: b.ID, Take: take, Remaining: b.Amount - take})
		remaining -= take
	}
	return plan, nil
}
