// Package memory provides an in-process credit store with the same locking
// and commit semantics as the SQL repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/digkill/CutoutStore/internal/models"
	"github.com/digkill/CutoutStore/internal/repository"
)

type ledger struct {
	lock    sync.Mutex
	batches []models.CreditBatch
	total   int
}

// CreditStore keeps batches per user. A user's transactions serialize on
// that user's lock; staged changes are applied only on success.
type CreditStore struct {
	mu     sync.Mutex
	users  map[int64]*ledger
	nextID int64
}

func NewCreditStore() *CreditStore {
	return &CreditStore{users: make(map[int64]*ledger)}
}

// AddUser registers a user so ledger operations can lock it.
func (s *CreditStore) AddUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = &ledger{}
	}
}

// Total returns the cached total last written by StoreTotal.
func (s *CreditStore) Total(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.users[userID]; ok {
		return l.total
	}
	return 0
}

// Batches returns every stored batch for the user, including spent and expired ones.
func (s *CreditStore) Batches(userID int64) []models.CreditBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.users[userID]
	if !ok {
		return nil
	}
	return append([]models.CreditBatch(nil), l.batches...)
}

func (s *CreditStore) lookup(userID int64) *ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID]
}

func (s *CreditStore) WithUserLock(ctx context.Context, userID int64, fn func(tx repository.CreditTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.lookup(userID)
	if l == nil {
		return repository.ErrUserNotFound
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	s.mu.Lock()
	tx := &stagedTx{
		store:   s,
		userID:  userID,
		batches: append([]models.CreditBatch(nil), l.batches...),
		total:   l.total,
	}
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	l.batches = tx.batches
	l.total = tx.total
	s.mu.Unlock()
	return nil
}

func (s *CreditStore) ListValidBatches(ctx context.Context, userID int64, now time.Time) ([]models.CreditBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.users[userID]
	if !ok {
		return []models.CreditBatch{}, nil
	}
	return validSorted(l.batches, now), nil
}

func (s *CreditStore) UsersWithBatchesExpiredBetween(ctx context.Context, from, to time.Time) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, l := range s.users {
		for _, b := range l.batches {
			if b.Amount > 0 && b.ExpiresAt.After(from) && !b.ExpiresAt.After(to) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *CreditStore) allocateID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

type stagedTx struct {
	store   *CreditStore
	userID  int64
	batches []models.CreditBatch
	total   int
}

func (t *stagedTx) ValidBatches(ctx context.Context, now time.Time) ([]models.CreditBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return validSorted(t.batches, now), nil
}

func (t *stagedTx) InsertBatch(ctx context.Context, batch *models.CreditBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.Amount < 0 {
		return fmt.Errorf("credit batch: negative amount %d", batch.Amount)
	}
	batch.ID = t.store.allocateID()
	batch.UserID = t.userID
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	t.batches = append(t.batches, *batch)
	return nil
}

func (t *stagedTx) SetBatchAmount(ctx context.Context, batchID int64, amount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("credit batch %d: negative amount %d", batchID, amount)
	}
	for i := range t.batches {
		if t.batches[i].ID == batchID {
			t.batches[i].Amount = amount
			return nil
		}
	}
	return fmt.Errorf("credit batch %d not updated", batchID)
}

func (t *stagedTx) StoreTotal(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	total := 0
	for _, b := range t.batches {
		if b.Valid(now) {
			total += b.Amount
		}
	}
	t.total = total
	return total, nil
}

func validSorted(batches []models.CreditBatch, now time.Time) []models.CreditBatch {
	out := []models.CreditBatch{}
	for _, b := range batches {
		if b.Valid(now) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
