package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
)

// MemoryStore is an in-process app.OTPStore. Issue units are serialized per
// mobile with a mutex, so it is only correct within a single process. Used
// for local development and tests: records are never evicted, so the store
// grows with every code issued.
type MemoryStore struct {
	locksMu sync.Mutex
	locks   map[string]*mobileLock

	mu      sync.RWMutex
	records map[string][]domain.OTPRecord // by mobile, in commit order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[string]*mobileLock),
		records: make(map[string][]domain.OTPRecord),
	}
}

// mobileLock is dropped from the map once its last holder or waiter leaves.
type mobileLock struct {
	mu   sync.Mutex
	refs int
}

func (s *MemoryStore) lock(mobile string) {
	s.locksMu.Lock()
	l, ok := s.locks[mobile]
	if !ok {
		l = &mobileLock{}
		s.locks[mobile] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
}

func (s *MemoryStore) unlock(mobile string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l := s.locks[mobile]
	l.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, mobile)
	}
}

// Issue implements app.OTPStore.
func (s *MemoryStore) Issue(ctx context.Context, mobile string, fn func(ctx context.Context, tx app.IssueTx) error) error {
	s.lock(mobile)
	defer s.unlock(mobile)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store: %w", err)
	}

	tx := &memoryIssueTx{store: s, mobile: mobile}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.records[mobile] = append(s.records[mobile], tx.pending...)
	s.mu.Unlock()
	return nil
}

// FindLatestByCode implements app.OTPStore.
func (s *MemoryStore) FindLatestByCode(_ context.Context, mobile, code string) (*domain.OTPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.OTPRecord
	for i := range s.records[mobile] {
		r := s.records[mobile][i]
		if r.Code == code && (found == nil || newer(r, *found)) {
			found = &r
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

// MarkUsed implements app.OTPStore.
func (s *MemoryStore) MarkUsed(_ context.Context, mobile, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[mobile]
	for i := range recs {
		if recs[i].ID != id {
			continue
		}
		if recs[i].Used {
			return false, nil
		}
		recs[i].Used = true
		return true, nil
	}
	return false, domain.ErrNotFound
}

// Records returns a copy of every committed record for mobile, oldest first.
func (s *MemoryStore) Records(mobile string) []domain.OTPRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OTPRecord, len(s.records[mobile]))
	copy(out, s.records[mobile])
	sort.SliceStable(out, func(i, j int) bool { return newer(out[j], out[i]) })
	return out
}

type memoryIssueTx struct {
	store   *MemoryStore
	mobile  string
	pending []domain.OTPRecord
}

func (tx *memoryIssueTx) CountCreatedSince(_ context.Context, since time.Time) (int, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	n := 0
	for _, r := range tx.store.records[tx.mobile] {
		if !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (tx *memoryIssueTx) Latest(_ context.Context) (*domain.OTPRecord, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	var latest *domain.OTPRecord
	for i := range tx.store.records[tx.mobile] {
		r := tx.store.records[tx.mobile][i]
		if latest == nil || newer(r, *latest) {
			latest = &r
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest, nil
}

func (tx *memoryIssueTx) Insert(_ context.Context, rec domain.OTPRecord) error {
	if rec.Mobile != tx.mobile {
		return fmt.Errorf("record for %s inserted in unit for %s: %w",
			domain.MaskMobile(rec.Mobile), domain.MaskMobile(tx.mobile), domain.ErrInvalidInput)
	}
	tx.pending = append(tx.pending, rec)
	return nil
}

// newer orders by creation time, then by the time-ordered ID.
func newer(a, b domain.OTPRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

var _ app.OTPStore = (*MemoryStore)(nil)
