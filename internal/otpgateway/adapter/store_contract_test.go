package adapter_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
)

const (
	testMobile  = "09120000000"
	otherMobile = "09129999999"
	testTTL     = 2 * time.Minute
)

var testStart = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

var errAbort = errors.New("abort unit")

func newRecord(t *testing.T, mobile, code string, at time.Time) domain.OTPRecord {
	t.Helper()
	rec, err := domain.NewOTPRecord(mobile, code, at, testTTL)
	require.NoError(t, err)
	return rec
}

func insert(t *testing.T, store app.OTPStore, recs ...domain.OTPRecord) {
	t.Helper()
	require.NotEmpty(t, recs)
	err := store.Issue(context.Background(), recs[0].Mobile, func(ctx context.Context, tx app.IssueTx) error {
		for _, r := range recs {
			if err := tx.Insert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func latest(t *testing.T, store app.OTPStore, mobile string) (*domain.OTPRecord, error) {
	t.Helper()
	var rec *domain.OTPRecord
	var latestErr error
	err := store.Issue(context.Background(), mobile, func(ctx context.Context, tx app.IssueTx) error {
		rec, latestErr = tx.Latest(ctx)
		return nil
	})
	require.NoError(t, err)
	return rec, latestErr
}

func countSince(t *testing.T, store app.OTPStore, mobile string, since time.Time) int {
	t.Helper()
	var n int
	err := store.Issue(context.Background(), mobile, func(ctx context.Context, tx app.IssueTx) error {
		var err error
		n, err = tx.CountCreatedSince(ctx, since)
		return err
	})
	require.NoError(t, err)
	return n
}

// runStoreContract exercises the behavior every app.OTPStore must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) app.OTPStore) {
	t.Run("empty store has no latest", func(t *testing.T) {
		store := newStore(t)

		_, err := latest(t, store, testMobile)

		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, 0, countSince(t, store, testMobile, testStart.Add(-24*time.Hour)))
	})

	t.Run("committed record is readable", func(t *testing.T) {
		store := newStore(t)
		rec := newRecord(t, testMobile, "1234", testStart)
		insert(t, store, rec)

		got, err := latest(t, store, testMobile)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "1234", got.Code)
		assert.Equal(t, testMobile, got.Mobile)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt), "created_at round-trips")
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt), "expires_at round-trips")
		assert.False(t, got.Used)

		found, err := store.FindLatestByCode(context.Background(), testMobile, "1234")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, found.ID)
	})

	t.Run("rolled back unit leaves nothing", func(t *testing.T) {
		store := newStore(t)

		err := store.Issue(context.Background(), testMobile, func(ctx context.Context, tx app.IssueTx) error {
			require.NoError(t, tx.Insert(ctx, newRecord(t, testMobile, "1234", testStart)))
			return errAbort
		})

		assert.ErrorIs(t, err, errAbort)
		_, err = latest(t, store, testMobile)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.FindLatestByCode(context.Background(), testMobile, "1234")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("insert for another mobile is rejected", func(t *testing.T) {
		store := newStore(t)

		err := store.Issue(context.Background(), testMobile, func(ctx context.Context, tx app.IssueTx) error {
			return tx.Insert(ctx, newRecord(t, otherMobile, "1234", testStart))
		})

		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("count is inclusive of since", func(t *testing.T) {
		store := newStore(t)
		insert(t, store, newRecord(t, testMobile, "1111", testStart.Add(-time.Hour)))
		insert(t, store, newRecord(t, testMobile, "2222", testStart))
		insert(t, store, newRecord(t, testMobile, "3333", testStart.Add(time.Hour)))

		assert.Equal(t, 3, countSince(t, store, testMobile, testStart.Add(-time.Hour)))
		assert.Equal(t, 2, countSince(t, store, testMobile, testStart))
		assert.Equal(t, 1, countSince(t, store, testMobile, testStart.Add(time.Second)))
		assert.Equal(t, 0, countSince(t, store, otherMobile, testStart.Add(-time.Hour)))
	})

	t.Run("latest is newest by creation time", func(t *testing.T) {
		store := newStore(t)
		older := newRecord(t, testMobile, "1111", testStart)
		newer := newRecord(t, testMobile, "2222", testStart.Add(3*time.Minute))
		insert(t, store, newer)
		insert(t, store, older)

		got, err := latest(t, store, testMobile)

		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)
	})

	t.Run("find by code returns newest match for that mobile", func(t *testing.T) {
		store := newStore(t)
		first := newRecord(t, testMobile, "1234", testStart)
		second := newRecord(t, testMobile, "1234", testStart.Add(5*time.Minute))
		insert(t, store, first)
		insert(t, store, second)
		insert(t, store, newRecord(t, otherMobile, "5678", testStart))

		got, err := store.FindLatestByCode(context.Background(), testMobile, "1234")
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)

		_, err = store.FindLatestByCode(context.Background(), testMobile, "5678")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.FindLatestByCode(context.Background(), testMobile, "0000")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("mark used flips once", func(t *testing.T) {
		store := newStore(t)
		rec := newRecord(t, testMobile, "1234", testStart)
		insert(t, store, rec)
		ctx := context.Background()

		ok, err := store.MarkUsed(ctx, testMobile, rec.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.MarkUsed(ctx, testMobile, rec.ID)
		require.NoError(t, err)
		assert.False(t, ok, "second mark should report already used")

		got, err := store.FindLatestByCode(ctx, testMobile, "1234")
		require.NoError(t, err)
		assert.True(t, got.Used)
	})

	t.Run("mark used on unknown id", func(t *testing.T) {
		store := newStore(t)

		_, err := store.MarkUsed(context.Background(), testMobile, "01890000-0000-7000-8000-000000000000")

		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("concurrent mark used has one winner", func(t *testing.T) {
		store := newStore(t)
		rec := newRecord(t, testMobile, "1234", testStart)
		insert(t, store, rec)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.MarkUsed(context.Background(), testMobile, rec.ID)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("issue units for one mobile are serialized", func(t *testing.T) {
		store := newStore(t)

		// Each unit inserts only if the mobile has no record yet. Without
		// serialization several units would see an empty store.
		recs := make([]domain.OTPRecord, 8)
		for i := range recs {
			recs[i] = newRecord(t, testMobile, "1234", testStart.Add(time.Duration(i)*time.Second))
		}

		var inserted atomic.Int32
		var wg sync.WaitGroup
		for i := range recs {
			wg.Add(1)
			go func(rec domain.OTPRecord) {
				defer wg.Done()
				err := store.Issue(context.Background(), testMobile, func(ctx context.Context, tx app.IssueTx) error {
					if _, err := tx.Latest(ctx); !errors.Is(err, domain.ErrNotFound) {
						return err
					}
					inserted.Add(1)
					return tx.Insert(ctx, rec)
				})
				assert.NoError(t, err)
			}(recs[i])
		}
		wg.Wait()

		assert.Equal(t, int32(1), inserted.Load())
		assert.Equal(t, 1, countSince(t, store, testMobile, testStart.Add(-time.Hour)))
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
