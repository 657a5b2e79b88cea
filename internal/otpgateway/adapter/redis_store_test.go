package adapter_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/domain/domaintest"
	"github.com/aelexs/otp-gateway/internal/melipayamak"
	"github.com/aelexs/otp-gateway/internal/otpgateway/adapter"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
	redisclient "github.com/aelexs/otp-gateway/internal/redis"
)

func newTestRedisStore(t *testing.T, cfg adapter.RedisStoreConfig) (*adapter.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	return adapter.NewRedisStore(client.RDB, cfg), mr
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) app.OTPStore {
		store, _ := newTestRedisStore(t, adapter.RedisStoreConfig{})
		return store
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{Retention: 48 * time.Hour})
	rec := newRecord(t, testMobile, "1234", testStart)

	insert(t, store, rec)

	recKey := "otp:{" + testMobile + "}:rec:" + rec.ID
	assert.True(t, mr.Exists(recKey))
	assert.Equal(t, "1234", mr.HGet(recKey, "code"))
	assert.Equal(t, "0", mr.HGet(recKey, "used"))
	assert.Equal(t, 48*time.Hour, mr.TTL(recKey))

	members, err := mr.ZMembers("otp:{" + testMobile + "}:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, members)

	score, err := mr.ZScore("otp:{"+testMobile+"}:code:1234", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(testStart.UnixMilli()), score)

	assert.False(t, mr.Exists("otp:{"+testMobile+"}:lock"), "lock released after the unit")
}

func TestRedisStore_IndexTrimmedPastRetention(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{Retention: 24 * time.Hour})
	old := newRecord(t, testMobile, "1111", testStart.Add(-25*time.Hour))
	fresh := newRecord(t, testMobile, "2222", testStart)

	insert(t, store, old)
	insert(t, store, fresh)

	members, err := mr.ZMembers("otp:{" + testMobile + "}:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, members)
}

func TestRedisStore_ExpiredRecordHashIsNotFound(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{Retention: time.Hour})
	insert(t, store, newRecord(t, testMobile, "1234", testStart))

	// The record hash and code index share a TTL; drop only the hash to
	// simulate an index entry outliving its record.
	mr.Del("otp:{" + testMobile + "}:rec:" + mustLatestID(t, store))

	_, err := store.FindLatestByCode(context.Background(), testMobile, "1234")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func mustLatestID(t *testing.T, store app.OTPStore) string {
	t.Helper()
	rec, err := latest(t, store, testMobile)
	require.NoError(t, err)
	return rec.ID
}

func TestRedisStore_LockTimeout(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{LockPoll: 5 * time.Millisecond})
	require.NoError(t, mr.Set("otp:{"+testMobile+"}:lock", "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	called := false
	err := store.Issue(ctx, testMobile, func(context.Context, app.IssueTx) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, called)

	got, getErr := mr.Get("otp:{" + testMobile + "}:lock")
	require.NoError(t, getErr)
	assert.Equal(t, "someone-else", got, "foreign lock is left alone")
}

func TestRedisStore_LockLeaseExpires(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{LockTTL: time.Second, LockPoll: 5 * time.Millisecond})
	require.NoError(t, mr.Set("otp:{"+testMobile+"}:lock", "crashed-holder"))
	mr.SetTTL("otp:{"+testMobile+"}:lock", time.Second)

	done := make(chan error, 1)
	go func() {
		done <- store.Issue(context.Background(), testMobile, func(context.Context, app.IssueTx) error {
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	mr.FastForward(2 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Issue did not acquire the lock after the lease expired")
	}
}

// reentrantNotifier runs onFirstSend during the first Send only, letting a
// test act while the sending unit still believes it holds the lease.
type reentrantNotifier struct {
	calls       atomic.Int32
	onFirstSend func(ctx context.Context)
}

func (n *reentrantNotifier) Send(ctx context.Context, _ string, _ []string, _ int) (string, error) {
	if n.calls.Add(1) == 1 {
		n.onFirstSend(ctx)
	}
	return "123456789012345678", nil
}

func TestRedisStore_CommitAfterLostLeaseWritesNothing(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{LockTTL: 10 * time.Second, LockPoll: 5 * time.Millisecond})
	notifier := &reentrantNotifier{}
	svc := app.NewService(app.ServiceConfig{
		Store:      store,
		Notifier:   notifier,
		Classifier: melipayamak.NewClassifier(domain.LocaleEN),
		Clock:      domaintest.NewFakeClock(testStart),
		Policy:     app.Policy{DailyLimit: 1, Location: time.UTC},
		Messages:   app.MessagesFor(domain.LocaleEN),
	})

	var second app.Outcome
	notifier.onFirstSend = func(ctx context.Context) {
		// The first unit stalls past its lease; another request takes over.
		mr.FastForward(time.Minute)
		second = svc.RequestOTP(ctx, testMobile, 1)
	}

	first := svc.RequestOTP(context.Background(), testMobile, 1)

	assert.Equal(t, domain.OutcomeSent, second.Kind)
	assert.Equal(t, domain.OutcomeStoreUnavailable, first.Kind)
	assert.Equal(t, int32(2), notifier.calls.Load())

	members, err := mr.ZMembers("otp:{" + testMobile + "}:idx")
	require.NoError(t, err)
	assert.Len(t, members, 1, "daily limit of one holds")
}

func TestRedisStore_LeaseLostIsLockTimeout(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{})
	rec := newRecord(t, testMobile, "1234", testStart)

	err := store.Issue(context.Background(), testMobile, func(ctx context.Context, tx app.IssueTx) error {
		require.NoError(t, tx.Insert(ctx, rec))
		require.NoError(t, mr.Set("otp:{"+testMobile+"}:lock", "next-holder"))
		return nil
	})

	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.False(t, mr.Exists("otp:{"+testMobile+"}:rec:"+rec.ID))
	assert.False(t, mr.Exists("otp:{"+testMobile+"}:idx"))

	got, getErr := mr.Get("otp:{" + testMobile + "}:lock")
	require.NoError(t, getErr)
	assert.Equal(t, "next-holder", got, "the new holder's lock is left alone")
}

func TestRedisStore_MarkUsedSurvivesInBackingHash(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{})
	rec := newRecord(t, testMobile, "1234", testStart)
	insert(t, store, rec)

	ok, err := store.MarkUsed(context.Background(), testMobile, rec.ID)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", mr.HGet("otp:{"+testMobile+"}:rec:"+rec.ID, "used"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newTestRedisStore(t, adapter.RedisStoreConfig{})
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := store.Issue(ctx, testMobile, func(context.Context, app.IssueTx) error { return nil })
	assert.Error(t, err)

	_, err = store.FindLatestByCode(ctx, testMobile, "1234")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)

	_, err = store.MarkUsed(ctx, testMobile, "id")
	assert.Error(t, err)
}

func TestRedisStore_ServiceRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t, adapter.RedisStoreConfig{})
	clock := domaintest.NewFakeClock(testStart)
	svc := app.NewService(app.ServiceConfig{
		Store:      store,
		Notifier:   adapter.NewLogNotifier(discardLogger()),
		Classifier: melipayamak.NewClassifier(domain.LocaleEN),
		Clock:      clock,
		Policy:     app.Policy{Location: time.UTC},
		Messages:   app.MessagesFor(domain.LocaleEN),
	})
	ctx := context.Background()

	sent := svc.RequestOTP(ctx, testMobile, 1)
	require.Equal(t, domain.OutcomeSent, sent.Kind)
	require.Len(t, sent.Code, 4)
	assert.Len(t, sent.ProviderReference, 18)

	again := svc.RequestOTP(ctx, testMobile, 1)
	assert.Equal(t, domain.OutcomeRateLimited, again.Kind)
	assert.Equal(t, domain.RateLimitInterval, again.Limit)

	verified := svc.VerifyOTP(ctx, testMobile, sent.Code)
	assert.Equal(t, domain.OutcomeVerified, verified.Kind)

	replay := svc.VerifyOTP(ctx, testMobile, sent.Code)
	assert.Equal(t, domain.OutcomeAlreadyUsed, replay.Kind)

	for i := 0; i < 2; i++ {
		clock.Advance(2 * time.Minute)
		assert.Equal(t, domain.OutcomeSent, svc.RequestOTP(ctx, testMobile, 1).Kind)
	}
	clock.Advance(2 * time.Minute)
	limited := svc.RequestOTP(ctx, testMobile, 1)
	assert.Equal(t, domain.OutcomeRateLimited, limited.Kind)
	assert.Equal(t, domain.RateLimitDaily, limited.Limit)
}
