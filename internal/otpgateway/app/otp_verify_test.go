package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
)

// seed commits recs directly through the store, bypassing issuance rules.
func (h *testHarness) seed(t *testing.T, mobile string, recs ...domain.OTPRecord) {
	t.Helper()
	err := h.store.MemoryStore.Issue(context.Background(), mobile, func(ctx context.Context, tx app.IssueTx) error {
		for _, r := range recs {
			if err := tx.Insert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func newRecord(t *testing.T, mobile, code string, createdAt time.Time) domain.OTPRecord {
	t.Helper()
	rec, err := domain.NewOTPRecord(mobile, code, createdAt, 2*time.Minute)
	require.NoError(t, err)
	return rec
}

func TestVerifyOTP_RoundTrip(t *testing.T) {
	h := newTestHarness(t)
	sent := h.requestSent(t, testMobile)

	first := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)
	second := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)

	assert.Equal(t, domain.OutcomeVerified, first.Kind)
	assert.True(t, first.Success())
	assert.Equal(t, "verification code accepted", first.Message)

	assert.Equal(t, domain.OutcomeAlreadyUsed, second.Kind)
	assert.False(t, second.Success())
	assert.Equal(t, "verification code already used", second.Message)

	recs := h.store.Records(testMobile)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Used)
}

func TestVerifyOTP_Invalid(t *testing.T) {
	h := newTestHarness(t)
	h.seed(t, testMobile, newRecord(t, testMobile, "4821", testStart))

	tests := []struct {
		name   string
		mobile string
		code   string
	}{
		{"wrong code", testMobile, "1111"},
		{"right code for another mobile", otherMobile, "4821"},
		{"no normalization of the code", testMobile, " 4821"},
		{"empty code", testMobile, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.svc.VerifyOTP(context.Background(), tt.mobile, tt.code)

			assert.Equal(t, domain.OutcomeInvalid, out.Kind)
			assert.Equal(t, "invalid verification code", out.Message)
		})
	}
	assert.False(t, h.store.Records(testMobile)[0].Used)
}

func TestVerifyOTP_ExpiryBoundary(t *testing.T) {
	t.Run("one second after expiry", func(t *testing.T) {
		h := newTestHarness(t)
		sent := h.requestSent(t, testMobile)
		h.clock.Advance(2*time.Minute + time.Second)

		out := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)

		assert.Equal(t, domain.OutcomeExpired, out.Kind)
		assert.Equal(t, "verification code expired", out.Message)
		assert.False(t, h.store.Records(testMobile)[0].Used, "expiry must not mutate the record")
	})

	t.Run("one second before expiry", func(t *testing.T) {
		h := newTestHarness(t)
		sent := h.requestSent(t, testMobile)
		h.clock.Advance(2*time.Minute - time.Second)

		out := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)

		assert.Equal(t, domain.OutcomeVerified, out.Kind)
	})

	t.Run("used wins over expired", func(t *testing.T) {
		h := newTestHarness(t)
		sent := h.requestSent(t, testMobile)
		require.Equal(t, domain.OutcomeVerified, h.svc.VerifyOTP(context.Background(), testMobile, sent.Code).Kind)
		h.clock.Advance(time.Hour)

		out := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)

		assert.Equal(t, domain.OutcomeAlreadyUsed, out.Kind)
	})
}

func TestVerifyOTP_NewestMatchWins(t *testing.T) {
	t.Run("newest used record hides an older active one", func(t *testing.T) {
		h := newTestHarness(t)
		older := newRecord(t, testMobile, "4821", testStart.Add(-time.Minute))
		newer := newRecord(t, testMobile, "4821", testStart)
		newer.Used = true
		h.seed(t, testMobile, older, newer)

		out := h.svc.VerifyOTP(context.Background(), testMobile, "4821")

		assert.Equal(t, domain.OutcomeAlreadyUsed, out.Kind)
	})

	t.Run("only the newest record is consumed", func(t *testing.T) {
		h := newTestHarness(t)
		older := newRecord(t, testMobile, "4821", testStart.Add(-30*time.Second))
		newer := newRecord(t, testMobile, "4821", testStart)
		h.seed(t, testMobile, newer, older)

		out := h.svc.VerifyOTP(context.Background(), testMobile, "4821")

		require.Equal(t, domain.OutcomeVerified, out.Kind)
		recs := h.store.Records(testMobile)
		require.Len(t, recs, 2)
		assert.False(t, recs[0].Used, "older record")
		assert.True(t, recs[1].Used, "newer record")
	})
}

func TestVerifyOTP_StoreFailure(t *testing.T) {
	t.Run("lookup failure", func(t *testing.T) {
		h := newTestHarness(t)
		h.store.findLatestByCodeFn = func(context.Context, string, string) (*domain.OTPRecord, error) {
			return nil, errors.New("pq: terminating connection")
		}

		out := h.svc.VerifyOTP(context.Background(), testMobile, "4821")

		assert.Equal(t, domain.OutcomeStoreUnavailable, out.Kind)
		assert.Equal(t, "could not check verification code", out.Message)
		assert.NotContains(t, out.Message, "pq:")

		verified := h.events.OfType(app.EventVerify)
		require.Len(t, verified, 1)
		assert.Error(t, verified[0].Err)
	})

	t.Run("mark used failure", func(t *testing.T) {
		h := newTestHarness(t)
		sent := h.requestSent(t, testMobile)
		h.store.markUsedFn = func(context.Context, string, string) (bool, error) {
			return false, domain.ErrUnavailable
		}

		out := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)

		assert.Equal(t, domain.OutcomeStoreUnavailable, out.Kind)
	})

	t.Run("record vanished before mark used", func(t *testing.T) {
		h := newTestHarness(t)
		sent := h.requestSent(t, testMobile)
		h.store.markUsedFn = func(context.Context, string, string) (bool, error) {
			return false, domain.ErrNotFound
		}

		out := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)

		assert.Equal(t, domain.OutcomeInvalid, out.Kind)
	})

	t.Run("lost race on mark used", func(t *testing.T) {
		h := newTestHarness(t)
		sent := h.requestSent(t, testMobile)
		h.store.markUsedFn = func(context.Context, string, string) (bool, error) {
			return false, nil
		}

		out := h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)

		assert.Equal(t, domain.OutcomeAlreadyUsed, out.Kind)
	})
}

func TestVerifyOTP_ConcurrentVerifiesConsumeOnce(t *testing.T) {
	h := newTestHarness(t)
	sent := h.requestSent(t, testMobile)

	const n = 32
	outcomes := make([]app.Outcome, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outcomes[i] = h.svc.VerifyOTP(context.Background(), testMobile, sent.Code)
		}(i)
	}
	close(start)
	wg.Wait()

	verified, used := 0, 0
	for _, out := range outcomes {
		switch out.Kind {
		case domain.OutcomeVerified:
			verified++
		case domain.OutcomeAlreadyUsed:
			used++
		}
	}
	assert.Equal(t, 1, verified)
	assert.Equal(t, n-1, used)
}
