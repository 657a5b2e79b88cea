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

func TestRequestOTP_FreshMobileIsSent(t *testing.T) {
	h := newTestHarness(t)

	out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

	require.Equal(t, domain.OutcomeSent, out.Kind)
	assert.True(t, out.Success())
	assert.Regexp(t, `^[1-9]\d{3}$`, out.Code)
	assert.Equal(t, recordID18, out.ProviderReference)
	assert.Equal(t, "verification code sent", out.Message)

	calls := h.notifier.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testMobile, calls[0].recipient)
	assert.Equal(t, []string{out.Code}, calls[0].vars)
	assert.Equal(t, testTemplateID, calls[0].templateID)

	recs := h.store.Records(testMobile)
	require.Len(t, recs, 1)
	assert.Equal(t, out.Code, recs[0].Code)
	assert.True(t, recs[0].CreatedAt.Equal(testStart))
	assert.True(t, recs[0].ExpiresAt.Equal(testStart.Add(2*time.Minute)))
	assert.False(t, recs[0].Used)
}

func TestRequestOTP_DailyLimit(t *testing.T) {
	t.Run("request after the limit is rejected without a record", func(t *testing.T) {
		h := newTestHarness(t)
		for i := 0; i < 3; i++ {
			h.requestSent(t, testMobile)
			h.clock.Advance(121 * time.Second)
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeRateLimited, out.Kind)
		assert.Equal(t, domain.RateLimitDaily, out.Limit)
		assert.Equal(t, "too many requests today", out.Message)
		assert.Empty(t, out.Code)
		assert.Len(t, h.store.Records(testMobile), 3)
		assert.Len(t, h.notifier.Calls(), 3)
	})

	t.Run("limit resets on the next calendar day", func(t *testing.T) {
		h := newTestHarness(t)
		for i := 0; i < 3; i++ {
			h.requestSent(t, testMobile)
			h.clock.Advance(121 * time.Second)
		}
		h.clock.Set(time.Date(2026, 1, 16, 0, 0, 1, 0, time.UTC))

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeSent, out.Kind)
	})

	t.Run("calendar day follows the configured location", func(t *testing.T) {
		tehran := time.FixedZone("IRST", 3*3600+1800)
		h := newTestHarness(t, func(cfg *app.ServiceConfig) { cfg.Policy.Location = tehran })
		for i := 0; i < 3; i++ {
			h.requestSent(t, testMobile)
			h.clock.Advance(121 * time.Second)
		}
		// 20:31 UTC is 00:01 the next day in Tehran but still the same day in UTC.
		h.clock.Set(time.Date(2026, 1, 15, 20, 31, 0, 0, time.UTC))

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeSent, out.Kind)
	})

	t.Run("limit is per mobile", func(t *testing.T) {
		h := newTestHarness(t)
		for i := 0; i < 3; i++ {
			h.requestSent(t, testMobile)
			h.clock.Advance(121 * time.Second)
		}

		out := h.svc.RequestOTP(context.Background(), otherMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeSent, out.Kind)
	})
}

func TestRequestOTP_MinInterval(t *testing.T) {
	t.Run("second request inside the interval is rejected", func(t *testing.T) {
		h := newTestHarness(t)
		h.requestSent(t, testMobile)
		h.clock.Advance(60 * time.Second)

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeRateLimited, out.Kind)
		assert.Equal(t, domain.RateLimitInterval, out.Limit)
		assert.Equal(t, "please wait before requesting another code", out.Message)
		assert.Len(t, h.store.Records(testMobile), 1)
	})

	t.Run("request exactly at the interval is allowed", func(t *testing.T) {
		h := newTestHarness(t)
		h.requestSent(t, testMobile)
		h.clock.Advance(120 * time.Second)

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeSent, out.Kind)
	})

	t.Run("a used latest record still starts the interval", func(t *testing.T) {
		h := newTestHarness(t)
		sent := h.requestSent(t, testMobile)
		require.Equal(t, domain.OutcomeVerified, h.svc.VerifyOTP(context.Background(), testMobile, sent.Code).Kind)
		h.clock.Advance(30 * time.Second)

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.RateLimitInterval, out.Limit)
	})

	t.Run("daily limit is checked before the interval", func(t *testing.T) {
		h := newTestHarness(t, func(cfg *app.ServiceConfig) { cfg.Policy.DailyLimit = 1 })
		h.requestSent(t, testMobile)

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.RateLimitDaily, out.Limit)
	})
}

func TestRequestOTP_DispatchFailure(t *testing.T) {
	t.Run("provider rejection rolls back the record", func(t *testing.T) {
		h := newTestHarness(t)
		h.notifier.sendFn = func(context.Context, string, []string, int) (string, error) {
			return "-2", nil
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeDispatchFailed, out.Kind)
		assert.Equal(t, "per_mobile_limit", out.Reason.Code)
		assert.Equal(t, "sms delivery failed: per-mobile send limit: one mobile per send", out.Message)
		assert.Empty(t, out.Code)
		assert.Empty(t, h.store.Records(testMobile))
	})

	t.Run("failed dispatch does not count against the limits", func(t *testing.T) {
		h := newTestHarness(t, func(cfg *app.ServiceConfig) { cfg.Policy.DailyLimit = 1 })
		h.notifier.sendFn = func(context.Context, string, []string, int) (string, error) {
			return "2", nil
		}
		require.Equal(t, domain.OutcomeDispatchFailed, h.svc.RequestOTP(context.Background(), testMobile, testTemplateID).Kind)
		h.notifier.sendFn = nil

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeSent, out.Kind)
	})

	t.Run("unknown status", func(t *testing.T) {
		h := newTestHarness(t)
		h.notifier.sendFn = func(context.Context, string, []string, int) (string, error) {
			return "999", nil
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeDispatchFailed, out.Kind)
		assert.Equal(t, "unknown", out.Reason.Code)
	})

	t.Run("transport error", func(t *testing.T) {
		h := newTestHarness(t)
		h.notifier.sendFn = func(context.Context, string, []string, int) (string, error) {
			return "", errors.New("dial tcp: connection refused")
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeDispatchFailed, out.Kind)
		assert.Equal(t, domain.ReasonTransportError, out.Reason.Code)
		assert.Equal(t, "sms delivery failed: sms gateway unreachable", out.Message)
		assert.NotContains(t, out.Message, "connection refused")
		assert.Empty(t, h.store.Records(testMobile))
	})

	t.Run("notifier panic is a transport error", func(t *testing.T) {
		h := newTestHarness(t)
		h.notifier.sendFn = func(context.Context, string, []string, int) (string, error) {
			panic("nil client")
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeDispatchFailed, out.Kind)
		assert.Equal(t, domain.ReasonTransportError, out.Reason.Code)
		assert.Empty(t, h.store.Records(testMobile))
	})

	t.Run("slow gateway is cut off by the dispatch timeout", func(t *testing.T) {
		h := newTestHarness(t, func(cfg *app.ServiceConfig) { cfg.Policy.DispatchTimeout = 20 * time.Millisecond })
		h.notifier.sendFn = func(ctx context.Context, _ string, _ []string, _ int) (string, error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			<-ctx.Done()
			return "", ctx.Err()
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.ReasonTransportError, out.Reason.Code)
		assert.Empty(t, h.store.Records(testMobile))
	})
}

func TestRequestOTP_CallerCancellation(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.notifier.sendFn = func(sendCtx context.Context, _ string, _ []string, _ int) (string, error) {
		cancel()
		assert.NoError(t, sendCtx.Err(), "dispatch must not observe caller cancellation")
		return recordID18, nil
	}

	out := h.svc.RequestOTP(ctx, testMobile, testTemplateID)

	assert.Equal(t, domain.OutcomeSent, out.Kind)
	assert.Len(t, h.store.Records(testMobile), 1)
}

func TestRequestOTP_StoreFailure(t *testing.T) {
	t.Run("read failure never dispatches", func(t *testing.T) {
		h := newTestHarness(t)
		h.store.issueFn = func(ctx context.Context, _ string, fn func(context.Context, app.IssueTx) error) error {
			return fn(ctx, &stubIssueTx{
				countCreatedSinceFn: func(context.Context, time.Time) (int, error) {
					return 0, errors.New("connection reset by peer")
				},
			})
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeStoreUnavailable, out.Kind)
		assert.Equal(t, "could not send verification code", out.Message)
		assert.Empty(t, h.notifier.Calls())

		issued := h.events.OfType(app.EventIssue)
		require.Len(t, issued, 1)
		assert.Error(t, issued[0].Err)
		assert.Empty(t, h.events.OfType(app.EventDispatchOrphaned))
	})

	t.Run("lock wait failure", func(t *testing.T) {
		h := newTestHarness(t)
		h.store.issueFn = func(context.Context, string, func(context.Context, app.IssueTx) error) error {
			return domain.ErrLockTimeout
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeStoreUnavailable, out.Kind)
		assert.Empty(t, h.notifier.Calls())
	})

	t.Run("commit failure after delivery is reported as orphaned", func(t *testing.T) {
		h := newTestHarness(t)
		h.store.issueFn = func(ctx context.Context, _ string, fn func(context.Context, app.IssueTx) error) error {
			if err := fn(ctx, &stubIssueTx{}); err != nil {
				return err
			}
			return errors.New("commit: connection lost")
		}

		out := h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

		assert.Equal(t, domain.OutcomeStoreUnavailable, out.Kind)
		assert.Empty(t, out.Code, "an unpersisted code must not be handed out")
		orphaned := h.events.OfType(app.EventDispatchOrphaned)
		require.Len(t, orphaned, 1)
		assert.Equal(t, testMobile, orphaned[0].Mobile)
		assert.Equal(t, recordID18, orphaned[0].ProviderStatus)
	})
}

func TestRequestOTP_Events(t *testing.T) {
	h := newTestHarness(t)
	h.requestSent(t, testMobile)
	h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)

	dispatches := h.events.OfType(app.EventDispatch)
	require.Len(t, dispatches, 1)
	assert.Equal(t, domain.OutcomeSent, dispatches[0].Outcome)
	assert.Equal(t, recordID18, dispatches[0].ProviderStatus)
	assert.NoError(t, dispatches[0].Err)

	issued := h.events.OfType(app.EventIssue)
	require.Len(t, issued, 2)
	assert.Equal(t, domain.OutcomeSent, issued[0].Outcome)
	assert.Equal(t, domain.OutcomeRateLimited, issued[1].Outcome)
	assert.Equal(t, string(domain.RateLimitInterval), issued[1].Detail)
}

func TestRequestOTP_ConcurrentRequestsForOneMobile(t *testing.T) {
	h := newTestHarness(t)

	const n = 10
	outcomes := make([]app.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.svc.RequestOTP(context.Background(), testMobile, testTemplateID)
		}(i)
	}
	wg.Wait()

	sent, limited := 0, 0
	for _, out := range outcomes {
		switch out.Kind {
		case domain.OutcomeSent:
			sent++
		case domain.OutcomeRateLimited:
			limited++
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, n-1, limited)
	assert.Len(t, h.notifier.Calls(), 1)
	assert.Len(t, h.store.Records(testMobile), 1)
}
