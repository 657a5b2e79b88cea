package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
	redisclient "github.com/aelexs/otp-gateway/internal/redis"
)

// releaseLockScript deletes the lock only if this holder still owns it, so
// a holder whose lease already expired cannot free someone else's lock.
const releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// markUsedScript flips used 0→1 atomically. Returns 1 when flipped, 0 when
// already used, -1 when the record does not exist.
const markUsedScript = `
local used = redis.call('HGET', KEYS[1], 'used')
if not used then
  return -1
end
if used == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'used', '1')
return 1
`

// commitScript writes a unit's buffered records only while the caller still
// holds the per-mobile lease. KEYS are lock, idx, then rec/code key pairs;
// ARGV are token, retention ms, trim horizon ms, then six fields per record.
// Returns 0 when the lease is gone and nothing was written.
const commitScript = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = ARGV[2]
local a = 4
for k = 3, #KEYS, 2 do
  local rk, ck = KEYS[k], KEYS[k + 1]
  redis.call('HSET', rk, 'id', ARGV[a], 'mobile', ARGV[a + 1], 'code', ARGV[a + 2],
    'created_at', ARGV[a + 3], 'expires_at', ARGV[a + 4], 'used', ARGV[a + 5])
  redis.call('PEXPIRE', rk, ttl)
  redis.call('ZADD', KEYS[2], ARGV[a + 3], ARGV[a])
  redis.call('ZADD', ck, ARGV[a + 3], ARGV[a])
  redis.call('PEXPIRE', ck, ttl)
  a = a + 6
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[3])
redis.call('PEXPIRE', KEYS[2], ttl)
return 1
`

// RedisStoreConfig tunes the per-mobile lease lock and key retention.
type RedisStoreConfig struct {
	// LockTTL is the lease on the per-mobile lock. It must outlive the
	// longest unit of work, dispatch included.
	LockTTL time.Duration
	// LockPoll is the retry interval while another holder owns the lock.
	LockPoll time.Duration
	// Retention is how long records are kept. It must cover at least one
	// full calendar day for the daily limit to hold.
	Retention time.Duration
}

// RedisStore is an app.OTPStore on Redis. All keys of one mobile share the
// {mobile} hash tag and so live in one cluster slot.
//
//	otp:{m}:lock          lease lock serializing Issue units
//	otp:{m}:idx           ZSET id → created_at ms
//	otp:{m}:code:<code>   ZSET id → created_at ms, per code
//	otp:{m}:rec:<id>      HASH record fields
//
// Inserts are buffered in the unit and written by one script on commit that
// first checks the lease token, so a rolled-back unit or one whose lease
// expired mid-dispatch leaves nothing behind.
type RedisStore struct {
	cmd redisclient.Cmdable
	cfg RedisStoreConfig
}

// NewRedisStore creates a RedisStore. Zero config fields take the defaults
// from the domain package.
func NewRedisStore(cmd redisclient.Cmdable, cfg RedisStoreConfig) *RedisStore {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = domain.DefaultLockTTL
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = domain.DefaultLockPoll
	}
	if cfg.Retention <= 0 {
		cfg.Retention = domain.DefaultRetention
	}
	return &RedisStore{cmd: cmd, cfg: cfg}
}

func lockKey(mobile string) string { return "otp:{" + mobile + "}:lock" }
func indexKey(mobile string) string { return "otp:{" + mobile + "}:idx" }
func codeKey(mobile, code string) string { return "otp:{" + mobile + "}:code:" + code }
func recordKey(mobile, id string) string { return "otp:{" + mobile + "}:rec:" + id }
func scoreArg(t time.Time) string { return strconv.FormatInt(t.UTC().UnixMilli(), 10) }

// Issue implements app.OTPStore.
func (s *RedisStore) Issue(ctx context.Context, mobile string, fn func(ctx context.Context, tx app.IssueTx) error) error {
	ctx, span := tracer.Start(ctx, "redis.otp.issue")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	token := uuid.NewString()
	if err := s.acquire(ctx, mobile, token); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer s.release(mobile, token)

	tx := &redisIssueTx{store: s, mobile: mobile}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.pending) == 0 {
		return nil
	}

	err := s.commit(ctx, mobile, token, tx.pending)
	if err != nil && !errors.Is(err, domain.ErrLockTimeout) {
		// The message may already be on its way; one more try outside the
		// caller's deadline before giving up on the record.
		salvageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), domain.RedisTimeout)
		defer cancel()
		if retryErr := s.commit(salvageCtx, mobile, token, tx.pending); retryErr == nil {
			return nil
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("redis otp commit: %w", err)
	}
	return nil
}

func (s *RedisStore) acquire(ctx context.Context, mobile, token string) error {
	ticker := time.NewTicker(s.cfg.LockPoll)
	defer ticker.Stop()

	for {
		ok, err := s.cmd.SetNX(ctx, lockKey(mobile), token, s.cfg.LockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("redis otp lock: %w", errors.Join(domain.ErrLockTimeout, err))
			}
			return fmt.Errorf("redis otp lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis otp lock: %w", errors.Join(domain.ErrLockTimeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (s *RedisStore) release(mobile, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), domain.RedisTimeout)
	defer cancel()
	// A failed release only delays the next holder until the lease expires.
	_ = s.cmd.Eval(ctx, releaseLockScript, []string{lockKey(mobile)}, token).Err()
}

func (s *RedisStore) commit(ctx context.Context, mobile, token string, recs []domain.OTPRecord) error {
	// Index entries older than the retention window are trimmed relative to
	// the newest record, matching the record hashes' own expiry.
	var newest time.Time
	for _, r := range recs {
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
	}

	keys := make([]string, 0, 2+2*len(recs))
	keys = append(keys, lockKey(mobile), indexKey(mobile))
	args := make([]any, 0, 3+6*len(recs))
	args = append(args, token, s.cfg.Retention.Milliseconds(), scoreArg(newest.Add(-s.cfg.Retention)))
	for _, r := range recs {
		keys = append(keys, recordKey(mobile, r.ID), codeKey(mobile, r.Code))
		args = append(args, r.ID, r.Mobile, r.Code,
			scoreArg(r.CreatedAt), scoreArg(r.ExpiresAt), usedFlag(r.Used))
	}

	written, err := s.cmd.Eval(ctx, commitScript, keys, args...).Int()
	if err != nil {
		return err
	}
	if written == 0 {
		return fmt.Errorf("lease on %s lost before commit: %w", mobile, domain.ErrLockTimeout)
	}
	return nil
}

// FindLatestByCode implements app.OTPStore.
func (s *RedisStore) FindLatestByCode(ctx context.Context, mobile, code string) (*domain.OTPRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.find_latest_by_code")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	rec, err := s.newest(ctx, mobile, codeKey(mobile, code))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

// MarkUsed implements app.OTPStore.
func (s *RedisStore) MarkUsed(ctx context.Context, mobile, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.otp.mark_used")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	n, err := s.cmd.Eval(ctx, markUsedScript, []string{recordKey(mobile, id)}).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("redis otp mark used: %w", err)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("redis otp record %s: %w", id, domain.ErrNotFound)
	}
}

// newest loads the highest-ranked record id in the sorted set at key. Equal
// scores rank by id, and v7 ids sort in creation order.
func (s *RedisStore) newest(ctx context.Context, mobile, key string) (*domain.OTPRecord, error) {
	ids, err := s.cmd.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis otp index %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, domain.ErrNotFound
	}

	fields, err := s.cmd.HGetAll(ctx, recordKey(mobile, ids[0])).Result()
	if err != nil {
		return nil, fmt.Errorf("redis otp record %s: %w", ids[0], err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return parseRecord(fields)
}

func parseRecord(fields map[string]string) (*domain.OTPRecord, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis otp record %s: created_at: %w", fields["id"], err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis otp record %s: expires_at: %w", fields["id"], err)
	}
	return &domain.OTPRecord{
		ID:        fields["id"],
		Mobile:    fields["mobile"],
		Code:      fields["code"],
		CreatedAt: domain.FromMillis(created),
		ExpiresAt: domain.FromMillis(expires),
		Used:      fields["used"] == "1",
	}, nil
}

func usedFlag(used bool) string {
	if used {
		return "1"
	}
	return "0"
}

type redisIssueTx struct {
	store   *RedisStore
	mobile  string
	pending []domain.OTPRecord
}

func (tx *redisIssueTx) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	n, err := tx.store.cmd.ZCount(ctx, indexKey(tx.mobile), scoreArg(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis otp count: %w", err)
	}
	return int(n), nil
}

func (tx *redisIssueTx) Latest(ctx context.Context) (*domain.OTPRecord, error) {
	return tx.store.newest(ctx, tx.mobile, indexKey(tx.mobile))
}

func (tx *redisIssueTx) Insert(_ context.Context, rec domain.OTPRecord) error {
	if rec.Mobile != tx.mobile {
		return fmt.Errorf("record inserted in unit for another mobile: %w", domain.ErrInvalidInput)
	}
	tx.pending = append(tx.pending, rec)
	return nil
}

var _ app.OTPStore = (*RedisStore)(nil)
