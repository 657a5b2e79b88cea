package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
)

const otpColumns = `id::text, mobile, code, created_at, expires_at, used`

const insertOTPSQL = `INSERT INTO otp_records (id, mobile, code, created_at, expires_at, used)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING`

// PostgresStore is an app.OTPStore on Postgres. Each Issue unit is one
// transaction holding a transaction-scoped advisory lock on the mobile, so
// units for the same mobile are serialized across every process sharing
// the database.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a PostgresStore. The schema must already exist;
// see postgres.Migrate.
func NewPostgresStore(pool *pgxpool.Pool, clock domain.Clock) *PostgresStore {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &PostgresStore{pool: pool, now: clock.Now}
}

func scanOTP(row pgx.Row) (*domain.OTPRecord, error) {
	var r domain.OTPRecord
	if err := row.Scan(&r.ID, &r.Mobile, &r.Code, &r.CreatedAt, &r.ExpiresAt, &r.Used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	return &r, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", "otp_records"),
	)
	return ctx, span
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Issue implements app.OTPStore.
func (s *PostgresStore) Issue(ctx context.Context, mobile string, fn func(ctx context.Context, tx app.IssueTx) error) error {
	ctx, span := startSpan(ctx, "postgres.otp.issue", "TRANSACTION")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("postgres otp begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "otp:"+mobile); err != nil {
		if ctx.Err() != nil {
			err = errors.Join(domain.ErrLockTimeout, err)
		}
		failSpan(span, err)
		return fmt.Errorf("postgres otp lock: %w", err)
	}

	itx := &postgresIssueTx{tx: tx, mobile: mobile}
	if err := fn(ctx, itx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if len(itx.inserted) == 0 {
			failSpan(span, err)
			return fmt.Errorf("postgres otp commit: %w", err)
		}
		// The message may already be on its way; write the records outside
		// the failed transaction before giving up on them.
		if salvageErr := s.salvage(ctx, itx.inserted); salvageErr != nil {
			failSpan(span, err)
			return fmt.Errorf("postgres otp commit: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) salvage(ctx context.Context, recs []domain.OTPRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), domain.PostgresTimeout)
	defer cancel()
	for _, r := range recs {
		if _, err := s.pool.Exec(ctx, insertOTPSQL, r.ID, r.Mobile, r.Code, r.CreatedAt, r.ExpiresAt, r.Used); err != nil {
			return err
		}
	}
	return nil
}

// FindLatestByCode implements app.OTPStore.
func (s *PostgresStore) FindLatestByCode(ctx context.Context, mobile, code string) (*domain.OTPRecord, error) {
	ctx, span := startSpan(ctx, "postgres.otp.find_latest_by_code", "SELECT")
	defer span.End()

	rec, err := scanOTP(s.pool.QueryRow(ctx,
		`SELECT `+otpColumns+`
		 FROM otp_records
		 WHERE mobile = $1 AND code = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		mobile, code,
	))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, err
	case err != nil:
		failSpan(span, err)
		return nil, fmt.Errorf("postgres otp find by code: %w", err)
	}
	return rec, nil
}

// MarkUsed implements app.OTPStore.
func (s *PostgresStore) MarkUsed(ctx context.Context, mobile, id string) (bool, error) {
	ctx, span := startSpan(ctx, "postgres.otp.mark_used", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE otp_records SET used = TRUE, used_at = $3
		 WHERE id = $1 AND mobile = $2 AND used = FALSE`,
		id, mobile, s.now().UTC(),
	)
	if err != nil {
		failSpan(span, err)
		return false, fmt.Errorf("postgres otp mark used: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM otp_records WHERE id = $1 AND mobile = $2)`,
		id, mobile,
	).Scan(&exists)
	if err != nil {
		failSpan(span, err)
		return false, fmt.Errorf("postgres otp mark used: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("postgres otp record %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

type postgresIssueTx struct {
	tx       pgx.Tx
	mobile   string
	inserted []domain.OTPRecord
}

func (t *postgresIssueTx) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM otp_records WHERE mobile = $1 AND created_at >= $2`,
		t.mobile, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres otp count: %w", err)
	}
	return n, nil
}

func (t *postgresIssueTx) Latest(ctx context.Context) (*domain.OTPRecord, error) {
	rec, err := scanOTP(t.tx.QueryRow(ctx,
		`SELECT `+otpColumns+`
		 FROM otp_records
		 WHERE mobile = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		t.mobile,
	))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("postgres otp latest: %w", err)
	}
	return rec, err
}

func (t *postgresIssueTx) Insert(ctx context.Context, rec domain.OTPRecord) error {
	if rec.Mobile != t.mobile {
		return fmt.Errorf("record inserted in unit for another mobile: %w", domain.ErrInvalidInput)
	}
	if _, err := t.tx.Exec(ctx, insertOTPSQL, rec.ID, rec.Mobile, rec.Code, rec.CreatedAt, rec.ExpiresAt, rec.Used); err != nil {
		return fmt.Errorf("postgres otp insert: %w", err)
	}
	t.inserted = append(t.inserted, rec)
	return nil
}

var _ app.OTPStore = (*PostgresStore)(nil)
