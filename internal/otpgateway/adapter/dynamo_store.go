package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/dynamo"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
)

const (
	lockSK       = "LOCK"
	recordPrefix = "REC#"
	// recordUpper sorts after every "REC#..." key.
	recordUpper = "REC$"
)

// otpDynamoDB is a narrow, consumer-defined interface for the DynamoDB
// operations DynamoStore calls. The *dynamodb.Client satisfies it and test
// stubs implement it directly.
type otpDynamoDB interface {
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// otpItem is the item shape of an OTP record. Times are unix milliseconds;
// ttl is epoch seconds for DynamoDB expiry.
type otpItem struct {
	Mobile    string `dynamodbav:"mobile"`
	SK        string `dynamodbav:"sk"`
	ID        string `dynamodbav:"id"`
	Code      string `dynamodbav:"code"`
	CreatedAt int64  `dynamodbav:"created_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	Used      bool   `dynamodbav:"used"`
	UsedAt    int64  `dynamodbav:"used_at,omitempty"`
	TTL       int64  `dynamodbav:"ttl"`
}

// lockItem is the per-mobile lease serializing Issue units.
type lockItem struct {
	Mobile     string `dynamodbav:"mobile"`
	SK         string `dynamodbav:"sk"`
	Owner      string `dynamodbav:"owner"`
	LeaseUntil int64  `dynamodbav:"lease_until"`
	TTL        int64  `dynamodbav:"ttl"`
}

// DynamoStoreConfig names the table and tunes the lease lock and retention.
type DynamoStoreConfig struct {
	Table string
	// LockTTL is the lease on the per-mobile lock item.
	LockTTL time.Duration
	// LockPoll is the retry interval while another holder owns the lease.
	LockPoll time.Duration
	// Retention sets each record's ttl attribute.
	Retention time.Duration
}

// DynamoStore is an app.OTPStore on a single DynamoDB table keyed by
// (mobile, sk). Per mobile the partition holds:
//
//	sk=LOCK                  lease item serializing Issue units
//	sk=REC#<created ms>#<id>  one item per record, created ms zero-padded
//
// Inserts are buffered and written in one TransactWriteItems together with
// a check that the lease is still held, so a rolled-back unit leaves nothing
// behind and a holder whose lease was taken over cannot commit.
type DynamoStore struct {
	db    otpDynamoDB
	cfg   DynamoStoreConfig
	now   func() time.Time
	lease func() time.Time
}

// NewDynamoStore creates a DynamoStore. Zero config fields take the defaults
// from the domain package. clock stamps used_at; leases use wall time.
func NewDynamoStore(db otpDynamoDB, cfg DynamoStoreConfig, clock domain.Clock) *DynamoStore {
	if cfg.Table == "" {
		cfg.Table = domain.DefaultOTPTable
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = domain.DefaultLockTTL
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = domain.DefaultLockPoll
	}
	if cfg.Retention <= 0 {
		cfg.Retention = domain.DefaultRetention
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &DynamoStore{db: db, cfg: cfg, now: clock.Now, lease: time.Now}
}

func recordSK(rec domain.OTPRecord) string {
	return fmt.Sprintf("%s%013d#%s", recordPrefix, rec.CreatedAt.UTC().UnixMilli(), rec.ID)
}

func sinceSK(t time.Time) string {
	return fmt.Sprintf("%s%013d", recordPrefix, t.UTC().UnixMilli())
}

func itemKey(mobile, sk string) map[string]dynamo.AttributeValue {
	return map[string]dynamo.AttributeValue{
		"mobile": &dynamo.AttributeValueMemberS{Value: mobile},
		"sk":     &dynamo.AttributeValueMemberS{Value: sk},
	}
}

func dynamoSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}

// Issue implements app.OTPStore.
func (s *DynamoStore) Issue(ctx context.Context, mobile string, fn func(ctx context.Context, tx app.IssueTx) error) error {
	ctx, span := dynamoSpan(ctx, "dynamo.otp.issue", "TransactWriteItems")
	defer span.End()

	token := uuid.NewString()
	if err := s.acquire(ctx, mobile, token); err != nil {
		failSpan(span, err)
		return err
	}
	defer s.release(mobile, token)

	tx := &dynamoIssueTx{store: s, mobile: mobile}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.pending) == 0 {
		return nil
	}

	// The request token makes a retried commit idempotent for ten minutes.
	requestToken := uuid.NewString()
	err := s.commit(ctx, mobile, token, requestToken, tx.pending)
	if err != nil && !errors.Is(err, domain.ErrLockTimeout) {
		salvageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), domain.DynamoTimeout)
		defer cancel()
		if retryErr := s.commit(salvageCtx, mobile, token, requestToken, tx.pending); retryErr == nil {
			return nil
		}
	}
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("dynamo otp commit: %w", err)
	}
	return nil
}

func (s *DynamoStore) acquire(ctx context.Context, mobile, token string) error {
	ticker := time.NewTicker(s.cfg.LockPoll)
	defer ticker.Stop()

	for {
		err := s.tryLock(ctx, mobile, token)
		if err == nil {
			return nil
		}
		if !dynamo.IsConditionalCheckFailed(err) {
			if ctx.Err() != nil {
				return fmt.Errorf("dynamo otp lock: %w", errors.Join(domain.ErrLockTimeout, err))
			}
			return fmt.Errorf("dynamo otp lock: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dynamo otp lock: %w", errors.Join(domain.ErrLockTimeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// tryLock puts the lease item unless a live lease by another holder exists.
func (s *DynamoStore) tryLock(ctx context.Context, mobile, token string) error {
	now := s.lease()
	until := now.Add(s.cfg.LockTTL)
	av, err := dynamo.MarshalMap(lockItem{
		Mobile:     mobile,
		SK:         lockSK,
		Owner:      token,
		LeaseUntil: until.UnixMilli(),
		TTL:        until.Add(time.Hour).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	cond := dynamo.Name("sk").AttributeNotExists().
		Or(dynamo.Name("lease_until").LessThan(dynamo.Value(now.UnixMilli())))
	expr, err := dynamo.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build lock condition: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:                 &s.cfg.Table,
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

func (s *DynamoStore) release(mobile, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), domain.DynamoTimeout)
	defer cancel()

	expr, err := dynamo.NewBuilder().
		WithCondition(dynamo.Name("owner").Equal(dynamo.Value(token))).
		Build()
	if err != nil {
		return
	}
	// A failed release only delays the next holder until the lease expires.
	_, _ = s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName:                 &s.cfg.Table,
		Key:                       itemKey(mobile, lockSK),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

func (s *DynamoStore) commit(ctx context.Context, mobile, token, requestToken string, recs []domain.OTPRecord) error {
	ownerExpr, err := dynamo.NewBuilder().
		WithCondition(dynamo.Name("owner").Equal(dynamo.Value(token))).
		Build()
	if err != nil {
		return fmt.Errorf("build lease check: %w", err)
	}
	newExpr, err := dynamo.NewBuilder().
		WithCondition(dynamo.Name("sk").AttributeNotExists()).
		Build()
	if err != nil {
		return fmt.Errorf("build insert condition: %w", err)
	}

	items := make([]dynamo.TransactWriteItem, 0, len(recs)+1)
	items = append(items, dynamo.TransactWriteItem{
		ConditionCheck: &dynamo.ConditionCheck{
			TableName:                 &s.cfg.Table,
			Key:                       itemKey(mobile, lockSK),
			ConditionExpression:       ownerExpr.Condition(),
			ExpressionAttributeNames:  ownerExpr.Names(),
			ExpressionAttributeValues: ownerExpr.Values(),
		},
	})
	for _, r := range recs {
		av, err := dynamo.MarshalMap(otpItem{
			Mobile:    r.Mobile,
			SK:        recordSK(r),
			ID:        r.ID,
			Code:      r.Code,
			CreatedAt: r.CreatedAt.UTC().UnixMilli(),
			ExpiresAt: r.ExpiresAt.UTC().UnixMilli(),
			Used:      r.Used,
			TTL:       r.CreatedAt.Add(s.cfg.Retention).Unix(),
		})
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", r.ID, err)
		}
		items = append(items, dynamo.TransactWriteItem{
			Put: &dynamo.Put{
				TableName:                 &s.cfg.Table,
				Item:                      av,
				ConditionExpression:       newExpr.Condition(),
				ExpressionAttributeNames:  newExpr.Names(),
				ExpressionAttributeValues: newExpr.Values(),
			},
		})
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: dynamo.String(requestToken),
	})
	if err == nil {
		return nil
	}
	if reasons, ok := dynamo.IsTransactionCanceledException(err); ok &&
		len(reasons) > 0 && reasons[0] == "ConditionalCheckFailed" {
		return fmt.Errorf("lease on %s lost before commit: %w", mobile, errors.Join(domain.ErrLockTimeout, err))
	}
	return err
}

// FindLatestByCode implements app.OTPStore.
func (s *DynamoStore) FindLatestByCode(ctx context.Context, mobile, code string) (*domain.OTPRecord, error) {
	ctx, span := dynamoSpan(ctx, "dynamo.otp.find_latest_by_code", "Query")
	defer span.End()

	item, err := s.findNewest(ctx, mobile, dynamo.Name("code").Equal(dynamo.Value(code)))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			failSpan(span, err)
		}
		return nil, err
	}
	return item.record(), nil
}

// MarkUsed implements app.OTPStore.
func (s *DynamoStore) MarkUsed(ctx context.Context, mobile, id string) (bool, error) {
	ctx, span := dynamoSpan(ctx, "dynamo.otp.mark_used", "UpdateItem")
	defer span.End()

	item, err := s.findNewest(ctx, mobile, dynamo.Name("id").Equal(dynamo.Value(id)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("dynamo otp record %s: %w", id, domain.ErrNotFound)
		}
		failSpan(span, err)
		return false, err
	}

	update := dynamo.Set(dynamo.Name("used"), dynamo.Value(true)).
		Set(dynamo.Name("used_at"), dynamo.Value(s.now().UTC().UnixMilli()))
	expr, err := dynamo.NewBuilder().
		WithUpdate(update).
		WithCondition(dynamo.Name("used").Equal(dynamo.Value(false))).
		Build()
	if err != nil {
		return false, fmt.Errorf("build mark used: %w", err)
	}

	_, err = s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:                 &s.cfg.Table,
		Key:                       itemKey(mobile, item.SK),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return false, nil
		}
		failSpan(span, err)
		return false, fmt.Errorf("dynamo otp mark used: %w", err)
	}
	return true, nil
}

// findNewest walks the mobile's records newest first and returns the first
// matching filter, or domain.ErrNotFound.
func (s *DynamoStore) findNewest(ctx context.Context, mobile string, filter dynamo.ConditionBuilder) (*otpItem, error) {
	keyCond := dynamo.Key("mobile").Equal(dynamo.Value(mobile)).
		And(dynamo.KeyBeginsWith(dynamo.Key("sk"), recordPrefix))
	expr, err := dynamo.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	in := &dynamo.QueryInput{
		TableName:                 &s.cfg.Table,
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          dynamo.Bool(false),
		ConsistentRead:            dynamo.Bool(true),
	}
	for {
		out, err := s.db.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamo otp query: %w", err)
		}
		if len(out.Items) > 0 {
			var item otpItem
			if err := dynamo.UnmarshalMap(out.Items[0], &item); err != nil {
				return nil, fmt.Errorf("dynamo otp unmarshal: %w", err)
			}
			return &item, nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil, domain.ErrNotFound
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (it *otpItem) record() *domain.OTPRecord {
	return &domain.OTPRecord{
		ID:        it.ID,
		Mobile:    it.Mobile,
		Code:      it.Code,
		CreatedAt: domain.FromMillis(it.CreatedAt),
		ExpiresAt: domain.FromMillis(it.ExpiresAt),
		Used:      it.Used,
	}
}

type dynamoIssueTx struct {
	store   *DynamoStore
	mobile  string
	pending []domain.OTPRecord
}

func (tx *dynamoIssueTx) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	s := tx.store
	keyCond := dynamo.Key("mobile").Equal(dynamo.Value(tx.mobile)).
		And(dynamo.KeyBetween(dynamo.Key("sk"), dynamo.Value(sinceSK(since)), dynamo.Value(recordUpper)))
	expr, err := dynamo.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	in := &dynamo.QueryInput{
		TableName:                 &s.cfg.Table,
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Select:                    dynamo.SelectCount,
		ConsistentRead:            dynamo.Bool(true),
	}
	total := 0
	for {
		out, err := s.db.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("dynamo otp count: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (tx *dynamoIssueTx) Latest(ctx context.Context) (*domain.OTPRecord, error) {
	s := tx.store
	keyCond := dynamo.Key("mobile").Equal(dynamo.Value(tx.mobile)).
		And(dynamo.KeyBeginsWith(dynamo.Key("sk"), recordPrefix))
	expr, err := dynamo.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build latest query: %w", err)
	}

	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:                 &s.cfg.Table,
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          dynamo.Bool(false),
		ConsistentRead:            dynamo.Bool(true),
		Limit:                     dynamo.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo otp latest: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, domain.ErrNotFound
	}
	var item otpItem
	if err := dynamo.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("dynamo otp unmarshal: %w", err)
	}
	return item.record(), nil
}

func (tx *dynamoIssueTx) Insert(_ context.Context, rec domain.OTPRecord) error {
	if rec.Mobile != tx.mobile {
		return fmt.Errorf("record inserted in unit for another mobile: %w", domain.ErrInvalidInput)
	}
	tx.pending = append(tx.pending, rec)
	return nil
}

var _ app.OTPStore = (*DynamoStore)(nil)
