package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aelexs/otp-gateway/internal/awsclient"
	"github.com/aelexs/otp-gateway/internal/config"
	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/dynamo"
	"github.com/aelexs/otp-gateway/internal/melipayamak"
	"github.com/aelexs/otp-gateway/internal/observability"
	"github.com/aelexs/otp-gateway/internal/otp"
	"github.com/aelexs/otp-gateway/internal/otpgateway/adapter"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
	"github.com/aelexs/otp-gateway/internal/otpgateway/port"
	"github.com/aelexs/otp-gateway/internal/postgres"
	"github.com/aelexs/otp-gateway/internal/redis"
	"github.com/aelexs/otp-gateway/internal/server"
)

// tableWait bounds waiting for a new DynamoDB table to become active.
const tableWait = 2 * time.Minute

// backend is an OTP store plus its readiness probe and release hook.
type backend struct {
	store app.OTPStore
	ready func(ctx context.Context) error
	close func()
}

// delivery is a Notifier with the Classifier that understands its results.
type delivery struct {
	notifier   otp.Notifier
	classifier otp.Classifier
}

// setup is the composition root. It builds the store and SMS provider
// selected by config, the OTP service, and the HTTP handler.
func setup(ctx context.Context, deps server.Deps) (*server.Service, error) {
	cfg := deps.Config
	logger := deps.Logger

	loc, err := cfg.OTP.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve otp.timezone: %w", err)
	}
	locale, err := domain.ParseLocale(cfg.OTP.Locale)
	if err != nil {
		return nil, fmt.Errorf("resolve otp.locale: %w", err)
	}

	// 1. Store.
	be, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// 2. SMS provider.
	dl, err := newDelivery(ctx, cfg, logger, locale)
	if err != nil {
		be.close()
		return nil, err
	}

	// 3. Telemetry.
	var metrics *observability.OTPMetrics
	if deps.Meter != nil {
		metrics, err = observability.NewOTPMetrics(deps.Meter)
		if err != nil {
			be.close()
			return nil, fmt.Errorf("create otp metrics: %w", err)
		}
	}

	// 4. Service + handler.
	svc := app.NewService(app.ServiceConfig{
		Store:      be.store,
		Notifier:   dl.notifier,
		Classifier: dl.classifier,
		Clock:      domain.RealClock{},
		Events:     adapter.NewTelemetrySink(logger, metrics),
		Policy: app.Policy{
			TTL:             cfg.OTP.TTL(),
			DailyLimit:      cfg.OTP.DailyLimit,
			MinInterval:     cfg.OTP.MinInterval(),
			CodeLength:      cfg.OTP.Length,
			DispatchTimeout: cfg.OTP.DispatchTimeout,
			Location:        loc,
		},
		Messages: app.MessagesFor(locale),
	})
	handler := port.NewOTPHandler(svc, port.HandlerConfig{
		DefaultRegion:     cfg.HTTP.DefaultRegion,
		DefaultTemplateID: cfg.OTP.TemplateID,
		ExposeCode:        cfg.HTTP.ExposeCode,
	})

	logger.InfoContext(ctx, "otp service initialized",
		slog.String("store", cfg.Store.Driver),
		slog.String("sms_provider", cfg.SMS.Provider),
		slog.String("locale", string(locale)),
		slog.String("timezone", loc.String()),
	)

	return &server.Service{
		Routes: handler.Routes,
		Ready:  be.ready,
		Close:  be.close,
	}, nil
}

// newBackend connects the store selected by store.driver.
func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := postgres.New(ctx, postgres.Config{
			URL:      cfg.Postgres.URL.Expose(),
			MaxConns: cfg.Postgres.MaxConns,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("otpgateway setup: %w", err)
		}
		if cfg.IsLocal() {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("otpgateway setup: %w", err)
			}
		}
		return &backend{
			store: adapter.NewPostgresStore(pool, domain.RealClock{}),
			ready: pool.Ping,
			close: pool.Close,
		}, nil

	case config.StoreRedis:
		client := redis.NewClient(redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password.Expose(),
			DB:           cfg.Redis.DB,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
		if err := client.Ping(ctx, cfg.Redis.Timeout); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("otpgateway setup: %w", err)
		}
		return &backend{
			store: adapter.NewRedisStore(client.RDB, adapter.RedisStoreConfig{
				LockTTL:   cfg.Redis.LockTTL,
				Retention: cfg.Redis.Retention,
			}),
			ready: func(ctx context.Context) error {
				return client.Ping(ctx, cfg.Redis.Timeout)
			},
			close: func() {
				if err := client.Close(); err != nil {
					logger.Error("failed to close redis client", slog.String("error", err.Error()))
				}
			},
		}, nil

	case config.StoreDynamo:
		client, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("otpgateway setup: %w", err)
		}
		if cfg.IsLocal() {
			if err := client.EnsureTable(ctx, cfg.DynamoDB.Table, tableWait); err != nil {
				return nil, fmt.Errorf("otpgateway setup: %w", err)
			}
		}
		return &backend{
			store: adapter.NewDynamoStore(client.DB, adapter.DynamoStoreConfig{
				Table:     cfg.DynamoDB.Table,
				LockTTL:   cfg.DynamoDB.LockTTL,
				Retention: cfg.DynamoDB.Retention,
			}, domain.RealClock{}),
			ready: func(ctx context.Context) error {
				return client.Ping(ctx, cfg.DynamoDB.Table)
			},
			close: func() {},
		}, nil

	default:
		logger.Warn("using in-memory OTP store; records are lost on restart and not shared between replicas")
		return &backend{
			store: adapter.NewMemoryStore(),
			ready: func(context.Context) error { return nil },
			close: func() {},
		}, nil
	}
}

// newDelivery builds the Notifier selected by sms.provider.
func newDelivery(ctx context.Context, cfg *config.Config, logger *slog.Logger, locale domain.Locale) (delivery, error) {
	switch cfg.SMS.Provider {
	case config.SMSMelipayamak:
		creds, err := melipayamakCredentials(ctx, cfg)
		if err != nil {
			return delivery{}, fmt.Errorf("otpgateway setup: %w", err)
		}
		client := melipayamak.NewClient(melipayamak.Config{
			Endpoint:   cfg.Melipayamak.Endpoint,
			Username:   creds.Username,
			Password:   creds.Password,
			HTTPClient: &http.Client{Timeout: cfg.Melipayamak.Timeout},
		})
		return delivery{notifier: client, classifier: melipayamak.NewClassifier(locale)}, nil

	case config.SMSSNS:
		clients, err := awsclient.New(ctx, awsConfig(cfg))
		if err != nil {
			return delivery{}, fmt.Errorf("otpgateway setup: %w", err)
		}
		return delivery{
			notifier: adapter.NewSNSNotifier(clients.SNS, adapter.SNSConfig{
				MessageFormat: cfg.SNS.MessageFormat,
				SenderID:      cfg.SNS.SenderID,
				DefaultRegion: cfg.HTTP.DefaultRegion,
			}),
			classifier: adapter.NewSNSClassifier(locale),
		}, nil

	default:
		logger.Info("using log-only SMS provider; codes are written to the log instead of sent")
		return delivery{
			notifier:   adapter.NewLogNotifier(logger),
			classifier: melipayamak.NewClassifier(locale),
		}, nil
	}
}

// melipayamakCredentials returns the inline credentials, or loads them from
// Secrets Manager or SSM Parameter Store when a reference is configured.
func melipayamakCredentials(ctx context.Context, cfg *config.Config) (adapter.GatewayCredentials, error) {
	mp := cfg.Melipayamak
	if mp.CredentialsSecret == "" && mp.CredentialsParameter == "" {
		return adapter.GatewayCredentials{
			Username: mp.Username,
			Password: mp.Password,
		}, nil
	}

	clients, err := awsclient.New(ctx, awsConfig(cfg))
	if err != nil {
		return adapter.GatewayCredentials{}, err
	}
	if mp.CredentialsSecret != "" {
		return adapter.LoadSecretsManagerCredentials(ctx, clients.SecretsManager, mp.CredentialsSecret)
	}
	return adapter.LoadParameterStoreCredentials(ctx, clients.SSM, mp.CredentialsParameter)
}

func newDynamoClient(ctx context.Context, cfg *config.Config) (*dynamo.Client, error) {
	return dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.AWS.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.AWS.Timeout,
	})
}

func awsConfig(cfg *config.Config) awsclient.Config {
	return awsclient.Config{
		Endpoint: cfg.AWS.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.AWS.Timeout,
	}
}
