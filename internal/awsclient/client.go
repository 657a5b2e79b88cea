// Package awsclient builds the AWS SDK clients the gateway talks to: SNS
// for SMS delivery, and Secrets Manager and SSM for the SMS panel login.
package awsclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Config holds AWS connection parameters.
type Config struct {
	// Endpoint overrides the default AWS endpoint for every client.
	// Set to a LocalStack URL (e.g. "http://localhost:4566") for local development.
	// When empty, the default AWS endpoint resolver is used.
	Endpoint string

	// Region is the AWS region (e.g. "eu-central-1").
	Region string

	// Timeout is the HTTP client timeout for AWS requests.
	Timeout time.Duration
}

// Clients holds the SDK clients built from one shared aws.Config.
type Clients struct {
	SNS            *sns.Client
	SecretsManager *secretsmanager.Client
	SSM            *ssm.Client
}

// LoadConfig resolves the shared AWS configuration. When cfg.Endpoint is
// set, static LocalStack credentials are used.
func LoadConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("test", "test", ""),
			),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.Timeout > 0 {
		awsCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return awsCfg, nil
}

// New creates every client from cfg. When cfg.Endpoint is non-empty,
// BaseEndpoint is set on each service client for LocalStack compatibility.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	awsCfg, err := LoadConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var endpoint *string
	if cfg.Endpoint != "" {
		endpoint = aws.String(cfg.Endpoint)
	}

	return &Clients{
		SNS: sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			o.BaseEndpoint = endpoint
		}),
		SecretsManager: secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
			o.BaseEndpoint = endpoint
		}),
		SSM: ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
			o.BaseEndpoint = endpoint
		}),
	}, nil
}
