package domain

import "time"

// Compiled defaults. Every value here can be overridden via configuration.
const (
	// Issuance policy
	DefaultOTPTTL           = 2 * time.Minute
	DefaultDailyLimit       = 3
	DefaultMinInterval      = 120 * time.Second
	DefaultOTPLength        = 4
	MinOTPLength            = 4
	MaxOTPLength            = 10
	DefaultOTPTemplateID    = 1
	DefaultDispatchTimeout  = 10 * time.Second
	DefaultOperationTimeout = 30 * time.Second

	// Timeout contracts
	PostgresTimeout = 5 * time.Second
	RedisTimeout    = 2 * time.Second
	DynamoTimeout   = 5 * time.Second

	// Lease-lock stores (Redis, DynamoDB). The lock TTL must outlive
	// DefaultOperationTimeout.
	DefaultLockTTL   = 45 * time.Second
	DefaultLockPoll  = 25 * time.Millisecond
	DefaultRetention = 48 * time.Hour
	DefaultOTPTable  = "otp_records"

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 2 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
)
