package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/aelexs/otp-gateway/internal/domain"
)

// smClient is the narrow consumer-defined interface for Secrets Manager operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

// GatewayCredentials are the SMS panel login. Both loaders expect the
// stored value to be a JSON document {"username": "...", "password": "..."}.
type GatewayCredentials struct {
	Username string
	Password domain.SecretString
}

type credentialsDocument struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoadSecretsManagerCredentials fetches the gateway login from the
// Secrets Manager secret secretID.
func LoadSecretsManagerCredentials(ctx context.Context, sm smClient, secretID string) (GatewayCredentials, error) {
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return GatewayCredentials{}, fmt.Errorf("fetching gateway credentials %q from Secrets Manager: %w", secretID, err)
	}
	if out.SecretString == nil {
		return GatewayCredentials{}, fmt.Errorf("gateway credentials %q have no secret string", secretID)
	}
	return parseCredentials(*out.SecretString, secretID)
}

// LoadParameterStoreCredentials fetches the gateway login from the SSM
// SecureString parameter name, decrypting it on read.
func LoadParameterStoreCredentials(ctx context.Context, ssm ssmClient, name string) (GatewayCredentials, error) {
	out, err := ssm.GetParameter(ctx, &awsssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return GatewayCredentials{}, fmt.Errorf("fetching gateway credentials %q from SSM: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return GatewayCredentials{}, fmt.Errorf("SSM parameter %s has no value", name)
	}
	return parseCredentials(*out.Parameter.Value, name)
}

func parseCredentials(raw, source string) (GatewayCredentials, error) {
	var doc credentialsDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		// The decoder error may quote the document; keep it out of the message.
		return GatewayCredentials{}, fmt.Errorf("gateway credentials %q are not a JSON object: %w", source, domain.ErrInvalidInput)
	}
	if doc.Username == "" || doc.Password == "" {
		return GatewayCredentials{}, fmt.Errorf("gateway credentials %q need username and password: %w", source, domain.ErrInvalidInput)
	}
	return GatewayCredentials{Username: doc.Username, Password: domain.SecretString(doc.Password)}, nil
}
