package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"os"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretRef identifies a secret value from one of several sources.
// Exactly one of AwsSecretArn, InsecureValue, or EnvVar must be set.
type SecretRef struct {
	// AwsSecretArn is the ARN of an AWS Secrets Manager secret.
	// Key must also be set to extract a specific field from the JSON secret.
	AwsSecretArn string `json:"aws_secret_arn,omitempty"`
	Key          string `json:"key,omitempty"`

	// InsecureValue is a plaintext secret value. Use only for development.
	InsecureValue string `json:"insecure_value,omitempty"`

	// EnvVar is the name of an environment variable containing the secret.
	EnvVar string `json:"env_var,omitempty"`
}

// Validate checks that exactly one secret source is configured.
func (r SecretRef) Validate() error {
	var set []string
	if r.AwsSecretArn != "" {
		set = append(set, "aws_secret_arn")
	}
	if r.InsecureValue != "" {
		set = append(set, "insecure_value")
	}
	if r.EnvVar != "" {
		set = append(set, "env_var")
	}
	switch len(set) {
	case 0:
		return errors.New("secret ref must have one of: aws_secret_arn, insecure_value, or env_var")
	case 1:
		if r.AwsSecretArn != "" && r.Key == "" {
			return errors.New("aws_secret_arn requires key to be set")
		}
		return nil
	default:
		return fmt.Errorf("secret ref must have only one source, got %v", set)
	}
}

// SecretsManagerClient is the interface for AWS Secrets Manager operations.
// This allows injecting a mock for testing.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves SecretRefs, caching AWS Secrets Manager fetches by ARN
// so that many users sharing one secret cost a single API call.
type SecretCache struct {
	client SecretsManagerClient

	mu    sync.Mutex
	byARN map[string]map[string]any
}

// NewSecretCache creates a SecretCache backed by the given client. A nil
// client is valid when no SecretRef uses aws_secret_arn.
func NewSecretCache(client SecretsManagerClient) *SecretCache {
	return &SecretCache{
		client: client,
		byARN:  make(map[string]map[string]any),
	}
}

// NewSecretCacheFromEnv creates a SecretCache using AWS config from the environment.
func NewSecretCacheFromEnv(ctx context.Context) (*SecretCache, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretCache(secretsmanager.NewFromConfig(cfg)), nil
}

// Get resolves the value referenced by ref.
func (sc *SecretCache) Get(ctx context.Context, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	switch {
	case ref.InsecureValue != "":
		return ref.InsecureValue, nil
	case ref.EnvVar != "":
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return val, nil
	default:
		return sc.getFromAWS(ctx, ref.AwsSecretArn, ref.Key)
	}
}

func (sc *SecretCache) getFromAWS(ctx context.Context, arn, key string) (string, error) {
	sc.mu.Lock()
	fields, ok := sc.byARN[arn]
	sc.mu.Unlock()
	if !ok {
		var err error
		fields, err = sc.fetch(ctx, arn)
		if err != nil {
			return "", err
		}
	}

	val, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret", key)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("value at key %q is not a string (got %T)", key, val)
	}
	return str, nil
}

func (sc *SecretCache) fetch(ctx context.Context, arn string) (map[string]any, error) {
	if sc.client == nil {
		return nil, fmt.Errorf("no secrets manager client configured for secret %s", arn)
	}
	out, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &arn})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", arn, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", arn)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse secret %s as JSON: %w", arn, err)
	}

	sc.mu.Lock()
	// Another resolver may have fetched the same ARN concurrently. Both
	// results come from the same secret version window, either is fine.
	if cached, ok := sc.byARN[arn]; ok {
		fields = cached
	} else {
		sc.byARN[arn] = fields
	}
	sc.mu.Unlock()
	return fields, nil
}
