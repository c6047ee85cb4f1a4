// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package util

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWS IAM credential file paths (vault-injected for staging and S3 destinations)
const (
	DefaultAWSKeyFile  = "/vault/secrets/batchexportawskey"
	DefaultAWSPassFile = "/vault/secrets/batchexportawspass"

	// AWSSQLPasswordEnv allows bypassing Secrets Manager lookups (e.g., smoketests/local).
	// When set (even to an empty string), ResolveAWSDBPassword returns the value directly.
	AWSSQLPasswordEnv = "BATCH_EXPORT_AWS_SQL_PASSWORD" //nolint:gosec // env var name, not a credential
)

// LoadAWSCredentials loads AWS IAM credentials with the following priority:
// 1. CLI flags (accessKeyID, secretAccessKey, sessionToken) - highest priority
// 2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN)
// 3. AWS SDK default chain (AWS CLI credentials, SSO cache, IAM roles, etc.)
// 4. Vault files (DefaultAWSKeyFile, DefaultAWSPassFile) - fallback
//
// Only sets environment variables if CLI flags are explicitly provided or a
// vault file exists, so the SDK default chain stays usable otherwise.
func LoadAWSCredentials(accessKeyID, secretAccessKey, sessionToken string) {
	loadAWSCredentials(accessKeyID, secretAccessKey, sessionToken, DefaultAWSKeyFile, DefaultAWSPassFile)
}

func loadAWSCredentials(accessKeyID, secretAccessKey, sessionToken, keyFile, passFile string) {
	if accessKeyID != "" && secretAccessKey != "" {
		_ = os.Setenv("AWS_ACCESS_KEY_ID", accessKeyID)
		_ = os.Setenv("AWS_SECRET_ACCESS_KEY", secretAccessKey)
		if sessionToken != "" {
			_ = os.Setenv("AWS_SESSION_TOKEN", sessionToken)
		}
		return
	}

	if os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "" {
		return
	}

	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		if content, err := os.ReadFile(keyFile); err == nil {
			_ = os.Setenv("AWS_ACCESS_KEY_ID", strings.TrimSpace(string(content)))
		}
	}
	if os.Getenv("AWS_SECRET_ACCESS_KEY") == "" {
		if content, err := os.ReadFile(passFile); err == nil {
			_ = os.Setenv("AWS_SECRET_ACCESS_KEY", strings.TrimSpace(string(content)))
		}
	}
}

// SecretsAPI is the part of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// GetPasswordFromSecretsManager retrieves the database password from AWS Secrets Manager.
// The secret JSON is expected to contain a "password" field.
func GetPasswordFromSecretsManager(ctx context.Context, secretName, region string) (string, error) {
	if secretName == "" {
		return "", fmt.Errorf("secret name is required for Secrets Manager")
	}
	if region == "" {
		return "", fmt.Errorf("region is required for Secrets Manager")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("create AWS config: %w", err)
	}
	return PasswordFromSecret(ctx, secretsmanager.NewFromConfig(awsCfg), secretName)
}

// PasswordFromSecret reads the "password" field of the current version of
// secretName.
func PasswordFromSecret(ctx context.Context, svc SecretsAPI, secretName string) (string, error) {
	out, err := svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretName),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret string empty for %s", secretName)
	}

	var payload struct {
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		return "", fmt.Errorf("parse secret json: %w", err)
	}
	if payload.Password == "" {
		return "", fmt.Errorf("password field empty in secret %s", secretName)
	}
	return payload.Password, nil
}

// ResolveAWSDBPassword returns the AWS DB password. If AWSSQLPasswordEnv is set
// (even to an empty string), that value is returned. Otherwise, the password is
// fetched from AWS Secrets Manager using the provided secret and region.
func ResolveAWSDBPassword(ctx context.Context, secretName, region string) (string, error) {
	if pwd, ok := os.LookupEnv(AWSSQLPasswordEnv); ok {
		return pwd, nil
	}
	return GetPasswordFromSecretsManager(ctx, secretName, region)
}
