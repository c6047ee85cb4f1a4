// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package util

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAWSEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadAWSCredentials(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	passFile := filepath.Join(dir, "pass")
	require.NoError(t, os.WriteFile(keyFile, []byte("vault-key\n"), 0o600))
	require.NoError(t, os.WriteFile(passFile, []byte(" vault-secret "), 0o600))

	t.Run("flags win", func(t *testing.T) {
		clearAWSEnv(t)
		t.Setenv("AWS_ACCESS_KEY_ID", "env-key")
		loadAWSCredentials("flag-key", "flag-secret", "flag-token", keyFile, passFile)
		assert.Equal(t, "flag-key", os.Getenv("AWS_ACCESS_KEY_ID"))
		assert.Equal(t, "flag-secret", os.Getenv("AWS_SECRET_ACCESS_KEY"))
		assert.Equal(t, "flag-token", os.Getenv("AWS_SESSION_TOKEN"))
	})

	t.Run("env kept", func(t *testing.T) {
		clearAWSEnv(t)
		t.Setenv("AWS_ACCESS_KEY_ID", "env-key")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")
		loadAWSCredentials("", "", "", keyFile, passFile)
		assert.Equal(t, "env-key", os.Getenv("AWS_ACCESS_KEY_ID"))
		assert.Equal(t, "env-secret", os.Getenv("AWS_SECRET_ACCESS_KEY"))
	})

	t.Run("vault fallback", func(t *testing.T) {
		clearAWSEnv(t)
		loadAWSCredentials("", "", "", keyFile, passFile)
		assert.Equal(t, "vault-key", os.Getenv("AWS_ACCESS_KEY_ID"))
		assert.Equal(t, "vault-secret", os.Getenv("AWS_SECRET_ACCESS_KEY"))
	})

	t.Run("nothing to load", func(t *testing.T) {
		clearAWSEnv(t)
		loadAWSCredentials("", "", "", filepath.Join(dir, "missing"), filepath.Join(dir, "missing"))
		_, ok := os.LookupEnv("AWS_ACCESS_KEY_ID")
		assert.False(t, ok)
	})
}

type fakeSecrets struct {
	secret *string
	err    error
	gotID  string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.gotID = aws.ToString(in.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.secret}, nil
}

func TestPasswordFromSecret(t *testing.T) {
	ctx := context.Background()

	svc := &fakeSecrets{secret: aws.String(`{"username":"admin","password":"s3cret"}`)}
	pwd, err := PasswordFromSecret(ctx, svc, "rds!cluster-1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pwd)
	assert.Equal(t, "rds!cluster-1", svc.gotID)

	for name, svc := range map[string]*fakeSecrets{
		"api error":      {err: errors.New("AccessDeniedException")},
		"empty string":   {},
		"invalid json":   {secret: aws.String("password=s3cret")},
		"empty password": {secret: aws.String(`{"password":""}`)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := PasswordFromSecret(ctx, svc, "rds!cluster-1")
			require.Error(t, err)
		})
	}
}

func TestResolveAWSDBPasswordFromEnv(t *testing.T) {
	t.Setenv(AWSSQLPasswordEnv, "local")
	pwd, err := ResolveAWSDBPassword(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "local", pwd)
}

func TestGetPasswordFromSecretsManagerValidatesInput(t *testing.T) {
	_, err := GetPasswordFromSecretsManager(context.Background(), "", "us-east-1")
	require.Error(t, err)
	_, err = GetPasswordFromSecretsManager(context.Background(), "secret", "")
	require.Error(t, err)
}
