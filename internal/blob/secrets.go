// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package blob

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretFetcher retrieves an opaque credential by reference.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, ref string) (string, error)
}

// SecretsManagerFetcher implements SecretFetcher over AWS Secrets Manager.
type SecretsManagerFetcher struct {
	client *secretsmanager.Client
}

// NewSecretsManagerFetcher wraps a Secrets Manager client.
func NewSecretsManagerFetcher(client *secretsmanager.Client) *SecretsManagerFetcher {
	return &SecretsManagerFetcher{client: client}
}

// FetchSecret returns the secret string for ref. The value is the catalog
// credential; callers must keep it out of logs and error messages.
func (f *SecretsManagerFetcher) FetchSecret(ctx context.Context, ref string) (string, error) {
	out, err := f.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("fetch secret %s: %w", ref, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", ref)
	}
	return *out.SecretString, nil
}

// StaticSecretFetcher returns a fixed credential. Test helper.
type StaticSecretFetcher string

// FetchSecret implements SecretFetcher.
func (s StaticSecretFetcher) FetchSecret(context.Context, string) (string, error) {
	return string(s), nil
}
