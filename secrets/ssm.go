// Package secrets provides secret-material stores used by the local-key
// certificate authority backend. Two backends are supported: AWS SSM
// Parameter Store and HashiCorp Vault KV v2, selected by location URI.
package secrets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
)

// SSMStore fetches secret parameters from AWS SSM Parameter Store.
// Parameters are expected to be SecureString values holding PEM blobs.
type SSMStore struct {
	ssm ssmiface.SSMAPI
	log *slog.Logger
}

// NewSSMStore creates a parameter store backed secret store.
func NewSSMStore(client ssmiface.SSMAPI, log *slog.Logger) *SSMStore {
	return &SSMStore{ssm: client, log: log}
}

// Fetch retrieves and decrypts the named parameter.
func (s *SSMStore) Fetch(ctx context.Context, name string) (string, error) {
	out, err := s.ssm.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return aws.StringValue(out.Parameter.Value), nil
}
