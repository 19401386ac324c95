package secrets

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// Factory creates secret stores from location URIs.
type Factory struct {
	sess       *session.Session
	vaultToken string
	log        *slog.Logger
}

// NewFactory creates a secret store factory. The AWS session is used for
// SSM-backed stores; the Vault token for Vault-backed ones.
func NewFactory(sess *session.Session, vaultToken string, log *slog.Logger) *Factory {
	return &Factory{sess: sess, vaultToken: vaultToken, log: log}
}

// StoreFor creates a secret store from a location URI.
//
// Supported schemes:
//   - ssm:// - AWS SSM Parameter Store (no host or path needed)
//   - vault://host[:port]/mount[/basePath] - HashiCorp Vault KV v2.
//     The scheme maps to https; use vault+http:// for plaintext
//     development servers.
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) StoreFor(locationURI string) (interfaces.SecretStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid secret store URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ssm":
		return NewSSMStore(ssm.New(f.sess), f.log), nil
	case "vault", "vault+http":
		return f.createVaultStore(u)
	default:
		return nil, fmt.Errorf("unsupported secret store scheme: %s", u.Scheme)
	}
}

func (f *Factory) createVaultStore(u *url.URL) (interfaces.SecretStore, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("vault URI %q has no host", u.String())
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("vault URI %q has no mount path", u.String())
	}
	mount := parts[0]
	basePath := ""
	if len(parts) == 2 {
		basePath = parts[1]
	}

	scheme := "https"
	if u.Scheme == "vault+http" {
		scheme = "http"
	}
	return NewVaultStore(scheme+"://"+u.Host, f.vaultToken, mount, basePath, f.log)
}
