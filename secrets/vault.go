package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// vaultValueField is the KV field holding the secret blob.
const vaultValueField = "value"

// VaultStore fetches secret material from a HashiCorp Vault KV v2 mount.
// Each secret lives at <basePath>/<name> with its PEM blob under the
// "value" field.
type VaultStore struct {
	client   *vault.Client
	mount    string
	basePath string
	log      *slog.Logger
}

// NewVaultStore creates a Vault-backed secret store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token used for authentication
//   - mount: KV v2 mount path (e.g. "secret")
//   - basePath: path prefix within the mount (e.g. "ca-keys")
//   - log: structured logger
func NewVaultStore(address, token, mount, basePath string, log *slog.Logger) (*VaultStore, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{
		client:   client,
		mount:    strings.TrimSuffix(mount, "/"),
		basePath: strings.Trim(basePath, "/"),
		log:      log,
	}, nil
}

// Fetch retrieves the named secret from the KV v2 mount.
func (s *VaultStore) Fetch(ctx context.Context, name string) (string, error) {
	path := name
	if s.basePath != "" {
		path = s.basePath + "/" + name
	}

	secret, err := s.client.KVv2(s.mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s/%s: %w", s.mount, path, err)
	}

	value, ok := secret.Data[vaultValueField].(string)
	if !ok {
		return "", fmt.Errorf("secret %s/%s has no %q field", s.mount, path, vaultValueField)
	}
	return value, nil
}
