package authority

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/service/acmpca/acmpcaiface"
	"github.com/aws/aws-sdk-go/service/iot/iotiface"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// Backend names a certificate-authority backend kind.
type Backend string

const (
	BackendLocal   Backend = "local"
	BackendManaged Backend = "managed"
)

// SelectorConfig is the deployment-level authority configuration.
type SelectorConfig struct {
	// DefaultBackend is used when a request carries no authority
	// parameters.
	DefaultBackend Backend

	// DefaultAuthorityID identifies the default backend's CA: a registered
	// CA certificate ID for the local backend, a CA ARN for the managed
	// one.
	DefaultAuthorityID string

	// Aliases maps the current environment's CA aliases to managed CA
	// ARNs. Alias tables are environment-scoped; the table injected here
	// is already resolved for the running environment.
	Aliases map[string]string

	// SigningAlgorithm is the managed backend's signing algorithm, e.g.
	// SHA256WITHRSA.
	SigningAlgorithm string

	// ValidityDays bounds the lifetime of issued certificates.
	ValidityDays int64

	// KeyNameTemplate locates the local backend's CA private key in the
	// secret store ("{authorityId}" placeholder).
	KeyNameTemplate string

	// Poll bounds the managed backend's issuance poll loop.
	Poll PollConfig
}

// Validate checks the configuration is complete enough to serve requests.
func (c *SelectorConfig) Validate() error {
	switch c.DefaultBackend {
	case BackendLocal, BackendManaged:
	default:
		return fmt.Errorf("unknown default CA backend %q", c.DefaultBackend)
	}
	if c.DefaultAuthorityID == "" {
		return errors.New("default authority ID must be set")
	}
	return nil
}

// Selector resolves per-request authority parameters into a concrete
// backend, chosen once per request. Request-level parameters override the
// configured default; an alias is resolved through the environment's alias
// table and selects the managed backend.
type Selector struct {
	cfg     SelectorConfig
	iot     iotiface.IoTAPI
	pca     acmpcaiface.ACMPCAAPI
	secrets interfaces.SecretStore
	log     *slog.Logger
}

// NewSelector creates an authority selector sharing the given service
// clients across requests.
func NewSelector(cfg SelectorConfig, iotClient iotiface.IoTAPI, pcaClient acmpcaiface.ACMPCAAPI, secrets interfaces.SecretStore, log *slog.Logger) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Selector{cfg: cfg, iot: iotClient, pca: pcaClient, secrets: secrets, log: log}, nil
}

// For returns the authority serving the given request parameters. A nil
// params selects the configured default backend. Present params select the
// managed backend with the explicit authority ID, or with the alias
// resolved through the alias table; an unresolvable selection yields
// ErrInvalidAlias before any authority call.
func (s *Selector) For(params *interfaces.AuthorityParameters) (interfaces.IdentityAuthority, error) {
	if params == nil {
		if s.cfg.DefaultBackend == BackendManaged {
			return s.managed(s.cfg.DefaultAuthorityID), nil
		}
		return s.local(s.cfg.DefaultAuthorityID), nil
	}

	arn := params.AuthorityID
	if arn == "" && params.Alias != "" {
		arn = s.cfg.Aliases[params.Alias]
	}
	if arn == "" {
		return nil, fmt.Errorf("%w: authority parameters resolve to no authority (alias %q)",
			interfaces.ErrInvalidAlias, params.Alias)
	}
	return s.managed(arn), nil
}

func (s *Selector) local(authorityID string) *LocalAuthority {
	return NewLocalAuthority(s.iot, s.secrets, authorityID, s.cfg.KeyNameTemplate, int(s.cfg.ValidityDays), s.log)
}

func (s *Selector) managed(arn string) *ManagedAuthority {
	return NewManagedAuthority(s.pca, arn, s.cfg.SigningAlgorithm, s.cfg.ValidityDays, s.cfg.Poll, s.log)
}
