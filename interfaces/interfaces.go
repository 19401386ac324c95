package interfaces

import (
	"context"
	"time"
)

// DeviceRegistry is the capability surface over the device registry. Each
// call is independently fallible and not retried at this layer; retries,
// if any, belong to the transport beneath it.
type DeviceRegistry interface {
	// IsEligible reports whether the device is whitelisted for
	// certificate operations. It must be consulted before any mutation.
	IsEligible(ctx context.Context, deviceID DeviceID) (bool, error)

	// RegisterCertificate records a new certificate identity signed by the
	// given CA and returns its handle.
	RegisterCertificate(ctx context.Context, caPEM, certPEM string) (CertificateHandle, error)

	// BindPrincipal attaches the certificate identity to the device.
	BindPrincipal(ctx context.Context, handle CertificateHandle, deviceID DeviceID) error

	// UnbindPrincipal detaches the certificate identity from the device.
	UnbindPrincipal(ctx context.Context, handle CertificateHandle, deviceID DeviceID) error

	// AttachPolicy attaches a named policy to the certificate identity.
	AttachPolicy(ctx context.Context, handle CertificateHandle, policy PolicyName) error

	// DetachPolicy detaches a named policy from the certificate identity.
	DetachPolicy(ctx context.Context, handle CertificateHandle, policy PolicyName) error

	// ListEffectivePolicies returns every policy currently attached to the
	// certificate identity.
	ListEffectivePolicies(ctx context.Context, handle CertificateHandle) ([]PolicyName, error)

	// ListPrincipalsForDevice returns every certificate identity bound to
	// the device.
	ListPrincipalsForDevice(ctx context.Context, deviceID DeviceID) ([]CertificateHandle, error)

	// ListDevicesForPrincipal returns every device still bound to the
	// certificate identity.
	ListDevicesForPrincipal(ctx context.Context, handle CertificateHandle) ([]DeviceID, error)

	// SetCertificateStatus transitions the certificate identity between
	// ACTIVE and INACTIVE.
	SetCertificateStatus(ctx context.Context, handle CertificateHandle, status CertificateStatus) error

	// DeleteCertificate removes the certificate identity from the registry.
	DeleteCertificate(ctx context.Context, handle CertificateHandle) error

	// UpdateDeviceStatus marks the device record as carrying a fresh asset
	// state. Called on every successful operation, never on failure.
	UpdateDeviceStatus(ctx context.Context, deviceID DeviceID) error

	// RemoveFromGroup removes the device from a named group. Group
	// membership tracks outstanding work, not security.
	RemoveFromGroup(ctx context.Context, group string, deviceID DeviceID) error
}

// IdentityAuthority issues certificates for a single, already-resolved
// authority. Implementations are bound to their authority identifier at
// selection time, once per request.
type IdentityAuthority interface {
	// Issue produces a certificate for the CSR. The returned PEM is the
	// canonical bundle handed to the registry.
	Issue(ctx context.Context, csr string, subject *SubjectInfo) (IssuedCertificate, error)

	// CACertificate returns the authority's CA certificate in PEM form.
	CACertificate(ctx context.Context) (string, error)
}

// AuthoritySelector resolves request-level authority parameters into a
// concrete IdentityAuthority, once per request. Absent parameters select
// the configured default backend. An unresolvable alias is a
// request-validation failure (ErrInvalidAlias), not an authority-call
// failure.
type AuthoritySelector interface {
	For(params *AuthorityParameters) (IdentityAuthority, error)
}

// SecretStore fetches secret material blobs by name. Used by the local-key
// authority backend to retrieve CA private keys.
type SecretStore interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// AccessMode selects the HTTP verb a presigned URL grants.
type AccessMode string

const (
	AccessModeGet AccessMode = "GET"
	AccessModePut AccessMode = "PUT"
)

// ArtifactStore is the object store holding staged certificate packages.
type ArtifactStore interface {
	// StagedCertificateID returns the certificate ID recorded in the
	// metadata of the device's staged artifact. A present artifact without
	// the marker yields ErrMissingCertificateID; any other lookup failure
	// yields ErrCertificateNotFound.
	StagedCertificateID(ctx context.Context, deviceID DeviceID) (string, error)

	// PresignURL computes a time-boxed signed URL granting the given
	// access to the device's staged artifact.
	PresignURL(ctx context.Context, deviceID DeviceID, mode AccessMode, expiry time.Duration) (string, error)
}

// ResponseChannel publishes outcomes to a per-device notification topic.
// The publish is fire-and-forget: no acknowledgment is awaited beyond the
// call's own success or failure.
type ResponseChannel interface {
	Publish(ctx context.Context, outcome ResponseOutcome) error
}
