// Package lifecycle implements the certificate issuance-and-rotation
// state machine. The engine drives three public operations over its
// collaborators (device registry, identity authority, artifact store,
// response channel), each as an ordered fail-fast pipeline with a single
// failure boundary: the first failing step is converted into a FAILED
// outcome, published, and re-raised to the caller.
//
// The engine assumes at most one in-flight operation per device ID; it
// holds no shared mutable state across concurrent invocations for
// different devices. Per-device serialization is the caller's
// responsibility.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// Config is the deployment-level behavior of the engine.
type Config struct {
	// PendingGroup is the registry group tracking devices with an
	// outstanding rotation.
	PendingGroup string

	// DefaultPolicy is attached when no previous certificate's policies
	// are inherited.
	DefaultPolicy interfaces.PolicyName

	// ForceDefaultPolicy disables policy inheritance even when a previous
	// certificate is named. Downgrading to the default is safer than
	// over-granting inherited policies.
	ForceDefaultPolicy bool

	// DeletePreviousCertificates enables cleanup of superseded
	// certificates during Acknowledge.
	DeletePreviousCertificates bool

	// PresignExpiry bounds the lifetime of signed artifact URLs.
	PresignExpiry time.Duration
}

// Engine orchestrates the certificate lifecycle operations.
type Engine struct {
	registry  interfaces.DeviceRegistry
	selector  interfaces.AuthoritySelector
	artifacts interfaces.ArtifactStore
	responses interfaces.ResponseChannel
	cfg       Config
	log       *slog.Logger
}

// New creates a lifecycle engine. Collaborators are constructed once at
// process start and shared by reference.
func New(registry interfaces.DeviceRegistry, selector interfaces.AuthoritySelector, artifacts interfaces.ArtifactStore, responses interfaces.ResponseChannel, cfg Config, log *slog.Logger) *Engine {
	return &Engine{
		registry:  registry,
		selector:  selector,
		artifacts: artifacts,
		responses: responses,
		cfg:       cfg,
		log:       log,
	}
}

// step is one fallible stage of an operation pipeline.
type step struct {
	name string
	run  func(ctx context.Context) error
}

// run executes the steps in order, short-circuiting on the first error.
// The failing step's error is published as a FAILED outcome and returned,
// so failures are observable both on the response channel and through the
// synchronous call result.
func (e *Engine) run(ctx context.Context, deviceID interfaces.DeviceID, steps []step) (interfaces.ResponseOutcome, error) {
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			e.log.Error("Lifecycle step failed",
				"deviceId", deviceID.String(), "step", s.name, "err", err)

			outcome := interfaces.FailureOutcome(deviceID, err)
			if pubErr := e.responses.Publish(ctx, outcome); pubErr != nil {
				e.log.Error("Failed to publish failure outcome",
					"deviceId", deviceID.String(), "err", pubErr)
			}
			return outcome, err
		}
	}
	return interfaces.ResponseOutcome{}, nil
}

// publishSuccess publishes the operation's terminal SUCCESS outcome. The
// outcome is write-once: if the publish itself fails no failure outcome
// is emitted, the error is only surfaced to the caller.
func (e *Engine) publishSuccess(ctx context.Context, outcome interfaces.ResponseOutcome) (interfaces.ResponseOutcome, error) {
	if err := e.responses.Publish(ctx, outcome); err != nil {
		return outcome, fmt.Errorf("publish success outcome for %s: %w", outcome.DeviceID, err)
	}
	return outcome, nil
}

// checkEligibility short-circuits operations for devices the registry
// does not whitelist, before any other side effect.
func (e *Engine) checkEligibility(ctx context.Context, deviceID interfaces.DeviceID) error {
	eligible, err := e.registry.IsEligible(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("%w: eligibility check failed: %v", interfaces.ErrForbidden, err)
	}
	if !eligible {
		return fmt.Errorf("%w: device %s is not whitelisted", interfaces.ErrDeviceNotWhitelisted, deviceID)
	}
	return nil
}

// Activate turns on the certificate already staged for the device and
// hands back a time-boxed URL to the staged artifact.
func (e *Engine) Activate(ctx context.Context, deviceID interfaces.DeviceID) (interfaces.ResponseOutcome, error) {
	var (
		certificateID string
		location      string
	)

	outcome, err := e.run(ctx, deviceID, []step{
		{"validate", func(ctx context.Context) error {
			return deviceID.Validate()
		}},
		{"eligibility", func(ctx context.Context) error {
			return e.checkEligibility(ctx, deviceID)
		}},
		{"resolve staged certificate", func(ctx context.Context) (err error) {
			certificateID, err = e.artifacts.StagedCertificateID(ctx, deviceID)
			return err
		}},
		{"activate certificate", func(ctx context.Context) error {
			handle := interfaces.HandleFromID(certificateID)
			if err := e.registry.SetCertificateStatus(ctx, handle, interfaces.CertificateStatusActive); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToActivateCertificate, err)
			}
			return nil
		}},
		{"presign artifact", func(ctx context.Context) (err error) {
			location, err = e.artifacts.PresignURL(ctx, deviceID, interfaces.AccessModeGet, e.cfg.PresignExpiry)
			if err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToPresignURL, err)
			}
			return nil
		}},
		{"update device status", func(ctx context.Context) error {
			if err := e.registry.UpdateDeviceStatus(ctx, deviceID); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToUpdateDevice, err)
			}
			return nil
		}},
	})
	if err != nil {
		return outcome, err
	}

	return e.publishSuccess(ctx, interfaces.SuccessOutcome(deviceID, map[string]string{
		"location": location,
	}))
}

// ActivateWithCSR issues a fresh certificate for the device's CSR, binds
// it in the registry, attaches authorization policy, and reports the new
// certificate back.
func (e *Engine) ActivateWithCSR(ctx context.Context, req interfaces.DeviceRequest) (interfaces.ResponseOutcome, error) {
	var (
		auth   interfaces.IdentityAuthority
		caPEM  string
		issued interfaces.IssuedCertificate
		handle interfaces.CertificateHandle
	)

	outcome, err := e.run(ctx, req.DeviceID, []step{
		{"validate", func(ctx context.Context) error {
			if err := req.DeviceID.Validate(); err != nil {
				return err
			}
			if req.CSR == "" {
				return errors.New("csr must not be empty")
			}
			return nil
		}},
		{"eligibility", func(ctx context.Context) error {
			return e.checkEligibility(ctx, req.DeviceID)
		}},
		{"select authority", func(ctx context.Context) (err error) {
			auth, err = e.selector.For(req.Authority)
			return err
		}},
		{"fetch CA certificate", func(ctx context.Context) (err error) {
			caPEM, err = auth.CACertificate(ctx)
			if err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToGetCACertificate, err)
			}
			return nil
		}},
		{"issue certificate", func(ctx context.Context) (err error) {
			issued, err = auth.Issue(ctx, req.CSR, subjectOf(req.Authority))
			if err != nil {
				return err
			}
			issued.DeviceID = req.DeviceID
			return nil
		}},
		{"register certificate", func(ctx context.Context) (err error) {
			handle, err = e.registry.RegisterCertificate(ctx, caPEM, issued.PEM)
			if err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToRegisterCertificate, err)
			}
			return nil
		}},
		{"bind principal", func(ctx context.Context) error {
			if err := e.registry.BindPrincipal(ctx, handle, req.DeviceID); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToAttachCertificate, err)
			}
			return nil
		}},
		{"attach policies", func(ctx context.Context) error {
			return e.attachPolicies(ctx, handle, req.PreviousCertificateID)
		}},
		{"update device status", func(ctx context.Context) error {
			if err := e.registry.UpdateDeviceStatus(ctx, req.DeviceID); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToUpdateDevice, err)
			}
			return nil
		}},
	})
	if err != nil {
		return outcome, err
	}

	return e.publishSuccess(ctx, interfaces.SuccessOutcome(req.DeviceID, map[string]string{
		"certificate":   issued.PEM,
		"certificateId": handle.ID,
	}))
}

// attachPolicies decides the policy source exactly once per issuance:
// either the full effective-policy set of the previous certificate, or
// the single configured default. The force-default flag overrides
// inheritance. Attaches run sequentially; the first failure aborts the
// remaining ones.
func (e *Engine) attachPolicies(ctx context.Context, handle interfaces.CertificateHandle, previousCertificateID string) error {
	if previousCertificateID != "" && !e.cfg.ForceDefaultPolicy {
		previous := interfaces.HandleFromID(previousCertificateID)
		inherited, err := e.registry.ListEffectivePolicies(ctx, previous)
		if err != nil {
			return fmt.Errorf("%w: list policies of previous certificate %s: %v",
				interfaces.ErrUnableToAttachPolicy, previousCertificateID, err)
		}
		if len(inherited) > 0 {
			for _, policy := range inherited {
				if err := e.registry.AttachPolicy(ctx, handle, policy); err != nil {
					return fmt.Errorf("%w: %v", interfaces.ErrUnableToAttachPolicy, err)
				}
			}
			return nil
		}
		// Previous certificate carries no policies, fall through to the
		// default so the new identity is never left unauthorized.
	}

	if err := e.registry.AttachPolicy(ctx, handle, e.cfg.DefaultPolicy); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUnableToAttachPolicy, err)
	}
	return nil
}

// Acknowledge records that the device has taken its rotated certificate
// into use: the device leaves the pending-work group and, when the
// deployment is configured for it, superseded certificates are cleaned
// up.
func (e *Engine) Acknowledge(ctx context.Context, deviceID interfaces.DeviceID, certificateID, previousCertificateID string) (interfaces.ResponseOutcome, error) {
	outcome, err := e.run(ctx, deviceID, []step{
		{"validate", func(ctx context.Context) error {
			if err := deviceID.Validate(); err != nil {
				return err
			}
			if certificateID == "" {
				return errors.New("certificateId must not be empty")
			}
			return nil
		}},
		{"eligibility", func(ctx context.Context) error {
			return e.checkEligibility(ctx, deviceID)
		}},
		{"leave pending group", func(ctx context.Context) error {
			if err := e.registry.RemoveFromGroup(ctx, e.cfg.PendingGroup, deviceID); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToUpdateGroup, err)
			}
			return nil
		}},
		{"cleanup previous certificates", func(ctx context.Context) error {
			if !e.cfg.DeletePreviousCertificates {
				return nil
			}
			if err := e.cleanupPrevious(ctx, deviceID, certificateID, previousCertificateID); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrUnableToCleanupCertificates, err)
			}
			return nil
		}},
	})
	if err != nil {
		return outcome, err
	}

	success := interfaces.SuccessOutcome(deviceID, nil)
	success.Message = "OK"
	return e.publishSuccess(ctx, success)
}

// cleanupPrevious decommissions the device's superseded certificates.
// For every principal bound to the device, except the currently active
// certificate and, when a previous certificate is named, everything but
// that one:
//
//  1. unbind the principal from the device;
//  2. only if no device remains bound to it, detach its policies, mark
//     it INACTIVE, and delete it.
//
// Unbind-before-delete and delete-only-if-orphaned are the safety
// invariant: a certificate shared across devices is never deleted while
// any device still references it, and the live certificate is exempt
// regardless of sharing. Steps run sequentially and fail fast; a partial
// cleanup is safe and can be finished by a later pass.
func (e *Engine) cleanupPrevious(ctx context.Context, deviceID interfaces.DeviceID, certificateID, previousCertificateID string) error {
	principals, err := e.registry.ListPrincipalsForDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("list principals: %w", err)
	}

	for _, principal := range principals {
		if principal.ID == certificateID {
			continue
		}
		if previousCertificateID != "" && principal.ID != previousCertificateID {
			continue
		}

		if err := e.registry.UnbindPrincipal(ctx, principal, deviceID); err != nil {
			return fmt.Errorf("unbind %s: %w", principal.ID, err)
		}

		remaining, err := e.registry.ListDevicesForPrincipal(ctx, principal)
		if err != nil {
			return fmt.Errorf("list devices of %s: %w", principal.ID, err)
		}
		if len(remaining) > 0 {
			e.log.Debug("Certificate still referenced, skipping delete",
				"certificateId", principal.ID, "devices", len(remaining))
			continue
		}

		policies, err := e.registry.ListEffectivePolicies(ctx, principal)
		if err != nil {
			return fmt.Errorf("list policies of %s: %w", principal.ID, err)
		}
		for _, policy := range policies {
			if err := e.registry.DetachPolicy(ctx, principal, policy); err != nil {
				return fmt.Errorf("detach %s from %s: %w", policy, principal.ID, err)
			}
		}

		if err := e.registry.SetCertificateStatus(ctx, principal, interfaces.CertificateStatusInactive); err != nil {
			return fmt.Errorf("deactivate %s: %w", principal.ID, err)
		}
		if err := e.registry.DeleteCertificate(ctx, principal); err != nil {
			return fmt.Errorf("delete %s: %w", principal.ID, err)
		}
		e.log.Info("Deleted superseded certificate",
			"deviceId", deviceID.String(), "certificateId", principal.ID)
	}
	return nil
}

func subjectOf(params *interfaces.AuthorityParameters) *interfaces.SubjectInfo {
	if params == nil {
		return nil
	}
	return params.Subject
}
