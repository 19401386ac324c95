package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fleetpki/device-cert-provisioning-backend/authority"
	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
	"github.com/fleetpki/device-cert-provisioning-backend/lifecycle"
	"github.com/fleetpki/device-cert-provisioning-backend/notifier"
	"github.com/fleetpki/device-cert-provisioning-backend/registry"
	"github.com/fleetpki/device-cert-provisioning-backend/storage"
)

const (
	testDevice   = interfaces.DeviceID("dev-1")
	testCSR      = "-----BEGIN CERTIFICATE REQUEST-----\nZmFrZQ==\n-----END CERTIFICATE REQUEST-----\n"
	testCertPEM  = "-----BEGIN CERTIFICATE-----\nbGVhZg==\n-----END CERTIFICATE-----\n"
	testCAPEM    = "-----BEGIN CERTIFICATE-----\nY2E=\n-----END CERTIFICATE-----\n"
	pendingGroup = "rotation-pending"
)

var defaultPolicy = interfaces.PolicyName("device-default-policy")

type engineMocks struct {
	registry  *registry.MockDeviceRegistry
	selector  *authority.MockSelector
	authority *authority.MockAuthority
	artifacts *storage.MockArtifactStore
	responses *notifier.MockResponseChannel
	published []interfaces.ResponseOutcome
}

func newTestEngine(t *testing.T, cfg lifecycle.Config) (*lifecycle.Engine, *engineMocks) {
	t.Helper()

	m := &engineMocks{
		registry:  &registry.MockDeviceRegistry{},
		selector:  &authority.MockSelector{},
		authority: &authority.MockAuthority{},
		artifacts: &storage.MockArtifactStore{},
		responses: &notifier.MockResponseChannel{},
	}
	m.responses.On("Publish", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			m.published = append(m.published, args.Get(1).(interfaces.ResponseOutcome))
		}).
		Return(nil)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return lifecycle.New(m.registry, m.selector, m.artifacts, m.responses, cfg, log), m
}

func defaultConfig() lifecycle.Config {
	return lifecycle.Config{
		PendingGroup:               pendingGroup,
		DefaultPolicy:              defaultPolicy,
		DeletePreviousCertificates: true,
		PresignExpiry:              5 * time.Minute,
	}
}

func TestActivateSuccess(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	handle := interfaces.HandleFromID("cert-staged")
	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.artifacts.On("StagedCertificateID", mock.Anything, testDevice).Return("cert-staged", nil)
	m.registry.On("SetCertificateStatus", mock.Anything, handle, interfaces.CertificateStatusActive).Return(nil)
	m.artifacts.On("PresignURL", mock.Anything, testDevice, interfaces.AccessModeGet, 5*time.Minute).
		Return("https://bucket/dev-1/bundle?signed", nil)
	m.registry.On("UpdateDeviceStatus", mock.Anything, testDevice).Return(nil)

	outcome, err := engine.Activate(context.Background(), testDevice)
	require.NoError(t, err)

	assert.Equal(t, interfaces.OutcomeSuccess, outcome.Status)
	assert.Equal(t, "https://bucket/dev-1/bundle?signed", outcome.Payload["location"])
	require.Len(t, m.published, 1)
	assert.Equal(t, outcome, m.published[0])
	m.registry.AssertExpectations(t)
	m.artifacts.AssertExpectations(t)
}

func TestActivateMissingStagedPointer(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.artifacts.On("StagedCertificateID", mock.Anything, testDevice).
		Return("", interfaces.ErrMissingCertificateID)

	_, err := engine.Activate(context.Background(), testDevice)
	require.ErrorIs(t, err, interfaces.ErrMissingCertificateID)

	m.registry.AssertNotCalled(t, "SetCertificateStatus", mock.Anything, mock.Anything, mock.Anything)
	m.registry.AssertNotCalled(t, "UpdateDeviceStatus", mock.Anything, mock.Anything)
	require.Len(t, m.published, 1)
	assert.Equal(t, interfaces.OutcomeFailed, m.published[0].Status)
	assert.Contains(t, m.published[0].Message, "MISSING_CERTIFICATE_ID")
}

func TestOperationsRejectNonWhitelistedDevice(t *testing.T) {
	ops := map[string]func(*lifecycle.Engine) error{
		"activate": func(e *lifecycle.Engine) error {
			_, err := e.Activate(context.Background(), testDevice)
			return err
		},
		"activateWithCsr": func(e *lifecycle.Engine) error {
			_, err := e.ActivateWithCSR(context.Background(), interfaces.DeviceRequest{
				DeviceID: testDevice, CSR: testCSR,
			})
			return err
		},
		"acknowledge": func(e *lifecycle.Engine) error {
			_, err := e.Acknowledge(context.Background(), testDevice, "cert-new", "")
			return err
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			engine, m := newTestEngine(t, defaultConfig())
			m.registry.On("IsEligible", mock.Anything, testDevice).Return(false, nil)

			err := op(engine)
			require.ErrorIs(t, err, interfaces.ErrDeviceNotWhitelisted)

			// Eligibility is the gate: nothing else may have been touched.
			for _, call := range m.registry.Calls {
				assert.Equal(t, "IsEligible", call.Method)
			}
			m.artifacts.AssertNotCalled(t, "StagedCertificateID", mock.Anything, mock.Anything)
			require.Len(t, m.published, 1)
			assert.Equal(t, interfaces.OutcomeFailed, m.published[0].Status)
			assert.Contains(t, m.published[0].Message, "DEVICE_NOT_WHITELISTED")
		})
	}
}

func TestActivateWithCSRIssuesAndBinds(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	handle := interfaces.CertificateHandle{
		Namespace: "arn:aws:iot:eu-west-1:123456789012:cert",
		ID:        "cert-123",
	}
	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.selector.On("For", (*interfaces.AuthorityParameters)(nil)).Return(m.authority, nil)
	m.authority.On("CACertificate", mock.Anything).Return(testCAPEM, nil)
	m.authority.On("Issue", mock.Anything, testCSR, (*interfaces.SubjectInfo)(nil)).
		Return(interfaces.IssuedCertificate{PEM: testCertPEM, AuthorityID: "auth-1"}, nil)
	m.registry.On("RegisterCertificate", mock.Anything, testCAPEM, testCertPEM).Return(handle, nil)
	m.registry.On("BindPrincipal", mock.Anything, handle, testDevice).Return(nil)
	m.registry.On("AttachPolicy", mock.Anything, handle, defaultPolicy).Return(nil)
	m.registry.On("UpdateDeviceStatus", mock.Anything, testDevice).Return(nil)

	outcome, err := engine.ActivateWithCSR(context.Background(), interfaces.DeviceRequest{
		DeviceID: testDevice,
		CSR:      testCSR,
	})
	require.NoError(t, err)

	assert.Equal(t, interfaces.OutcomeSuccess, outcome.Status)
	assert.Equal(t, testCertPEM, outcome.Payload["certificate"])
	assert.Equal(t, "cert-123", outcome.Payload["certificateId"])
	m.registry.AssertExpectations(t)
	m.authority.AssertExpectations(t)
}

func TestActivateWithCSRInheritsPreviousPolicies(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	handle := interfaces.HandleFromID("cert-new")
	previous := interfaces.HandleFromID("cert-old")
	inherited := []interfaces.PolicyName{"telemetry", "shadow-rw", "jobs"}

	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.selector.On("For", (*interfaces.AuthorityParameters)(nil)).Return(m.authority, nil)
	m.authority.On("CACertificate", mock.Anything).Return(testCAPEM, nil)
	m.authority.On("Issue", mock.Anything, testCSR, (*interfaces.SubjectInfo)(nil)).
		Return(interfaces.IssuedCertificate{PEM: testCertPEM}, nil)
	m.registry.On("RegisterCertificate", mock.Anything, testCAPEM, testCertPEM).Return(handle, nil)
	m.registry.On("BindPrincipal", mock.Anything, handle, testDevice).Return(nil)
	m.registry.On("ListEffectivePolicies", mock.Anything, previous).Return(inherited, nil)
	for _, policy := range inherited {
		m.registry.On("AttachPolicy", mock.Anything, handle, policy).Return(nil)
	}
	m.registry.On("UpdateDeviceStatus", mock.Anything, testDevice).Return(nil)

	_, err := engine.ActivateWithCSR(context.Background(), interfaces.DeviceRequest{
		DeviceID:              testDevice,
		CSR:                   testCSR,
		PreviousCertificateID: "cert-old",
	})
	require.NoError(t, err)

	// The new certificate carries exactly the inherited set, never the
	// default on top of it.
	var attached []interfaces.PolicyName
	for _, call := range m.registry.Calls {
		if call.Method == "AttachPolicy" {
			attached = append(attached, call.Arguments.Get(2).(interfaces.PolicyName))
		}
	}
	assert.ElementsMatch(t, inherited, attached)
	m.registry.AssertNotCalled(t, "AttachPolicy", mock.Anything, handle, defaultPolicy)
}

func TestActivateWithCSRForceDefaultOverridesInheritance(t *testing.T) {
	cfg := defaultConfig()
	cfg.ForceDefaultPolicy = true
	engine, m := newTestEngine(t, cfg)

	handle := interfaces.HandleFromID("cert-new")
	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.selector.On("For", (*interfaces.AuthorityParameters)(nil)).Return(m.authority, nil)
	m.authority.On("CACertificate", mock.Anything).Return(testCAPEM, nil)
	m.authority.On("Issue", mock.Anything, testCSR, (*interfaces.SubjectInfo)(nil)).
		Return(interfaces.IssuedCertificate{PEM: testCertPEM}, nil)
	m.registry.On("RegisterCertificate", mock.Anything, testCAPEM, testCertPEM).Return(handle, nil)
	m.registry.On("BindPrincipal", mock.Anything, handle, testDevice).Return(nil)
	m.registry.On("AttachPolicy", mock.Anything, handle, defaultPolicy).Return(nil)
	m.registry.On("UpdateDeviceStatus", mock.Anything, testDevice).Return(nil)

	_, err := engine.ActivateWithCSR(context.Background(), interfaces.DeviceRequest{
		DeviceID:              testDevice,
		CSR:                   testCSR,
		PreviousCertificateID: "cert-old",
	})
	require.NoError(t, err)

	m.registry.AssertNotCalled(t, "ListEffectivePolicies", mock.Anything, mock.Anything)
	m.registry.AssertExpectations(t)
}

func TestActivateWithCSREmptyInheritanceFallsBackToDefault(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	handle := interfaces.HandleFromID("cert-new")
	previous := interfaces.HandleFromID("cert-old")
	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.selector.On("For", (*interfaces.AuthorityParameters)(nil)).Return(m.authority, nil)
	m.authority.On("CACertificate", mock.Anything).Return(testCAPEM, nil)
	m.authority.On("Issue", mock.Anything, testCSR, (*interfaces.SubjectInfo)(nil)).
		Return(interfaces.IssuedCertificate{PEM: testCertPEM}, nil)
	m.registry.On("RegisterCertificate", mock.Anything, testCAPEM, testCertPEM).Return(handle, nil)
	m.registry.On("BindPrincipal", mock.Anything, handle, testDevice).Return(nil)
	m.registry.On("ListEffectivePolicies", mock.Anything, previous).
		Return([]interfaces.PolicyName{}, nil)
	m.registry.On("AttachPolicy", mock.Anything, handle, defaultPolicy).Return(nil)
	m.registry.On("UpdateDeviceStatus", mock.Anything, testDevice).Return(nil)

	_, err := engine.ActivateWithCSR(context.Background(), interfaces.DeviceRequest{
		DeviceID:              testDevice,
		CSR:                   testCSR,
		PreviousCertificateID: "cert-old",
	})
	require.NoError(t, err)
	m.registry.AssertExpectations(t)
}

func TestActivateWithCSRAttachFailureAborts(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	handle := interfaces.HandleFromID("cert-new")
	previous := interfaces.HandleFromID("cert-old")
	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.selector.On("For", (*interfaces.AuthorityParameters)(nil)).Return(m.authority, nil)
	m.authority.On("CACertificate", mock.Anything).Return(testCAPEM, nil)
	m.authority.On("Issue", mock.Anything, testCSR, (*interfaces.SubjectInfo)(nil)).
		Return(interfaces.IssuedCertificate{PEM: testCertPEM}, nil)
	m.registry.On("RegisterCertificate", mock.Anything, testCAPEM, testCertPEM).Return(handle, nil)
	m.registry.On("BindPrincipal", mock.Anything, handle, testDevice).Return(nil)
	m.registry.On("ListEffectivePolicies", mock.Anything, previous).
		Return([]interfaces.PolicyName{"telemetry", "shadow-rw"}, nil)
	m.registry.On("AttachPolicy", mock.Anything, handle, interfaces.PolicyName("telemetry")).
		Return(errors.New("throttled"))

	_, err := engine.ActivateWithCSR(context.Background(), interfaces.DeviceRequest{
		DeviceID:              testDevice,
		CSR:                   testCSR,
		PreviousCertificateID: "cert-old",
	})
	require.ErrorIs(t, err, interfaces.ErrUnableToAttachPolicy)

	m.registry.AssertNotCalled(t, "AttachPolicy", mock.Anything, handle, interfaces.PolicyName("shadow-rw"))
	m.registry.AssertNotCalled(t, "UpdateDeviceStatus", mock.Anything, mock.Anything)
	require.Len(t, m.published, 1)
	assert.Equal(t, interfaces.OutcomeFailed, m.published[0].Status)
}

func TestActivateWithCSRRejectsEmptyCSR(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	_, err := engine.ActivateWithCSR(context.Background(), interfaces.DeviceRequest{
		DeviceID: testDevice,
	})
	require.Error(t, err)

	m.registry.AssertNotCalled(t, "IsEligible", mock.Anything, mock.Anything)
	require.Len(t, m.published, 1)
	assert.Equal(t, interfaces.OutcomeFailed, m.published[0].Status)
}

func TestAcknowledgeCleansUpSupersededCertificates(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	current := interfaces.HandleFromID("cert-current")
	orphan := interfaces.HandleFromID("cert-orphan")
	shared := interfaces.HandleFromID("cert-shared")

	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.registry.On("RemoveFromGroup", mock.Anything, pendingGroup, testDevice).Return(nil)
	m.registry.On("ListPrincipalsForDevice", mock.Anything, testDevice).
		Return([]interfaces.CertificateHandle{current, orphan, shared}, nil)

	// The orphan is fully decommissioned.
	m.registry.On("UnbindPrincipal", mock.Anything, orphan, testDevice).Return(nil)
	m.registry.On("ListDevicesForPrincipal", mock.Anything, orphan).
		Return([]interfaces.DeviceID{}, nil)
	m.registry.On("ListEffectivePolicies", mock.Anything, orphan).
		Return([]interfaces.PolicyName{"telemetry", "jobs"}, nil)
	m.registry.On("DetachPolicy", mock.Anything, orphan, interfaces.PolicyName("telemetry")).Return(nil)
	m.registry.On("DetachPolicy", mock.Anything, orphan, interfaces.PolicyName("jobs")).Return(nil)
	m.registry.On("SetCertificateStatus", mock.Anything, orphan, interfaces.CertificateStatusInactive).Return(nil)
	m.registry.On("DeleteCertificate", mock.Anything, orphan).Return(nil)

	// The shared certificate is only unbound from this device.
	m.registry.On("UnbindPrincipal", mock.Anything, shared, testDevice).Return(nil)
	m.registry.On("ListDevicesForPrincipal", mock.Anything, shared).
		Return([]interfaces.DeviceID{"dev-2"}, nil)

	outcome, err := engine.Acknowledge(context.Background(), testDevice, "cert-current", "")
	require.NoError(t, err)

	assert.Equal(t, interfaces.OutcomeSuccess, outcome.Status)
	assert.Equal(t, "OK", outcome.Message)

	// The active certificate is exempt from every cleanup step.
	m.registry.AssertNotCalled(t, "UnbindPrincipal", mock.Anything, current, mock.Anything)
	m.registry.AssertNotCalled(t, "DeleteCertificate", mock.Anything, current)
	m.registry.AssertNotCalled(t, "DeleteCertificate", mock.Anything, shared)
	m.registry.AssertExpectations(t)
}

func TestAcknowledgeTargetsNamedPreviousCertificate(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	current := interfaces.HandleFromID("cert-current")
	named := interfaces.HandleFromID("cert-previous")
	other := interfaces.HandleFromID("cert-other")

	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.registry.On("RemoveFromGroup", mock.Anything, pendingGroup, testDevice).Return(nil)
	m.registry.On("ListPrincipalsForDevice", mock.Anything, testDevice).
		Return([]interfaces.CertificateHandle{current, named, other}, nil)
	m.registry.On("UnbindPrincipal", mock.Anything, named, testDevice).Return(nil)
	m.registry.On("ListDevicesForPrincipal", mock.Anything, named).
		Return([]interfaces.DeviceID{}, nil)
	m.registry.On("ListEffectivePolicies", mock.Anything, named).
		Return([]interfaces.PolicyName{}, nil)
	m.registry.On("SetCertificateStatus", mock.Anything, named, interfaces.CertificateStatusInactive).Return(nil)
	m.registry.On("DeleteCertificate", mock.Anything, named).Return(nil)

	_, err := engine.Acknowledge(context.Background(), testDevice, "cert-current", "cert-previous")
	require.NoError(t, err)

	m.registry.AssertNotCalled(t, "UnbindPrincipal", mock.Anything, other, mock.Anything)
	m.registry.AssertExpectations(t)
}

func TestAcknowledgeWithCleanupDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.DeletePreviousCertificates = false
	engine, m := newTestEngine(t, cfg)

	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.registry.On("RemoveFromGroup", mock.Anything, pendingGroup, testDevice).Return(nil)

	_, err := engine.Acknowledge(context.Background(), testDevice, "cert-current", "")
	require.NoError(t, err)

	m.registry.AssertNotCalled(t, "ListPrincipalsForDevice", mock.Anything, mock.Anything)
	m.registry.AssertExpectations(t)
}

func TestAcknowledgeCleanupFailureIsReported(t *testing.T) {
	engine, m := newTestEngine(t, defaultConfig())

	stale := interfaces.HandleFromID("cert-stale")
	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.registry.On("RemoveFromGroup", mock.Anything, pendingGroup, testDevice).Return(nil)
	m.registry.On("ListPrincipalsForDevice", mock.Anything, testDevice).
		Return([]interfaces.CertificateHandle{stale}, nil)
	m.registry.On("UnbindPrincipal", mock.Anything, stale, testDevice).
		Return(errors.New("transient"))

	_, err := engine.Acknowledge(context.Background(), testDevice, "cert-current", "")
	require.ErrorIs(t, err, interfaces.ErrUnableToCleanupCertificates)
	require.Len(t, m.published, 1)
	assert.Equal(t, interfaces.OutcomeFailed, m.published[0].Status)
	assert.Contains(t, m.published[0].Message, "UNABLE_TO_CLEANUP_CERTIFICATES")
}

func TestSuccessPublishFailureSurfaces(t *testing.T) {
	m := &engineMocks{
		registry:  &registry.MockDeviceRegistry{},
		selector:  &authority.MockSelector{},
		authority: &authority.MockAuthority{},
		artifacts: &storage.MockArtifactStore{},
		responses: &notifier.MockResponseChannel{},
	}
	m.responses.On("Publish", mock.Anything, mock.Anything).Return(errors.New("topic unreachable"))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := lifecycle.New(m.registry, m.selector, m.artifacts, m.responses, defaultConfig(), log)

	m.registry.On("IsEligible", mock.Anything, testDevice).Return(true, nil)
	m.registry.On("RemoveFromGroup", mock.Anything, pendingGroup, testDevice).Return(nil)
	m.registry.On("ListPrincipalsForDevice", mock.Anything, testDevice).
		Return([]interfaces.CertificateHandle{}, nil)

	outcome, err := engine.Acknowledge(context.Background(), testDevice, "cert-current", "")
	require.Error(t, err)
	// The operation itself completed; only the notification is lost.
	assert.Equal(t, interfaces.OutcomeSuccess, outcome.Status)
	m.responses.AssertNumberOfCalls(t, "Publish", 1)
}
