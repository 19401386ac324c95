package registry

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// MockDeviceRegistry mocks the interfaces.DeviceRegistry interface.
type MockDeviceRegistry struct {
	mock.Mock
}

// IsEligible mocks the IsEligible method
func (m *MockDeviceRegistry) IsEligible(ctx context.Context, deviceID interfaces.DeviceID) (bool, error) {
	args := m.Called(ctx, deviceID)
	return args.Bool(0), args.Error(1)
}

// RegisterCertificate mocks the RegisterCertificate method
func (m *MockDeviceRegistry) RegisterCertificate(ctx context.Context, caPEM, certPEM string) (interfaces.CertificateHandle, error) {
	args := m.Called(ctx, caPEM, certPEM)
	return args.Get(0).(interfaces.CertificateHandle), args.Error(1)
}

// BindPrincipal mocks the BindPrincipal method
func (m *MockDeviceRegistry) BindPrincipal(ctx context.Context, handle interfaces.CertificateHandle, deviceID interfaces.DeviceID) error {
	args := m.Called(ctx, handle, deviceID)
	return args.Error(0)
}

// UnbindPrincipal mocks the UnbindPrincipal method
func (m *MockDeviceRegistry) UnbindPrincipal(ctx context.Context, handle interfaces.CertificateHandle, deviceID interfaces.DeviceID) error {
	args := m.Called(ctx, handle, deviceID)
	return args.Error(0)
}

// AttachPolicy mocks the AttachPolicy method
func (m *MockDeviceRegistry) AttachPolicy(ctx context.Context, handle interfaces.CertificateHandle, policy interfaces.PolicyName) error {
	args := m.Called(ctx, handle, policy)
	return args.Error(0)
}

// DetachPolicy mocks the DetachPolicy method
func (m *MockDeviceRegistry) DetachPolicy(ctx context.Context, handle interfaces.CertificateHandle, policy interfaces.PolicyName) error {
	args := m.Called(ctx, handle, policy)
	return args.Error(0)
}

// ListEffectivePolicies mocks the ListEffectivePolicies method
func (m *MockDeviceRegistry) ListEffectivePolicies(ctx context.Context, handle interfaces.CertificateHandle) ([]interfaces.PolicyName, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).([]interfaces.PolicyName), args.Error(1)
}

// ListPrincipalsForDevice mocks the ListPrincipalsForDevice method
func (m *MockDeviceRegistry) ListPrincipalsForDevice(ctx context.Context, deviceID interfaces.DeviceID) ([]interfaces.CertificateHandle, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).([]interfaces.CertificateHandle), args.Error(1)
}

// ListDevicesForPrincipal mocks the ListDevicesForPrincipal method
func (m *MockDeviceRegistry) ListDevicesForPrincipal(ctx context.Context, handle interfaces.CertificateHandle) ([]interfaces.DeviceID, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).([]interfaces.DeviceID), args.Error(1)
}

// SetCertificateStatus mocks the SetCertificateStatus method
func (m *MockDeviceRegistry) SetCertificateStatus(ctx context.Context, handle interfaces.CertificateHandle, status interfaces.CertificateStatus) error {
	args := m.Called(ctx, handle, status)
	return args.Error(0)
}

// DeleteCertificate mocks the DeleteCertificate method
func (m *MockDeviceRegistry) DeleteCertificate(ctx context.Context, handle interfaces.CertificateHandle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

// UpdateDeviceStatus mocks the UpdateDeviceStatus method
func (m *MockDeviceRegistry) UpdateDeviceStatus(ctx context.Context, deviceID interfaces.DeviceID) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

// RemoveFromGroup mocks the RemoveFromGroup method
func (m *MockDeviceRegistry) RemoveFromGroup(ctx context.Context, group string, deviceID interfaces.DeviceID) error {
	args := m.Called(ctx, group, deviceID)
	return args.Error(0)
}
