package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// MockArtifactStore mocks the interfaces.ArtifactStore interface.
type MockArtifactStore struct {
	mock.Mock
}

// StagedCertificateID mocks the StagedCertificateID method
func (m *MockArtifactStore) StagedCertificateID(ctx context.Context, deviceID interfaces.DeviceID) (string, error) {
	args := m.Called(ctx, deviceID)
	return args.String(0), args.Error(1)
}

// PresignURL mocks the PresignURL method
func (m *MockArtifactStore) PresignURL(ctx context.Context, deviceID interfaces.DeviceID, mode interfaces.AccessMode, expiry time.Duration) (string, error) {
	args := m.Called(ctx, deviceID, mode, expiry)
	return args.String(0), args.Error(1)
}
