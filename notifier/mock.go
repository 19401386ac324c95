package notifier

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// MockResponseChannel mocks the interfaces.ResponseChannel interface.
type MockResponseChannel struct {
	mock.Mock
}

// Publish mocks the Publish method
func (m *MockResponseChannel) Publish(ctx context.Context, outcome interfaces.ResponseOutcome) error {
	args := m.Called(ctx, outcome)
	return args.Error(0)
}
