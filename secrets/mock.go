package secrets

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockSecretStore mocks the interfaces.SecretStore interface.
type MockSecretStore struct {
	mock.Mock
}

// Fetch mocks the Fetch method
func (m *MockSecretStore) Fetch(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}
