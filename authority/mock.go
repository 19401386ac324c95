package authority

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// MockAuthority mocks the interfaces.IdentityAuthority interface.
type MockAuthority struct {
	mock.Mock
}

// Issue mocks the Issue method
func (m *MockAuthority) Issue(ctx context.Context, csr string, subject *interfaces.SubjectInfo) (interfaces.IssuedCertificate, error) {
	args := m.Called(ctx, csr, subject)
	return args.Get(0).(interfaces.IssuedCertificate), args.Error(1)
}

// CACertificate mocks the CACertificate method
func (m *MockAuthority) CACertificate(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// MockSelector mocks the interfaces.AuthoritySelector interface.
type MockSelector struct {
	mock.Mock
}

// For mocks the For method
func (m *MockSelector) For(params *interfaces.AuthorityParameters) (interfaces.IdentityAuthority, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.IdentityAuthority), args.Error(1)
}
