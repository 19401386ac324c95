package authority

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iot/iotiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fleetpki/device-cert-provisioning-backend/cryptoutils"
	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
	"github.com/fleetpki/device-cert-provisioning-backend/secrets"
)

type fakeIoTCA struct {
	iotiface.IoTAPI

	caPEM string
	err   error
}

func (f *fakeIoTCA) DescribeCACertificateWithContext(ctx aws.Context, in *iot.DescribeCACertificateInput, _ ...request.Option) (*iot.DescribeCACertificateOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &iot.DescribeCACertificateOutput{
		CertificateDescription: &iot.CACertificateDescription{
			CertificatePem: aws.String(f.caPEM),
		},
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalAuthorityIssue(t *testing.T) {
	caCert, caKey, err := cryptoutils.CreateTestCA("fleet-ca")
	require.NoError(t, err)

	store := new(secrets.MockSecretStore)
	store.On("Fetch", mock.Anything, "ca/abc/key").Return(string(caKey), nil)

	auth := NewLocalAuthority(&fakeIoTCA{caPEM: string(caCert)}, store, "abc", "ca/{authorityId}/key", 365, testLogger())

	_, csr, err := cryptoutils.CreateCSRWithRandomKey("dev-1")
	require.NoError(t, err)

	issued, err := auth.Issue(context.Background(), string(csr), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", issued.AuthorityID)
	require.NoError(t, cryptoutils.VerifyCertificate([]byte(issued.PEM), caCert, "dev-1"))
	store.AssertExpectations(t)
}

func TestLocalAuthorityIssue_KeyFetchFails(t *testing.T) {
	caCert, _, err := cryptoutils.CreateTestCA("fleet-ca")
	require.NoError(t, err)

	store := new(secrets.MockSecretStore)
	store.On("Fetch", mock.Anything, mock.Anything).Return("", errors.New("parameter unavailable"))

	auth := NewLocalAuthority(&fakeIoTCA{caPEM: string(caCert)}, store, "abc", "ca/{authorityId}/key", 365, testLogger())

	_, csr, err := cryptoutils.CreateCSRWithRandomKey("dev-1")
	require.NoError(t, err)

	_, err = auth.Issue(context.Background(), string(csr), nil)
	assert.ErrorIs(t, err, interfaces.ErrUnableToFetchCAKey)
}

func TestLocalAuthorityIssue_SigningErrorNotRecoded(t *testing.T) {
	caCert, _, err := cryptoutils.CreateTestCA("fleet-ca")
	require.NoError(t, err)

	store := new(secrets.MockSecretStore)
	store.On("Fetch", mock.Anything, mock.Anything).Return("not a key", nil)

	auth := NewLocalAuthority(&fakeIoTCA{caPEM: string(caCert)}, store, "abc", "ca/{authorityId}/key", 365, testLogger())

	_, csr, err := cryptoutils.CreateCSRWithRandomKey("dev-1")
	require.NoError(t, err)

	_, err = auth.Issue(context.Background(), string(csr), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrUnableToFetchCAKey)
	assert.NotErrorIs(t, err, interfaces.ErrUnableToIssueCertificate)
}

func TestLocalAuthorityCACertificate_Unavailable(t *testing.T) {
	store := new(secrets.MockSecretStore)
	auth := NewLocalAuthority(&fakeIoTCA{err: errors.New("registry down")}, store, "abc", "ca/{authorityId}/key", 365, testLogger())

	_, err := auth.CACertificate(context.Background())
	assert.Error(t, err)
}
