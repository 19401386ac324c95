// Package authority implements the identity authority adapter: a uniform
// issuance interface over two interchangeable certificate-authority
// backends. The local backend signs in-process with a CA key fetched from
// a secret store; the managed backend drives an ACM Private CA, which
// issues asynchronously and is polled to completion.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iot/iotiface"

	"github.com/fleetpki/device-cert-provisioning-backend/cryptoutils"
	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// authorityIDPlaceholder is substituted with the authority ID in the
// configured secret name template.
const authorityIDPlaceholder = "{authorityId}"

// LocalAuthority issues certificates by signing CSRs in-process with a CA
// private key held in a secret store. The CA certificate itself is the one
// registered with the device registry under the authority ID.
type LocalAuthority struct {
	iot         iotiface.IoTAPI
	secrets     interfaces.SecretStore
	authorityID string
	keyTemplate string
	validity    int
	log         *slog.Logger
}

// NewLocalAuthority creates a local-key authority bound to the given
// registered CA certificate ID. keyTemplate locates the CA private key in
// the secret store; the "{authorityId}" placeholder is replaced with the
// authority ID.
func NewLocalAuthority(client iotiface.IoTAPI, secrets interfaces.SecretStore, authorityID, keyTemplate string, validityDays int, log *slog.Logger) *LocalAuthority {
	return &LocalAuthority{
		iot:         client,
		secrets:     secrets,
		authorityID: authorityID,
		keyTemplate: keyTemplate,
		validity:    validityDays,
		log:         log,
	}
}

// CACertificate returns the PEM of the CA certificate registered under the
// authority ID.
func (a *LocalAuthority) CACertificate(ctx context.Context) (string, error) {
	out, err := a.iot.DescribeCACertificateWithContext(ctx, &iot.DescribeCACertificateInput{
		CertificateId: aws.String(a.authorityID),
	})
	if err != nil {
		return "", fmt.Errorf("describe CA certificate %s: %w", a.authorityID, err)
	}
	if out.CertificateDescription == nil || out.CertificateDescription.CertificatePem == nil {
		return "", fmt.Errorf("CA certificate %s has no PEM", a.authorityID)
	}
	return aws.StringValue(out.CertificateDescription.CertificatePem), nil
}

// Issue signs the CSR with the CA key fetched from the secret store. A
// failed key fetch is reported as UNABLE_TO_FETCH_CA_KEY; a signing
// failure is fatal and propagates as-is. The subject argument is ignored,
// the local backend signs the subject requested in the CSR.
func (a *LocalAuthority) Issue(ctx context.Context, csr string, _ *interfaces.SubjectInfo) (interfaces.IssuedCertificate, error) {
	caPEM, err := a.CACertificate(ctx)
	if err != nil {
		return interfaces.IssuedCertificate{}, fmt.Errorf("%w: %v", interfaces.ErrUnableToGetCACertificate, err)
	}

	keyName := strings.ReplaceAll(a.keyTemplate, authorityIDPlaceholder, a.authorityID)
	keyPEM, err := a.secrets.Fetch(ctx, keyName)
	if err != nil {
		return interfaces.IssuedCertificate{}, fmt.Errorf("%w: %v", interfaces.ErrUnableToFetchCAKey, err)
	}

	certPEM, err := cryptoutils.SignCSR([]byte(csr), []byte(caPEM), []byte(keyPEM), a.validity)
	if err != nil {
		return interfaces.IssuedCertificate{}, err
	}

	a.log.Debug("Issued certificate with local CA", "authorityId", a.authorityID)
	return interfaces.IssuedCertificate{
		PEM:         string(certPEM),
		AuthorityID: a.authorityID,
	}, nil
}
