package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/acmpca"
	"github.com/aws/aws-sdk-go/service/acmpca/acmpcaiface"
	"github.com/cenkalti/backoff/v4"

	"github.com/fleetpki/device-cert-provisioning-backend/cryptoutils"
	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// PollConfig bounds the issuance poll loop of the managed backend.
type PollConfig struct {
	// InitialInterval is the first poll delay; subsequent delays grow
	// exponentially.
	InitialInterval time.Duration

	// Timeout caps the total time spent waiting for the authority to
	// issue.
	Timeout time.Duration
}

// DefaultPollConfig polls after 500ms, doubling up to a 30s overall
// deadline.
func DefaultPollConfig() PollConfig {
	return PollConfig{InitialInterval: 500 * time.Millisecond, Timeout: 30 * time.Second}
}

// ManagedAuthority issues certificates through an ACM Private CA. Issuance
// is asynchronous: the request is submitted, then the certificate is
// polled to completion with bounded exponential backoff. This is the only
// retry-bearing step in the system.
type ManagedAuthority struct {
	pca          acmpcaiface.ACMPCAAPI
	authorityARN string
	algorithm    string
	validityDays int64
	poll         PollConfig
	log          *slog.Logger
}

// NewManagedAuthority creates a managed-CA authority bound to the given
// authority ARN.
func NewManagedAuthority(client acmpcaiface.ACMPCAAPI, authorityARN, signingAlgorithm string, validityDays int64, poll PollConfig, log *slog.Logger) *ManagedAuthority {
	return &ManagedAuthority{
		pca:          client,
		authorityARN: authorityARN,
		algorithm:    signingAlgorithm,
		validityDays: validityDays,
		poll:         poll,
		log:          log,
	}
}

// CACertificate returns the authority's CA certificate PEM.
func (a *ManagedAuthority) CACertificate(ctx context.Context) (string, error) {
	out, err := a.pca.GetCertificateAuthorityCertificateWithContext(ctx, &acmpca.GetCertificateAuthorityCertificateInput{
		CertificateAuthorityArn: aws.String(a.authorityARN),
	})
	if err != nil {
		return "", fmt.Errorf("get CA certificate %s: %w", a.authorityARN, err)
	}
	return aws.StringValue(out.Certificate), nil
}

// Issue submits the CSR to the managed CA and polls until the certificate
// is issued or the poll deadline expires. On success the leaf certificate
// and its chain are concatenated into a single PEM bundle, which is the
// canonical representation handed downstream.
func (a *ManagedAuthority) Issue(ctx context.Context, csr string, subject *interfaces.SubjectInfo) (interfaces.IssuedCertificate, error) {
	in := &acmpca.IssueCertificateInput{
		CertificateAuthorityArn: aws.String(a.authorityARN),
		Csr:                     []byte(csr),
		SigningAlgorithm:        aws.String(a.algorithm),
		Validity: &acmpca.Validity{
			Type:  aws.String(acmpca.ValidityPeriodTypeDays),
			Value: aws.Int64(a.validityDays),
		},
	}
	if subject != nil {
		in.ApiPassthrough = &acmpca.ApiPassthrough{Subject: asn1Subject(subject)}
	}

	issued, err := a.pca.IssueCertificateWithContext(ctx, in)
	if err != nil {
		return interfaces.IssuedCertificate{}, fmt.Errorf("%w: %v", interfaces.ErrUnableToIssueCertificate, err)
	}
	certARN := aws.StringValue(issued.CertificateArn)

	leaf, chain, err := a.waitForCertificate(ctx, certARN)
	if err != nil {
		return interfaces.IssuedCertificate{}, fmt.Errorf("%w: %v", interfaces.ErrUnableToIssueCertificate, err)
	}

	a.log.Debug("Issued certificate with managed CA", "certificateArn", certARN)
	return interfaces.IssuedCertificate{
		PEM:         cryptoutils.BundlePEM(leaf, chain),
		AuthorityID: a.authorityARN,
	}, nil
}

// waitForCertificate polls GetCertificate until the authority reports the
// certificate issued. In-progress responses are retried with exponential
// backoff; any other failure is terminal. The loop honors both the overall
// poll timeout and cancellation of the enclosing request.
func (a *ManagedAuthority) waitForCertificate(ctx context.Context, certARN string) (leaf, chain string, err error) {
	in := &acmpca.GetCertificateInput{
		CertificateAuthorityArn: aws.String(a.authorityARN),
		CertificateArn:          aws.String(certARN),
	}

	fetch := func() (*acmpca.GetCertificateOutput, error) {
		out, err := a.pca.GetCertificateWithContext(ctx, in)
		if err != nil {
			if isRequestInProgress(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.poll.InitialInterval
	bo.MaxElapsedTime = a.poll.Timeout

	out, err := backoff.RetryWithData(fetch, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", "", fmt.Errorf("certificate %s not issued within %s: %w", certARN, a.poll.Timeout, err)
	}
	return aws.StringValue(out.Certificate), aws.StringValue(out.CertificateChain), nil
}

func isRequestInProgress(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == acmpca.ErrCodeRequestInProgressException
	}
	return false
}

func asn1Subject(subject *interfaces.SubjectInfo) *acmpca.ASN1Subject {
	s := &acmpca.ASN1Subject{}
	if subject.Country != "" {
		s.Country = aws.String(subject.Country)
	}
	if subject.Organization != "" {
		s.Organization = aws.String(subject.Organization)
	}
	if subject.OrganizationalUnit != "" {
		s.OrganizationalUnit = aws.String(subject.OrganizationalUnit)
	}
	if subject.StateName != "" {
		s.State = aws.String(subject.StateName)
	}
	if subject.CommonName != "" {
		s.CommonName = aws.String(subject.CommonName)
	}
	return s
}
