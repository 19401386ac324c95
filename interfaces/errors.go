package interfaces

import "errors"

// Stable error codes surfaced by the lifecycle engine. Every failure of a
// pipeline step is wrapped in exactly one of these sentinels with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is while the
// published failure message keeps the code as its prefix. Raw transport
// errors never escape a gateway unwrapped.

// codeError is a named error code. The code string is the full message so
// that wrapped errors render as "CODE: cause".
type codeError string

func (e codeError) Error() string { return string(e) }

var (
	// Validation / authorization.
	ErrDeviceNotWhitelisted = codeError("DEVICE_NOT_WHITELISTED")
	ErrForbidden            = codeError("FORBIDDEN")
	ErrInvalidAlias         = codeError("INVALID_ALIAS")

	// Not found.
	ErrMissingCertificateID = codeError("MISSING_CERTIFICATE_ID")
	ErrCertificateNotFound  = codeError("CERTIFICATE_NOT_FOUND")

	// Upstream-call failures, one per pipeline step.
	ErrUnableToActivateCertificate = codeError("UNABLE_TO_ACTIVATE_CERTIFICATE")
	ErrUnableToPresignURL          = codeError("UNABLE_TO_PRESIGN_URL")
	ErrUnableToGetCACertificate    = codeError("UNABLE_TO_GET_CA_CERTIFICATE")
	ErrUnableToFetchCAKey          = codeError("UNABLE_TO_FETCH_CA_KEY")
	ErrUnableToIssueCertificate    = codeError("UNABLE_TO_ISSUE_CERTIFICATE")
	ErrUnableToRegisterCertificate = codeError("UNABLE_TO_REGISTER_CERTIFICATE")
	ErrUnableToAttachCertificate   = codeError("UNABLE_TO_ATTACH_CERTIFICATE")
	ErrUnableToAttachPolicy        = codeError("UNABLE_TO_ATTACH_POLICY")
	ErrUnableToUpdateDevice        = codeError("UNABLE_TO_UPDATE_DEVICE_STATUS")
	ErrUnableToUpdateGroup         = codeError("UNABLE_TO_UPDATE_GROUP_MEMBERSHIP")
	ErrUnableToCleanupCertificates = codeError("UNABLE_TO_CLEANUP_CERTIFICATES")
)

var codedErrors = []codeError{
	ErrDeviceNotWhitelisted,
	ErrForbidden,
	ErrInvalidAlias,
	ErrMissingCertificateID,
	ErrCertificateNotFound,
	ErrUnableToActivateCertificate,
	ErrUnableToPresignURL,
	ErrUnableToGetCACertificate,
	ErrUnableToFetchCAKey,
	ErrUnableToIssueCertificate,
	ErrUnableToRegisterCertificate,
	ErrUnableToAttachCertificate,
	ErrUnableToAttachPolicy,
	ErrUnableToUpdateDevice,
	ErrUnableToUpdateGroup,
	ErrUnableToCleanupCertificates,
}

// ErrorCode returns the stable code the error is wrapped in, or "" for
// uncoded errors (request validation and signing failures).
func ErrorCode(err error) string {
	for _, coded := range codedErrors {
		if errors.Is(err, coded) {
			return string(coded)
		}
	}
	return ""
}
