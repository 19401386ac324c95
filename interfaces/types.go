// Package interfaces defines the core types and collaborator contracts for
// the device certificate vendor. It provides the contract between the
// lifecycle engine and its external collaborators without implementation
// details.
package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

// DeviceID identifies a device in the registry.
type DeviceID string

// String returns the device ID as a string.
func (d DeviceID) String() string {
	return string(d)
}

// Validate checks that the device ID is usable as a registry key and a
// topic segment.
func (d DeviceID) Validate() error {
	if len(d) == 0 {
		return errors.New("device id must not be empty")
	}
	if strings.ContainsAny(string(d), "/#+ ") {
		return fmt.Errorf("device id %q contains reserved characters", string(d))
	}
	return nil
}

// PolicyName names an authorization policy in the registry.
type PolicyName string

// String returns the policy name as a string.
func (p PolicyName) String() string {
	return string(p)
}

// CertificateStatus is the registry-side status of a certificate identity.
type CertificateStatus string

const (
	CertificateStatusActive   CertificateStatus = "ACTIVE"
	CertificateStatusInactive CertificateStatus = "INACTIVE"
)

// CertificateHandle is a structured reference to a certificate identity in
// the registry. Namespace carries the registry-assigned prefix (everything
// before the final path separator of the identity ARN); ID is the trailing
// segment and serves as the canonical certificate ID. A handle built from a
// bare certificate ID has an empty namespace.
type CertificateHandle struct {
	Namespace string
	ID        string
}

// ParseCertificateHandle builds a handle from a registry identity ARN of
// the form <namespace>/<certificateID>.
func ParseCertificateHandle(arn string) (CertificateHandle, error) {
	idx := strings.LastIndex(arn, "/")
	if idx <= 0 || idx == len(arn)-1 {
		return CertificateHandle{}, fmt.Errorf("malformed certificate identity %q", arn)
	}
	return CertificateHandle{Namespace: arn[:idx], ID: arn[idx+1:]}, nil
}

// HandleFromID builds a handle carrying only the certificate ID. Registry
// implementations resolve the full identity when one is required.
func HandleFromID(id string) CertificateHandle {
	return CertificateHandle{ID: id}
}

// ARN reconstructs the full identity string, or returns the bare ID when
// no namespace is known.
func (h CertificateHandle) ARN() string {
	if h.Namespace == "" {
		return h.ID
	}
	return h.Namespace + "/" + h.ID
}

// IsZero reports whether the handle references nothing.
func (h CertificateHandle) IsZero() bool {
	return h.ID == ""
}

// SubjectInfo carries the optional distinguished-name fields for a
// managed-CA issuance request.
type SubjectInfo struct {
	Country            string `json:"country,omitempty"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizationalUnit,omitempty"`
	StateName          string `json:"stateName,omitempty"`
	CommonName         string `json:"commonName,omitempty"`
}

// AuthorityParameters selects a certificate-authority backend for a single
// request. When both Alias and AuthorityID are empty the configured default
// backend applies. An alias is resolved through the deployment's alias
// table; a set AuthorityID wins over the alias.
type AuthorityParameters struct {
	Alias       string       `json:"alias,omitempty"`
	AuthorityID string       `json:"authorityId,omitempty"`
	Subject     *SubjectInfo `json:"subject,omitempty"`
}

// DeviceRequest is the immutable input of ActivateWithCSR. An empty CSR
// selects the activation-of-existing-certificate path and is rejected by
// ActivateWithCSR.
type DeviceRequest struct {
	DeviceID              DeviceID             `json:"deviceId"`
	CSR                   string               `json:"csr,omitempty"`
	PreviousCertificateID string               `json:"previousCertificateId,omitempty"`
	Authority             *AuthorityParameters `json:"authorityParameters,omitempty"`
}

// IssuedCertificate is the product of a successful issuance. PEM is the
// canonical representation handed to the registry: for managed-CA issuance
// it is the leaf certificate concatenated with the chain.
type IssuedCertificate struct {
	PEM         string
	AuthorityID string
	DeviceID    DeviceID
}

// OutcomeStatus is the terminal status of a published outcome.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeFailed  OutcomeStatus = "FAILED"
)

// ResponseOutcome is the write-once result published to the response
// channel, exactly once per public operation.
type ResponseOutcome struct {
	DeviceID DeviceID          `json:"deviceId"`
	Status   OutcomeStatus     `json:"status"`
	Message  string            `json:"message,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// SuccessOutcome builds a SUCCESS outcome for a device.
func SuccessOutcome(deviceID DeviceID, payload map[string]string) ResponseOutcome {
	return ResponseOutcome{DeviceID: deviceID, Status: OutcomeSuccess, Payload: payload}
}

// FailureOutcome builds a FAILED outcome carrying the error message.
func FailureOutcome(deviceID DeviceID, err error) ResponseOutcome {
	return ResponseOutcome{DeviceID: deviceID, Status: OutcomeFailed, Message: err.Error()}
}
