// Package registry implements the device registry gateway on top of the
// AWS IoT control plane. Things are devices, certificate principals are
// certificate identities, and IoT policies are the authorization policies
// attached to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iot/iotiface"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// deviceStatusAttribute is the thing attribute updated after every
// successful lifecycle operation.
const deviceStatusAttribute = "certificateRotatedAt"

// IoTRegistry implements interfaces.DeviceRegistry against AWS IoT.
type IoTRegistry struct {
	iot iotiface.IoTAPI
	log *slog.Logger
}

// NewIoTRegistry creates a device registry gateway using the provided IoT
// client.
func NewIoTRegistry(client iotiface.IoTAPI, log *slog.Logger) *IoTRegistry {
	return &IoTRegistry{iot: client, log: log}
}

// IsEligible reports whether the device exists as a registered thing.
// A missing thing means the device is not whitelisted; any other lookup
// failure is surfaced to the caller.
func (r *IoTRegistry) IsEligible(ctx context.Context, deviceID interfaces.DeviceID) (bool, error) {
	_, err := r.iot.DescribeThingWithContext(ctx, &iot.DescribeThingInput{
		ThingName: aws.String(deviceID.String()),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("describe thing %s: %w", deviceID, err)
	}
	return true, nil
}

// RegisterCertificate records a certificate identity signed by the given
// CA. The certificate is registered inactive; activation is a separate,
// explicit status transition.
func (r *IoTRegistry) RegisterCertificate(ctx context.Context, caPEM, certPEM string) (interfaces.CertificateHandle, error) {
	out, err := r.iot.RegisterCertificateWithContext(ctx, &iot.RegisterCertificateInput{
		CaCertificatePem: aws.String(caPEM),
		CertificatePem:   aws.String(certPEM),
		Status:           aws.String(iot.CertificateStatusActive),
	})
	if err != nil {
		return interfaces.CertificateHandle{}, fmt.Errorf("register certificate: %w", err)
	}

	handle, err := interfaces.ParseCertificateHandle(aws.StringValue(out.CertificateArn))
	if err != nil {
		return interfaces.CertificateHandle{}, fmt.Errorf("registry returned unparsable identity: %w", err)
	}
	r.log.Debug("Registered certificate", "certificateId", handle.ID)
	return handle, nil
}

// BindPrincipal attaches the certificate principal to the thing.
func (r *IoTRegistry) BindPrincipal(ctx context.Context, handle interfaces.CertificateHandle, deviceID interfaces.DeviceID) error {
	arn, err := r.arnFor(ctx, handle)
	if err != nil {
		return err
	}
	_, err = r.iot.AttachThingPrincipalWithContext(ctx, &iot.AttachThingPrincipalInput{
		Principal: aws.String(arn),
		ThingName: aws.String(deviceID.String()),
	})
	if err != nil {
		return fmt.Errorf("attach principal to %s: %w", deviceID, err)
	}
	return nil
}

// UnbindPrincipal detaches the certificate principal from the thing.
func (r *IoTRegistry) UnbindPrincipal(ctx context.Context, handle interfaces.CertificateHandle, deviceID interfaces.DeviceID) error {
	arn, err := r.arnFor(ctx, handle)
	if err != nil {
		return err
	}
	_, err = r.iot.DetachThingPrincipalWithContext(ctx, &iot.DetachThingPrincipalInput{
		Principal: aws.String(arn),
		ThingName: aws.String(deviceID.String()),
	})
	if err != nil {
		return fmt.Errorf("detach principal from %s: %w", deviceID, err)
	}
	return nil
}

// AttachPolicy attaches a named policy to the certificate principal.
func (r *IoTRegistry) AttachPolicy(ctx context.Context, handle interfaces.CertificateHandle, policy interfaces.PolicyName) error {
	arn, err := r.arnFor(ctx, handle)
	if err != nil {
		return err
	}
	_, err = r.iot.AttachPolicyWithContext(ctx, &iot.AttachPolicyInput{
		PolicyName: aws.String(policy.String()),
		Target:     aws.String(arn),
	})
	if err != nil {
		return fmt.Errorf("attach policy %s: %w", policy, err)
	}
	return nil
}

// DetachPolicy detaches a named policy from the certificate principal.
func (r *IoTRegistry) DetachPolicy(ctx context.Context, handle interfaces.CertificateHandle, policy interfaces.PolicyName) error {
	arn, err := r.arnFor(ctx, handle)
	if err != nil {
		return err
	}
	_, err = r.iot.DetachPolicyWithContext(ctx, &iot.DetachPolicyInput{
		PolicyName: aws.String(policy.String()),
		Target:     aws.String(arn),
	})
	if err != nil {
		return fmt.Errorf("detach policy %s: %w", policy, err)
	}
	return nil
}

// ListEffectivePolicies returns every policy attached to the certificate
// principal, following pagination.
func (r *IoTRegistry) ListEffectivePolicies(ctx context.Context, handle interfaces.CertificateHandle) ([]interfaces.PolicyName, error) {
	arn, err := r.arnFor(ctx, handle)
	if err != nil {
		return nil, err
	}

	var policies []interfaces.PolicyName
	var marker *string
	for {
		out, err := r.iot.ListAttachedPoliciesWithContext(ctx, &iot.ListAttachedPoliciesInput{
			Target: aws.String(arn),
			Marker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list attached policies: %w", err)
		}
		for _, p := range out.Policies {
			policies = append(policies, interfaces.PolicyName(aws.StringValue(p.PolicyName)))
		}
		if out.NextMarker == nil {
			return policies, nil
		}
		marker = out.NextMarker
	}
}

// ListPrincipalsForDevice returns the certificate identities bound to the
// thing, following pagination.
func (r *IoTRegistry) ListPrincipalsForDevice(ctx context.Context, deviceID interfaces.DeviceID) ([]interfaces.CertificateHandle, error) {
	var handles []interfaces.CertificateHandle
	var token *string
	for {
		out, err := r.iot.ListThingPrincipalsWithContext(ctx, &iot.ListThingPrincipalsInput{
			ThingName: aws.String(deviceID.String()),
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list principals for %s: %w", deviceID, err)
		}
		for _, p := range out.Principals {
			handle, err := interfaces.ParseCertificateHandle(aws.StringValue(p))
			if err != nil {
				return nil, fmt.Errorf("registry returned unparsable identity: %w", err)
			}
			handles = append(handles, handle)
		}
		if out.NextToken == nil {
			return handles, nil
		}
		token = out.NextToken
	}
}

// ListDevicesForPrincipal returns every thing still bound to the
// certificate principal, following pagination.
func (r *IoTRegistry) ListDevicesForPrincipal(ctx context.Context, handle interfaces.CertificateHandle) ([]interfaces.DeviceID, error) {
	arn, err := r.arnFor(ctx, handle)
	if err != nil {
		return nil, err
	}

	var devices []interfaces.DeviceID
	var token *string
	for {
		out, err := r.iot.ListPrincipalThingsWithContext(ctx, &iot.ListPrincipalThingsInput{
			Principal: aws.String(arn),
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list things for principal: %w", err)
		}
		for _, thing := range out.Things {
			devices = append(devices, interfaces.DeviceID(aws.StringValue(thing)))
		}
		if out.NextToken == nil {
			return devices, nil
		}
		token = out.NextToken
	}
}

// SetCertificateStatus transitions the certificate between ACTIVE and
// INACTIVE.
func (r *IoTRegistry) SetCertificateStatus(ctx context.Context, handle interfaces.CertificateHandle, status interfaces.CertificateStatus) error {
	_, err := r.iot.UpdateCertificateWithContext(ctx, &iot.UpdateCertificateInput{
		CertificateId: aws.String(handle.ID),
		NewStatus:     aws.String(string(status)),
	})
	if err != nil {
		return fmt.Errorf("update certificate %s to %s: %w", handle.ID, status, err)
	}
	return nil
}

// DeleteCertificate removes the certificate from the registry. The
// certificate must already be inactive and unbound.
func (r *IoTRegistry) DeleteCertificate(ctx context.Context, handle interfaces.CertificateHandle) error {
	_, err := r.iot.DeleteCertificateWithContext(ctx, &iot.DeleteCertificateInput{
		CertificateId: aws.String(handle.ID),
		ForceDelete:   aws.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("delete certificate %s: %w", handle.ID, err)
	}
	return nil
}

// UpdateDeviceStatus stamps the thing with the time of its latest
// successful certificate operation.
func (r *IoTRegistry) UpdateDeviceStatus(ctx context.Context, deviceID interfaces.DeviceID) error {
	_, err := r.iot.UpdateThingWithContext(ctx, &iot.UpdateThingInput{
		ThingName: aws.String(deviceID.String()),
		AttributePayload: &iot.AttributePayload{
			Attributes: map[string]*string{
				deviceStatusAttribute: aws.String(time.Now().UTC().Format(time.RFC3339)),
			},
			Merge: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("update thing %s: %w", deviceID, err)
	}
	return nil
}

// RemoveFromGroup removes the thing from a thing group.
func (r *IoTRegistry) RemoveFromGroup(ctx context.Context, group string, deviceID interfaces.DeviceID) error {
	_, err := r.iot.RemoveThingFromThingGroupWithContext(ctx, &iot.RemoveThingFromThingGroupInput{
		ThingGroupName: aws.String(group),
		ThingName:      aws.String(deviceID.String()),
	})
	if err != nil {
		return fmt.Errorf("remove %s from group %s: %w", deviceID, group, err)
	}
	return nil
}

// arnFor resolves a handle to a full principal ARN. Handles built from
// bare certificate IDs are resolved through the registry once and the
// result is used by value thereafter.
func (r *IoTRegistry) arnFor(ctx context.Context, handle interfaces.CertificateHandle) (string, error) {
	if handle.Namespace != "" {
		return handle.ARN(), nil
	}
	out, err := r.iot.DescribeCertificateWithContext(ctx, &iot.DescribeCertificateInput{
		CertificateId: aws.String(handle.ID),
	})
	if err != nil {
		return "", fmt.Errorf("describe certificate %s: %w", handle.ID, err)
	}
	return aws.StringValue(out.CertificateDescription.CertificateArn), nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == iot.ErrCodeResourceNotFoundException
	}
	return false
}
