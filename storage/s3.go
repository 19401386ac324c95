// Package storage implements the staged-artifact object store on Amazon
// S3. Each device has one staged certificate package; the ID of the
// certificate ready for activation is carried as object metadata.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
)

// certificateIDMetadataKey is the S3 object metadata key carrying the
// staged certificate pointer.
const certificateIDMetadataKey = "certificateid"

// S3Config locates the staged artifacts within a bucket. The object key
// for a device is Prefix + deviceID + Suffix.
type S3Config struct {
	Bucket string
	Prefix string
	Suffix string
}

// S3ArtifactStore implements interfaces.ArtifactStore on S3.
type S3ArtifactStore struct {
	s3  s3iface.S3API
	cfg S3Config
	log *slog.Logger
}

// NewS3ArtifactStore creates an artifact store over the given S3 client.
func NewS3ArtifactStore(client s3iface.S3API, cfg S3Config, log *slog.Logger) *S3ArtifactStore {
	return &S3ArtifactStore{s3: client, cfg: cfg, log: log}
}

// KeyFor returns the object key of the device's staged artifact.
func (b *S3ArtifactStore) KeyFor(deviceID interfaces.DeviceID) string {
	return b.cfg.Prefix + deviceID.String() + b.cfg.Suffix
}

// StagedCertificateID heads the device's staged artifact and returns the
// certificate ID recorded in its metadata. A present artifact without the
// marker yields ErrMissingCertificateID; a missing artifact or any other
// lookup failure yields ErrCertificateNotFound.
func (b *S3ArtifactStore) StagedCertificateID(ctx context.Context, deviceID interfaces.DeviceID) (string, error) {
	key := b.KeyFor(deviceID)
	out, err := b.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if IsNotFound(err) {
			return "", fmt.Errorf("%w: no staged artifact at s3://%s/%s", interfaces.ErrMissingCertificateID, b.cfg.Bucket, key)
		}
		return "", fmt.Errorf("%w: head s3://%s/%s: %v", interfaces.ErrCertificateNotFound, b.cfg.Bucket, key, err)
	}

	// The SDK canonicalizes metadata keys, match case-insensitively.
	for name, value := range out.Metadata {
		if strings.EqualFold(name, certificateIDMetadataKey) && aws.StringValue(value) != "" {
			return aws.StringValue(value), nil
		}
	}
	return "", fmt.Errorf("%w: artifact s3://%s/%s carries no certificate pointer",
		interfaces.ErrMissingCertificateID, b.cfg.Bucket, key)
}

// PresignURL computes a time-boxed signed URL for the device's staged
// artifact.
func (b *S3ArtifactStore) PresignURL(ctx context.Context, deviceID interfaces.DeviceID, mode interfaces.AccessMode, expiry time.Duration) (string, error) {
	key := b.KeyFor(deviceID)

	var req presignable
	switch mode {
	case interfaces.AccessModeGet:
		r, _ := b.s3.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(key),
		})
		req = r
	case interfaces.AccessModePut:
		r, _ := b.s3.PutObjectRequest(&s3.PutObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(key),
		})
		req = r
	default:
		return "", fmt.Errorf("unsupported access mode %q", mode)
	}

	url, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", b.cfg.Bucket, key, err)
	}
	b.log.Debug("Presigned artifact URL", "deviceId", deviceID, "mode", string(mode), "expiry", expiry)
	return url, nil
}

// presignable is the part of request.Request the store needs; both object
// request constructors return it.
type presignable interface {
	Presign(time.Duration) (string, error)
}

// IsNotFound reports whether an S3 error denotes a missing object.
func IsNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
