package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/errs"
	"invoice-collector-go/internal/model"
)

// S3Uploader stores blobs in an S3 compatible bucket. The content SHA-256 is
// kept in object metadata so repeated puts can be recognised without a download.
type S3Uploader struct {
	client        s3iface.S3API
	uploader      *s3manager.Uploader
	bucket        string
	publicBaseURL string
}

// NewS3Uploader creates an uploader from storage configuration. An endpoint
// selects path-style addressing for R2, MinIO and similar services.
func NewS3Uploader(cfg config.StorageConfig) (*S3Uploader, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.S3AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aws session")
	}
	return NewS3UploaderWithSession(sess, cfg.S3Bucket, cfg.PublicBaseURL), nil
}

// NewS3UploaderWithSession builds the uploader on an existing session.
func NewS3UploaderWithSession(sess *session.Session, bucket, publicBaseURL string) *S3Uploader {
	return &S3Uploader{
		client:        s3.New(sess),
		uploader:      s3manager.NewUploader(sess),
		bucket:        bucket,
		publicBaseURL: publicBaseURL,
	}
}

func (u *S3Uploader) Put(ctx context.Context, req PutRequest) (string, error) {
	fingerprint := model.Fingerprint(req.Data)
	link := u.link(req.Path)

	head, err := u.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(req.Path),
	})
	switch {
	case err == nil:
		if storedFingerprint(head.Metadata) == fingerprint {
			return link, nil
		}
		if !req.Overwrite {
			return "", errs.Conflict(req.Path)
		}
	case isNotFound(err):
	default:
		return "", classifyAWSError("s3.head", err)
	}

	input := &s3manager.UploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(req.Path),
		Body:     bytes.NewReader(req.Data),
		Metadata: map[string]*string{fingerprintKey: aws.String(fingerprint)},
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}

	if _, err := u.uploader.UploadWithContext(ctx, input); err != nil {
		return "", classifyAWSError("s3.upload", err)
	}

	logrus.WithFields(logrus.Fields{
		"bucket": u.bucket,
		"key":    req.Path,
		"size":   len(req.Data),
	}).Debug("Uploaded object")
	return link, nil
}

func (u *S3Uploader) link(key string) string {
	if u.publicBaseURL != "" {
		return publicLink(u.publicBaseURL, key)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key)
}

// storedFingerprint reads the metadata value regardless of the key casing
// the service returned.
func storedFingerprint(metadata map[string]*string) string {
	for k, v := range metadata {
		if strings.EqualFold(k, fingerprintKey) && v != nil {
			return *v
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey
	}
	return false
}

// fatalAWSCodes are rejections no retry fixes: bad credentials, missing
// permissions or a bucket that does not exist.
var fatalAWSCodes = map[string]bool{
	"AccessDenied":          true,
	"AllAccessDisabled":     true,
	"AccountProblem":        true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	s3.ErrCodeNoSuchBucket:  true,
	"InvalidBucketName":     true,
	"NoCredentialProviders": true,
}

func classifyAWSError(op string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && (reqErr.StatusCode() == http.StatusUnauthorized || reqErr.StatusCode() == http.StatusForbidden) {
		return errs.Fatal(op, err)
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && fatalAWSCodes[aerr.Code()] {
		return errs.Fatal(op, err)
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return errs.Transient(op, err)
	}
	if reqErr != nil && reqErr.StatusCode() >= 500 {
		return errs.Transient(op, err)
	}
	if aerr != nil && aerr.Code() == request.CanceledErrorCode {
		return errs.Transient(op, err)
	}
	return errors.Wrap(err, op)
}
