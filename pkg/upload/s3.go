package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/bitbenchoor/pkg/config"
)

const writeTestKey = ".bitbenchoor-write-test"

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
	now    func() time.Time
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) Uploader {
	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg),
		now:    time.Now,
	}
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("bitbenchoor write test: %s", u.now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(writeTestKey),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// Upload puts the artifact under <prefix>/<revision>/<timestamp>-<name>.
func (u *s3Uploader) Upload(ctx context.Context, revision, path string) (string, error) {
	key := u.objectKey(revision, filepath.Base(path))

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(detectContentType(path)),
		Metadata:      map[string]string{"revision": revision},
	})
	if err != nil {
		return "", fmt.Errorf("uploading to s3://%s/%s: %w", u.cfg.Bucket, key, err)
	}

	u.log.WithFields(logrus.Fields{
		"bucket": u.cfg.Bucket,
		"key":    key,
		"size":   units.HumanSize(float64(info.Size())),
	}).Info("Upload completed")

	return key, nil
}

// objectKey builds the key for one artifact of a run.
func (u *s3Uploader) objectKey(revision, name string) string {
	return u.resolvePrefix(revision) + "/" + u.now().UTC().Format("20060102T150405Z") + "-" + name
}

// resolvePrefix builds the S3 key prefix for a revision.
func (u *s3Uploader) resolvePrefix(revision string) string {
	prefix := u.cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultS3Prefix
	}

	// Branch labels may contain slashes.
	segment := strings.ReplaceAll(revision, "/", "_")

	return strings.TrimRight(prefix, "/") + "/" + segment
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
