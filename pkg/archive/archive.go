// Package archive uploads journals replaced by compaction to an S3 bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
)

// Config holds the destination of archived journals.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to the file name of every journal.
	// Should end with "/" if non-empty.
	KeyPrefix string

	// AccessKey and SecretKey select static credentials. When empty the
	// SDK default chain is used.
	AccessKey string
	SecretKey string

	// ForcePathStyle forces path-style addressing (required for MinIO).
	ForcePathStyle bool

	// DeleteLocal removes a journal once it is uploaded.
	DeleteLocal bool
}

// Metrics receives upload outcomes. A nil Metrics is valid.
type Metrics interface {
	ObserveUpload(bytes int64, duration time.Duration, err error)
}

// PutObjectAPI is the part of *s3.Client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies journals to the bucket.
type Uploader struct {
	client  PutObjectAPI
	cfg     Config
	metrics Metrics
}

// New returns an uploader on an existing client.
func New(client PutObjectAPI, cfg Config, m Metrics) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket not specified")
	}
	return &Uploader{client: client, cfg: cfg, metrics: m}, nil
}

// NewFromConfig builds the S3 client from cfg.
func NewFromConfig(ctx context.Context, cfg Config, m Metrics) (*Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return New(client, cfg, m)
}

// Key returns the object key of the journal at path.
func (u *Uploader) Key(path string) string {
	return u.cfg.KeyPrefix + filepath.Base(path)
}

// Upload copies the journal at path and returns its object key. The local
// file is removed afterwards when DeleteLocal is set; a failed upload
// always keeps it.
func (u *Uploader) Upload(ctx context.Context, path string) (string, error) {
	started := time.Now()
	key := u.Key(path)

	ctx, span := telemetry.StartArchiveSpan(ctx, "upload", u.cfg.Bucket, key)
	defer span.End()

	size, err := u.put(ctx, path, key)
	if u.metrics != nil {
		u.metrics.ObserveUpload(size, time.Since(started), err)
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "Journal upload failed", logger.KeyPath, path, logger.KeyError, err)
		return "", err
	}

	logger.InfoCtx(ctx, "Journal archived",
		logger.KeyPath, path,
		"bucket", u.cfg.Bucket,
		logger.KeyKey, key,
		"bytes", size,
		logger.KeyDurationMs, logger.Duration(started))

	if u.cfg.DeleteLocal {
		if err := os.Remove(path); err != nil {
			return key, fmt.Errorf("remove archived journal: %w", err)
		}
	}
	return key, nil
}

func (u *Uploader) put(ctx context.Context, path, key string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat journal: %w", err)
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 put object: %w", err)
	}
	return info.Size(), nil
}

// UploadAll uploads every path and joins the failures.
func (u *Uploader) UploadAll(ctx context.Context, paths ...string) error {
	var errs []error
	for _, p := range paths {
		if _, err := u.Upload(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
