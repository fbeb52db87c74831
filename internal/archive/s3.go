package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"sap-audit-relay/internal/config"
)

// S3Offloader gzips rotated backups and uploads them to object storage.
// Works against AWS and S3-compatible stores (MinIO, LocalStack) via a
// custom endpoint.
type S3Offloader struct {
	client *s3.Client
	cfg    config.S3Config
	logger *slog.Logger

	uploads atomic.Int64
	errors  atomic.Int64
}

// NewS3Offloader builds the S3 client and returns the offloader. Callers
// treat a construction failure as "run without offload", not as fatal.
func NewS3Offloader(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3Offloader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	o := &S3Offloader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		logger: logger,
	}

	logger.Info("s3 offload enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return o, nil
}

// Offload reads the backup, compresses it and uploads one object. Each
// upload gets a unique key so successive rotations never overwrite.
func (o *S3Offloader) Offload(ctx context.Context, source string) error {
	if o.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.UploadTimeout)
		defer cancel()
	}

	f, err := os.Open(source)
	if err != nil {
		o.errors.Add(1)
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	original, err := io.Copy(gz, f)
	if err != nil {
		o.errors.Add(1)
		return fmt.Errorf("compress backup: %w", err)
	}
	if err := gz.Close(); err != nil {
		o.errors.Add(1)
		return fmt.Errorf("compress backup: %w", err)
	}

	key := o.objectKey()
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		o.errors.Add(1)
		return fmt.Errorf("upload backup %s: %w", key, err)
	}

	o.uploads.Add(1)
	o.logger.Info("backup offloaded",
		"key", fmt.Sprintf("s3://%s/%s", o.cfg.Bucket, key),
		"bytes", original,
		"compressed_bytes", buf.Len(),
	)
	return nil
}

func (o *S3Offloader) objectKey() string {
	name := fmt.Sprintf("audit-%s-%s.txt.gz", time.Now().UTC().Format("20060102-150405"), uuid.New().String())
	return path.Join(o.cfg.Prefix, name)
}
