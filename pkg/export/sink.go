package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"cloud.google.com/go/storage"
)

// Sink publishes a finished export bundle's entries (decisions.csv,
// approvals.csv, reservations.csv, ledger.csv, manifest.canonical.json,
// manifest.sha256, manifest.sig) to durable storage, keyed by
// tenant/window-scoped object names rather than content hash — unlike the
// reference artifact store, a bundle's identity is (tenant, window, kind),
// not its bytes, since the same bundle is re-published on every export
// request for a given window.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// S3Sink is an AWS S3-backed Sink, adapted from the reference content-hash
// artifact store to a caller-supplied key rather than a hash-derived one.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig holds configuration for S3Sink.
type S3SinkConfig struct {
	Bucket     string
	Prefix     string
	Endpoint   string // optional custom endpoint, e.g. MinIO/LocalStack
	PathStyle  bool
}

// NewS3Sink creates a new S3-backed export sink.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytesReader(data),
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return fmt.Errorf("export: s3 put %s: %w", key, err)
	}
	return nil
}

// GCSSink is a Google Cloud Storage-backed Sink.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig holds configuration for GCSSink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// NewGCSSink creates a new GCS-backed export sink.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: create gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, key string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)
	w := obj.NewWriter(ctx)
	w.ContentType = contentTypeFor(key)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("export: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("export: gcs close %s: %w", key, err)
	}
	return nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}

// LocalSink writes bundle entries under a base directory, for local/dev
// mode and tests where no object store is configured.
type LocalSink struct {
	baseDir string
}

func NewLocalSink(baseDir string) *LocalSink {
	return &LocalSink{baseDir: baseDir}
}

func (s *LocalSink) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(s.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", key, err)
	}
	return nil
}

func contentTypeFor(key string) string {
	switch filepath.Ext(key) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
