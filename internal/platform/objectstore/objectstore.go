// Package objectstore stores generated artifacts in an S3-compatible bucket
// through the MinIO client.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/phrazzld/genqueue/internal/handlers"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid object store configuration")

// Config holds the connection settings of the bucket.
type Config struct {
	Endpoint  string `mapstructure:"endpoint" validate:"required"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`

	// PublicURL is the base of returned object URLs. When empty the URL is
	// built from the endpoint with path-style addressing.
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url"`
}

// Store writes artifacts to a single bucket.
type Store struct {
	client *minio.Client
	bucket string
	base   *url.URL
	logger *slog.Logger
}

var _ handlers.ArtifactStore = (*Store)(nil)

// New creates a Store. It does not contact the server; call EnsureBucket
// before the first Put.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: endpoint and bucket are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create minio client: %v", ErrInvalidConfig, err)
	}

	var base *url.URL
	if cfg.PublicURL != "" {
		base, err = url.Parse(strings.TrimSuffix(cfg.PublicURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("%w: public URL: %v", ErrInvalidConfig, err)
		}
	} else {
		endpoint := *client.EndpointURL()
		endpoint.Path = "/" + cfg.Bucket
		base = &endpoint
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		base:   base,
		logger: logger.With("component", "objectstore", "bucket", cfg.Bucket),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	s.logger.InfoContext(ctx, "created artifact bucket")
	return nil
}

// Put implements handlers.ArtifactStore.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "stored artifact", "key", key, "size", info.Size)
	return s.URL(key), nil
}

// URL returns the address of key.
func (s *Store) URL(key string) string {
	return s.base.JoinPath(strings.Split(key, "/")...).String()
}
