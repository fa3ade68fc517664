package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/lifecycle"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
)

// Storage checks and links encoded outputs in object storage
type Storage struct {
	client *minio.Client
}

// New creates a new storage client
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &Storage{client: client}, nil
}

// classifyStatError maps a missing object or bucket to a validation error,
// since the worker reported an output that does not exist.
func classifyStatError(bucket, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: output %s/%s does not exist", lifecycle.ErrValidation, bucket, key)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: failed to stat output %s/%s: %w", lifecycle.ErrStore, bucket, key, err)
	}
}

// VerifyOutput confirms the object a worker reported as its output exists
func (s *Storage) VerifyOutput(ctx context.Context, bucket, key string) error {
	start := time.Now()

	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		metrics.RecordStorageOperation("stat", "error", time.Since(start).Seconds())
		return classifyStatError(bucket, key, err)
	}

	metrics.RecordStorageOperation("stat", "success", time.Since(start).Seconds())
	return nil
}

// PresignOutput returns a time-limited download URL for an output object
func (s *Storage) PresignOutput(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	start := time.Now()

	url, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
	if err != nil {
		metrics.RecordStorageOperation("presign", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}

	metrics.RecordStorageOperation("presign", "success", time.Since(start).Seconds())
	return url.String(), nil
}

// Health checks that the endpoint answers
func (s *Storage) Health(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	return nil
}
