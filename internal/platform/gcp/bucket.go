package gcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/strideprep/itemforge-backend/internal/platform/logger"
)

// Bucket reads and writes source material objects (uploaded PDFs, answer
// keys). The bucket name comes from SOURCE_GCS_BUCKET_NAME.
type Bucket interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, contentType string, data []byte) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type bucketService struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewBucket(log *logger.Logger) (Bucket, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	name := strings.TrimSpace(os.Getenv("SOURCE_GCS_BUCKET_NAME"))
	if name == "" {
		return nil, fmt.Errorf("SOURCE_GCS_BUCKET_NAME is required")
	}

	client, err := storage.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}

	slog := log.With("service", "gcp.Bucket")
	slog.Info("source bucket initialized", "bucket", name)

	return &bucketService{log: slog, client: client, bucket: name}, nil
}

func (s *bucketService) Download(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *bucketService) Upload(ctx context.Context, key string, contentType string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *bucketService) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (s *bucketService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
