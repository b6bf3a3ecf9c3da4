package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSStore пишет объекты в бакет Google Cloud Storage.
// Учетные данные берутся из окружения (GOOGLE_APPLICATION_CREDENTIALS).
type GCSStore struct {
	client    *gcs.Client
	bucket    string
	publicURL string
	logger    *zap.Logger
}

var _ Storage = (*GCSStore)(nil)

// NewGCSStore создает клиент GCS.
func NewGCSStore(ctx context.Context, bucket, publicBaseURL string, logger *zap.Logger) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs storage requires a bucket")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = "https://storage.googleapis.com/" + bucket
	}
	logger.Info("GCS storage configured", zap.String("bucket", bucket))
	return &GCSStore{client: client, bucket: bucket, publicURL: publicBaseURL, logger: logger.Named("GCSStore")}, nil
}

// Put загружает объект. Объект становится видимым только после успешного Close.
func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=86400"

	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload of %s: %w", key, err)
	}

	s.logger.Info("Object uploaded", zap.String("bucket", s.bucket), zap.String("key", key), zap.Int64("bytes", n))
	return publicURL(s.publicURL, key), nil
}

// Close закрывает клиент.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
