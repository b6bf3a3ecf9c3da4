package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidKey - ключ пустой или выходит за пределы хранилища.
var ErrInvalidKey = errors.New("invalid storage key")

// Storage сохраняет готовое видео и возвращает его публичный URL.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

// Config - выбор и настройки хранилища.
type Config struct {
	Backend       string `envconfig:"STORAGE_BACKEND" default:"file"` // file, gcs, none
	BaseDir       string `envconfig:"STORAGE_BASE_DIR" default:"/var/lib/videogen/videos"`
	Bucket        string `envconfig:"STORAGE_GCS_BUCKET" default:""`
	PublicBaseURL string `envconfig:"STORAGE_PUBLIC_BASE_URL" default:"http://localhost:8080/videos"`
	MaxBytes      int64  `envconfig:"STORAGE_MAX_DOWNLOAD_BYTES" default:"536870912"`
}

// New создает хранилище по конфигурации. Для "none" возвращает nil: остается ссылка провайдера.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Storage, error) {
	switch strings.ToLower(cfg.Backend) {
	case "none":
		return nil, nil
	case "", "file":
		return NewFileStore(cfg.BaseDir, cfg.PublicBaseURL, logger)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.PublicBaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Backend)
	}
}

// CleanKey нормализует ключ объекта: только прямые слэши, без ведущего слэша и без "..".
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: '%s'", ErrInvalidKey, key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidKey, key)
	}
	return cleaned, nil
}

func publicURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + key
}

// FileStore пишет файлы в локальный каталог, который раздается как статика.
type FileStore struct {
	baseDir   string
	publicURL string
	logger    *zap.Logger
}

var _ Storage = (*FileStore)(nil)

// NewFileStore создает каталог, если его нет.
func NewFileStore(baseDir, publicBaseURL string, logger *zap.Logger) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("file storage requires a base directory")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir, publicURL: publicBaseURL, logger: logger.Named("FileStore")}, nil
}

// Put пишет во временный файл и переименовывает его, чтобы читатели не видели недописанный файл.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create dir for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	s.logger.Info("Object stored", zap.String("key", key), zap.Int64("bytes", n))
	return publicURL(s.publicURL, key), nil
}

// ctxReader прерывает копирование при отмене контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
