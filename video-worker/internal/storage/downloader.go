package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"videogen-server/shared/models"

	"go.uber.org/zap"
)

// Downloader скачивает результат генерации с CDN провайдера.
type Downloader struct {
	http     *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewDownloader создает загрузчик. maxBytes <= 0 - без ограничения.
func NewDownloader(httpClient *http.Client, maxBytes int64, logger *zap.Logger) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Downloader{http: httpClient, maxBytes: maxBytes, logger: logger.Named("Downloader")}
}

// Fetch открывает поток с содержимым по url. Вызывающий закрывает поток.
// 5xx и сетевые ошибки оборачивают models.ErrProviderUnavailable (повторяемые).
func (d *Downloader) Fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid artifact url: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: download failed: %w", models.ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, "", fmt.Errorf("%w: download returned status %d", models.ErrProviderUnavailable, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("%w: download returned status %d", models.ErrProviderFailed, resp.StatusCode)
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: artifact of %d bytes exceeds limit %d", models.ErrProviderFailed, resp.ContentLength, d.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	body := resp.Body
	if d.maxBytes > 0 {
		body = &limitedBody{r: io.LimitReader(resp.Body, d.maxBytes+1), c: resp.Body, max: d.maxBytes}
	}
	d.logger.Debug("Artifact download started", zap.String("url", url), zap.Int64("content_length", resp.ContentLength))
	return body, contentType, nil
}

// limitedBody возвращает ошибку, если тело оказалось больше max.
type limitedBody struct {
	r    io.Reader
	c    io.Closer
	max  int64
	read int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.max {
		return n, fmt.Errorf("%w: artifact exceeds limit %d", models.ErrProviderFailed, l.max)
	}
	return n, err
}

func (l *limitedBody) Close() error { return l.c.Close() }
