package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"omnimap/internal/httpclient"
)

// Downloader streams media to local scratch files.
type Downloader struct {
	client    *http.Client
	limiter   *HostThrottle
	userAgent string
	logger    *slog.Logger
}

type DownloaderConfig struct {
	Client    *http.Client
	Limiter   *HostThrottle
	UserAgent string
	Logger    *slog.Logger
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.Client == nil {
		cfg.Client = httpclient.New(0)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = httpclient.DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Downloader{
		client:    cfg.Client,
		limiter:   cfg.Limiter,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

// Download writes mediaURL to destPath, creating parent directories, and
// returns the number of bytes written.
func (d *Downloader) Download(ctx context.Context, mediaURL, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("create media dir: %w", err)
	}
	if err := d.limiter.Wait(ctx, mediaURL); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	res, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download media: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return 0, fmt.Errorf("failed to download media: HTTP %d", res.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create media file: %w", err)
	}
	n, err := io.Copy(f, res.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write media file: %w", err)
	}

	d.logger.Info("media downloaded", "path", destPath, "bytes", n)
	return n, nil
}
