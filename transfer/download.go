package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/melbahja/got"
)

// Download fetches bucket/key into the local file dest. The object is read with parallel range
// requests against a presigned URL. A partially written dest is removed on failure.
func (m *Manager) Download(ctx context.Context, bucket, key, dest string) error {
	if err := m.download(ctx, bucket, key, dest); err != nil {
		return m.fail(ctx, "download", bucket, key, err)
	}
	m.logger.Debugf("Downloaded %s/%s to %s", bucket, key, dest)
	return nil
}

func (m *Manager) download(ctx context.Context, bucket, key, dest string) error {
	url, err := m.backend.PresignGetObject(ctx, bucket, key, DefaultPresignExpiry)
	if err != nil {
		return fmt.Errorf("presign download: %w", err)
	}

	if err := m.osProxy.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	downloader := got.New()
	downloader.Client = m.httpClient

	if err := downloader.Do(got.NewDownload(ctx, url, dest)); err != nil {
		if rmErr := m.osProxy.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			m.logger.Warnf("Failed to remove partial download %s: %s", dest, rmErr)
		}
		return fmt.Errorf("download object: %w", err)
	}
	return nil
}
