package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Downloader fetches archives, skipping the transfer when the remote file
// has not changed since the local copy was written.
type Downloader struct {
	client    *retryablehttp.Client
	userAgent string
	logger    ectologger.Logger
}

func NewDownloader(cfg Config, logger ectologger.Logger) *Downloader {
	return &Downloader{
		client:    newRetryableClient(cfg, logger),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// DownloadIfModified downloads url into dest. It returns false without
// touching dest when the server reports the file unchanged since the
// modification time of dest.
func (d *Downloader) DownloadIfModified(ctx context.Context, url, dest string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "Downloader.DownloadIfModified")
	defer span.End()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid download url %s: %s", url, err.Error())
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if modified, ok := LastModified(dest); ok {
		req.Header.Set("If-Modified-Since", modified.UTC().Format(http.TimeFormat))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(http.MethodGet, "error", time.Since(start).Seconds())
		tracing.RecordError(span, err)
		d.logger.WithContext(ctx).WithError(err).Errorf("Download failed: %s", url)
		return false, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		metrics.RecordHTTPRequest(http.MethodGet, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
		d.logger.WithContext(ctx).Debugf("Archive %s not modified", url)
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.RecordHTTPRequest(http.MethodGet, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
		return false, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	written, err := writeAtomically(dest, resp.Body)
	metrics.RecordHTTPRequest(http.MethodGet, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		tracing.RecordError(span, err)
		return false, fmt.Errorf("download %s: %w", url, err)
	}

	if header := resp.Header.Get("Last-Modified"); header != "" {
		if modified, err := http.ParseTime(header); err == nil {
			_ = os.Chtimes(dest, modified, modified)
		}
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"url":   url,
		"bytes": written,
	}).Info("Downloaded archive")
	return true, nil
}

// LastModified returns the modification time of a local file.
func LastModified(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// LastModified returns the modification time of a previously downloaded
// archive.
func (d *Downloader) LastModified(path string) (time.Time, bool) {
	return LastModified(path)
}

// writeAtomically streams r into a temp file next to dest and renames it.
func writeAtomically(dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, err
	}
	return written, os.Rename(tmp.Name(), dest)
}
