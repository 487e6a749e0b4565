package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxSize caps the size of a downloaded document
const MaxSize = 4 << 20

// ErrTooLarge is returned when the response body exceeds the size cap
var ErrTooLarge = errors.New("response body too large")

// Downloader handles fetching remote configuration such as fix rule files
type Downloader struct {
	httpClient *http.Client
	maxSize    int64
	logger     *log.Entry
}

// New creates a new downloader
func New(timeout time.Duration) *Downloader {
	return &Downloader{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxSize: MaxSize,
		logger:  log.WithField("component", "downloader"),
	}
}

// Fetch downloads url and returns its body
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	d.logger.WithField("url", url).Info("Downloading")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %s", resp.Status)
	}

	// one extra byte tells an exact fit from an overflow
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > d.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.maxSize)
	}

	d.logger.WithField("bytes", len(data)).Debug("Download complete")
	return data, nil
}
