package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// Fetcher opens data sources by location. Locations starting with http:// or
// https:// are downloaded with retries, anything else is read from disk.
type Fetcher struct {
	httpClient *http.Client
	retries    int
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher that gives up after retries failed attempts.
func NewFetcher(timeout time.Duration, retries int, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		retries:    max(retries, 1),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		logger:     logger,
	}
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Open returns a reader over the content at location. The caller closes it.
func (f *Fetcher) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !isRemote(location) {
		file, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", location, err)
		}
		return file, nil
	}

	b := &backoff.Backoff{
		Min:    f.minBackoff,
		Max:    f.maxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		body, err := f.get(ctx, location)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var perm permanentError
		if errors.As(err, &perm) || ctx.Err() != nil || attempt == f.retries {
			break
		}

		wait := b.Duration()
		f.logger.Warn("fetch failed, retrying",
			"location", location,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", location, lastErr)
}

func (f *Fetcher) get(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, permanentError{fmt.Errorf("create request: %w", err)}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanentError{err}
		}
		return nil, err
	}
	return resp.Body, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// joinLocation appends name to a directory path or URL prefix.
func joinLocation(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimRight(dir, "/") + "/" + name
}
