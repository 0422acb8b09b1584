package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bgpsight/mrt-broker/internal/logger"
)

const (
	fetchTimeout = 30 * time.Second
	userAgent    = "mrt-broker/1.0"
)

// Fetcher retrieves the text body of a directory-listing URL.
type Fetcher interface {
	FetchBody(ctx context.Context, url string) (string, error)
}

// RetryingFetcher fetches pages with a fixed per-attempt timeout and an
// exponential backoff retry schedule. Any transport failure retries; HTTP
// status codes are not interpreted, the parser consumes whatever body came
// back.
type RetryingFetcher struct {
	client     *resty.Client
	maxRetries int
	backoff    time.Duration
}

// NewRetryingFetcher builds a fetcher making up to maxRetries attempts with
// backoffMs·2^k sleeps between them.
func NewRetryingFetcher(maxRetries int, backoffMs int64) *RetryingFetcher {
	c := resty.New()
	c.SetTimeout(fetchTimeout)
	c.SetHeader("User-Agent", userAgent)
	return &RetryingFetcher{
		client:     c,
		maxRetries: maxRetries,
		backoff:    time.Duration(backoffMs) * time.Millisecond,
	}
}

// FetchBody performs the GET, returning the last-seen error once all attempts
// exhaust. After the k-th failed attempt it sleeps backoff·2^k before moving
// on.
func (f *RetryingFetcher) FetchBody(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		resp, err := f.client.R().SetContext(ctx).Get(url)
		if err == nil {
			return string(resp.Body()), nil
		}
		lastErr = err

		sleep := f.backoff * (1 << attempt)
		logger.WarnObj("fetch attempt failed", "retry", map[string]any{
			"url":     url,
			"attempt": attempt + 1,
			"sleep":   sleep.String(),
			"error":   lastErr.Error(),
		})
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("fetch %s: %w", url, lastErr)
}
