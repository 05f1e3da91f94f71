// Package health polls a service's health endpoint until it reports up.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultURL      = "http://localhost:9000/up"
	DefaultTimeout  = 1200 * time.Second
	DefaultInterval = time.Second
	DefaultProgress = 20 * time.Second

	// DefaultAttemptTimeout bounds one request unless the interval is longer.
	DefaultAttemptTimeout = time.Second
)

// TimeoutError reports a service that did not come up in time.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Last    error // most recent probe failure
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s not up after %s", e.URL, e.Timeout)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// HTTPClient abstracts HTTP operations for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Checker probes an HTTP endpoint; a 200 response means up.
type Checker struct {
	URL      string
	Client   HTTPClient
	Timeout  time.Duration
	Interval time.Duration
	Progress time.Duration
	Logger   *zap.Logger

	// AttemptTimeout bounds each request so that a stalled one does not
	// use up the whole Timeout.
	AttemptTimeout time.Duration
}

// Check performs a single probe.
func (c *Checker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(), nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	return nil
}

// Wait polls until the endpoint is up, the timeout elapses or ctx is
// cancelled. onProgress, if set, is called about every Progress interval
// with the time spent waiting so far. A timeout returns *TimeoutError;
// cancellation returns ctx.Err().
func (c *Checker) Wait(ctx context.Context, onProgress func(elapsed time.Duration)) error {
	if _, err := http.NewRequest(http.MethodGet, c.url(), nil); err != nil {
		return fmt.Errorf("invalid health url %q: %w", c.url(), err)
	}
	timeout := orDefault(c.Timeout, DefaultTimeout)
	progress := orDefault(c.Progress, DefaultProgress)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	lastReport := start
	var last error

	interval := orDefault(c.Interval, DefaultInterval)
	attempt := c.AttemptTimeout
	if attempt <= 0 {
		attempt = max(interval, DefaultAttemptTimeout)
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx)
	err := backoff.RetryNotify(func() error {
		attemptCtx, cancel := context.WithTimeout(waitCtx, attempt)
		defer cancel()
		return c.Check(attemptCtx)
	}, policy, func(err error, _ time.Duration) {
		last = err
		now := time.Now()
		if now.Sub(lastReport) >= progress {
			lastReport = now
			elapsed := now.Sub(start).Truncate(time.Second)
			c.logger().Info("still waiting for service", zap.String("url", c.url()), zap.Duration("elapsed", elapsed), zap.Error(err))
			if onProgress != nil {
				onProgress(elapsed)
			}
		}
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if last == nil && !errors.Is(err, context.DeadlineExceeded) {
		last = err
	}
	return &TimeoutError{URL: c.url(), Timeout: timeout, Last: last}
}

func (c *Checker) url() string {
	if c.URL == "" {
		return DefaultURL
	}
	return c.URL
}

func (c *Checker) client() HTTPClient {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

func (c *Checker) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
