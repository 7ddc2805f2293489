package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retry bounds how often a transient failure (HTTP 429 or 5xx) is retried.
// The zero value disables retries.
type Retry struct {
	Max        int           // extra attempts after the first
	Initial    time.Duration // first wait; doubles per attempt
	MaxBackoff time.Duration // cap on a single wait; 0 means 30s
}

const defaultMaxBackoff = 30 * time.Second

// HTTPError is a non-200 reply from the provider.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 when absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Transient reports whether a retry could succeed.
func (e *HTTPError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// WithRetry returns a copy of c that retries transient failures.
func (c *Client) WithRetry(r Retry) *Client {
	cp := *c
	cp.retry = r
	return &cp
}

// backoff returns the wait before retry number attempt (0-based). A server
// supplied Retry-After wins when it is longer.
func (r Retry) backoff(attempt int, err error) time.Duration {
	limit := r.MaxBackoff
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	d := r.Initial
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > d {
		d = he.RetryAfter
	}
	return min(d, limit)
}

// postRetrying wraps post with the client's retry policy. Only HTTPErrors
// marked transient are retried; transport and decode errors return at once.
func (c *Client) postRetrying(ctx context.Context, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.post(ctx, path, body, out)
		var he *HTTPError
		if err == nil || !errors.As(err, &he) || !he.Transient() {
			return err
		}
		if attempt >= c.retry.Max {
			if attempt > 0 {
				return fmt.Errorf("%w (after %d retries)", err, attempt)
			}
			return err
		}
		wait := c.retry.backoff(attempt, err)
		slog.Warn("["+c.label+"] transient error, retrying", "status", he.Status, "attempt", attempt+1, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
