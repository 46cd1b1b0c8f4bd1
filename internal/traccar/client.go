// Package traccar is a client for the Traccar server used as the external
// telemetry source: trip reports, devices and geofences.
package traccar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable wraps transport failures and 5xx answers.
var ErrUnavailable = errors.New("traccar unavailable")

// StatusError is a non-2xx answer that is not retried.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("traccar %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Options struct {
	Username   string
	Password   string
	Timeout    time.Duration
	RateLimit  rate.Limit
	Burst      int
	MaxRetries int
	Backoff    time.Duration
}

const (
	defaultTimeout = 10 * time.Second
	defaultRPS     = 5
	defaultBurst   = 5
	defaultRetries = 2
	defaultBackoff = 250 * time.Millisecond
	maxBodyLog     = 256
)

type Client struct {
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	username   string
	password   string
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

func NewClient(baseURL string, opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRPS
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:       &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(opts.RateLimit, opts.Burst),
		username:   opts.Username,
		password:   opts.Password,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     logger,
	}
}

// do sends one request and decodes a JSON answer into out when out is not
// nil. Only GETs are retried.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = b
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.maxRetries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff*time.Duration(1<<(attempt-1))); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.username != "" || c.password != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
			continue
		}
		c.logger.Debug("traccar request",
			zap.String("method", method), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

		if resp.StatusCode >= http.StatusInternalServerError {
			drain(resp)
			lastErr = fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
			continue
		}
		if resp.StatusCode >= http.StatusBadRequest {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
			_ = resp.Body.Close()
			return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		if out == nil {
			drain(resp)
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	return lastErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func idPath(prefix string, id int64) string {
	return prefix + "/" + strconv.FormatInt(id, 10)
}
