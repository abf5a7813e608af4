// Package control implements the single outbound RPC to the control plane:
// resolving a hostname to a deployment descriptor. Retries use an
// escalating, deadline-aware backoff around one JSON-over-HTTP call.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/origanhq/gateway/internal/manifest"
)

// ErrNotFound means the control plane has no deployment bound to the
// requested hostname.
var ErrNotFound = errors.New("control: not found")

// ErrUnavailable means the control plane failed transiently and retries
// were exhausted.
var ErrUnavailable = errors.New("control: unavailable")

// backoff is the escalating delay schedule between retry attempts.
var backoff = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}

// Client calls the control plane's domain-resolution endpoint.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	callDeadline time.Duration
	log          *slog.Logger
}

// New constructs a Client targeting baseURL (e.g. "https://control.internal").
func New(baseURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{},
		callDeadline: 2 * time.Second,
		log:          log,
	}
}

// Ping verifies the control plane is reachable, for use as a readiness
// probe. It resolves a sentinel hostname that is never expected to be
// bound; ErrNotFound still counts as "reachable" since it proves the
// control plane answered.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ResolveDomain(ctx, "readiness-probe.invalid")
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return fmt.Errorf("control: ping: %w", err)
}

// ResolveDomain resolves hostname to a deployment descriptor. On a
// transient failure it retries up to len(backoff) additional times with
// exponential backoff, each attempt capped by the remaining caller deadline.
// The final transient failure is reported as ErrUnavailable so the config
// cache can fall back to a stale entry; a definitive miss is ErrNotFound.
func (c *Client) ResolveDomain(ctx context.Context, hostname string) (*manifest.Descriptor, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("control: invalid base url: %w", err)
	}
	u.Path = "/v1/resolve"
	q := u.Query()
	q.Set("hostname", hostname)
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		if attempt > 0 {
			delay := backoff[attempt-1]
			if deadline, ok := ctx.Deadline(); ok {
				if remaining := time.Until(deadline); remaining < delay {
					delay = remaining
				}
			}
			if delay <= 0 {
				break
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		desc, err := c.attempt(ctx, u.String())
		if err == nil {
			return desc, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err
		c.log.WarnContext(ctx, "control_resolve_attempt_failed",
			slog.String("hostname", hostname),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no attempts made")
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, hostname, lastErr)
}

func (c *Client) attempt(ctx context.Context, reqURL string) (*manifest.Descriptor, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.callDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("control: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("control: server status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("control: read body: %w", err)
	}

	desc, err := manifest.ParseDescriptor(body)
	if err != nil {
		// A malformed manifest from the control plane is treated as a
		// transient outage rather than handed to a handler, per the
		// discriminated-union parsing policy: bad data never reaches
		// request dispatch.
		return nil, fmt.Errorf("control: %w", err)
	}
	return desc, nil
}
