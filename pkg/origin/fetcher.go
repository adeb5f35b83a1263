// Package origin talks to the upstream backend: a plain HTTP fetcher with
// artifact-scale timeouts, and a coordinator that collapses concurrent
// cache misses for the same key into a single upstream round trip.
package origin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusError reports a non-success origin status. The fetch counts as a
// failure: nothing is cached and the client receives a gateway error.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin %s returned %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Fetcher issues GET requests against a fixed backend prefix.
type Fetcher struct {
	backend *url.URL
	client  *http.Client
}

// NewFetcher validates the backend prefix URL and builds a client with the
// given total timeout. Timeouts are minutes-scale: origin responses may be
// multi-gigabyte artifacts.
func NewFetcher(backend string, timeout time.Duration) (*Fetcher, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("parse backend prefix %q: %w", backend, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend prefix %q: scheme must be http or https", backend)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend prefix %q: missing host", backend)
	}
	return &Fetcher{
		backend: u,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Host returns the backend host (without port), used by the router's
// allowed-host check.
func (f *Fetcher) Host() string {
	h := f.backend.Host
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	return h
}

// URL joins the backend prefix with an upstream path.
func (f *Fetcher) URL(upstreamPath string) string {
	base := strings.TrimSuffix(f.backend.String(), "/")
	return base + upstreamPath
}

// Fetch GETs the backend at the given path. A non-2xx status is returned as
// a *StatusError with the body already closed. On success the caller owns
// resp.Body. There is no retry: the next independent request re-attempts.
func (f *Fetcher) Fetch(ctx context.Context, upstreamPath string) (*http.Response, error) {
	rawURL := f.URL(upstreamPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request %s: %w", rawURL, err)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	log.Debug().Str("url", rawURL).Int64("length", resp.ContentLength).Msg("origin fetch started")
	return resp, nil
}
