// Package helpers contains shared test utilities.
package helpers

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// NopMetrics satisfies cacheproxy.Metrics and records nothing.
type NopMetrics struct{}

func (NopMetrics) IncTotalRequests()                   {}
func (NopMetrics) IncHit()                             {}
func (NopMetrics) IncMiss()                            {}
func (NopMetrics) IncExpired()                         {}
func (NopMetrics) IncUncached()                        {}
func (NopMetrics) IncWait()                            {}
func (NopMetrics) IncCoalesced()                       {}
func (NopMetrics) IncRedirect(_ string)                {}
func (NopMetrics) IncOriginErrors()                    {}
func (NopMetrics) IncCacheErrors()                     {}
func (NopMetrics) InflightAdd(_ string)                {}
func (NopMetrics) InflightRemove(_ string)             {}
func (NopMetrics) ObserveDuration(_ string, _ float64) {}

// Origin is an httptest origin that serves fixed bodies per path and counts
// how often each path was fetched.
type Origin struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	total  atomic.Int64
	hits   map[string]*atomic.Int64
}

// NewOrigin starts an origin server. Paths default to 404 until Set is
// called.
func NewOrigin(t *testing.T) *Origin {
	t.Helper()
	o := &Origin{
		bodies: make(map[string]string),
		status: make(map[string]int),
		hits:   make(map[string]*atomic.Int64),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.total.Add(1)
		o.mu.Lock()
		body, ok := o.bodies[r.URL.Path]
		code := o.status[r.URL.Path]
		ctr := o.hits[r.URL.Path]
		o.mu.Unlock()
		if ctr != nil {
			ctr.Add(1)
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if code != 0 && code != http.StatusOK {
			http.Error(w, "origin error", code)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(o.Server.Close)
	return o
}

// Set registers a body (and optional non-200 status) for a path.
func (o *Origin) Set(path, body string, status ...int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
	if len(status) > 0 {
		o.status[path] = status[0]
	} else {
		delete(o.status, path)
	}
	if _, ok := o.hits[path]; !ok {
		o.hits[path] = &atomic.Int64{}
	}
}

// Fetches returns how many times path was requested from the origin.
func (o *Origin) Fetches(path string) int64 {
	o.mu.Lock()
	ctr := o.hits[path]
	o.mu.Unlock()
	if ctr == nil {
		return 0
	}
	return ctr.Load()
}

// TotalFetches returns the total number of origin requests.
func (o *Origin) TotalFetches() int64 { return o.total.Load() }

// ReservePort returns an available local TCP port by briefly listening and
// closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// Get performs a GET with redirects disabled and returns the response plus
// the fully read body.
func Get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	if client == nil {
		client = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
	}
	resp, err := client.Get(url)
	require.NoError(t, err, fmt.Sprintf("GET %s", url))
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read body")
	return resp, string(b)
}
