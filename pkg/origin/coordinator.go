package origin

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/artifactcache/cache-proxy/pkg/cache"
)

// ErrMustWait is returned to a caller that gave up waiting on an in-flight
// fetch. The fetch keeps running; the caller should tell its client to retry
// shortly (the frontend answers with a temporary self-redirect).
var ErrMustWait = errors.New("fetch in flight, retry")

// Result is the outcome of one coalesced fetch, shared by every waiter.
// Exactly one of Entry/Body is meaningful: Entry points at the installed
// cache file; Body carries salvaged in-memory bytes when persistence failed
// (PersistErr says why) and the response must still be served.
type Result struct {
	Entry      cache.Entry
	Body       []byte
	PersistErr error
}

// FetchFunc performs the actual upstream round trip plus cache write. It is
// invoked at most once per key per flight, on the leader's goroutine.
type FetchFunc func() (*Result, error)

// Coordinator guarantees at most one in-flight upstream fetch per key.
// Late arrivals join the flight and receive the leader's result. Fetches for
// different keys proceed fully in parallel; the registry lock is only held
// to check/insert/remove flight entries, never across the fetch itself.
type Coordinator struct {
	group singleflight.Group
}

// NewCoordinator returns a ready Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// FetchOrJoin runs fn for key, or joins an already running flight. The
// returned shared flag reports whether the result was produced by another
// caller's flight.
//
// ctx bounds only this caller's wait: when it expires or is canceled the
// caller gets ErrMustWait (deadline) or the context error, while the flight
// itself keeps running for the remaining waiters. A client disconnecting
// therefore never aborts a fetch other requests are coalesced on.
func (c *Coordinator) FetchOrJoin(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		// no result was received, so nothing was shared with this caller
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, ErrMustWait
		}
		return nil, false, ctx.Err()
	}
}
