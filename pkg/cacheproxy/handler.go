// Package cacheproxy is the HTTP frontend of the caching reverse proxy. It
// sits behind a TLS-terminating front door, classifies each request through
// the redirect policy, and on the proxy path drives the disk store and the
// coalesced origin fetcher.
package cacheproxy

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/artifactcache/cache-proxy/pkg/cache"
	"github.com/artifactcache/cache-proxy/pkg/origin"
	"github.com/artifactcache/cache-proxy/pkg/rules"
)

// Handler serves the cache-or-fetch request flow. One goroutine per request
// (net/http's model); requests only ever block on disk I/O, the coalescing
// join point, or their own origin round trip.
type Handler struct {
	store   *cache.Store
	rules   *rules.Set
	fetcher *origin.Fetcher
	coord   *origin.Coordinator
	metrics Metrics

	// waitTimeout bounds how long a request waits on an in-flight fetch
	// before answering with a temporary self-redirect so the client retries
	// instead of timing out. Zero waits indefinitely.
	waitTimeout time.Duration
}

// New wires a Handler. metrics may be nil.
func New(store *cache.Store, ruleSet *rules.Set, fetcher *origin.Fetcher, coord *origin.Coordinator, metrics Metrics, waitTimeout time.Duration) *Handler {
	return &Handler{
		store:       store,
		rules:       ruleSet,
		fetcher:     fetcher,
		coord:       coord,
		metrics:     metrics,
		waitTimeout: waitTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.NewString()
	if h.metrics != nil {
		h.metrics.IncTotalRequests()
		inflightID := reqID + " " + r.Method + " " + r.URL.Path
		h.metrics.InflightAdd(inflightID)
		defer h.metrics.InflightRemove(inflightID)
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dec := h.rules.Evaluate(r.Host, r.URL.Path)
	if dec.Action == rules.ActionRedirect {
		if h.metrics != nil {
			h.metrics.IncRedirect(dec.Reason)
		}
		// Fallback redirects must not be cached by the client; the same URL
		// becomes valid again once the request arrives on the right host.
		if dec.Reason == rules.ReasonHost {
			w.Header().Set("Cache-Control", "no-store")
		}
		http.Redirect(w, r, dec.Location, dec.Status)
		log.Info().
			Str("request_id", reqID).
			Str("host", r.Host).
			Str("path", r.URL.Path).
			Str("location", dec.Location).
			Str("reason", dec.Reason).
			Int("status", dec.Status).
			Msg("redirected")
		return
	}

	key := cache.KeyFor(dec.Path)

	entry, ok := h.store.Lookup(key)
	if ok && h.store.Fresh(entry) {
		h.serveEntry(w, r, entry, OutcomeHit)
		if h.metrics != nil {
			h.metrics.IncHit()
			h.metrics.ObserveDuration(OutcomeHit, time.Since(start).Seconds())
		}
		log.Info().
			Str("request_id", reqID).
			Str("path", key.Path).
			Str("outcome", OutcomeHit).
			Dur("latency", time.Since(start)).
			Int64("size", entry.Size).
			Msg("served")
		return
	}
	// a stale entry is a miss; a successful fetch atomically replaces it
	hadStale := ok

	ctx := r.Context()
	if h.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.waitTimeout)
		defer cancel()
	}

	res, shared, err := h.coord.FetchOrJoin(ctx, key.Path, func() (*origin.Result, error) {
		return h.fetchAndStore(key)
	})

	switch {
	case errors.Is(err, origin.ErrMustWait):
		// Trick the client into trying again while the download finishes.
		if h.metrics != nil {
			h.metrics.IncWait()
			h.metrics.ObserveDuration(OutcomeWait, time.Since(start).Seconds())
		}
		w.Header().Set("X-Cache", OutcomeWait)
		http.Redirect(w, r, key.Path, http.StatusTemporaryRedirect)
		log.Info().
			Str("request_id", reqID).
			Str("path", key.Path).
			Str("outcome", OutcomeWait).
			Dur("latency", time.Since(start)).
			Msg("fetch in flight, client redirected to retry")
		return
	case errors.Is(err, context.Canceled):
		// The client hung up while waiting; nobody is left to answer. The
		// flight keeps running for any other waiters, so this is not an
		// upstream failure.
		log.Debug().
			Str("request_id", reqID).
			Str("path", key.Path).
			Dur("latency", time.Since(start)).
			Msg("client disconnected while waiting on fetch")
		return
	case err != nil:
		if h.metrics != nil {
			h.metrics.IncOriginErrors()
			h.metrics.ObserveDuration("ORIGIN-ERROR", time.Since(start).Seconds())
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
		log.Error().
			Err(err).
			Str("request_id", reqID).
			Str("path", key.Path).
			Bool("coalesced", shared).
			Dur("latency", time.Since(start)).
			Msg("origin fetch failed")
		return
	}

	if shared && h.metrics != nil {
		h.metrics.IncCoalesced()
	}

	if res.Body != nil {
		// Persistence failed; the bytes were salvaged and the client is
		// still served. The cache simply did not warm for this key.
		if h.metrics != nil {
			h.metrics.IncCacheErrors()
			h.metrics.IncUncached()
			h.metrics.ObserveDuration(OutcomeUncached, time.Since(start).Seconds())
		}
		h.serveBytes(w, r, key, res.Body)
		log.Warn().
			Err(res.PersistErr).
			Str("request_id", reqID).
			Str("path", key.Path).
			Str("outcome", OutcomeUncached).
			Int("size", len(res.Body)).
			Dur("latency", time.Since(start)).
			Msg("served without caching, persist failed")
		return
	}

	outcome := OutcomeMiss
	if hadStale {
		outcome = OutcomeExpired
	}
	h.serveEntry(w, r, res.Entry, outcome)
	if h.metrics != nil {
		if hadStale {
			h.metrics.IncExpired()
		} else {
			h.metrics.IncMiss()
		}
		h.metrics.ObserveDuration(outcome, time.Since(start).Seconds())
	}
	log.Info().
		Str("request_id", reqID).
		Str("path", key.Path).
		Str("outcome", outcome).
		Bool("coalesced", shared).
		Dur("latency", time.Since(start)).
		Int64("size", res.Entry.Size).
		Msg("served")
}

// fetchAndStore is the coalesced leader path: one origin round trip, body
// streamed straight into a staging file, atomic install on success. Runs
// with its own context so a departing client never aborts a fetch other
// waiters depend on; the fetcher's client timeout is the only bound.
func (h *Handler) fetchAndStore(key cache.Key) (*origin.Result, error) {
	upstreamPath := key.Path
	if key.Index {
		// index listings live at the directory URL on the backend
		upstreamPath += "/"
	}
	resp, err := h.fetcher.Fetch(context.Background(), upstreamPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	st, err := h.store.Stage(key)
	if err != nil {
		// Cache root suddenly unusable (permissions, missing dir). Serve
		// from memory; the failure is reported, not fatal.
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return nil, rerr
		}
		return &origin.Result{Body: body, PersistErr: err}, nil
	}

	if _, err := io.Copy(st, resp.Body); err != nil {
		if werr := st.WriteErr(); werr != nil {
			// Disk failure mid-stream (full, quota). Salvage what landed on
			// disk plus the remainder of the body and serve it anyway.
			body, serr := st.Salvage(resp.Body)
			if serr != nil {
				return nil, serr
			}
			return &origin.Result{Body: body, PersistErr: werr}, nil
		}
		// Origin read failed: interrupted transfer. Discard the partial
		// staging file; nothing becomes visible under the key.
		st.Discard()
		return nil, err
	}

	entry, err := st.Commit()
	if err != nil {
		body, serr := st.Salvage(nil)
		if serr != nil {
			return nil, serr
		}
		return &origin.Result{Body: body, PersistErr: err}, nil
	}
	return &origin.Result{Entry: entry}, nil
}

// serveEntry streams an installed cache file. http.ServeFile supplies
// Content-Length, Content-Type by extension, range support and HEAD
// handling for free.
func (h *Handler) serveEntry(w http.ResponseWriter, r *http.Request, e cache.Entry, outcome string) {
	w.Header().Set("X-Cache", outcome)
	http.ServeFile(w, r, e.Path)
}

// serveBytes answers from salvaged in-memory bytes when the disk write
// failed.
func (h *Handler) serveBytes(w http.ResponseWriter, r *http.Request, key cache.Key, body []byte) {
	ct := "application/json"
	if !key.Index {
		ct = mime.TypeByExtension(path.Ext(key.Path))
		if ct == "" {
			ct = "application/octet-stream"
		}
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Cache", OutcomeUncached)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}
