// Command cache-proxy is a disk-backed caching reverse proxy for large
// build artifacts. It sits behind a TLS-terminating front door, serves
// previously fetched responses from local disk while fresh, coalesces
// concurrent misses into single origin fetches, and applies a small
// redirect policy (disallowed hosts, static hand-off).
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/artifactcache/cache-proxy/pkg/admin"
	"github.com/artifactcache/cache-proxy/pkg/cache"
	"github.com/artifactcache/cache-proxy/pkg/cacheproxy"
	"github.com/artifactcache/cache-proxy/pkg/config"
	"github.com/artifactcache/cache-proxy/pkg/logging"
	"github.com/artifactcache/cache-proxy/pkg/origin"
	"github.com/artifactcache/cache-proxy/pkg/rules"
	"github.com/artifactcache/cache-proxy/pkg/signals"
)

func main() {
	cfg := config.Default()

	// Every flag is also settable via an environment variable named after
	// it (e.g. BACKEND, CACHE_ROOT, FILE_TTL); the supervisor configures
	// the service that way.
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "proxy listen address")
	flag.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin endpoints listen address")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "origin prefix URL (required)")
	flag.StringVar(&cfg.CacheRoot, "cache-root", cfg.CacheRoot, "cache directory")
	flag.DurationVar(&cfg.FileTTL, "file-ttl", cfg.FileTTL, "freshness window for artifact files")
	flag.DurationVar(&cfg.IndexTTL, "index-ttl", cfg.IndexTTL, "freshness window for directory indexes")
	flag.StringVar(&cfg.FallbackURL, "fallback-url", cfg.FallbackURL, "redirect target for disallowed hosts")
	flag.StringVar(&cfg.AllowedHost, "allowed-host", cfg.AllowedHost, "only Host served by this proxy (empty allows all)")
	flag.StringVar(&cfg.StaticPrefix, "static-prefix", cfg.StaticPrefix, "path prefix redirected to the front door's static location")
	flag.StringVar(&cfg.StaticURL, "static-url", cfg.StaticURL, "front door static location for the hand-off prefix")
	flag.StringVar(&cfg.RulesFile, "rules", cfg.RulesFile, "optional YAML file with extra redirect rules")
	flag.DurationVar(&cfg.OriginTimeout, "origin-timeout", cfg.OriginTimeout, "total origin round-trip budget")
	flag.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "max wait on an in-flight fetch before telling the client to retry (0 waits forever)")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "cache hygiene period")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	flag.Parse()

	logging.Setup(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	store := cache.New(cfg.CacheRoot, cfg.FileTTL, cfg.IndexTTL)
	if n := store.SanitizeTemp(); n > 0 {
		log.Info().Int("removed", n).Msg("removed leftover staging files")
	}

	ruleSet, err := rules.Load(cfg.AllowedHost, cfg.FallbackURL, cfg.StaticPrefix, cfg.StaticURL, cfg.RulesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid redirect rules")
	}

	fetcher, err := origin.NewFetcher(cfg.Backend, cfg.OriginTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backend")
	}

	metrics := admin.NewMetrics()
	handler := cacheproxy.New(store, ruleSet, fetcher, origin.NewCoordinator(), metrics, cfg.WaitTimeout)

	ctx := signals.Context()

	// periodic cache hygiene
	go func() {
		store.Sweep()
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				store.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", admin.HandleHealth)
	adminMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { admin.HandleMetrics(w, metrics) })
	adminMux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) { admin.HandleStatusz(w, metrics) })
	adminMux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) { admin.HandleVarz(w, cfg) })

	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminMux, ReadHeaderTimeout: 15 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin HTTP starting")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("admin HTTP failed")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = adminSrv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", cfg.Addr).
		Str("backend", cfg.Backend).
		Str("cache_root", cfg.CacheRoot).
		Dur("file_ttl", cfg.FileTTL).
		Dur("index_ttl", cfg.IndexTTL).
		Msg("starting cache-proxy")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
