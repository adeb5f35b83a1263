// Package config holds the startup configuration of the proxy. Values come
// from flags or environment variables, are validated once, and the resulting
// Config is passed by value to constructors; no global mutable state.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config is the complete, immutable runtime configuration.
type Config struct {
	Addr      string `json:"addr"`       // proxy listen address
	AdminAddr string `json:"admin_addr"` // admin endpoints listen address

	Backend   string `json:"backend"`    // origin prefix URL, e.g. https://mirror.example.org
	CacheRoot string `json:"cache_root"` // cache directory, exclusively owned

	FileTTL  time.Duration `json:"file_ttl"`  // freshness window for artifact files
	IndexTTL time.Duration `json:"index_ttl"` // freshness window for directory indexes

	FallbackURL  string `json:"fallback_url"`  // redirect target for disallowed hosts
	AllowedHost  string `json:"allowed_host"`  // only Host this proxy serves; empty allows all
	StaticPrefix string `json:"static_prefix"` // path prefix handed off to the front door
	StaticURL    string `json:"static_url"`    // front door static location
	RulesFile    string `json:"rules_file"`    // optional YAML file with extra redirect rules

	OriginTimeout time.Duration `json:"origin_timeout"` // total origin round-trip budget
	WaitTimeout   time.Duration `json:"wait_timeout"`   // max join wait before 307 retry; 0 waits forever
	SweepInterval time.Duration `json:"sweep_interval"` // cache hygiene period

	LogLevel string `json:"log_level"`
}

// Default returns the baseline configuration the flags start from.
func Default() Config {
	return Config{
		Addr:          ":8181",
		AdminAddr:     ":8282",
		CacheRoot:     "./cache",
		FileTTL:       336 * time.Hour, // 14 days
		IndexTTL:      time.Minute,
		OriginTimeout: 5 * time.Minute,
		WaitTimeout:   12 * time.Second,
		SweepInterval: time.Minute,
		LogLevel:      "info",
	}
}

// Validate checks the configuration. Any error here is fatal: the process
// must exit nonzero rather than run misconfigured.
func (c Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("backend prefix URL is required")
	}
	u, err := url.Parse(c.Backend)
	if err != nil {
		return fmt.Errorf("backend prefix %q: %w", c.Backend, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend prefix %q must be an absolute http(s) URL", c.Backend)
	}
	if c.CacheRoot == "" {
		return fmt.Errorf("cache root is required")
	}
	if err := probeWritable(c.CacheRoot); err != nil {
		return fmt.Errorf("cache root %q not writable: %w", c.CacheRoot, err)
	}
	if c.FileTTL <= 0 || c.IndexTTL <= 0 {
		return fmt.Errorf("freshness durations must be positive (file=%s index=%s)", c.FileTTL, c.IndexTTL)
	}
	if c.OriginTimeout <= 0 {
		return fmt.Errorf("origin timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// probeWritable creates the directory if needed and verifies a file can
// actually be created in it.
func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
