// Package rules classifies inbound requests before any cache work happens.
// The rule set is built once at startup and never mutated; evaluation is a
// fixed priority order: disallowed host, path normalization, static
// hand-off, extra prefix rules, then proxy.
package rules

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reasons attached to redirect decisions, used for metrics and logs.
const (
	ReasonHost      = "host"
	ReasonNormalize = "normalize"
	ReasonStatic    = "static"
	ReasonRule      = "rule"
)

// Action is what the frontend should do with a request.
type Action int

const (
	// ActionProxy means proceed to cache lookup / origin fetch.
	ActionProxy Action = iota
	// ActionRedirect means answer with a redirect, no cache or origin work.
	ActionRedirect
)

// Decision is the outcome of evaluating one request.
type Decision struct {
	Action   Action
	Path     string // cleaned request path, valid for ActionProxy
	Status   int    // redirect status, valid for ActionRedirect
	Location string // redirect target, valid for ActionRedirect
	Reason   string // one of the Reason constants, valid for ActionRedirect
}

// Rule is an extra prefix-redirect rule loaded from the optional rules file.
type Rule struct {
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
	Status int    `yaml:"status"` // defaults to 302
}

// Set is an immutable, ordered redirect policy.
type Set struct {
	allowedHost  string
	fallbackURL  string
	staticPrefix string
	staticURL    string
	extra        []Rule
}

// Load builds the rule set. allowedHost limits which Host headers may be
// proxied (empty disables the check, the host rule otherwise prevents the
// proxy from acting as an open relay). staticPrefix/staticURL hand requests
// under a path prefix back to the front door's static location. rulesFile
// optionally names a YAML file with extra prefix rules.
func Load(allowedHost, fallbackURL, staticPrefix, staticURL, rulesFile string) (*Set, error) {
	s := &Set{
		allowedHost:  strings.ToLower(allowedHost),
		fallbackURL:  fallbackURL,
		staticPrefix: staticPrefix,
		staticURL:    strings.TrimSuffix(staticURL, "/"),
	}
	if allowedHost != "" && fallbackURL == "" {
		return nil, fmt.Errorf("allowed host set but no fallback redirect URL")
	}
	if staticPrefix != "" {
		if !strings.HasPrefix(staticPrefix, "/") {
			return nil, fmt.Errorf("static prefix %q must start with /", staticPrefix)
		}
		if staticURL == "" {
			return nil, fmt.Errorf("static prefix set but no static URL")
		}
	}
	if rulesFile != "" {
		extra, err := loadFile(rulesFile)
		if err != nil {
			return nil, err
		}
		s.extra = extra
	}
	return s, nil
}

func loadFile(name string) ([]Rule, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", name, err)
	}
	for i, r := range doc.Rules {
		if !strings.HasPrefix(r.Prefix, "/") || r.Target == "" {
			return nil, fmt.Errorf("rules file %s: rule %d needs a /-prefix and a target", name, i)
		}
		if r.Status == 0 {
			doc.Rules[i].Status = http.StatusFound
		}
	}
	return doc.Rules, nil
}

// Evaluate classifies a request by host and raw path.
func (s *Set) Evaluate(host, rawPath string) Decision {
	if s.allowedHost != "" && hostname(host) != s.allowedHost {
		return Decision{
			Action:   ActionRedirect,
			Status:   http.StatusFound,
			Location: s.fallbackURL,
			Reason:   ReasonHost,
		}
	}

	clean := path.Clean("/" + strings.TrimPrefix(rawPath, "/"))
	if clean != rawPath {
		// Canonicalize before keying the cache, so /a//b and /a/b/ share
		// one entry. Permanent: the mapping never changes.
		return Decision{
			Action:   ActionRedirect,
			Status:   http.StatusMovedPermanently,
			Location: clean,
			Reason:   ReasonNormalize,
		}
	}

	if s.staticPrefix != "" && underPrefix(clean, s.staticPrefix) {
		return Decision{
			Action:   ActionRedirect,
			Status:   http.StatusFound,
			Location: s.staticURL + clean,
			Reason:   ReasonStatic,
		}
	}

	for _, r := range s.extra {
		if underPrefix(clean, r.Prefix) {
			return Decision{
				Action:   ActionRedirect,
				Status:   r.Status,
				Location: strings.TrimSuffix(r.Target, "/") + clean,
				Reason:   ReasonRule,
			}
		}
	}

	return Decision{Action: ActionProxy, Path: clean}
}

// hostname strips an optional port and lowercases, leaving IPv6 literals
// intact.
func hostname(host string) string {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	return strings.Trim(h, "[]")
}

// underPrefix matches whole path segments: /static matches /static/x and
// /static itself, but not /staticfile.
func underPrefix(p, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
