package cacheproxy

// X-Cache outcomes reported to clients and metrics.
const (
	OutcomeHit      = "HIT"      // served from a fresh disk entry
	OutcomeMiss     = "MISS"     // cold fetch, entry installed
	OutcomeExpired  = "EXPIRED"  // stale entry treated as a miss, replaced
	OutcomeUncached = "UNCACHED" // served from salvaged bytes, persist failed
	OutcomeWait     = "WAIT"     // fetch still in flight, client told to retry
)

// Metrics is the narrow observability contract the handler consumes.
// pkg/admin provides the concrete implementation; correctness never depends
// on it and a nil Metrics is allowed.
type Metrics interface {
	IncTotalRequests()
	IncHit()
	IncMiss()
	IncExpired()
	IncUncached()
	IncWait()
	IncCoalesced()
	IncRedirect(reason string)
	IncOriginErrors()
	IncCacheErrors()
	InflightAdd(id string)
	InflightRemove(id string)
	ObserveDuration(outcome string, seconds float64)
}
