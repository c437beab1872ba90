// Package selector picks which resolved provider resolveEndpoint
// should hand back, combining health results into a weighted score,
// honoring a manual override or custom-endpoint bypass, and tracking a
// per-provider cooldown after repeated failures. It never performs
// I/O; it only scores and orders registry.ResolvedProvider values
// using results supplied by internal/health.
package selector

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/PayRpc/ton-rpc-manager/internal/circuitbreaker"
	"github.com/PayRpc/ton-rpc-manager/internal/config"
	"github.com/PayRpc/ton-rpc-manager/internal/health"
	"github.com/PayRpc/ton-rpc-manager/internal/metrics"
	"github.com/PayRpc/ton-rpc-manager/internal/registry"
)

// Weights are the scoring coefficients from spec.md §4.4. The defaults
// sum to 1.2; latencyScore carries the largest weight (0.4),
// priorityScore and freshnessScore 0.3 each, and statusScore the
// smallest (0.2).
type Weights struct {
	Status    float64
	Latency   float64
	Priority  float64
	Freshness float64
}

// DefaultWeights matches spec.md §4.4's table.
var DefaultWeights = Weights{Status: 0.2, Latency: 0.4, Priority: 0.3, Freshness: 0.3}

const (
	cooldownResetTimeout  = 30 * time.Second
	cooldownMaxFailures   = 3
	defaultPreferredMs    = 1000.0
	untestedScoreNumer    = 0.01
	retryCandidateNumer   = 0.001
	priorityScoreDivisor  = 100.0
	freshnessScoreDivisor = 10.0
)

// defaultMinStatuses is the set a candidate's status must be in to be
// eligible for the weighted scoring formula at all.
func defaultMinStatuses() map[health.Status]bool {
	return map[health.Status]bool{health.StatusAvailable: true, health.StatusDegraded: true}
}

// Selector holds per-provider failure-tracking state (one
// circuitbreaker.Manager per provider, driven by the manager's
// reportError/reportSuccess calls rather than by raw probe I/O) plus
// the cached best-provider pick, revalidated against live health data
// on every call and invalidated on every reported failure.
type Selector struct {
	mu          sync.Mutex
	weights     Weights
	minStatuses map[health.Status]bool
	preferredMs float64
	cooldown    map[string]*circuitbreaker.Manager

	manualOverride string
	customEndpoint string
	customHeaders  map[string]string
	autoSelect     bool

	cachedBest string
	cacheValid bool
}

// New constructs a Selector with auto-select on and no override.
func New(weights Weights) *Selector {
	return &Selector{
		weights:     weights,
		minStatuses: defaultMinStatuses(),
		preferredMs: defaultPreferredMs,
		cooldown:    make(map[string]*circuitbreaker.Manager),
		autoSelect:  true,
	}
}

// SetSelectedProvider pins resolveEndpoint to a specific provider id,
// bypassing scoring entirely until auto-select is restored.
func (s *Selector) SetSelectedProvider(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualOverride = providerID
	s.autoSelect = false
	s.invalidateCacheLocked()
}

// SetAutoSelect re-enables scoring-based selection, clearing any
// manual override.
func (s *Selector) SetAutoSelect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualOverride = ""
	s.autoSelect = true
	s.invalidateCacheLocked()
}

// SetCustomEndpoint bypasses the registry entirely: resolveEndpoint
// always returns this URL/headers pair until cleared.
func (s *Selector) SetCustomEndpoint(endpoint string, headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customEndpoint = endpoint
	s.customHeaders = headers
}

// ClearCustomEndpoint removes a previously set custom endpoint.
func (s *Selector) ClearCustomEndpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customEndpoint = ""
	s.customHeaders = nil
}

// Resolution is what resolveEndpoint hands back to a caller.
type Resolution struct {
	ProviderID string
	Endpoint   string
	Headers    map[string]string
	Reason     string // "custom_endpoint", "manual_override", "cached_best", "scored", "fallback_default"
}

// Resolve implements spec.md §4.4's order: custom endpoint, manual
// override, cached best (revalidated against live health), else
// recompute — filtering to browser-safe candidates when browserOnly is
// set, and falling back to the network's declared default order if
// scoring finds nothing usable.
func (s *Selector) Resolve(reg *registry.Registry, checker *health.Checker, network config.Network, browserOnly bool, defaults []string) (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.customEndpoint != "" {
		return Resolution{Endpoint: s.customEndpoint, Headers: s.customHeaders, Reason: "custom_endpoint"}, true
	}

	if !s.autoSelect && s.manualOverride != "" {
		if rp, ok := reg.Get(s.manualOverride); ok && rp.Network == network && (!browserOnly || rp.BrowserCompatible) {
			metrics.SelectorDecisionsTotal.WithLabelValues(rp.ID, "manual_override").Inc()
			return toResolution(rp, "manual_override"), true
		}
	}

	if s.cacheValid && s.cachedBest != "" {
		if rp, ok := reg.Get(s.cachedBest); ok && (!browserOnly || rp.BrowserCompatible) {
			if res, ok2 := checker.Get(rp.ID); ok2 && res.Success && s.minStatuses[res.Status] {
				metrics.SelectorDecisionsTotal.WithLabelValues(rp.ID, "cached_best").Inc()
				return toResolution(rp, "cached_best"), true
			}
		}
		s.invalidateCacheLocked()
	}

	candidates := reg.ForNetwork(network)
	best, ok := s.pickBestLocked(candidates, checker, browserOnly)
	if ok {
		s.cachedBest = best.ID
		s.cacheValid = true
		metrics.SelectorDecisionsTotal.WithLabelValues(best.ID, "scored").Inc()
		return toResolution(best, "scored"), true
	}

	for _, id := range defaults {
		rp, ok := reg.Get(id)
		if !ok || !rp.Enabled || (browserOnly && !rp.BrowserCompatible) {
			continue
		}
		res, hasHealth := checker.Get(id)
		switch {
		case !hasHealth || res.Status == health.StatusUntested || res.Status == health.StatusTesting:
		case res.Success:
		case time.Since(res.LastCheckedAt) > cooldownResetTimeout:
		default:
			continue
		}
		metrics.SelectorDecisionsTotal.WithLabelValues(rp.ID, "fallback_default").Inc()
		return toResolution(rp, "fallback_default"), true
	}

	return Resolution{}, false
}

func toResolution(rp registry.ResolvedProvider, reason string) Resolution {
	return Resolution{ProviderID: rp.ID, Endpoint: rp.Endpoint, Headers: rp.Headers, Reason: reason}
}

// pickBestLocked scores every eligible candidate and returns the
// highest-scoring one, breaking ties by priority (lower wins) then id.
func (s *Selector) pickBestLocked(candidates []registry.ResolvedProvider, checker *health.Checker, browserOnly bool) (registry.ResolvedProvider, bool) {
	type scored struct {
		rp    registry.ResolvedProvider
		score float64
	}
	var eligible []scored

	for _, rp := range candidates {
		if !rp.Enabled {
			continue
		}
		if browserOnly && !rp.BrowserCompatible {
			continue
		}
		res, hasHealth := checker.Get(rp.ID)
		sc := s.score(rp, res, hasHealth)
		if sc <= 0 {
			continue
		}
		eligible = append(eligible, scored{rp: rp, score: sc})
	}

	if len(eligible) == 0 {
		return registry.ResolvedProvider{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		if eligible[i].rp.Priority != eligible[j].rp.Priority {
			return eligible[i].rp.Priority < eligible[j].rp.Priority
		}
		return eligible[i].rp.ID < eligible[j].rp.ID
	})
	return eligible[0].rp, true
}

// score implements spec.md §4.4's exact scoring table: an untested
// provider (or one with no health data yet) scores a tiny,
// priority-ordered tier so it's tried ahead of nothing but behind any
// tested, non-failed provider; a failed provider past its cooldown
// scores an even tinier "retry candidate" tier; everything else is
// either ineligible (0) or the four-term weighted sum.
func (s *Selector) score(rp registry.ResolvedProvider, res health.Result, hasHealth bool) float64 {
	if !hasHealth || res.Status == health.StatusUntested || res.Status == health.StatusTesting {
		return untestedScoreNumer / float64(rp.Priority+1)
	}

	if !res.Success {
		if time.Since(res.LastCheckedAt) > cooldownResetTimeout {
			return retryCandidateNumer / float64(rp.Priority+1)
		}
		return 0
	}

	if res.Status == health.StatusOffline {
		return 0
	}
	if !s.minStatuses[res.Status] {
		return 0
	}

	statusScore := statusScoreFor(res.Status)
	latencyScore := latencyScoreFor(res.LatencyMs, s.preferredMs)
	priorityScore := math.Max(0, 1-float64(rp.Priority)/priorityScoreDivisor)
	freshnessScore := math.Max(0, 1-float64(res.BlocksBehind)/freshnessScoreDivisor)

	return statusScore*s.weights.Status +
		latencyScore*s.weights.Latency +
		priorityScore*s.weights.Priority +
		freshnessScore*s.weights.Freshness
}

func statusScoreFor(status health.Status) float64 {
	switch status {
	case health.StatusAvailable:
		return 1.0
	case health.StatusDegraded:
		return 0.5
	case health.StatusStale:
		return 0.3
	default:
		return 0
	}
}

// latencyScoreFor implements the logarithmic decay spec.md §4.4 names:
// the score approaches 1.0 as latency approaches 0, is about 0.71 at
// preferredMs, and reaches 0 at 10×preferredMs, floored at 0 rather
// than going negative for slower providers. An unknown (non-positive)
// latency scores the documented neutral 0.5.
func latencyScoreFor(latencyMs int64, preferredMs float64) float64 {
	if latencyMs <= 0 {
		return 0.5
	}
	return math.Max(0, 1-math.Log(float64(latencyMs)/preferredMs+1)/math.Log(11))
}

// HandleProviderFailure invalidates the best-cache when it names
// providerID, so the next resolveEndpoint recomputes, and records the failure in the
// provider's tracker for diagnostics (three consecutive
// manager-reported failures trip it, independent of the health
// checker's own probe-driven view).
func (s *Selector) HandleProviderFailure(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownFor(providerID).RecordFailure()
	if s.cachedBest == providerID {
		s.invalidateCacheLocked()
	}
}

// HandleProviderSuccess clears a provider's failure tracker.
func (s *Selector) HandleProviderSuccess(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownFor(providerID).RecordSuccess()
}

func (s *Selector) inCooldownLocked(providerID string) bool {
	return !s.cooldownFor(providerID).AllowRequest()
}

func (s *Selector) cooldownFor(providerID string) *circuitbreaker.Manager {
	if m, ok := s.cooldown[providerID]; ok {
		return m
	}
	m := circuitbreaker.NewManager(circuitbreaker.ManagerConfig{
		Name:         providerID,
		MaxFailures:  cooldownMaxFailures,
		ResetTimeout: cooldownResetTimeout,
	})
	s.cooldown[providerID] = m
	return m
}

func (s *Selector) invalidateCacheLocked() {
	s.cacheValid = false
	s.cachedBest = ""
}
