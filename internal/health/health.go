// Package health probes a resolved provider's JSON-RPC endpoint with
// getMasterchainInfo and turns the raw HTTP/JSON result into a
// HealthResult: status, latency, seqno, and a classified error when
// the probe failed. It never retries a request-level failure itself
// (that's a manager/selector concern) beyond the narrow OnFinality
// /rpc→/public fallback and Orbs' dynamic-endpoint discovery.
package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PayRpc/ton-rpc-manager/internal/config"
	"github.com/PayRpc/ton-rpc-manager/internal/metrics"
	"github.com/PayRpc/ton-rpc-manager/internal/ratelimit"
	"github.com/PayRpc/ton-rpc-manager/internal/registry"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status is the coarse health classification spec.md §3/§4.3 assigns
// to a provider.
type Status string

const (
	StatusUntested  Status = "untested"
	StatusTesting   Status = "testing"
	StatusAvailable Status = "available"
	StatusDegraded  Status = "degraded"
	StatusStale     Status = "stale"
	StatusOffline   Status = "offline"
)

// ErrorClass buckets a probe failure so the selector's statusScore and
// the manager's reportError classification can reason about it without
// parsing strings themselves.
type ErrorClass string

const (
	ErrNone         ErrorClass = ""
	ErrRateLimited  ErrorClass = "rate_limited" // HTTP 429
	ErrNotFound     ErrorClass = "not_found"    // HTTP 404
	ErrUnauthorized ErrorClass = "unauthorized" // HTTP 401
	ErrForbidden    ErrorClass = "forbidden"    // HTTP 403
	ErrServerError  ErrorClass = "server_error" // HTTP 5xx other than 502/503
	ErrUnavailable  ErrorClass = "unavailable"  // HTTP 502/503, or a "backend error" body
	ErrTimeout      ErrorClass = "timeout"
	ErrMalformed    ErrorClass = "malformed_response"
	ErrCORS         ErrorClass = "cors_blocked"
	ErrUnknown      ErrorClass = "unknown"
)

// Result is the outcome of one probe, stored per provider and
// consulted by the selector's scoring function.
type Result struct {
	ProviderID    string
	Status        Status
	Success       bool // per spec.md §3's per-status success invariants
	Seqno         int64
	BlocksBehind  int64
	LatencyMs     int64 // 0 (unset) on timeout, per spec.md §4.3 step 9
	LastCheckedAt time.Time
	ErrorClass    ErrorClass
	ErrorMessage  string
}

const (
	defaultProbeTimeout     = 5 * time.Second
	defaultBatchSize        = 2
	minInterBatchDelay      = 500 * time.Millisecond
	defaultMaxBlocksBehind  = 10
	defaultDegradedLatency  = 1000 * time.Millisecond
	onfinalityBackendErrMsg = "backend error"
)

// Thresholds are the tunables spec.md §4.3 step 8 uses to tell
// available from degraded from stale. Zero values fall back to the
// package defaults.
type Thresholds struct {
	MaxBlocksBehind   int64
	DegradedLatencyMs int64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MaxBlocksBehind <= 0 {
		t.MaxBlocksBehind = defaultMaxBlocksBehind
	}
	if t.DegradedLatencyMs <= 0 {
		t.DegradedLatencyMs = defaultDegradedLatency.Milliseconds()
	}
	return t
}

// Checker runs getMasterchainInfo probes against every provider in a
// registry, tracks the network-wide highest seqno seen, and keeps a
// per-provider gobreaker.CircuitBreaker so a consistently failing
// endpoint stops being hammered between probe cycles.
type Checker struct {
	reg        *registry.Registry
	httpClient *http.Client
	logger     *zap.Logger
	thresholds Thresholds

	// limiters is consulted before every probe's outbound request, per
	// spec.md §4.3 step 2 ("acquire a rate-limit token for P"); nil
	// disables rate-limiting probes (tests, or an embedder that already
	// gates probes itself).
	limiters *ratelimit.Set

	sf singleflight.Group

	mu           sync.RWMutex
	results      map[string]Result
	breakers     map[string]*gobreaker.CircuitBreaker
	highestSeqno atomic.Int64
}

// New constructs a Checker. httpClient may be nil, in which case a
// client with defaultProbeTimeout is built. limiters may be nil to
// skip rate-limiting probes.
func New(reg *registry.Registry, httpClient *http.Client, logger *zap.Logger, limiters *ratelimit.Set) *Checker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultProbeTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		reg:        reg,
		httpClient: httpClient,
		logger:     logger,
		thresholds: Thresholds{}.withDefaults(),
		limiters:   limiters,
		results:    make(map[string]Result),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetThresholds overrides the default stale/degraded classification
// thresholds.
func (c *Checker) SetThresholds(t Thresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = t.withDefaults()
}

// Get returns the last stored probe result for a provider.
func (c *Checker) Get(providerID string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[providerID]
	return r, ok
}

// HighestSeqno returns the highest masterchain seqno observed across
// every provider probed so far this run.
func (c *Checker) HighestSeqno() int64 {
	return c.highestSeqno.Load()
}

func (c *Checker) breakerFor(providerID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[providerID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Debug("probe circuit breaker state change",
				zap.String("provider", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	c.breakers[providerID] = cb
	return cb
}

// Probe runs (or joins an already-in-flight, via singleflight) a
// single getMasterchainInfo probe against rp and records the result.
func (c *Checker) Probe(ctx context.Context, rp registry.ResolvedProvider) Result {
	v, _, _ := c.sf.Do(rp.ID, func() (interface{}, error) {
		return c.probeOnce(ctx, rp), nil
	})
	return v.(Result)
}

func (c *Checker) probeOnce(ctx context.Context, rp registry.ResolvedProvider) Result {
	c.markTesting(rp.ID)

	if c.limiters != nil {
		acquireTimeout := defaultProbeTimeout
		if dl, ok := ctx.Deadline(); ok {
			if remaining := time.Until(dl); remaining < acquireTimeout {
				acquireTimeout = remaining
			}
		}
		if !c.limiters.Acquire(rp.ID, rp.RPS, acquireTimeout) {
			return c.store(Result{
				ProviderID: rp.ID, Status: StatusOffline, Success: false,
				ErrorClass: ErrRateLimited, ErrorMessage: "rate limit timeout",
				LastCheckedAt: time.Now(),
			})
		}
	}

	if rp.IsDynamic && rp.Type == config.ProviderOrbs && rp.Endpoint == "" {
		discovered, err := c.discoverOrbs(ctx)
		if err != nil {
			return c.store(c.classifyFailure(rp.ID, err, 0))
		}
		rp = rp.SetDiscoveredEndpoint(discovered)
		c.reg.Put(rp)
	}

	cb := c.breakerFor(rp.ID)
	start := time.Now()

	res, err := cb.Execute(func() (interface{}, error) {
		return c.doProbe(ctx, rp)
	})

	latency := time.Since(start)
	metrics.ProbeLatencySeconds.WithLabelValues(rp.ID).Observe(latency.Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return c.store(Result{
				ProviderID: rp.ID, Status: StatusOffline, Success: false, ErrorClass: ErrUnavailable,
				ErrorMessage: err.Error(), LastCheckedAt: time.Now(),
			})
		}

		// OnFinality-specific fallback (spec.md §4.3 step 7): a "backend
		// error" body on the keyed /rpc path gets one retry against the
		// keyless /public path before the failure is accepted.
		if pe, ok := err.(*probeError); ok && pe.isBackendError &&
			rp.Type == config.ProviderOnfinality && strings.HasSuffix(rp.Endpoint, "/rpc") {
			fallback := rp
			fallback.Endpoint = strings.TrimSuffix(rp.Endpoint, "/rpc") + "/public"
			fallback.Headers = nil
			if fr, ferr := c.doProbe(ctx, fallback); ferr == nil {
				return c.store(fr.(Result))
			}
		}

		lm := latency.Milliseconds()
		if pe, ok := err.(*probeError); ok && pe.class == ErrTimeout {
			lm = 0 // spec.md §4.3 step 9: latencyMs = null on timeout
		}
		return c.store(c.classifyFailure(rp.ID, err, lm))
	}

	return c.store(res.(Result))
}

// probeError carries the classified failure through gobreaker.Execute,
// which only propagates an error value.
type probeError struct {
	class          ErrorClass
	msg            string
	isBackendError bool
}

func (e *probeError) Error() string { return e.msg }

func (c *Checker) doProbe(ctx context.Context, rp registry.ResolvedProvider) (interface{}, error) {
	reqCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	body := bytes.NewBufferString(`{"id":"1","jsonrpc":"2.0","method":"getMasterchainInfo","params":{}}`)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rp.Endpoint, body)
	if err != nil {
		return nil, &probeError{class: ErrUnknown, msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range rp.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		class := ErrUnknown
		var netErr net.Error
		if reqCtx.Err() == context.DeadlineExceeded || (errors.As(err, &netErr) && netErr.Timeout()) {
			class = ErrTimeout
		} else if isCORSError(err) {
			class = ErrCORS
		}
		return nil, &probeError{class: class, msg: err.Error()}
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &probeError{class: ErrMalformed, msg: err.Error()}
	}

	// This check runs before status-code classification: OnFinality can
	// return a 200 with a non-JSON "backend error" body.
	if strings.Contains(strings.ToLower(string(raw)), onfinalityBackendErrMsg) {
		return nil, &probeError{class: ErrUnavailable, msg: onfinalityBackendErrMsg, isBackendError: true}
	}

	if resp.StatusCode >= 400 {
		return nil, &probeError{class: classifyStatus(resp.StatusCode), msg: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	seqno, err := parseMasterchainInfo(raw)
	if err != nil {
		return nil, &probeError{class: ErrMalformed, msg: err.Error()}
	}
	if seqno <= 0 {
		return nil, &probeError{class: ErrMalformed, msg: "invalid seqno"}
	}

	c.updateHighestSeqno(seqno)
	highest := c.highestSeqno.Load()
	behind := highest - seqno
	if behind < 0 {
		behind = 0
	}

	c.mu.RLock()
	thresholds := c.thresholds
	c.mu.RUnlock()

	status := StatusAvailable
	switch {
	case behind > thresholds.MaxBlocksBehind:
		status = StatusStale
	case latency.Milliseconds() > thresholds.DegradedLatencyMs:
		status = StatusDegraded
	}

	return Result{
		ProviderID:    rp.ID,
		Status:        status,
		Success:       true,
		Seqno:         seqno,
		BlocksBehind:  behind,
		LatencyMs:     latency.Milliseconds(),
		LastCheckedAt: time.Now(),
	}, nil
}

// classifyFailure maps a probe failure to the exact status spec.md
// §4.3 step 9's table names for its cause — no generic
// consecutive-failure counting is involved.
func (c *Checker) classifyFailure(providerID string, err error, latencyMs int64) Result {
	class := ErrUnknown
	msg := ""
	if pe, ok := err.(*probeError); ok {
		class = pe.class
		msg = pe.msg
	} else if err != nil {
		msg = err.Error()
	}

	status := StatusOffline
	success := false
	if class == ErrRateLimited {
		status = StatusDegraded
		if c.limiters != nil {
			c.limiters.ReportRateLimitError(providerID)
		}
	}

	return Result{
		ProviderID:    providerID,
		Status:        status,
		Success:       success,
		LatencyMs:     latencyMs,
		ErrorClass:    class,
		ErrorMessage:  msg,
		LastCheckedAt: time.Now(),
	}
}

// markTesting records the in-flight "testing" state spec.md §4.3 step
// 1 names, without disturbing the last completed result's seqno/latency
// (a reader mid-probe still sees it via Get until store overwrites it).
func (c *Checker) markTesting(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.results[providerID]
	if !ok {
		c.results[providerID] = Result{ProviderID: providerID, Status: StatusTesting, LastCheckedAt: time.Now()}
		return
	}
	prev.Status = StatusTesting
	c.results[providerID] = prev
}

// MarkDegraded unconditionally sets providerID's status to degraded
// with success=false, preserving its prior seqno/latency for
// diagnostics. This is the hook the manager uses when a caller reports
// a 429 or unrecognized error against the currently selected provider.
func (c *Checker) MarkDegraded(providerID, reason string) {
	c.mark(providerID, StatusDegraded, reason)
}

// MarkOffline unconditionally sets providerID's status to offline with
// success=false, preserving its prior seqno/latency. Used when the
// manager classifies a caller-reported error as a 5xx/404/timeout.
func (c *Checker) MarkOffline(providerID, reason string) {
	c.mark(providerID, StatusOffline, reason)
}

func (c *Checker) mark(providerID string, status Status, reason string) {
	c.mu.Lock()
	prev := c.results[providerID]
	next := Result{
		ProviderID:    providerID,
		Status:        status,
		Success:       false,
		Seqno:         prev.Seqno,
		BlocksBehind:  prev.BlocksBehind,
		LatencyMs:     prev.LatencyMs,
		LastCheckedAt: time.Now(),
		ErrorMessage:  reason,
	}
	c.results[providerID] = next
	c.mu.Unlock()

	outcome := "offline"
	if status == StatusDegraded {
		outcome = "degraded"
	}
	metrics.ProbeTotal.WithLabelValues(providerID, outcome).Inc()
}

func (c *Checker) store(r Result) Result {
	c.mu.Lock()
	c.results[r.ProviderID] = r
	c.mu.Unlock()

	outcome := "ok"
	switch r.Status {
	case StatusDegraded:
		outcome = "degraded"
	case StatusStale:
		outcome = "stale"
	case StatusOffline:
		outcome = "offline"
	}
	metrics.ProbeTotal.WithLabelValues(r.ProviderID, outcome).Inc()
	metrics.BlocksBehind.WithLabelValues(r.ProviderID).Set(float64(r.BlocksBehind))
	return r
}

func (c *Checker) updateHighestSeqno(seqno int64) {
	for {
		cur := c.highestSeqno.Load()
		if seqno <= cur {
			return
		}
		if c.highestSeqno.CompareAndSwap(cur, seqno) {
			return
		}
	}
}

// classifyStatus maps an HTTP status code to an ErrorClass per
// spec.md §4.3's table.
func classifyStatus(code int) ErrorClass {
	switch code {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= 500 {
			return ErrServerError
		}
		return ErrUnknown
	}
}

// isCORSError tolerates the opaque, status-less failures a browser's
// fetch surfaces when a provider doesn't set CORS headers: no status
// code is available, only a generic network-error message.
func isCORSError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"cors", "access-control", "x-ton-client-version", "blocked by cors policy", "not allowed by access-control-allow-headers"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// parseMasterchainInfo tolerates the three response shapes spec.md
// §4.3 documents: {ok,result:{last:{seqno}}}, {result:{last:{seqno}}},
// and a bare {last:{seqno}}.
func parseMasterchainInfo(raw []byte) (int64, error) {
	var envelope struct {
		OK    *bool `json:"ok"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Result *struct {
			Last *struct {
				Seqno int64 `json:"seqno"`
			} `json:"last"`
		} `json:"result"`
		Last *struct {
			Seqno int64 `json:"seqno"`
		} `json:"last"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return 0, fmt.Errorf("decoding masterchain info: %w", err)
	}
	if envelope.Error != nil {
		return 0, fmt.Errorf("provider returned error: %s", envelope.Error.Message)
	}
	if envelope.OK != nil && !*envelope.OK {
		return 0, fmt.Errorf("provider returned ok=false")
	}
	if envelope.Result != nil && envelope.Result.Last != nil {
		return envelope.Result.Last.Seqno, nil
	}
	if envelope.Last != nil {
		return envelope.Last.Seqno, nil
	}
	return 0, fmt.Errorf("unrecognized masterchain info shape")
}

// discoverOrbs resolves Orbs' dynamic node endpoint, retrying the
// discovery HTTP call with exponential backoff since the node list
// endpoint itself is occasionally flaky during rollovers.
func (c *Checker) discoverOrbs(ctx context.Context) (string, error) {
	const discoveryURL = "https://node-registry.orbs.network/ton/nodes"

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var endpoint string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("orbs discovery http %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("orbs discovery http %d", resp.StatusCode))
		}
		var nodes struct {
			Nodes []struct {
				Endpoint string `json:"endpoint"`
			} `json:"nodes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
			return backoff.Permanent(err)
		}
		if len(nodes.Nodes) == 0 {
			return fmt.Errorf("orbs discovery returned no nodes")
		}
		endpoint = nodes.Nodes[0].Endpoint
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("discovering orbs endpoint: %w", err)
	}
	return endpoint, nil
}

// BatchProbe probes every provider in providers, defaultBatchSize at a
// time, sleeping an inter-batch delay derived from the slowest
// declared RPS in the batch (floored at minInterBatchDelay) so a
// probe sweep never itself becomes the thing that rate-limits a
// low-RPS provider.
func (c *Checker) BatchProbe(ctx context.Context, providers []registry.ResolvedProvider) map[string]Result {
	out := make(map[string]Result, len(providers))
	for start := 0; start < len(providers); start += defaultBatchSize {
		end := start + defaultBatchSize
		if end > len(providers) {
			end = len(providers)
		}
		batch := providers[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, rp := range batch {
			wg.Add(1)
			go func(rp registry.ResolvedProvider) {
				defer wg.Done()
				r := c.Probe(ctx, rp)
				mu.Lock()
				out[rp.ID] = r
				mu.Unlock()
			}(rp)
		}
		wg.Wait()

		if end < len(providers) {
			time.Sleep(interBatchDelay(batch))
		}
	}
	return out
}

func interBatchDelay(batch []registry.ResolvedProvider) time.Duration {
	minRPS := 0
	for _, rp := range batch {
		if minRPS == 0 || rp.RPS < minRPS {
			minRPS = rp.RPS
		}
	}
	if minRPS <= 0 {
		return minInterBatchDelay
	}
	d := time.Duration(1000/minRPS) * time.Millisecond
	if d < minInterBatchDelay {
		return minInterBatchDelay
	}
	return d
}
