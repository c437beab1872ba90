// Package manager is the public facade over the provider registry,
// rate limiter, health checker, and selector: resolveEndpoint,
// reportSuccess/reportError, and a subscribable state broadcast, per
// spec.md §5. Everything below this package is an implementation
// detail a caller of Manager never touches directly.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PayRpc/ton-rpc-manager/internal/config"
	"github.com/PayRpc/ton-rpc-manager/internal/health"
	"github.com/PayRpc/ton-rpc-manager/internal/metrics"
	"github.com/PayRpc/ton-rpc-manager/internal/ratelimit"
	"github.com/PayRpc/ton-rpc-manager/internal/registry"
	"github.com/PayRpc/ton-rpc-manager/internal/selector"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	listenerBufferSize = 16
	defaultAcquireWait = 2 * time.Second
)

// State is broadcast to subscribers on every resolveEndpoint,
// reportSuccess, and reportError call that changes a provider's
// standing.
type State struct {
	CorrelationID string
	ProviderID    string
	Network       config.Network
	Reason        string
	Status        health.Status
	At            time.Time
}

// Manager composes the registry, rate limiters, health checker, and
// selector behind the small surface spec.md §5 names.
type Manager struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	doc      *config.Document
	reg      *registry.Registry
	limiters *ratelimit.Set
	checker  *health.Checker
	sel      *selector.Selector

	listeners map[int]chan State
	nextID    int

	droppedUpdates uint64
}

// New builds a Manager from an already-loaded config.Document. The
// rate limiter set is shared between the manager's own request-level
// reporting and the health checker's probe-token acquisition, so both
// observe the same per-provider bucket rather than two independent
// ones.
func New(doc *config.Document, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg, err := registry.New(doc, logger)
	if err != nil {
		logger.Warn("some providers failed to resolve", zap.Error(err))
	}

	limiters := ratelimit.NewSet()
	for _, rp := range reg.All() {
		limiters.For(rp.ID, rp.RPS)
	}

	m := &Manager{
		logger:    logger,
		doc:       doc,
		reg:       reg,
		limiters:  limiters,
		checker:   health.New(reg, nil, logger, limiters),
		sel:       selector.New(selector.DefaultWeights),
		listeners: make(map[int]chan State),
	}

	return m, nil
}

// singleton is the process-wide default Manager, created on first use
// of the package-level helpers, mirroring the teacher's pattern of a
// lazily-initialized global alongside a direct constructor for tests.
var (
	singletonMu sync.Mutex
	singleton   *Manager
)

// Default returns the process-wide Manager, initializing it from path
// on first call. Subsequent calls ignore path and return the existing
// instance; use New directly when multiple independent managers (e.g.
// in tests) are required.
func Default(path string, logger *zap.Logger) (*Manager, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return singleton, nil
	}
	doc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	m, err := New(doc, logger)
	if err != nil {
		return nil, err
	}
	singleton = m
	return m, nil
}

// ResetDefault tears down the process-wide singleton, for tests that
// need a clean slate between cases.
func ResetDefault() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		singleton.Destroy()
	}
	singleton = nil
}

// ResolveEndpoint returns the URL and headers to POST a JSON-RPC
// request to for network, honoring any custom endpoint, manual
// override, or the selector's scoring, per spec.md §5.
func (m *Manager) ResolveEndpoint(network config.Network, browserOnly bool) (selector.Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.sel.Resolve(m.reg, m.checker, network, browserOnly, m.doc.Defaults.ForNetwork(network))
	if !ok {
		return selector.Resolution{}, fmt.Errorf("no usable provider for network %s", network)
	}
	m.broadcast(State{
		CorrelationID: uuid.NewString(),
		ProviderID:    res.ProviderID,
		Network:       network,
		Reason:        res.Reason,
		At:            time.Now(),
	})
	return res, nil
}

// ResolveEndpointWithRateLimit resolves an endpoint and blocks (up to
// timeout) until that provider's rate limiter admits the caller. It
// returns the resolution unchanged; the limiter gate is advisory to
// the caller, who still performs the actual request.
func (m *Manager) ResolveEndpointWithRateLimit(ctx context.Context, network config.Network, browserOnly bool, timeout time.Duration) (selector.Resolution, error) {
	res, err := m.ResolveEndpoint(network, browserOnly)
	if err != nil {
		return selector.Resolution{}, err
	}
	if res.ProviderID == "" {
		return res, nil // custom endpoint: no per-provider limiter to gate on
	}

	if timeout <= 0 {
		timeout = defaultAcquireWait
	}
	limiter := m.limiterFor(res.ProviderID)
	if !limiter.Acquire(timeout) {
		return selector.Resolution{}, fmt.Errorf("rate limit wait exceeded for provider %s", res.ProviderID)
	}
	return res, nil
}

func (m *Manager) limiterFor(providerID string) *ratelimit.Limiter {
	rps := 1
	if rp, ok := m.reg.Get(providerID); ok && rp.RPS > 0 {
		rps = rp.RPS
	}
	return m.limiters.For(providerID, rps)
}

// ReportSuccess tells the rate limiter and selector that a request
// against providerID succeeded.
func (m *Manager) ReportSuccess(providerID string) {
	m.limiterFor(providerID).ReportSuccess()
	m.sel.HandleProviderSuccess(providerID)
	m.broadcast(State{ProviderID: providerID, Reason: "success", At: time.Now()})
}

// ReportError classifies err's message per spec.md §4.5's substring
// table and routes it to both the rate limiter and the health checker:
// a 429 demotes the provider to degraded, a 5xx/404/timeout demotes it
// to offline, and anything unrecognized is treated as a mild degrade.
// It then invalidates the selector's cached best pick so the next
// resolveEndpoint can fail over.
func (m *Manager) ReportError(providerID string, err error) {
	if err == nil {
		return
	}
	msg := strings.ToLower(err.Error())
	limiter := m.limiterFor(providerID)

	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		limiter.ReportRateLimitError()
		m.checker.MarkDegraded(providerID, err.Error())
	case strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "404") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "abort"):
		limiter.ReportError()
		m.checker.MarkOffline(providerID, err.Error())
	default:
		limiter.ReportError()
		m.checker.MarkDegraded(providerID, err.Error())
	}

	m.sel.HandleProviderFailure(providerID)
	m.broadcast(State{ProviderID: providerID, Reason: "error:" + msg, At: time.Now()})
}

// Probe runs an immediate health probe for one provider and updates
// its stored health result. Exposed so a CLI (cmd/tonrpcctl) can force
// a probe outside the batch cadence.
func (m *Manager) Probe(ctx context.Context, providerID string) (health.Result, error) {
	rp, ok := m.reg.Get(providerID)
	if !ok {
		return health.Result{}, fmt.Errorf("unknown provider %s", providerID)
	}
	return m.checker.Probe(ctx, rp), nil
}

// ProbeAll runs a batch probe across every provider on network.
func (m *Manager) ProbeAll(ctx context.Context, network config.Network) map[string]health.Result {
	return m.checker.BatchProbe(ctx, m.reg.ForNetwork(network))
}

// SetSelectedProvider pins resolveEndpoint to a provider id.
func (m *Manager) SetSelectedProvider(providerID string) { m.sel.SetSelectedProvider(providerID) }

// SetAutoSelect restores scoring-based selection.
func (m *Manager) SetAutoSelect() { m.sel.SetAutoSelect() }

// SetCustomEndpoint bypasses the registry for every future resolution.
func (m *Manager) SetCustomEndpoint(endpoint string, headers map[string]string) {
	m.sel.SetCustomEndpoint(endpoint, headers)
}

// ClearCustomEndpoint restores normal registry-based resolution.
func (m *Manager) ClearCustomEndpoint() { m.sel.ClearCustomEndpoint() }

// Subscribe returns a channel of State updates and an unsubscribe
// func. The channel is buffered; when a slow listener's buffer is full,
// the new update is dropped for that listener (counted, not blocked)
// rather than stalling the broadcaster, matching spec.md §5's
// non-blocking-send requirement.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan State, listenerBufferSize)
	m.listeners[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.listeners[id]; ok {
			close(existing)
			delete(m.listeners, id)
		}
	}
}

func (m *Manager) broadcast(s State) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.listeners {
		select {
		case ch <- s:
		default:
			m.droppedUpdates++
		}
	}
}

// DroppedUpdateCount reports how many broadcasts were dropped because
// a listener's buffer was full, for diagnostics.
func (m *Manager) DroppedUpdateCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.droppedUpdates
}

// Reload swaps in doc, re-resolving its providers into the registry
// (an atomic swap) and creating rate limiters for any providers not
// seen before. doc is not re-validated here.
func (m *Manager) Reload(doc *config.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	if err := m.reg.Reload(doc); err != nil {
		return err
	}
	for _, rp := range m.reg.All() {
		m.limiters.For(rp.ID, rp.RPS)
	}
	return nil
}

// Destroy closes every subscriber channel. A Manager is not usable
// after Destroy.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.listeners {
		close(ch)
		delete(m.listeners, id)
	}
	metrics.CircuitBreakerState.Reset()
}
