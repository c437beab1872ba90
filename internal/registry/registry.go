// Package registry resolves declarative config.ProviderConfig entries
// into ResolvedProvider values — substituting environment secrets and
// running them through internal/normalizer — and holds the live set of
// providers the rest of the manager operates on.
package registry

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PayRpc/ton-rpc-manager/internal/config"
	"github.com/PayRpc/ton-rpc-manager/internal/normalizer"
	"go.uber.org/zap"
)

var keyPlaceholder = regexp.MustCompile(`\{key\}`)

// ResolvedProvider is a ProviderConfig with every environment secret
// substituted and its endpoint run through the normalizer. It is what
// the health checker and selector operate on; nothing downstream of
// the registry ever sees a raw config.ProviderConfig again.
type ResolvedProvider struct {
	ID                string
	DisplayName       string
	Type              config.ProviderType
	Network           config.Network
	Priority          int
	RPS               int
	IsDynamic         bool
	BrowserCompatible bool
	Enabled           bool

	// Endpoint is the normalized URL to POST JSON-RPC requests to. It
	// is empty for a dynamic provider until discovery populates it via
	// SetDiscoveredEndpoint.
	Endpoint string
	Headers  map[string]string

	hasKey bool
}

// HasKey reports whether this provider resolved a non-empty API key,
// independent of whether that key rides in the URL or a header.
func (p ResolvedProvider) HasKey() bool { return p.hasKey }

// Resolve turns one config.ProviderConfig into a ResolvedProvider,
// substituting "{key}" in any endpoint template with the value of the
// environment variable it names, and normalizing the result.
//
// A provider with isDynamic=true resolves with an empty Endpoint; the
// health checker's discovery step (Orbs today) fills it in later via
// SetDiscoveredEndpoint.
//
// logger may be nil; a missing key env var is logged as a warning,
// not a resolution error — per spec.md §6 the URL is left carrying
// the literal "{key}" placeholder, which then fails the provider at
// probe time instead of at load time.
func Resolve(id string, pc config.ProviderConfig, logger *zap.Logger) (ResolvedProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rp := ResolvedProvider{
		ID:                id,
		DisplayName:       pc.DisplayName,
		Type:              pc.Type,
		Network:           pc.Network,
		Priority:          pc.Priority,
		RPS:               pc.RPS,
		IsDynamic:         pc.IsDynamic,
		BrowserCompatible: pc.BrowserOK(),
		Enabled:           pc.IsEnabled(),
	}
	if rp.DisplayName == "" {
		rp.DisplayName = id
	}

	apiKey := resolveKey(id, pc, logger)
	rp.hasKey = apiKey != ""

	if pc.IsDynamic {
		rp.Headers = normalizer.Headers(pc.Type, apiKey)
		return rp, nil
	}

	raw, err := pickEndpoint(pc)
	if err != nil {
		return ResolvedProvider{}, fmt.Errorf("provider %s: %w", id, err)
	}
	raw = substituteKey(raw, apiKey)

	rp.Endpoint = normalizer.Normalize(pc.Type, raw, rp.hasKey)
	rp.Headers = normalizer.Headers(pc.Type, apiKey)
	return rp, nil
}

// SetDiscoveredEndpoint finalizes a dynamic provider's endpoint once a
// discovery step (e.g. Orbs' node-list lookup) has found one. It is a
// no-op producing a new value; callers replace their stored copy.
func (p ResolvedProvider) SetDiscoveredEndpoint(rawURL string) ResolvedProvider {
	p.Endpoint = normalizer.Normalize(p.Type, rawURL, p.hasKey)
	return p
}

func resolveKey(id string, pc config.ProviderConfig, logger *zap.Logger) string {
	envName := pc.APIKeyEnvName
	if envName == "" {
		envName = pc.KeyEnvName
	}
	if envName == "" {
		return ""
	}
	val, ok := os.LookupEnv(envName)
	if !ok || val == "" {
		if pc.IsDynamic {
			return "" // Orbs and friends can run keyless
		}
		logger.Warn("provider references an unset or empty environment variable; "+
			"its endpoint template's {key} placeholder will be left unresolved",
			zap.String("provider", id), zap.String("envVar", envName))
		return ""
	}
	return val
}

// pickEndpoint chooses the highest API version template the provider
// declares, preferring v4 > v3 > v2. The chosen template then goes
// through the family's normalizer rule like any other: a v3 path is
// rewritten onto v2's jsonRPC path, and a v4 path gets no special
// treatment.
func pickEndpoint(pc config.ProviderConfig) (string, error) {
	for _, v := range []config.APIVersion{config.APIV4, config.APIV3, config.APIV2} {
		if e := pc.Endpoints[v]; e != "" {
			return e, nil
		}
	}
	return "", fmt.Errorf("no v2/v3/v4 endpoint declared and isDynamic is false")
}

// substituteKey replaces the literal "{key}" in rawURL with apiKey. When
// apiKey is empty (resolveKey already warned about it, or no env var was
// declared) the placeholder is left in place rather than blanked out, so
// the resulting URL is visibly malformed and fails at probe time instead
// of silently degrading to a keyless request.
func substituteKey(rawURL, apiKey string) string {
	if apiKey == "" || !strings.Contains(rawURL, "{key}") {
		return rawURL
	}
	return keyPlaceholder.ReplaceAllString(rawURL, apiKey)
}

// Registry holds the live, resolved provider set and supports an
// atomic swap on reload so readers never observe a half-updated map.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	providers atomic.Pointer[map[string]ResolvedProvider]
	order     atomic.Pointer[[]string] // deterministic iteration order
}

// New builds a Registry from a config.Document, resolving every
// provider up front. A per-provider resolution failure is collected
// and returned, but does not prevent the rest from loading. logger may
// be nil.
func New(doc *config.Document, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	err := r.Reload(doc)
	return r, err
}

// Reload resolves doc's providers and atomically swaps them in,
// preserving the rule that a reader never sees a partially-updated
// registry mid-reload.
func (r *Registry) Reload(doc *config.Document) error {
	resolved := make(map[string]ResolvedProvider, len(doc.Providers))
	var issues []string
	ids := make([]string, 0, len(doc.Providers))

	for id, pc := range doc.Providers {
		ids = append(ids, id)
		rp, err := Resolve(id, pc, r.logger)
		if err != nil {
			issues = append(issues, err.Error())
			continue
		}
		resolved[id] = rp
	}
	sort.Strings(ids)

	r.providers.Store(&resolved)
	r.order.Store(&ids)

	if len(issues) > 0 {
		return fmt.Errorf("registry reload: %s", strings.Join(issues, "; "))
	}
	return nil
}

// Get returns the resolved provider by id.
func (r *Registry) Get(id string) (ResolvedProvider, bool) {
	m := r.providers.Load()
	if m == nil {
		return ResolvedProvider{}, false
	}
	rp, ok := (*m)[id]
	return rp, ok
}

// Put replaces a single provider's resolved value, e.g. after dynamic
// discovery fills in its endpoint. It copies-on-write so concurrent
// readers of the prior map are unaffected.
func (r *Registry) Put(rp ResolvedProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.providers.Load()
	next := make(map[string]ResolvedProvider, len(*prev)+1)
	for k, v := range *prev {
		next[k] = v
	}
	next[rp.ID] = rp
	r.providers.Store(&next)

	order := r.order.Load()
	for _, id := range *order {
		if id == rp.ID {
			return
		}
	}
	newOrder := append(append([]string{}, *order...), rp.ID)
	sort.Strings(newOrder)
	r.order.Store(&newOrder)
}

// All returns every resolved provider in deterministic id order.
func (r *Registry) All() []ResolvedProvider {
	order := r.order.Load()
	m := r.providers.Load()
	if order == nil || m == nil {
		return nil
	}
	out := make([]ResolvedProvider, 0, len(*order))
	for _, id := range *order {
		if rp, ok := (*m)[id]; ok {
			out = append(out, rp)
		}
	}
	return out
}

// ForNetwork returns every enabled provider serving the given network.
func (r *Registry) ForNetwork(network config.Network) []ResolvedProvider {
	var out []ResolvedProvider
	for _, rp := range r.All() {
		if rp.Network == network && rp.Enabled {
			out = append(out, rp)
		}
	}
	return out
}
