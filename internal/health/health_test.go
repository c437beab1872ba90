package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/PayRpc/ton-rpc-manager/internal/config"
	"github.com/PayRpc/ton-rpc-manager/internal/ratelimit"
	"github.com/PayRpc/ton-rpc-manager/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestParseMasterchainInfoAllShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int64
	}{
		{"wrapped", `{"ok":true,"result":{"last":{"seqno":42}}}`, 42},
		{"result-only", `{"result":{"last":{"seqno":7}}}`, 7},
		{"bare", `{"last":{"seqno":99}}`, 99},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := parseMasterchainInfo([]byte(c.body))
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestParseMasterchainInfoRejectsMalformed(t *testing.T) {
	_, err := parseMasterchainInfo([]byte(`{"nonsense":true}`))
	require.Error(t, err)
}

func TestParseMasterchainInfoSurfacesProviderError(t *testing.T) {
	_, err := parseMasterchainInfo([]byte(`{"ok":false,"error":{"message":"boom"}}`))
	require.Error(t, err)
}

func TestClassifyStatusTable(t *testing.T) {
	require.Equal(t, ErrRateLimited, classifyStatus(http.StatusTooManyRequests))
	require.Equal(t, ErrNotFound, classifyStatus(http.StatusNotFound))
	require.Equal(t, ErrUnauthorized, classifyStatus(http.StatusUnauthorized))
	require.Equal(t, ErrForbidden, classifyStatus(http.StatusForbidden))
	require.Equal(t, ErrUnavailable, classifyStatus(http.StatusBadGateway))
	require.Equal(t, ErrUnavailable, classifyStatus(http.StatusServiceUnavailable))
	require.Equal(t, ErrServerError, classifyStatus(http.StatusInternalServerError))
}

func newTestRegistry(t *testing.T, providers map[string]config.ProviderConfig) *registry.Registry {
	t.Helper()
	reg, err := registry.New(&config.Document{Providers: providers}, nil)
	require.NoError(t, err)
	return reg
}

func TestProbeAvailableProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"last":{"seqno":100}}}`))
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderToncenter, Network: config.Mainnet,
			Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL + "/api/v2"}},
	})
	rp, _ := reg.Get("p1")

	checker := New(reg, srv.Client(), nil, nil)
	res := checker.Probe(context.Background(), rp)

	require.Equal(t, StatusAvailable, res.Status)
	require.True(t, res.Success)
	require.Equal(t, int64(100), res.Seqno)
	require.Equal(t, int64(100), checker.HighestSeqno())
}

func TestProbeStaleWhenBehindThreshold(t *testing.T) {
	ahead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"last":{"seqno":1000}}}`))
	}))
	defer ahead.Close()
	behind := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"last":{"seqno":989}}}`)) // 11 behind, maxBlocksBehind default is 10
	}))
	defer behind.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"ahead":  {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: ahead.URL}},
		"behind": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: behind.URL}},
	})

	checker := New(reg, ahead.Client(), nil, nil)
	rpAhead, _ := reg.Get("ahead")
	rpBehind, _ := reg.Get("behind")

	checker.Probe(context.Background(), rpAhead)
	res := checker.Probe(context.Background(), rpBehind)

	require.Equal(t, StatusStale, res.Status)
	require.True(t, res.Success)
	require.Equal(t, int64(11), res.BlocksBehind)
}

func TestProbeNotStaleAtExactThreshold(t *testing.T) {
	ahead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"last":{"seqno":1000}}}`))
	}))
	defer ahead.Close()
	behind := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"last":{"seqno":990}}}`)) // exactly 10 behind
	}))
	defer behind.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"ahead":  {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: ahead.URL}},
		"behind": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: behind.URL}},
	})

	checker := New(reg, ahead.Client(), nil, nil)
	rpAhead, _ := reg.Get("ahead")
	rpBehind, _ := reg.Get("behind")

	checker.Probe(context.Background(), rpAhead)
	res := checker.Probe(context.Background(), rpBehind)

	require.Equal(t, StatusAvailable, res.Status)
}

func TestProbeClassifiesRateLimitAsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}},
	})
	rp, _ := reg.Get("p1")

	checker := New(reg, srv.Client(), nil, nil)
	res := checker.Probe(context.Background(), rp)

	require.Equal(t, ErrRateLimited, res.ErrorClass)
	require.Equal(t, StatusDegraded, res.Status)
	require.False(t, res.Success)
}

func TestProbeClassifiesNotFoundAsOfflinePermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}},
	})
	rp, _ := reg.Get("p1")

	checker := New(reg, srv.Client(), nil, nil)
	res := checker.Probe(context.Background(), rp)

	require.Equal(t, StatusOffline, res.Status)
	require.Equal(t, ErrNotFound, res.ErrorClass)
}

func TestProbeClassifiesServiceUnavailableAsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}},
	})
	rp, _ := reg.Get("p1")

	checker := New(reg, srv.Client(), nil, nil)
	res := checker.Probe(context.Background(), rp)

	require.Equal(t, StatusOffline, res.Status)
	require.Equal(t, ErrUnavailable, res.ErrorClass)
}

func TestProbeTimeoutRecordsNullLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{"result":{"last":{"seqno":1}}}`))
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}},
	})
	rp, _ := reg.Get("p1")

	client := &http.Client{Timeout: 10 * time.Millisecond}
	checker := New(reg, client, nil, nil)
	res := checker.Probe(context.Background(), rp)

	require.Equal(t, StatusOffline, res.Status)
	require.Equal(t, ErrTimeout, res.ErrorClass)
	require.Equal(t, int64(0), res.LatencyMs)
}

func TestProbeAcquiresRateLimitTokenAndFailsOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"last":{"seqno":1}}}`))
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}, RPS: 1},
	})
	rp, _ := reg.Get("p1")

	limiters := ratelimit.NewSet()
	// Drain the single burst token; at 1 rps the next token takes about
	// a second to refill, so the probe's Acquire, capped by the 200ms
	// context deadline below, cannot get one in time.
	l := limiters.For("p1", 1)
	l.Acquire(time.Second)
	l.UpdateConfig(ratelimit.Config{RPS: 1, BurstSize: 1, MinDelayMs: 10000, BackoffMultiplier: 2, MaxBackoffMs: 30000})

	checker := New(reg, srv.Client(), nil, limiters)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res := checker.probeOnce(ctx, rp)
	require.Equal(t, StatusOffline, res.Status)
	require.Equal(t, "rate limit timeout", res.ErrorMessage)
	require.Equal(t, ErrRateLimited, res.ErrorClass)
}

func TestProbeFallsBackToPublicOnOnfinalityBackendError(t *testing.T) {
	require.NoError(t, os.Setenv("TEST_ONFINALITY_KEY", "secret"))
	defer os.Unsetenv("TEST_ONFINALITY_KEY")

	var publicHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rpc":
			w.Write([]byte("backend error occurred"))
		case "/public":
			publicHit = true
			w.Write([]byte(`{"result":{"last":{"seqno":1}}}`))
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderOnfinality, Network: config.Mainnet, APIKeyEnvName: "TEST_ONFINALITY_KEY",
			Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL + "/rpc"}},
	})
	rp, _ := reg.Get("p1")
	require.True(t, strings.HasSuffix(rp.Endpoint, "/rpc"))

	checker := New(reg, srv.Client(), nil, nil)
	res := checker.Probe(context.Background(), rp)

	require.True(t, publicHit, "a backend-error body from /rpc must trigger a /public fallback probe")
	require.Equal(t, StatusAvailable, res.Status)
}

func TestMarkDegradedAndMarkOfflinePreserveSeqno(t *testing.T) {
	reg := newTestRegistry(t, map[string]config.ProviderConfig{})
	checker := New(reg, nil, nil, nil)
	checker.store(Result{ProviderID: "p1", Status: StatusAvailable, Success: true, Seqno: 42, LatencyMs: 10})

	checker.MarkDegraded("p1", "429 via caller")
	res, ok := checker.Get("p1")
	require.True(t, ok)
	require.Equal(t, StatusDegraded, res.Status)
	require.False(t, res.Success)
	require.Equal(t, int64(42), res.Seqno)

	checker.MarkOffline("p1", "5xx via caller")
	res, ok = checker.Get("p1")
	require.True(t, ok)
	require.Equal(t, StatusOffline, res.Status)
	require.Equal(t, int64(42), res.Seqno)
}

func TestBatchProbeCoversEveryProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"last":{"seqno":1}}}`))
	}))
	defer srv.Close()

	reg := newTestRegistry(t, map[string]config.ProviderConfig{
		"p1": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}},
		"p2": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}},
		"p3": {Type: config.ProviderToncenter, Network: config.Mainnet, Endpoints: map[config.APIVersion]string{config.APIV2: srv.URL}},
	})

	checker := New(reg, srv.Client(), nil, nil)
	results := checker.BatchProbe(context.Background(), reg.All())

	require.Len(t, results, 3)
	for _, id := range []string{"p1", "p2", "p3"} {
		require.Equal(t, StatusAvailable, results[id].Status)
	}
}

func TestInterBatchDelayFloorsAtMinimum(t *testing.T) {
	batch := []registry.ResolvedProvider{{RPS: 100}}
	require.Equal(t, minInterBatchDelay, interBatchDelay(batch))
}

func TestInterBatchDelayScalesWithSlowestProvider(t *testing.T) {
	batch := []registry.ResolvedProvider{{RPS: 1}, {RPS: 100}}
	d := interBatchDelay(batch)
	require.GreaterOrEqual(t, d, time.Second)
}
