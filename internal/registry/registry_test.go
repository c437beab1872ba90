package registry

import (
	"os"
	"testing"

	"github.com/PayRpc/ton-rpc-manager/internal/config"
	"github.com/stretchr/testify/require"
)

func TestResolveSubstitutesKeyAndNormalizes(t *testing.T) {
	require.NoError(t, os.Setenv("TEST_TONCENTER_KEY", "secret123"))
	defer os.Unsetenv("TEST_TONCENTER_KEY")

	pc := config.ProviderConfig{
		DisplayName:   "Toncenter",
		Type:          config.ProviderToncenter,
		Network:       config.Mainnet,
		APIKeyEnvName: "TEST_TONCENTER_KEY",
		Endpoints: map[config.APIVersion]string{
			config.APIV2: "https://toncenter.com/api/v2/jsonRPC?api_key={key}",
		},
		Priority: 10,
		RPS:      10,
	}

	rp, err := Resolve("tc1", pc, nil)
	require.NoError(t, err)
	require.True(t, rp.HasKey())
	require.Contains(t, rp.Endpoint, "secret123")
	require.NotContains(t, rp.Endpoint, "{key}")
}

func TestResolveLeavesPlaceholderWhenKeyEnvVarMissing(t *testing.T) {
	pc := config.ProviderConfig{
		DisplayName:   "Toncenter",
		Type:          config.ProviderToncenter,
		Network:       config.Mainnet,
		APIKeyEnvName: "TEST_TONCENTER_KEY_DOES_NOT_EXIST",
		Endpoints: map[config.APIVersion]string{
			config.APIV2: "https://toncenter.com/api/v2/jsonRPC?api_key={key}",
		},
	}

	rp, err := Resolve("tc1", pc, nil)
	require.NoError(t, err)
	require.False(t, rp.HasKey())
	require.Contains(t, rp.Endpoint, "{key}")
}

func TestResolveDynamicProviderLeavesEndpointEmpty(t *testing.T) {
	pc := config.ProviderConfig{
		Type:      config.ProviderOrbs,
		Network:   config.Mainnet,
		IsDynamic: true,
	}
	rp, err := Resolve("orbs1", pc, nil)
	require.NoError(t, err)
	require.Empty(t, rp.Endpoint)
	require.True(t, rp.IsDynamic)
}

func TestResolveRejectsMissingEndpoint(t *testing.T) {
	pc := config.ProviderConfig{Type: config.ProviderCustom, Network: config.Mainnet}
	_, err := Resolve("bad1", pc, nil)
	require.Error(t, err)
}

func TestSetDiscoveredEndpointNormalizes(t *testing.T) {
	pc := config.ProviderConfig{Type: config.ProviderOrbs, Network: config.Mainnet, IsDynamic: true}
	rp, err := Resolve("orbs1", pc, nil)
	require.NoError(t, err)

	rp = rp.SetDiscoveredEndpoint("https://discovered.orbs.network")
	require.Equal(t, "https://discovered.orbs.network/jsonRPC", rp.Endpoint)
}

func TestRegistryReloadAndGet(t *testing.T) {
	doc := &config.Document{
		Providers: map[string]config.ProviderConfig{
			"p1": {
				Type:    config.ProviderToncenter,
				Network: config.Mainnet,
				Endpoints: map[config.APIVersion]string{
					config.APIV2: "https://p1.example/api/v2",
				},
			},
		},
	}
	r, err := New(doc, nil)
	require.NoError(t, err)

	rp, ok := r.Get("p1")
	require.True(t, ok)
	require.Equal(t, "https://p1.example/api/v2/jsonRPC", rp.Endpoint)

	require.Len(t, r.All(), 1)
	require.Len(t, r.ForNetwork(config.Mainnet), 1)
	require.Empty(t, r.ForNetwork(config.Testnet))
}

func TestRegistryPutAddsWithoutDisruptingReaders(t *testing.T) {
	r, err := New(&config.Document{Providers: map[string]config.ProviderConfig{}}, nil)
	require.NoError(t, err)

	before := r.All()
	require.Empty(t, before)

	rp := ResolvedProvider{ID: "new1", Network: config.Mainnet, Enabled: true}
	r.Put(rp)

	require.Empty(t, before, "snapshot taken before Put must not mutate")
	require.Len(t, r.All(), 1)
}
