package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: "1"
providers:
  p1:
    displayName: "Provider One"
    type: toncenter
    network: mainnet
    endpoints:
      v2: "https://p1.example/api/v2"
    priority: 10
    rps: 10
  p2:
    displayName: "Provider Two"
    type: orbs
    network: mainnet
    isDynamic: true
    rps: 5
defaults:
  mainnet: ["p1", "p2"]
  testnet: []
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeTemp(t, "config.yaml", sampleYAML)

	doc, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "1", doc.Version)

	p1 := doc.Providers["p1"]
	require.Equal(t, 10, p1.Priority)
	require.Equal(t, 10, p1.RPS)
	require.True(t, p1.IsEnabled())
	require.True(t, p1.BrowserOK())

	p2 := doc.Providers["p2"]
	require.Equal(t, 5, p2.RPS)
	require.Equal(t, 10, p2.Priority, "default priority applied when absent")
}

func TestLoadRejectsUnknownDefault(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
version: "1"
providers:
  p1:
    type: toncenter
    network: mainnet
    endpoints:
      v2: "https://p1.example/api/v2"
defaults:
  mainnet: ["p1", "ghost"]
`)

	_, err := Load(path)
	require.Error(t, err)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Error(), "ghost")
}

func TestValidateRequiresEndpointUnlessDynamic(t *testing.T) {
	doc := &Document{
		Version: "1",
		Providers: map[string]ProviderConfig{
			"p1": {ID: "p1", Type: ProviderCustom, Network: Mainnet},
		},
	}
	err := Validate(doc)
	require.Error(t, err)

	doc.Providers["p1"] = ProviderConfig{ID: "p1", Type: ProviderOrbs, Network: Mainnet, IsDynamic: true}
	require.NoError(t, Validate(doc))
}

func TestLoadEnvToleratesMissingFile(t *testing.T) {
	require.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "does-not-exist.env")))
}
