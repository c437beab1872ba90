// Package config loads and validates the provider registry configuration:
// the declarative document describing every RPC endpoint template, its
// provider family, and the environment variables that supply secrets.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Network is the blockchain network a provider serves. Immutable per
// manager instance after init.
type Network string

const (
	Testnet Network = "testnet"
	Mainnet Network = "mainnet"
)

func (n Network) Valid() bool {
	return n == Testnet || n == Mainnet
}

// ProviderType identifies a known provider family. Each family has its
// own endpoint shape, authentication convention, and response wrapper.
type ProviderType string

const (
	ProviderToncenter  ProviderType = "toncenter"
	ProviderChainstack ProviderType = "chainstack"
	ProviderQuicknode  ProviderType = "quicknode"
	ProviderOrbs       ProviderType = "orbs"
	ProviderOnfinality ProviderType = "onfinality"
	ProviderGetblock   ProviderType = "getblock"
	ProviderTatum      ProviderType = "tatum"
	ProviderAnkr       ProviderType = "ankr"
	ProviderTonhub     ProviderType = "tonhub"
	ProviderCustom     ProviderType = "custom"
)

// APIVersion tags an endpoint template within a ProviderConfig.
type APIVersion string

const (
	APIV2 APIVersion = "v2"
	APIV3 APIVersion = "v3"
	APIV4 APIVersion = "v4"
	APIWS APIVersion = "ws"
)

// ProviderConfig is the declarative, on-disk description of one
// provider, resolved by internal/registry into a ResolvedProvider.
type ProviderConfig struct {
	ID                string                `mapstructure:"id"`
	DisplayName       string                `mapstructure:"displayName"`
	Type              ProviderType          `mapstructure:"type"`
	Network           Network               `mapstructure:"network"`
	Endpoints         map[APIVersion]string `mapstructure:"endpoints"`
	KeyEnvName        string                `mapstructure:"keyEnvName"`
	APIKeyEnvName     string                `mapstructure:"apiKeyEnvName"`
	RPS               int                   `mapstructure:"rps"`
	Priority          int                   `mapstructure:"priority"`
	Enabled           *bool                 `mapstructure:"enabled"`
	IsDynamic         bool                  `mapstructure:"isDynamic"`
	BrowserCompatible *bool                 `mapstructure:"browserCompatible"`
}

// BrowserOK returns the effective browserCompatible flag, defaulting to
// true when the config is silent, per spec.md §6.
func (p ProviderConfig) BrowserOK() bool {
	if p.BrowserCompatible == nil {
		return true
	}
	return *p.BrowserCompatible
}

// IsEnabled returns the effective enabled flag, defaulting to true when
// the config is silent, per spec.md §6.
func (p ProviderConfig) IsEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// DefaultsConfig names the default provider order per network.
type DefaultsConfig struct {
	Testnet []string `mapstructure:"testnet"`
	Mainnet []string `mapstructure:"mainnet"`
}

// ForNetwork returns the declared default-order id list for a network.
func (d DefaultsConfig) ForNetwork(n Network) []string {
	if n == Testnet {
		return d.Testnet
	}
	return d.Mainnet
}

// Document is the full top-level configuration file.
type Document struct {
	Version   string                    `mapstructure:"version"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Defaults  DefaultsConfig            `mapstructure:"defaults"`
}

// ConfigError collects every offending path found during validation so
// init fails with one structured message rather than the first error.
type ConfigError struct {
	Issues []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Issues, "; "))
}

func (e *ConfigError) add(format string, args ...interface{}) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// Load reads a configuration document from path (YAML by default; JSON
// and TOML are accepted by extension) and validates it. Environment
// variables prefixed TONRPC_ override file values via viper's
// AutomaticEnv, matching the teacher's config.Load shape.
func Load(path string) (*Document, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvPrefix("TONRPC")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&doc)

	if err := Validate(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// applyDefaults fills per-provider defaults per spec.md §6: rps=1,
// priority=10, enabled defaults true, isDynamic=false,
// browserCompatible=true (the last via ProviderConfig.BrowserOK).
func applyDefaults(doc *Document) {
	for id, p := range doc.Providers {
		if p.ID == "" {
			p.ID = id
		}
		if p.RPS <= 0 {
			p.RPS = 1
		}
		if p.Priority == 0 {
			p.Priority = 10
		}
		doc.Providers[id] = p
	}
}

// Validate checks the schema constraints from spec.md §6: defaults.*
// ids must exist in providers, and each enabled, non-dynamic provider
// must declare at least one of v2/v3/v4.
func Validate(doc *Document) error {
	cerr := &ConfigError{}

	for _, id := range doc.Defaults.Testnet {
		if _, ok := doc.Providers[id]; !ok {
			cerr.add("defaults.testnet references unknown provider %q", id)
		}
	}
	for _, id := range doc.Defaults.Mainnet {
		if _, ok := doc.Providers[id]; !ok {
			cerr.add("defaults.mainnet references unknown provider %q", id)
		}
	}

	for id, p := range doc.Providers {
		if !p.Network.Valid() {
			cerr.add("providers.%s.network must be testnet or mainnet, got %q", id, p.Network)
		}
		if p.IsDynamic || !p.IsEnabled() {
			continue
		}
		hasEndpoint := p.Endpoints[APIV2] != "" || p.Endpoints[APIV3] != "" || p.Endpoints[APIV4] != ""
		if !hasEndpoint {
			cerr.add("providers.%s must declare at least one of endpoints.v2/v3/v4, or set isDynamic=true", id)
		}
	}

	if len(cerr.Issues) > 0 {
		return cerr
	}
	return nil
}

// LoadEnv loads a .env file into the process environment, tolerating a
// missing file (common in production where secrets come from the real
// environment). Existing process environment variables always win —
// godotenv.Load never overwrites a variable already set.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
