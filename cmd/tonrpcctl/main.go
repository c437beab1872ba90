// Command tonrpcctl is a small operator CLI over a Manager: resolve an
// endpoint, force a probe, or watch the state broadcast — the same
// three things a caller embedding the library would otherwise have to
// write its own harness for.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/PayRpc/ton-rpc-manager/internal/config"
	"github.com/PayRpc/ton-rpc-manager/internal/manager"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath  string
	envPath     string
	network     string
	browserOnly bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tonrpcctl",
		Short: "Operate a TON multi-provider RPC manager",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "providers.yaml", "path to the provider registry config")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to a .env file of provider secrets")
	root.PersistentFlags().StringVar(&network, "network", "mainnet", "network to operate on (mainnet|testnet)")
	root.PersistentFlags().BoolVar(&browserOnly, "browser-only", false, "restrict to browser-compatible providers")

	root.AddCommand(newResolveCmd(), newProbeCmd(), newWatchCmd())
	return root
}

func loadManager(logger *zap.Logger) (*manager.Manager, error) {
	if err := config.LoadEnv(envPath); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	doc, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return manager.New(doc, logger)
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the currently best endpoint and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			m, err := loadManager(logger)
			if err != nil {
				return err
			}
			res, err := m.ResolveEndpoint(config.Network(network), browserOnly)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(res)
		},
	}
}

func newProbeCmd() *cobra.Command {
	var providerID string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Force a health probe against one provider, or every provider on --network if --provider is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			m, err := loadManager(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if providerID != "" {
				res, err := m.Probe(ctx, providerID)
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(res)
			}
			results := m.ProbeAll(ctx, config.Network(network))
			return json.NewEncoder(os.Stdout).Encode(results)
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "provider id to probe; all providers on --network if omitted")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream the manager's state broadcast until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			m, err := loadManager(logger)
			if err != nil {
				return err
			}
			ch, unsubscribe := m.Subscribe()
			defer unsubscribe()

			enc := json.NewEncoder(os.Stdout)
			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					return nil
				case s, ok := <-ch:
					if !ok {
						return nil
					}
					if err := enc.Encode(s); err != nil {
						return err
					}
				}
			}
		},
	}
}
