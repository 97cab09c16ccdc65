package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshcompute/meshd/internal/adapters/inference"
	"github.com/meshcompute/meshd/internal/adapters/relay"
	"github.com/meshcompute/meshd/internal/adapters/wallet"
	"github.com/meshcompute/meshd/internal/config"
	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "Decentralized compute marketplace daemon",
	Long: `meshd sells and buys inference over a public event network, settling
over Lightning invoices. Run it as a provider, as a sovereign agent, or as a
one-shot customer.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.meshd/config.json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()
	return ctx, cancel
}

// connectRelay starts the relay client in the background and returns it.
func connectRelay(ctx context.Context, logger *slog.Logger, cfg *config.Config) *relay.Client {
	rc := relay.NewClient(logger, cfg.Relay.URL, time.Duration(cfg.Relay.Lookback))
	go func() {
		if err := rc.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("relay client stopped", "error", err)
		}
	}()
	return rc
}

func newGateway(cfg *config.Config) ports.PaymentGateway {
	return wallet.NewClient(cfg.Wallet.URL, cfg.Wallet.APIKey)
}

// buildRegistry wires the configured inference backends, Ollama first.
func buildRegistry(cfg *config.Config) *inference.Registry {
	registry := inference.NewRegistry()
	ollama := inference.NewOllama(cfg.Inference.OllamaURL, cfg.Inference.OllamaModel)
	var openai *inference.OpenAI
	if cfg.Inference.OpenAIURL != "" {
		openai = inference.NewOpenAI(cfg.Inference.OpenAIURL, cfg.Inference.OpenAIKey, cfg.Inference.OpenAIModel)
	}
	for kind := range cfg.Provider.PricesMsat {
		registry.Register(domain.JobKind(kind), ollama)
		if openai != nil {
			registry.Register(domain.JobKind(kind), openai)
		}
	}
	return registry
}
