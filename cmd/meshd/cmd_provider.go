package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshcompute/meshd/internal/adapters/duckdb"
	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/services"
	"github.com/meshcompute/meshd/internal/httpapi"
)

func init() {
	rootCmd.AddCommand(providerCmd)
}

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Run the provider daemon: sell inference for sats",
	RunE:  runProvider,
}

func runProvider(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repo.Close()

	rc := connectRelay(ctx, logger, cfg)
	defer rc.Close()

	prices := make(map[domain.JobKind]int64, len(cfg.Provider.PricesMsat))
	for kind, amount := range cfg.Provider.PricesMsat {
		prices[domain.JobKind(kind)] = amount
	}

	engine := services.NewProviderEngine(logger, services.ProviderConfig{
		Identity:          domain.AgentID(cfg.Identity),
		Network:           cfg.Network,
		Prices:            prices,
		InvoiceTTL:        time.Duration(cfg.Provider.InvoiceTTL),
		PollInterval:      time.Duration(cfg.Provider.PollInterval),
		AnnounceInterval:  time.Duration(cfg.Provider.AnnounceInterval),
		MaxConcurrentJobs: cfg.Provider.MaxConcurrent,
	}, rc, newGateway(cfg), buildRegistry(cfg), repo)

	api := httpapi.NewServer(logger, repo, repo)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler()}

	logger.Info("provider starting", "identity", cfg.Identity, "network", cfg.Network,
		"http_addr", cfg.HTTPAddr)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gCtx) })
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
