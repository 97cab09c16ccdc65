package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshcompute/meshd/internal/adapters/duckdb"
	"github.com/meshcompute/meshd/internal/adapters/inference"
	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/services"
	"github.com/meshcompute/meshd/internal/httpapi"
)

func init() {
	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a sovereign agent: earn runway, buy compute, survive",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
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
	gateway := newGateway(cfg)

	customer := services.NewCustomerEngine(logger, services.CustomerConfig{
		Identity: domain.AgentID(cfg.Identity),
		Network:  cfg.Network,
	}, rc, gateway)

	reasonerBackend := inference.NewOllama(cfg.Inference.OllamaURL, cfg.Inference.OllamaModel)
	reasoner := services.NewLLMReasoner(logger, reasonerBackend, domain.JobKind("text-generation"))

	agent := services.NewSovereignAgent(logger, services.SovereignConfig{
		AgentID:   domain.AgentID(cfg.Identity),
		Goal:      cfg.Agent.Goal,
		Heartbeat: cfg.Agent.Heartbeat,
		Caps: services.BudgetCaps{
			PerTickMsat:  cfg.Agent.TickBudgetMsat,
			PerDayMsat:   cfg.Agent.DailyBudgetMsat,
			LifetimeMsat: cfg.Agent.MonthlyCapMsat,
		},
		Thresholds: domain.LifecycleThresholds{
			RunwayDays:       cfg.Agent.RunwayDays,
			HibernationFloor: cfg.Agent.HibernationFloor,
		},
		TickEstimateMsat: cfg.Agent.TickBudgetMsat,
	}, repo, gateway, customer, reasoner, rc)

	api := httpapi.NewServer(logger, repo, repo)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler()}

	logger.Info("agent starting", "identity", cfg.Identity, "goal", cfg.Agent.Goal,
		"heartbeat", cfg.Agent.Heartbeat)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(gCtx) })
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
