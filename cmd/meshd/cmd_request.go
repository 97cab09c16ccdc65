package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/services"
)

var (
	requestKind    string
	requestBudget  int64
	requestTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringVar(&requestKind, "kind", "text-generation", "job kind to request")
	requestCmd.Flags().Int64Var(&requestBudget, "max-msat", 50_000, "maximum price in millisatoshis")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 3*time.Minute, "overall purchase deadline")
}

var requestCmd = &cobra.Command{
	Use:   "request <input>",
	Short: "Buy one inference job and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequest,
}

func runRequest(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, timeoutCancel := contextWithTimeout(ctx, requestTimeout)
	defer timeoutCancel()

	rc := connectRelay(ctx, logger, cfg)
	defer rc.Close()

	customer := services.NewCustomerEngine(logger, services.CustomerConfig{
		Identity: domain.AgentID(cfg.Identity),
		Network:  cfg.Network,
	}, rc, newGateway(cfg))

	res, err := customer.Purchase(ctx, services.PurchaseRequest{
		Kind:         domain.JobKind(requestKind),
		Input:        args[0],
		MaxPriceMsat: requestBudget,
	})
	if err != nil {
		return fmt.Errorf("purchase failed: %w", err)
	}

	fmt.Fprintln(os.Stdout, res.Output)
	logger.Info("purchase complete", "job_id", res.JobID, "provider", res.Provider,
		"cost_msat", res.CostMsat)
	return nil
}
