package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusAgent string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAgent, "agent", "", "also show this agent's state and runway")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running daemon's status API",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	base := cfg.HTTPAddr
	if strings.HasPrefix(base, ":") {
		base = "localhost" + base
	}
	base = "http://" + base

	if err := fetch(base + "/v1/jobs?limit=20"); err != nil {
		return err
	}
	if statusAgent != "" {
		return fetch(base + "/v1/agents/" + statusAgent)
	}
	return nil
}

func fetch(url string) error {
	ctx, cancel := contextWithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(os.Stdout, strings.TrimSpace(string(body)))
	return nil
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
