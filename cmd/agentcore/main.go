// Command agentcore is the CLI for the agent orchestration core: a
// one-shot query runner and a long-running recovery loop, both wired
// from the same environment-driven configuration.
//
// Usage:
//
//	agentcore query "what's the weather in Lisbon?" --thread t-1
//	agentcore recover --interval 5m
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kadirpekel/agentcore/internal/config"
	"github.com/kadirpekel/agentcore/internal/logger"
	"github.com/kadirpekel/agentcore/internal/telemetry"
	"github.com/kadirpekel/agentcore/internal/tokens"
	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/delegation"
	"github.com/kadirpekel/agentcore/pkg/intent"
	"github.com/kadirpekel/agentcore/pkg/orchestrator"
	"github.com/kadirpekel/agentcore/pkg/provider"
	"github.com/kadirpekel/agentcore/pkg/recovery"
	"github.com/kadirpekel/agentcore/pkg/tool"
	"github.com/kadirpekel/agentcore/pkg/workflow"
)

func main() {
	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Agent orchestration core: intent classification, tool-calling workflows, and model-tier delegation.",
	}

	var threadID string
	queryCmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run a single turn and print the answer.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), args[0], threadID)
		},
	}
	queryCmd.Flags().StringVar(&threadID, "thread", "", "existing thread id to continue (generated if empty)")

	var interval time.Duration
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run the recovery scan once at startup, then every --interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd.Context(), interval)
		},
	}
	recoverCmd.Flags().DurationVar(&interval, "interval", time.Minute, "scan interval")

	root.AddCommand(queryCmd, recoverCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore:", err)
		os.Exit(1)
	}
}

// build wires every component from cfg, returning the orchestrator plus
// the pieces runRecover also needs.
func build(cfg *config.Config) (*orchestrator.Orchestrator, checkpoint.Store, *telemetry.Metrics, error) {
	store, err := checkpoint.Open("sqlite3", cfg.CheckpointDBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	counter, err := tokens.NewCounter("gpt-4")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build token counter: %w", err)
	}

	tools := tool.New()
	tools.SetMetrics(metrics)
	classifier := intent.New(nil)

	workflowCfg := workflow.Config{
		MaxIterations:       cfg.MaxIterations,
		ContextWindow:       cfg.ContextWindow,
		MaxToolCallsPerTurn: cfg.MaxToolCallsPerTurn,
		ToolTimeout:         30 * time.Second,
		Temperature:         cfg.Temperature,
	}

	deps := orchestrator.Deps{
		Store:          store,
		Classifier:     classifier,
		SystemPrompt:   "",
		RequestTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}

	if cfg.EnableDelegation && cfg.RoutingConfigPath != "" {
		watcher, err := config.NewRoutingWatcher(cfg.RoutingConfigPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load routing config: %w", err)
		}
		pool := provider.NewPool(watcher, defaultProviderBuilder)
		deps.Delegation = delegation.New(pool, watcher)

		client, _, err := pool.MustGet("", "conversation")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("no reachable default tier: %w", err)
		}
		deps.Engine = workflow.New(client, tools, store, workflowCfg, counter)
	} else {
		client, err := singleClientFromConfig(cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build provider client: %w", err)
		}
		deps.Engine = workflow.New(client, tools, store, workflowCfg, counter)
	}
	deps.Engine.SetMetrics(metrics)

	return orchestrator.New(deps), store, metrics, nil
}

func defaultProviderBuilder(tier config.TierEndpoint) (provider.Client, error) {
	if tier.Type == string(config.ProviderLocal) {
		return provider.NewLocalClient(provider.LocalConfig{Target: tier.BaseURL, Model: tier.Model, Insecure: true})
	}
	return provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:      tier.BaseURL,
		APIKey:       tier.APIKey,
		Model:        tier.Model,
		RateLimitRPS: tier.RateLimitRPS,
	}), nil
}

func singleClientFromConfig(cfg *config.Config) (provider.Client, error) {
	if cfg.ProviderType == config.ProviderLocal {
		return provider.NewLocalClient(provider.LocalConfig{Target: cfg.ProviderBaseURL, Model: cfg.ProviderModel, Insecure: true})
	}
	authScheme := provider.AuthBearer
	authHeader := ""
	if cfg.ProviderType == config.ProviderAnthropic {
		authScheme = provider.AuthAPIKeyHeader
		authHeader = "x-api-key"
	}
	return provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:    cfg.ProviderBaseURL,
		APIKey:     cfg.ProviderAPIKey,
		Model:      cfg.ProviderModel,
		AuthScheme: authScheme,
		AuthHeader: authHeader,
	}), nil
}

func runQuery(ctx context.Context, text, threadID string) error {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return err
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	shutdownTelemetry, err := telemetry.InitProvider(ctx, "agentcore")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	orch, store, _, err := build(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	resp := orch.Query(ctx, text, threadID)
	fmt.Println(resp.Answer)
	fmt.Fprintf(os.Stderr, "thread=%s request=%s iterations=%d latency_ms=%d\n",
		resp.Metadata.ThreadID, resp.Metadata.RequestID, resp.Metadata.Iterations, resp.Metadata.LatencyMS)
	if resp.Metadata.Error != "" {
		return fmt.Errorf("turn failed: %s", resp.Metadata.Error)
	}
	return nil
}

func runRecover(ctx context.Context, interval time.Duration) error {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return err
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	shutdownTelemetry, err := telemetry.InitProvider(ctx, "agentcore-recovery")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	store, err := checkpoint.Open("sqlite3", cfg.CheckpointDBPath)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	manager := recovery.New(store, metrics, cfg.MaxRecoveryAttempts, 5*time.Minute)
	manager.Run(ctx, interval)
	return nil
}
