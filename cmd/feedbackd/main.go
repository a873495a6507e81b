// Feedbackd turns raw user feedback into deduplicated, clustered,
// classified work for a coding agent.
//
// This binary starts the feedbackd HTTP server with full service
// initialization, including NATS stage queues, the embedding gateway,
// the persistent fix memory, and the GitHub integration.
//
// Configuration is loaded from an optional YAML file plus FEEDBACKD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	feedbackd
//
//	# Configure via file and environment
//	FEEDBACKD_SERVER_PORT=9280 feedbackd -config /etc/feedbackd.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/agent"
	"github.com/fyrsmithlabs/feedbackd/internal/classify"
	"github.com/fyrsmithlabs/feedbackd/internal/cluster"
	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/embed"
	"github.com/fyrsmithlabs/feedbackd/internal/fixmemory"
	"github.com/fyrsmithlabs/feedbackd/internal/githubx"
	"github.com/fyrsmithlabs/feedbackd/internal/httpapi"
	"github.com/fyrsmithlabs/feedbackd/internal/llm"
	"github.com/fyrsmithlabs/feedbackd/internal/logging"
	"github.com/fyrsmithlabs/feedbackd/internal/orchestrator"
	"github.com/fyrsmithlabs/feedbackd/internal/pipeline"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// sweepInterval is how often the maintenance sweep runs: it retries topics
// stuck in classification_pending and re-queues stored signals that never
// reached a topic.
const sweepInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  feedbackd           Start the feedbackd daemon\n")
			fmt.Fprintf(os.Stderr, "  feedbackd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("feedbackd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts feedbackd and blocks until the context is cancelled.
//
// Initialization order:
//  1. Configuration and logger
//  2. Infrastructure (NATS, chromem fix-memory index)
//  3. Stores and the embedding gateway
//  4. Business services (cluster, classify, fix memory, orchestrator)
//  5. Pipeline stage subscribers
//  6. HTTP server
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("starting feedbackd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()
	logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))

	db, err := fixmemory.OpenDB(cfg.FixMemory)
	if err != nil {
		return fmt.Errorf("opening fix-memory index: %w", err)
	}
	logger.Info("fix-memory index ready", zap.String("path", cfg.FixMemory.Path))

	mem := store.NewMemory()

	embedder, err := embed.New(cfg.Embedding, logger)
	if err != nil {
		return fmt.Errorf("initializing embedding gateway: %w", err)
	}

	llmClient, err := llm.NewOpenAIClient(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("initializing llm client: %w", err)
	}

	clusterer, err := cluster.NewEngine(cfg.Cluster, mem.Topics(), mem.TriageQueue(), mem.Signals(), logger)
	if err != nil {
		return fmt.Errorf("initializing cluster engine: %w", err)
	}

	classifier, err := classify.NewEngine(cfg.Classify, mem.Topics(), mem.Tasks(), mem.Signals(), llmClient, logger)
	if err != nil {
		return fmt.Errorf("initializing classification engine: %w", err)
	}

	memory, err := fixmemory.New(cfg.FixMemory, db, mem.Rules(), llmClient, logger)
	if err != nil {
		return fmt.Errorf("initializing fix memory: %w", err)
	}

	agentClient, err := agent.NewClient(nc, logger)
	if err != nil {
		return fmt.Errorf("initializing agent client: %w", err)
	}

	// The tracker integration is optional; without a token tasks still flow,
	// they just never get issues or webhook-driven reviews.
	var issues orchestrator.IssueCreator
	if cfg.GitHub.Token != "" {
		gh, err := githubx.NewClient(ctx, cfg.GitHub, logger)
		if err != nil {
			return fmt.Errorf("initializing github client: %w", err)
		}
		issues = gh
		logger.Info("github integration enabled", zap.String("repo", cfg.GitHub.Repo))
	} else {
		logger.Warn("github integration disabled, no token configured")
	}

	orch, err := orchestrator.New(cfg.Tasks, mem.Tasks(), mem.Fixes(), agentClient, embedder, memory, issues, logger)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	pipe, err := pipeline.New(nc, mem.Signals(), mem.TriageQueue(), embedder, clusterer, classifier, orch, logger)
	if err != nil {
		return fmt.Errorf("initializing pipeline: %w", err)
	}
	if err := pipe.Start(); err != nil {
		return fmt.Errorf("starting pipeline subscribers: %w", err)
	}
	defer pipe.Stop()

	go runMaintenanceSweep(ctx, pipe, classifier, logger)

	srv, err := httpapi.NewServer(cfg.Server, pipe, mem.Topics(), mem.Tasks(), mem.TriageQueue(), orch, cfg.GitHub.WebhookSecret, logger)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// runMaintenanceSweep periodically repairs the two places where the stage
// queues can strand work: stored signals whose embed handoff was lost, and
// topics whose classification failed with a recoverable error after the
// delivery attempts were exhausted.
func runMaintenanceSweep(ctx context.Context, pipe *pipeline.Pipeline, engine *classify.Engine, logger *zap.Logger) {
	log := logger.Named("sweep")
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := pipe.SweepUnclustered(ctx); err != nil {
			log.Warn("re-queueing unclustered signals", zap.Error(err))
		}

		pending, err := engine.Pending(ctx)
		if err != nil {
			log.Warn("listing pending topics", zap.Error(err))
			continue
		}
		for _, topic := range pending {
			if _, err := engine.Classify(ctx, topic.ID); err != nil {
				log.Warn("retrying pending classification",
					zap.String("topic_id", topic.ID), zap.Error(err))
			}
		}
	}
}
