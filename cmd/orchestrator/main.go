// Command orchestrator wires configuration, logging, telemetry, the
// service registry, transport, resilient calling, conversation storage,
// entity memory, the AI adapter, and the plan-and-execute orchestrator
// into a running process. Grounded on itsneelabh-gomind's
// core/cmd/example/main.go wiring style, generalized from a single
// BaseAgent bring-up into the orchestrator's full dependency graph.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/agentmesh/orchestrator/internal/agentclient"
	"github.com/agentmesh/orchestrator/internal/aiadapter"
	"github.com/agentmesh/orchestrator/internal/config"
	"github.com/agentmesh/orchestrator/internal/conversation"
	"github.com/agentmesh/orchestrator/internal/logger"
	"github.com/agentmesh/orchestrator/internal/memory"
	"github.com/agentmesh/orchestrator/internal/orchestrator"
	"github.com/agentmesh/orchestrator/internal/registry"
	"github.com/agentmesh/orchestrator/internal/telemetry"
	"github.com/agentmesh/orchestrator/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	log := logger.NewStandardLogger("orchestrator", logger.LevelInfo).With(map[string]interface{}{"service": "orchestrator"})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, cfg.Telemetry.SamplingRate)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.PoolSize = cfg.Pool.Total
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	store := conversation.New(redisClient)
	mem := memory.New(cfg.Memory.MaxEntitiesPerType)

	t := transport.New(transport.PoolConfig{
		MaxTotal:    cfg.Pool.Total,
		MaxPerHost:  cfg.Pool.PerHost,
		KeepAlive:   cfg.Pool.KeepAlive,
		DNSCacheTTL: cfg.Pool.DNSCacheTTL,
	})

	reg := registry.New(t, log, registry.Config{
		Strategy:      registry.Strategy(cfg.Registry.Strategy),
		SnapshotPath:  cfg.Registry.SnapshotPath,
		HealthTimeout: cfg.Timeout.Health,
	})
	if err := reg.Load(); err != nil {
		log.Warn("registry snapshot load failed", map[string]interface{}{"error": err.Error()})
	}
	if err := reg.LoadManifest(cfg.Registry.ManifestPath); err != nil {
		log.Warn("registry manifest load failed", map[string]interface{}{"error": err.Error()})
	}

	client := agentclient.New(reg, t, log, cfg.Timeout.Standard)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)
	adapter := aiadapter.NewBedrockAdapter(bedrockClient, cfg.AI.ModelID, log)

	orch := orchestrator.New(
		log, store, reg, client,
		&llmPlanner{adapter: adapter, modelID: cfg.AI.ModelID},
		adapter, adapter, mem,
		orchestrator.Config{
			MaxTaskAttempts:     cfg.Plan.MaxTaskAttempts,
			TaskTimeout:         cfg.Timeout.Standard,
			SummaryMsgThreshold: cfg.Summary.MessageThreshold,
			MemoryToolThreshold: cfg.Memory.ToolThreshold,
		},
	)

	go healthProbeLoop(ctx, reg, cfg.Health.Interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/threads/", newThreadHandler(orch, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	instrumented := otelhttp.NewHandler(mux, "orchestrator.http")
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: instrumented}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("orchestrator listening", map[string]interface{}{"addr": cfg.HTTP.Addr})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	if err := reg.Save(); err != nil {
		log.Warn("registry snapshot save failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func healthProbeLoop(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.HealthProbeAll(ctx)
		}
	}
}
