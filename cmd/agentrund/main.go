// Command agentrund runs the durable agent execution runtime: the HTTP
// surface (session lifecycle, step callbacks, human intervention, SSE
// stream) plus the background cleanup sweep and, in production mode, the
// Redis-backed Work Queue dispatcher.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"

	"github.com/stepwise/agentrun/coordinator"
	"github.com/stepwise/agentrun/engine"
	"github.com/stepwise/agentrun/event"
	"github.com/stepwise/agentrun/executor"
	"github.com/stepwise/agentrun/internal/config"
	"github.com/stepwise/agentrun/model"
	"github.com/stepwise/agentrun/queue"
	"github.com/stepwise/agentrun/store"
	"github.com/stepwise/agentrun/telemetry"
	"github.com/stepwise/agentrun/tools"
)

func main() {
	cfg := config.FromEnv()

	logger := telemetry.NewClueLogger()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("agentrund: redis: %v", err)
	}

	st := store.NewRedisStore(redisClient,
		store.WithStateTTL(cfg.SessionTTL),
	)
	events := event.NewRedisStream(redisClient,
		event.WithMaxLen(cfg.EventLogMaxLen),
		event.WithTTL(cfg.EventLogTTL),
	)

	models := buildModelRegistry(cfg, logger)
	var toolHost tools.Host = tools.UnconfiguredHost{}
	if cfg.ToolWebhookURL != "" {
		toolHost = tools.NewHTTPHost(cfg.ToolWebhookURL)
	}
	toolDefs := tools.StaticDefinitions{}

	deps := executor.Deps{
		Events:    events,
		Models:    models,
		ToolHost:  toolHost,
		ToolDefs:  toolDefs,
		Logger:    logger,
		MaxTokens: 4096,
	}
	// RequiresApproval is left nil: no tool call requires human approval by
	// default. A deployment that wants gated tool calls supplies its own
	// Runner keyed off session.Metadata.AgentConfig, which this default
	// binary treats as opaque per-agent configuration it does not interpret.
	runner := engine.DefaultRunner{}

	// eng is constructed after q because ExecuteStep is q's own dispatch
	// target in timer mode; the two reference each other through the
	// closure below rather than a field, since Engine has no setter.
	var eng *engine.Engine
	var q queue.Queue
	var redisQueue *queue.RedisDelayQueue
	switch cfg.QueueProvider {
	case config.QueueProviderRedis:
		redisQueue = queue.NewRedisDelayQueue(redisClient, cfg.QueueCallbackURL)
		q = redisQueue
	default:
		q = queue.NewTimerQueue(queue.DispatcherFunc(func(ctx context.Context, task queue.Task) error {
			_, err := eng.ExecuteStep(ctx, task)
			return err
		}))
	}

	eng = engine.New(st, events, q, deps, runner)

	ccfg := coordinator.DefaultConfig()
	ccfg.HeartbeatInterval = cfg.HeartbeatInterval
	ccfg.CleanupInterval = cfg.CleanupInterval
	ccfg.HistoryDefault = cfg.HistoryDefault
	coord := coordinator.New(st, events, q, logger, ccfg)

	handler := &coordinator.Handler{Coordinator: coord, Engine: eng}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coord.RunCleanupLoop(ctx)

	if redisQueue != nil {
		go func() {
			if err := redisQueue.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "queue dispatcher stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "agentrund listening", "addr", cfg.HTTPAddr, "queue_provider", string(cfg.QueueProvider))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("agentrund: %v", err)
	}
}

func newRedisClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// buildModelRegistry registers the LLM provider adapters configured via
// environment variables. A provider with no credentials configured is left
// unregistered; call_llm instructions naming it fail with model.ErrUnknownModel
// rather than panicking at startup.
func buildModelRegistry(cfg config.Config, logger telemetry.Logger) *model.Registry {
	registry := model.NewRegistry()

	if cfg.AnthropicAPIKey != "" {
		client, err := model.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.DefaultAnthropicModel)
		if err != nil {
			logger.Error(context.Background(), "anthropic client setup failed", "error", err)
		} else {
			registry.Register("anthropic", client)
		}
	}

	if cfg.OpenAIAPIKey != "" {
		client, err := model.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.DefaultOpenAIModel)
		if err != nil {
			logger.Error(context.Background(), "openai client setup failed", "error", err)
		} else {
			registry.Register("openai", client)
		}
	}

	if awsCfg, err := awsconfig.LoadDefaultConfig(context.Background()); err == nil {
		brt := bedrockruntime.NewFromConfig(awsCfg)
		client, err := model.NewBedrockClient(brt, cfg.DefaultBedrockModel)
		if err != nil {
			logger.Error(context.Background(), "bedrock client setup failed", "error", err)
		} else {
			registry.Register("bedrock", client)
		}
	}

	return registry
}
