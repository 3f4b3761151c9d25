// Package config loads runtime configuration from environment variables at
// process start, using a flat env-var-driven style rather than a
// config-file/schema library.
package config

import (
	"os"
	"strconv"
	"time"
)

// QueueProvider selects which Work Queue implementation cmd/agentrund
// wires up.
type QueueProvider string

const (
	QueueProviderTimer QueueProvider = "timer"
	QueueProviderRedis QueueProvider = "redis"
)

// Config is the full set of environment-driven tunables this runtime reads.
type Config struct {
	// RedisURL is the State/Event store connection URL (required).
	RedisURL string

	// QueueProvider selects timer (in-process, dev default) or redis
	// (production). Selected by presence of QueueCallbackURL when unset.
	QueueProvider QueueProvider
	// QueueCallbackURL is the HTTP endpoint RedisDelayQueue POSTs due
	// tasks to. Required when QueueProvider is redis.
	QueueCallbackURL string

	SessionTTL      time.Duration
	EventLogTTL     time.Duration
	EventLogMaxLen  int64
	HistoryDefault  int
	StepWallClockBudget time.Duration

	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration

	// AnthropicAPIKey / OpenAIAPIKey configure the LLM provider adapters
	// registered in cmd/agentrund/main.go. Bedrock uses the ambient AWS
	// SDK v2 credential chain instead of an env var here.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultAnthropicModel string
	DefaultOpenAIModel    string
	DefaultBedrockModel   string

	// HTTPAddr is the address the coordinator's HTTP server listens on.
	HTTPAddr string

	// ToolWebhookURL is where the call_tool executor's Host forwards tool
	// invocations. Concrete tool implementations live behind this webhook.
	ToolWebhookURL string
}

// FromEnv loads Config from the process environment, applying documented
// defaults for anything left unset.
func FromEnv() Config {
	cfg := Config{
		RedisURL:            getEnv("AGENTRUN_REDIS_URL", "redis://localhost:6379/0"),
		QueueCallbackURL:    os.Getenv("AGENTRUN_QUEUE_CALLBACK_URL"),
		SessionTTL:          getEnvDuration("AGENTRUN_SESSION_TTL", 86400*time.Second),
		EventLogTTL:         getEnvDuration("AGENTRUN_EVENT_LOG_TTL", 3600*time.Second),
		EventLogMaxLen:      getEnvInt64("AGENTRUN_EVENT_LOG_MAX_LEN", 1000),
		HistoryDefault:      int(getEnvInt64("AGENTRUN_HISTORY_DEFAULT", 50)),
		StepWallClockBudget: getEnvDuration("AGENTRUN_STEP_BUDGET_MS", 120000*time.Millisecond),
		HeartbeatInterval:   getEnvDuration("AGENTRUN_HEARTBEAT_INTERVAL", 30*time.Second),
		CleanupInterval:     getEnvDuration("AGENTRUN_CLEANUP_INTERVAL", 15*time.Minute),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		DefaultAnthropicModel: getEnv("AGENTRUN_ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		DefaultOpenAIModel:    getEnv("AGENTRUN_OPENAI_MODEL", "gpt-4.1"),
		DefaultBedrockModel:   getEnv("AGENTRUN_BEDROCK_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		HTTPAddr:            getEnv("AGENTRUN_HTTP_ADDR", ":8080"),
		ToolWebhookURL:      os.Getenv("AGENTRUN_TOOL_WEBHOOK_URL"),
	}

	cfg.QueueProvider = QueueProvider(getEnv("AGENTRUN_QUEUE_PROVIDER", ""))
	if cfg.QueueProvider == "" {
		if cfg.QueueCallbackURL != "" {
			cfg.QueueProvider = QueueProviderRedis
		} else {
			cfg.QueueProvider = QueueProviderTimer
		}
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
