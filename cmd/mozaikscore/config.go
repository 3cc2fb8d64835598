package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mozaiks/core/internal/orchestrator/providers"
	"github.com/mozaiks/core/internal/usage"
	"github.com/mozaiks/core/pkg/runtime"
)

// cliConfig holds the settings runtime/config.Config doesn't cover:
// filesystem roots, the provider credentials that build the LLM
// registry, and the prerequisite-workflow map Preflight consults.
type cliConfig struct {
	HTTPAddr string

	PluginRoot   string
	WorkflowRoot string

	TokenPeriod      string
	PrereqConfig     map[string]string
	UsageSenderURL   string
	UsageSenderToken string

	UsageSenderOAuthTokenURL     string
	UsageSenderOAuthClientID     string
	UsageSenderOAuthClientSecret string

	Anthropic *providers.AnthropicConfig
	OpenAI    *providers.OpenAIConfig

	SessionPruneInterval time.Duration

	TraceSamplingRate float64
	TraceEnvironment  string

	ArtifactBlobBucket       string
	ArtifactBlobRegion       string
	ArtifactBlobEndpoint     string
	ArtifactBlobPrefix       string
	ArtifactBlobUsePathStyle bool
}

func loadCLIConfig() (*cliConfig, error) {
	cfg := &cliConfig{
		HTTPAddr:                     getenvDefault("MOZAIKS_HTTP_ADDR", ":8080"),
		PluginRoot:                   getenvDefault("MOZAIKS_PLUGIN_ROOT", "./plugins"),
		WorkflowRoot:                 getenvDefault("MOZAIKS_WORKFLOW_ROOT", "./workflows"),
		TokenPeriod:                  getenvDefault("MOZAIKS_USAGE_PERIOD", "monthly"),
		PrereqConfig:                 parsePrereqMap(os.Getenv("MOZAIKS_PREREQUISITE_WORKFLOWS")),
		UsageSenderURL:               os.Getenv("MOZAIKS_USAGE_SINK_URL"),
		UsageSenderToken:             os.Getenv("MOZAIKS_USAGE_SINK_TOKEN"),
		UsageSenderOAuthTokenURL:     os.Getenv("MOZAIKS_USAGE_SINK_OAUTH_TOKEN_URL"),
		UsageSenderOAuthClientID:     os.Getenv("MOZAIKS_USAGE_SINK_OAUTH_CLIENT_ID"),
		UsageSenderOAuthClientSecret: os.Getenv("MOZAIKS_USAGE_SINK_OAUTH_CLIENT_SECRET"),
		SessionPruneInterval:         durationDefault("MOZAIKS_SESSION_PRUNE_INTERVAL_SECONDS", 5*time.Minute),
		TraceSamplingRate:            floatDefault("MOZAIKS_TRACE_SAMPLING_RATE", 1.0),
		TraceEnvironment:             getenvDefault("MOZAIKS_ENVIRONMENT", "development"),
		ArtifactBlobBucket:           os.Getenv("MOZAIKS_ARTIFACT_BLOB_BUCKET"),
		ArtifactBlobRegion:           getenvDefault("MOZAIKS_ARTIFACT_BLOB_REGION", "us-east-1"),
		ArtifactBlobEndpoint:         os.Getenv("MOZAIKS_ARTIFACT_BLOB_ENDPOINT"),
		ArtifactBlobPrefix:           os.Getenv("MOZAIKS_ARTIFACT_BLOB_PREFIX"),
		ArtifactBlobUsePathStyle:     os.Getenv("MOZAIKS_ARTIFACT_BLOB_PATH_STYLE") == "true",
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Anthropic = &providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      os.Getenv("ANTHROPIC_BASE_URL"),
			DefaultModel: getenvDefault("ANTHROPIC_DEFAULT_MODEL", "claude-sonnet-4-20250514"),
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI = &providers.OpenAIConfig{
			APIKey:       key,
			DefaultModel: getenvDefault("OPENAI_DEFAULT_MODEL", "gpt-4o"),
		}
	}
	if cfg.Anthropic == nil && cfg.OpenAI == nil {
		return nil, fmt.Errorf("config: at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}

	return cfg, nil
}

// parsePrereqMap parses "workflow_a=requires_a,workflow_b=requires_b"
// into the map orchestrator.NewPreflight's prereqConfig expects.
func parsePrereqMap(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func floatDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return def
	}
	return f
}

func durationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

// usageSender builds the Sender the tracker flushes batches to,
// falling back to a sink that keeps usage local when unconfigured
// (self-host mode with no platform URL set).
func (c *cliConfig) usageSender() usage.Sender {
	if c.UsageSenderURL == "" {
		return noopSender{}
	}
	if c.UsageSenderOAuthTokenURL != "" {
		return usage.NewOAuthHTTPSender(c.UsageSenderURL, c.UsageSenderOAuthTokenURL,
			c.UsageSenderOAuthClientID, c.UsageSenderOAuthClientSecret, nil)
	}
	return &usage.HTTPSender{URL: c.UsageSenderURL, Token: c.UsageSenderToken}
}

type noopSender struct{}

func (noopSender) Send(_ context.Context, _ []runtime.UsageEvent) error { return nil }
