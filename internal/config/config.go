// Package config loads MozaiksCore's runtime configuration from the
// enumerated environment-variable surface (spec §6). Every component
// receives an explicit, typed config record built here at startup;
// there is no hidden module-level configuration state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for one runtime instance.
type Config struct {
	AppID   string
	AppTier string

	DatabaseURI string

	Auth  AuthConfig
	Token ExecutionTokenConfig

	PluginTimeout time.Duration

	AGUIEnabled bool

	ArtifactStateTTL time.Duration

	EntitlementSigningKey string

	Platform PlatformConfig

	EntitlementWebhookURL string

	MaxConcurrentRuns int

	Transport TransportConfig
}

// TransportConfig configures the WebSocket transport (C10): heartbeat
// cadence and the bounded buffers spec §5 requires.
type TransportConfig struct {
	HeartbeatInterval  time.Duration
	PreSubBufferSize   int
	UIToolWaitTimeout  time.Duration
	MaxUIToolsPerConn  int
}

// AuthConfig selects and configures the identity resolver (C1).
type AuthConfig struct {
	Mode             string // external | local
	OIDCDiscoveryURL string
	Issuer           string
	JWKSURL          string
	Audience         string
	LocalSecret      string
	LocalAlgorithm   string
}

// ExecutionTokenConfig configures runtime-minted execution JWTs.
type ExecutionTokenConfig struct {
	Secret        string
	ExpireMinutes int
	Algorithm     string
}

// PlatformConfig configures outbound client-credentials calls to the
// external platform (usage flush, entitlement pull, webhooks).
type PlatformConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
	TokenScope   string
}

// Load reads the configuration from the process environment, applying
// the defaults documented in spec §6.
func Load() (*Config, error) {
	cfg := &Config{
		AppID:       os.Getenv("MOZAIKS_APP_ID"),
		AppTier:     getenvDefault("APP_TIER", "free"),
		DatabaseURI: firstNonEmpty(os.Getenv("MONGODB_URI"), os.Getenv("DATABASE_URI")),
		Auth: AuthConfig{
			Mode:             getenvDefault("MOZAIKS_AUTH_MODE", "local"),
			OIDCDiscoveryURL: os.Getenv("MOZAIKS_OIDC_DISCOVERY_URL"),
			Issuer:           os.Getenv("AUTH_ISSUER"),
			JWKSURL:          os.Getenv("AUTH_JWKS_URL"),
			Audience:         os.Getenv("AUTH_AUDIENCE"),
			LocalSecret:      os.Getenv("JWT_SECRET"),
			LocalAlgorithm:   getenvDefault("JWT_ALGORITHM", "HS256"),
		},
		Token: ExecutionTokenConfig{
			Secret:        os.Getenv("MOZAIKS_EXECUTION_TOKEN_SECRET"),
			ExpireMinutes: getenvIntDefault("MOZAIKS_EXECUTION_TOKEN_EXPIRE_MINUTES", 10),
			Algorithm:     getenvDefault("MOZAIKS_EXECUTION_TOKEN_ALGORITHM", "HS256"),
		},
		PluginTimeout:         time.Duration(getenvIntDefault("MOZAIKS_PLUGIN_TIMEOUT_SECONDS", 30)) * time.Second,
		AGUIEnabled:           getenvBoolDefault("MOZAIKS_AGUI_ENABLED", true),
		ArtifactStateTTL:      time.Duration(getenvIntDefault("MOZAIKS_ARTIFACT_STATE_TTL_SECONDS", 0)) * time.Second,
		EntitlementSigningKey: os.Getenv("MOZAIKS_ENTITLEMENT_SIGNING_KEY"),
		Platform: PlatformConfig{
			URL:          os.Getenv("MOZAIKS_PLATFORM_URL"),
			ClientID:     os.Getenv("MOZAIKS_PLATFORM_CLIENT_ID"),
			ClientSecret: os.Getenv("MOZAIKS_PLATFORM_CLIENT_SECRET"),
			TokenScope:   os.Getenv("MOZAIKS_PLATFORM_TOKEN_SCOPE"),
		},
		EntitlementWebhookURL: os.Getenv("ENTITLEMENT_WEBHOOK_URL"),
		MaxConcurrentRuns:     getenvIntDefault("MOZAIKS_MAX_CONCURRENT_RUNS", 256),
		Transport: TransportConfig{
			HeartbeatInterval: time.Duration(getenvIntDefault("MOZAIKS_WS_HEARTBEAT_SECONDS", 120)) * time.Second,
			PreSubBufferSize:  getenvIntDefault("MOZAIKS_WS_PRESUB_BUFFER_SIZE", 200),
			UIToolWaitTimeout: time.Duration(getenvIntDefault("MOZAIKS_UI_TOOL_TIMEOUT_SECONDS", 300)) * time.Second,
			MaxUIToolsPerConn: getenvIntDefault("MOZAIKS_WS_MAX_UI_TOOL_WAITS", 64),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve requests safely.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "external":
		if c.Auth.OIDCDiscoveryURL == "" && c.Auth.JWKSURL == "" {
			return fmt.Errorf("config: MOZAIKS_AUTH_MODE=external requires MOZAIKS_OIDC_DISCOVERY_URL or AUTH_JWKS_URL")
		}
	case "local":
		if c.Auth.LocalSecret == "" {
			return fmt.Errorf("config: MOZAIKS_AUTH_MODE=local requires JWT_SECRET")
		}
	default:
		return fmt.Errorf("config: unknown MOZAIKS_AUTH_MODE %q", c.Auth.Mode)
	}
	if c.PluginTimeout <= 0 {
		return fmt.Errorf("config: plugin timeout must be positive")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
