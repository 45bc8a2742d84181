package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads the config file (JSON5), then overlays environment variables.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values. Spec-named knobs (MAX_CONCURRENT_CONTAINERS,
// CONTAINER_TIMEOUT, …) are recognized bare; everything else is prefixed
// NANOCLAW_.
func (c *Config) applyEnvOverrides() {
	envStr("NANOCLAW_DATA_DIR", &c.DataDir)
	envStr("NANOCLAW_LOG_LEVEL", &c.LogLevel)
	envStr("NANOCLAW_LOG_FORMAT", &c.LogFmt)

	// Queue knobs, spec-named.
	envInt("MAX_CONCURRENT_CONTAINERS", &c.Queue.MaxConcurrent)
	envInt("MAX_RETRIES", &c.Queue.MaxRetries)
	envInt("RETRY_BASE_DELAY_MS", &c.Queue.RetryBaseDelayMS)
	envInt("RECOVERY_EXHAUSTED_GATE_MS", &c.Queue.ExhaustedGateMS)

	// Container knobs, spec-named.
	envInt("CONTAINER_TIMEOUT", &c.Backend.TimeoutMS)
	envInt("CONTAINER_STARTUP_TIMEOUT", &c.Backend.StartupTimeoutMS)
	envInt("IDLE_TIMEOUT", &c.Backend.IdleTimeoutMS)
	envInt("CONTAINER_MAX_OUTPUT_SIZE", &c.Backend.MaxOutputSize)
	envStr("CONTAINER_MEMORY", &c.Backend.Memory)
	envStr("CONTAINER_IMAGE", &c.Backend.Image)
	envStr("NANOCLAW_BACKEND", &c.Backend.Default)
	envStr("NANOCLAW_CONTAINER_RUNTIME", &c.Backend.Runtime)

	// Store.
	envStr("NANOCLAW_STORE_ENGINE", &c.Store.Engine)
	envStr("NANOCLAW_SQLITE_PATH", &c.Store.SQLitePath)
	envStr("NANOCLAW_POSTGRES_DSN", &c.Store.PostgresDSN)
	if c.Store.PostgresDSN != "" && os.Getenv("NANOCLAW_STORE_ENGINE") == "" {
		c.Store.Engine = "postgres"
	}

	// Channel credentials, env-only.
	envStr("NANOCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("NANOCLAW_WHATSAPP_AUTO_REGISTER", &c.Channels.WhatsApp.AutoRegisterTrigger)
	envStr("NANOCLAW_SIGNAL_REST_URL", &c.Channels.Signal.RESTURL)
	envStr("NANOCLAW_SIGNAL_NUMBER", &c.Channels.Signal.Number)
	envStr("NANOCLAW_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("NANOCLAW_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("NANOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Signal.RESTURL != "" {
		c.Channels.Signal.Enabled = true
	}
	if c.Channels.Slack.BotToken != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	// Cloud substrate credentials, env-only.
	cl := &c.Backend.Cloud
	envStr("SPRITES_TOKEN", &cl.SpritesToken)
	envStr("SPRITES_URL", &cl.SpritesURL)
	envStr("DAYTONA_API_KEY", &cl.DaytonaKey)
	envStr("DAYTONA_URL", &cl.DaytonaURL)
	envStr("RAILWAY_TOKEN", &cl.RailwayToken)
	envStr("RAILWAY_PROJECT_ID", &cl.RailwayProject)
	envStr("HETZNER_TOKEN", &cl.HetznerToken)
	envStr("HETZNER_SERVER_TYPE", &cl.HetznerType)
	envStr("HETZNER_IMAGE", &cl.HetznerImage)
	envStr("B2_ENDPOINT", &cl.B2Endpoint)
	envStr("B2_KEY_ID", &cl.B2KeyID)
	envStr("B2_APP_KEY", &cl.B2AppKey)
	envStr("B2_BUCKET", &cl.B2Bucket)
	envStr("B2_REGION", &cl.B2Region)

	// Admin + tracing.
	envStr("NANOCLAW_ADMIN_ADDR", &c.Admin.Addr)
	envStr("NANOCLAW_TSNET_HOSTNAME", &c.Admin.TsnetHostname)
	envStr("NANOCLAW_TSNET_AUTH_KEY", &c.Admin.TsnetAuthKey)
	envStr("NANOCLAW_TSNET_DIR", &c.Admin.TsnetStateDir)
	envStr("NANOCLAW_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envStr("NANOCLAW_OTLP_PROTOCOL", &c.Tracing.Protocol)
	envBool("NANOCLAW_TRACING_ENABLED", &c.Tracing.Enabled)
	envBool("NANOCLAW_TRACING_INSECURE", &c.Tracing.Insecure)
	if c.Tracing.Endpoint != "" {
		c.Tracing.Enabled = true
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// Save writes the config to disk. Secret fields carry `json:"-"` tags so
// they never persist.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
