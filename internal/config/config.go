// Package config loads the NanoClaw configuration: a JSON5 file overlaid
// with environment variables. Secrets are env-only and never persisted.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration for the NanoClaw orchestrator.
type Config struct {
	// DataDir roots group folders, the IPC namespace, and the SQLite file.
	DataDir  string         `json:"data_dir"`
	Store    StoreConfig    `json:"store,omitempty"`
	Queue    QueueConfig    `json:"queue,omitempty"`
	Backend  BackendConfig  `json:"backend,omitempty"`
	Channels ChannelsConfig `json:"channels,omitempty"`
	Admin    AdminConfig    `json:"admin,omitempty"`
	Tracing  TracingConfig  `json:"tracing,omitempty"`
	LogLevel string         `json:"log_level,omitempty"`
	LogFmt   string         `json:"log_format,omitempty"`
}

// StoreConfig selects the persistence engine.
// PostgresDSN is NEVER read from the config file (secret) — env
// NANOCLAW_POSTGRES_DSN only.
type StoreConfig struct {
	Engine      string `json:"engine,omitempty"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// QueueConfig tunes the per-chat scheduler.
type QueueConfig struct {
	MaxConcurrent      int `json:"max_concurrent,omitempty"`       // MAX_CONCURRENT_CONTAINERS
	MaxRetries         int `json:"max_retries,omitempty"`          // MAX_RETRIES
	RetryBaseDelayMS   int `json:"retry_base_delay_ms,omitempty"`  // RETRY_BASE_DELAY_MS
	ExhaustedGateMS    int `json:"exhausted_gate_ms,omitempty"`    // RECOVERY_EXHAUSTED_GATE_MS
	DrainTimeoutSec    int `json:"drain_timeout_sec,omitempty"`
	SnapshotMessageCap int `json:"snapshot_message_cap,omitempty"` // recent_messages.json depth
}

// BackendConfig selects the default execution substrate and carries the
// container knobs shared by all variants.
type BackendConfig struct {
	Default          string   `json:"default,omitempty"` // "local", "sprites", "daytona", "railway", "hetzner"
	Runtime          string   `json:"runtime,omitempty"` // local: "docker" or "apple-container"
	Image            string   `json:"image,omitempty"`   // CONTAINER_IMAGE
	Memory           string   `json:"memory,omitempty"`  // CONTAINER_MEMORY, e.g. "2g"
	TimeoutMS        int      `json:"timeout_ms,omitempty"`         // CONTAINER_TIMEOUT
	StartupTimeoutMS int      `json:"startup_timeout_ms,omitempty"` // CONTAINER_STARTUP_TIMEOUT
	IdleTimeoutMS    int      `json:"idle_timeout_ms,omitempty"`    // IDLE_TIMEOUT
	MaxOutputSize    int      `json:"max_output_size,omitempty"`    // CONTAINER_MAX_OUTPUT_SIZE
	ProjectRoot      string   `json:"project_root,omitempty"`
	GlobalFolder     string   `json:"global_folder,omitempty"`
	SkillsDir        string   `json:"skills_dir,omitempty"`
	AgentRunnerDir   string   `json:"agent_runner_dir,omitempty"`
	AllowedMounts    []string `json:"allowed_mounts,omitempty"` // mount-policy prefix allowlist
	Cloud            CloudConfig `json:"-"`                     // credentials, env-only
}

// CloudConfig holds cloud substrate credentials. Env-only.
type CloudConfig struct {
	SpritesToken   string
	SpritesURL     string
	DaytonaKey     string
	DaytonaURL     string
	RailwayToken   string
	RailwayProject string
	HetznerToken   string
	HetznerType    string // server type, default cpx21
	HetznerImage   string // OS image, default docker-ce
	B2Endpoint     string
	B2KeyID        string
	B2AppKey       string
	B2Bucket       string
	B2Region       string
}

// ChannelsConfig enables channels. Credentials are env-only.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Signal   SignalConfig   `json:"signal,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// WhatsAppConfig points at the local bridge process.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	BridgeURL string `json:"bridge_url,omitempty"` // ws://host:port/ws
	// AutoRegisterTrigger, when set, registers every newly discovered
	// group chat with this trigger word instead of waiting for an explicit
	// register_group.
	AutoRegisterTrigger string `json:"auto_register_trigger,omitempty"`
}

// SignalConfig points at the signal-cli REST daemon.
type SignalConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	RESTURL string `json:"rest_url,omitempty"` // http://host:port
	Number  string `json:"number,omitempty"`   // bot's own number
}

// SlackConfig configures Socket Mode. Tokens env-only.
type SlackConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	BotToken string `json:"-"` // NANOCLAW_SLACK_BOT_TOKEN (xoxb-)
	AppToken string `json:"-"` // NANOCLAW_SLACK_APP_TOKEN (xapp-)
}

// TelegramConfig configures Bot API long polling. Token env-only.
type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // NANOCLAW_TELEGRAM_TOKEN
}

// DiscordConfig configures the gateway session. Token env-only.
type DiscordConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // NANOCLAW_DISCORD_TOKEN
}

// AdminConfig configures the /healthz + /metrics listener. The tsnet
// hostname is only honored when built with -tags tsnet; the auth key comes
// from NANOCLAW_TSNET_AUTH_KEY only.
type AdminConfig struct {
	Addr          string `json:"addr,omitempty"`
	TsnetHostname string `json:"tsnet_hostname,omitempty"`
	TsnetStateDir string `json:"tsnet_state_dir,omitempty"`
	TsnetAuthKey  string `json:"-"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		DataDir: "~/.nanoclaw",
		Store: StoreConfig{
			Engine: "sqlite",
		},
		Queue: QueueConfig{
			MaxConcurrent:      2,
			MaxRetries:         5,
			RetryBaseDelayMS:   5000,
			ExhaustedGateMS:    0,
			DrainTimeoutSec:    10,
			SnapshotMessageCap: 50,
		},
		Backend: BackendConfig{
			Default:          "local",
			Runtime:          "docker",
			Image:            "nanoclaw-agent:latest",
			Memory:           "2g",
			TimeoutMS:        int((30 * time.Minute).Milliseconds()),
			StartupTimeoutMS: int((90 * time.Second).Milliseconds()),
			IdleTimeoutMS:    int((5 * time.Minute).Milliseconds()),
			MaxOutputSize:    1 << 20,
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:18791",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "nanoclaw",
		},
	}
}

// GroupsDir returns the root of per-group workspace folders.
func (c *Config) GroupsDir() string { return filepath.Join(c.DataDirExpanded(), "groups") }

// IPCDir returns the root of per-group IPC namespaces.
func (c *Config) IPCDir() string { return filepath.Join(c.DataDirExpanded(), "ipc") }

// SQLitePath returns the database file path, honoring the override.
func (c *Config) SQLitePath() string {
	if c.Store.SQLitePath != "" {
		return ExpandHome(c.Store.SQLitePath)
	}
	return filepath.Join(c.DataDirExpanded(), "nanoclaw.db")
}

// DataDirExpanded returns DataDir with ~ expanded.
func (c *Config) DataDirExpanded() string { return ExpandHome(c.DataDir) }

// RetryBaseDelay returns the retry base as a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Queue.RetryBaseDelayMS) * time.Millisecond
}

// ExhaustedGate returns the exhaustion gate as a duration.
func (c *Config) ExhaustedGate() time.Duration {
	return time.Duration(c.Queue.ExhaustedGateMS) * time.Millisecond
}
