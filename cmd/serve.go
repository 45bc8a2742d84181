package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	osignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/admin"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend/daytona"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend/hetzner"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend/local"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend/railway"
	"github.com/nextlevelbuilder/nanoclaw/internal/backend/sprites"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/signal"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/slack"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/logging"
	"github.com/nextlevelbuilder/nanoclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/pg"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	log := logging.Setup(cfg.LogLevel, cfg.LogFmt)
	slog.SetDefault(log)

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	traceShutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(shutCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := groups.NewRegistry(st)
	ns := ipc.NewNamespace(cfg.IPCDir())
	backends := newBackendRegistry(cfg, ns, log)

	adapters, err := buildChannels(cfg, log)
	if err != nil {
		return err
	}
	chs := make([]channels.Channel, len(adapters))
	for i, a := range adapters {
		chs[i] = a
	}
	if len(chs) == 0 {
		log.Warn("no channels enabled; inbound messages cannot arrive")
	}
	mgr := channels.NewManager(chs, log)

	orch := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Store:    st,
		Registry: reg,
		IPC:      ns,
		Backends: backends,
		Channels: mgr,
		Log:      log,
	})
	for _, a := range adapters {
		a.Bind(orch.Events(), orch.OnRecovery(a), orch.Fatal)
	}

	startAdmin(ctx, cfg, mgr, orch, log)

	log.Info("nanoclaw starting", "version", Version, "data_dir", cfg.DataDirExpanded(),
		"store", cfg.Store.Engine, "backend", cfg.Backend.Default, "channels", len(chs))
	return orch.Start(ctx)
}

// openStore selects the persistence engine. SQLite is the default; the
// postgres engine requires NANOCLAW_POSTGRES_DSN.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Engine {
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return nil, fmt.Errorf("store engine is postgres but NANOCLAW_POSTGRES_DSN is not set")
		}
		return pg.New(ctx, cfg.Store.PostgresDSN)
	case "", "sqlite":
		path := cfg.SQLitePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unknown store engine %q", cfg.Store.Engine)
	}
}

// newBackendRegistry registers every substrate variant. Construction is
// lazy; a variant only initializes when a group references it.
func newBackendRegistry(cfg *config.Config, ns *ipc.Namespace, log *slog.Logger) *backend.Registry {
	r := backend.NewRegistry(backend.Deps{Config: cfg, IPC: ns, Log: log})
	r.Register("local", local.New)
	r.Register("sprites", sprites.New)
	r.Register("daytona", daytona.New)
	r.Register("railway", railway.New)
	r.Register("hetzner", hetzner.New)
	return r
}

// boundChannel is a channel adapter plus its late-binding hook. Adapters
// are constructed before the orchestrator exists, then bound to its event
// surface once it does.
type boundChannel interface {
	channels.Channel
	Bind(ev channels.Events, onRecovery func() error, fatal func(string))
}

func buildChannels(cfg *config.Config, log *slog.Logger) ([]boundChannel, error) {
	var out []boundChannel
	if cfg.Channels.WhatsApp.Enabled {
		c, err := whatsapp.New(cfg.Channels.WhatsApp, log)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		out = append(out, c)
	}
	if cfg.Channels.Signal.Enabled {
		c, err := signal.New(cfg.Channels.Signal, log)
		if err != nil {
			return nil, fmt.Errorf("signal: %w", err)
		}
		out = append(out, c)
	}
	if cfg.Channels.Slack.Enabled {
		c, err := slack.New(cfg.Channels.Slack, log)
		if err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		out = append(out, c)
	}
	if cfg.Channels.Telegram.Enabled {
		c, err := telegram.New(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, c)
	}
	if cfg.Channels.Discord.Enabled {
		c, err := discord.New(cfg.Channels.Discord, log)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// startAdmin runs the /healthz + /metrics listener and the queue stats
// poller. Admin failures are logged, never fatal.
func startAdmin(ctx context.Context, cfg *config.Config, mgr *channels.Manager, orch *orchestrator.Orchestrator, log *slog.Logger) {
	metrics := admin.NewMetrics()
	started := time.Now()

	health := func() admin.Health {
		h := admin.Health{
			Status:   "ok",
			Channels: make(map[string]bool),
			Queue:    orch.Queue().Stats(),
			Uptime:   time.Since(started).Round(time.Second).String(),
		}
		for _, c := range mgr.Channels() {
			up := c.IsConnected()
			h.Channels[c.Name()] = up
			if !up {
				h.Status = "degraded"
			}
		}
		return h
	}

	go func() {
		var prev queue.Stats
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := orch.Queue().Stats()
				metrics.Observe(prev, cur)
				prev = cur
			}
		}
	}()

	srv := admin.NewServer(cfg.Admin, metrics, health, log)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Warn("admin server failed", "error", err)
		}
	}()
}
