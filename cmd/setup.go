package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(resolveConfigPath())
		},
	}
}

// runSetup walks the first-run form and writes config.json. Credentials
// are never asked for and never written: they come from the environment
// at serve time (NANOCLAW_SLACK_BOT_TOKEN, NANOCLAW_TELEGRAM_TOKEN, ...).
func runSetup(cfgPath string) error {
	cfg := config.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("existing config is unreadable: %w", err)
		}
		cfg = loaded
		fmt.Printf("Updating existing config at %s\n\n", cfgPath)
	}

	var chosenChannels []string
	for name, enabled := range map[string]bool{
		"whatsapp": cfg.Channels.WhatsApp.Enabled,
		"signal":   cfg.Channels.Signal.Enabled,
		"slack":    cfg.Channels.Slack.Enabled,
		"telegram": cfg.Channels.Telegram.Enabled,
		"discord":  cfg.Channels.Discord.Enabled,
	} {
		if enabled {
			chosenChannels = append(chosenChannels, name)
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Group folders, IPC namespace, and the SQLite file live here.").
				Value(&cfg.DataDir),
			huh.NewSelect[string]().
				Title("Storage engine").
				Options(
					huh.NewOption("SQLite (single file, zero setup)", "sqlite"),
					huh.NewOption("PostgreSQL (NANOCLAW_POSTGRES_DSN, run `nanoclaw migrate up`)", "postgres"),
				).
				Value(&cfg.Store.Engine),
			huh.NewSelect[string]().
				Title("Default agent backend").
				Options(
					huh.NewOption("Local container (docker)", "local"),
					huh.NewOption("Sprites sandbox", "sprites"),
					huh.NewOption("Daytona sandbox", "daytona"),
					huh.NewOption("Railway service", "railway"),
					huh.NewOption("Hetzner cloud VM", "hetzner"),
				).
				Value(&cfg.Backend.Default),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels to enable").
				Description("Channels with env credentials are enabled automatically at startup.").
				Options(
					huh.NewOption("WhatsApp (local bridge)", "whatsapp"),
					huh.NewOption("Signal (signal-cli REST)", "signal"),
					huh.NewOption("Slack (Socket Mode)", "slack"),
					huh.NewOption("Telegram (Bot API)", "telegram"),
					huh.NewOption("Discord (gateway)", "discord"),
				).
				Value(&chosenChannels),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Channels.WhatsApp.Enabled = false
	cfg.Channels.Signal.Enabled = false
	cfg.Channels.Slack.Enabled = false
	cfg.Channels.Telegram.Enabled = false
	cfg.Channels.Discord.Enabled = false
	for _, name := range chosenChannels {
		switch name {
		case "whatsapp":
			cfg.Channels.WhatsApp.Enabled = true
		case "signal":
			cfg.Channels.Signal.Enabled = true
		case "slack":
			cfg.Channels.Slack.Enabled = true
		case "telegram":
			cfg.Channels.Telegram.Enabled = true
		case "discord":
			cfg.Channels.Discord.Enabled = true
		}
	}

	if cfg.Channels.WhatsApp.Enabled || cfg.Channels.Signal.Enabled {
		var fields []huh.Field
		if cfg.Channels.WhatsApp.Enabled {
			if cfg.Channels.WhatsApp.BridgeURL == "" {
				cfg.Channels.WhatsApp.BridgeURL = "ws://127.0.0.1:8089/ws"
			}
			fields = append(fields, huh.NewInput().
				Title("WhatsApp bridge URL").
				Value(&cfg.Channels.WhatsApp.BridgeURL))
		}
		if cfg.Channels.Signal.Enabled {
			if cfg.Channels.Signal.RESTURL == "" {
				cfg.Channels.Signal.RESTURL = "http://127.0.0.1:8080"
			}
			fields = append(fields,
				huh.NewInput().
					Title("signal-cli REST URL").
					Value(&cfg.Channels.Signal.RESTURL),
				huh.NewInput().
					Title("Signal number (the bot's own, e.g. +15551234567)").
					Value(&cfg.Channels.Signal.Number))
		}
		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.GroupsDir(), 0o755); err != nil {
		return fmt.Errorf("create groups dir: %w", err)
	}
	if err := os.MkdirAll(cfg.IPCDir(), 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nWrote %s\n", cfgPath)
	fmt.Println("Next steps:")
	if cfg.Store.Engine == "postgres" {
		fmt.Println("  export NANOCLAW_POSTGRES_DSN=...   # then: nanoclaw migrate up")
	}
	if cfg.Channels.Slack.Enabled {
		fmt.Println("  export NANOCLAW_SLACK_BOT_TOKEN=xoxb-... NANOCLAW_SLACK_APP_TOKEN=xapp-...")
	}
	if cfg.Channels.Telegram.Enabled {
		fmt.Println("  export NANOCLAW_TELEGRAM_TOKEN=...")
	}
	if cfg.Channels.Discord.Enabled {
		fmt.Println("  export NANOCLAW_DISCORD_TOKEN=...")
	}
	fmt.Println("  nanoclaw serve")
	return nil
}
