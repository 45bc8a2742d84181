package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func pad(label string) string { return runewidth.FillRight(label+":", 14) }

func check(label string, ok bool, detail string) {
	status := "OK"
	if !ok {
		status = "MISSING"
	}
	if detail != "" {
		status += " (" + detail + ")"
	}
	fmt.Printf("    %s %s\n", pad(label), status)
}

func runDoctor() {
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  %s %s\n", pad("Version"), Version)
	fmt.Printf("  %s %s/%s\n", pad("OS"), runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %s %s\n", pad("Go"), runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Printf("  %s %s (NOT FOUND — run: nanoclaw setup)\n", pad("Config"), cfgPath)
	} else {
		fmt.Printf("  %s %s\n", pad("Config"), cfgPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Storage:")
	switch cfg.Store.Engine {
	case "postgres":
		check("Engine", true, "postgres")
		if cfg.Store.PostgresDSN == "" {
			check("DSN", false, "set NANOCLAW_POSTGRES_DSN")
			break
		}
		db, dbErr := sql.Open("pgx", cfg.Store.PostgresDSN)
		if dbErr != nil {
			check("Connection", false, dbErr.Error())
			break
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		pingErr := db.PingContext(pingCtx)
		cancel()
		db.Close()
		if pingErr != nil {
			check("Connection", false, pingErr.Error())
		} else {
			check("Connection", true, "")
		}
	default:
		check("Engine", true, "sqlite")
		path := cfg.SQLitePath()
		if _, statErr := os.Stat(path); statErr != nil {
			check("Database", false, path+" — created on first run")
		} else {
			check("Database", true, path)
		}
	}

	fmt.Println()
	fmt.Println("  Backend:")
	check("Default", true, cfg.Backend.Default)
	switch cfg.Backend.Default {
	case "local":
		checkBinary(cfg.Backend.Runtime)
	case "sprites":
		check("Token", cfg.Backend.Cloud.SpritesToken != "", "SPRITES_TOKEN")
	case "daytona":
		check("API key", cfg.Backend.Cloud.DaytonaKey != "", "DAYTONA_API_KEY")
	case "railway":
		check("Token", cfg.Backend.Cloud.RailwayToken != "", "RAILWAY_TOKEN")
	case "hetzner":
		check("Token", cfg.Backend.Cloud.HetznerToken != "", "HETZNER_TOKEN")
		checkB2(cfg.Backend.Cloud)
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	checkChannel("Signal", cfg.Channels.Signal.Enabled, cfg.Channels.Signal.RESTURL != "" && cfg.Channels.Signal.Number != "")
	checkChannel("Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Println("  Workspace:")
	for _, dir := range []string{cfg.GroupsDir(), cfg.IPCDir()} {
		if _, statErr := os.Stat(dir); statErr != nil {
			check("Dir", false, dir)
		} else {
			check("Dir", true, dir)
		}
	}
}

func checkChannel(name string, enabled, configured bool) {
	switch {
	case !enabled:
		fmt.Printf("    %s disabled\n", pad(name))
	case !configured:
		fmt.Printf("    %s enabled, NOT CONFIGURED\n", pad(name))
	default:
		fmt.Printf("    %s enabled\n", pad(name))
	}
}

func checkBinary(name string) {
	if name == "" {
		name = "docker"
	}
	if _, err := exec.LookPath(name); err != nil {
		check(name, false, "not in PATH")
		return
	}
	check(name, true, "")
}

func checkB2(cc config.CloudConfig) {
	ok := cc.B2Endpoint != "" && cc.B2KeyID != "" && cc.B2AppKey != "" && cc.B2Bucket != ""
	check("S3 bucket", ok, "B2_ENDPOINT/B2_KEY_ID/B2_APP_KEY/B2_BUCKET for VM staging")
}
