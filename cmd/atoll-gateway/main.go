// ABOUTME: Entry point for atoll-gateway territory server
// ABOUTME: Serves the HTTP API and schedules inactivity sweeps

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"

	"github.com/harborlabs/atoll/internal/auth"
	"github.com/harborlabs/atoll/internal/config"
	"github.com/harborlabs/atoll/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
        _        _ _
   __ _| |_ ___ | | |      __ _  __ _| |_ _____      ____ _ _   _
  / _' | __/ _ \| | |_____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (_| | || (_) | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \__,_|\__\___/|_|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                           |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: ATOLL_CONFIG env var > XDG_CONFIG_HOME/atoll/gateway.yaml > ~/.config/atoll/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ATOLL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "atoll", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: atoll-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                Start the gateway server")
		fmt.Println("  sweep                Run one inactivity sweep and exit")
		fmt.Println("  cleanup              Delete expired admin sessions and exit")
		fmt.Println("  token --subject SUB  Mint an admin token")
		fmt.Println("  health               Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "sweep":
		err = runSweep(ctx)
	case "cleanup":
		err = runCleanup(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Catalog.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Catalog:   %s\n", cfg.Catalog.Path)
	}
	fmt.Println()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return err
	}

	scheduler := startScheduler(ctx, cfg, gw, logger)
	defer func() {
		schedCtx := scheduler.Stop()
		<-schedCtx.Done()
	}()

	return gw.Run(ctx)
}

// startScheduler runs the background cadences: the daily inactivity sweep
// and the hourly session cleanup.
func startScheduler(ctx context.Context, cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) *cron.Cron {
	log := logger.With("component", "scheduler")
	scheduler := cron.New()

	if _, err := scheduler.AddFunc(cfg.Scheduler.SweepSchedule, func() {
		result, err := gw.Monitor().Sweep(ctx, cfg.Lifecycle.InactivityThreshold)
		if err != nil {
			log.Error("scheduled sweep failed", "error", err)
			return
		}
		log.Info("scheduled sweep done", "checked", result.Checked, "exiled", result.Exiled, "errors", result.Errors)
	}); err != nil {
		log.Error("invalid sweep schedule", "schedule", cfg.Scheduler.SweepSchedule, "error", err)
	}

	if _, err := scheduler.AddFunc(cfg.Scheduler.CleanupSchedule, func() {
		deleted, err := gw.Store().DeleteExpiredSessions(ctx, time.Now().UTC())
		if err != nil {
			log.Error("scheduled cleanup failed", "error", err)
			return
		}
		if deleted > 0 {
			log.Info("scheduled cleanup done", "deleted", deleted)
		}
	}); err != nil {
		log.Error("invalid cleanup schedule", "schedule", cfg.Scheduler.CleanupSchedule, "error", err)
	}

	scheduler.Start()
	return scheduler
}

func runSweep(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Shutdown(context.Background())

	result, err := gw.Monitor().Sweep(ctx, cfg.Lifecycle.InactivityThreshold)
	if err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}
	fmt.Printf("checked %d, exiled %d, errors %d\n", result.Checked, result.Exiled, result.Errors)
	return nil
}

func runCleanup(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Shutdown(context.Background())

	deleted, err := gw.Store().DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("running cleanup: %w", err)
	}
	fmt.Printf("deleted %d expired sessions\n", deleted)
	return nil
}

// runToken mints an admin token directly from the configured secret. Used
// to bootstrap the first admin before the HTTP token endpoint is usable.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "admin", "token subject")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(*subject, auth.RoleAdmin, cfg.Auth.AdminTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	url := fmt.Sprintf("http://%s/health", addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("unexpected health response: %s", body)
	}

	green := color.New(color.FgGreen)
	green.Print("● ")
	fmt.Printf("gateway healthy (server %s)\n", health["server_id"])
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
