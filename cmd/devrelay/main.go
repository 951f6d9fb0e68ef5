// ABOUTME: Entry point for the devrelay server
// ABOUTME: Brokers chat participants and remote agent machines

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/murata1215/devrelay-sub000/internal/agent"
	"github.com/murata1215/devrelay-sub000/internal/chat"
	"github.com/murata1215/devrelay-sub000/internal/config"
	"github.com/murata1215/devrelay-sub000/internal/relay"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                     _
  __| | _____   ___ __ ___| | __ _ _   _
 / _' |/ _ \ \ / / '__/ _ \ |/ _' | | | |
| (_| |  __/\ V /| | |  __/ | (_| | |_| |
 \__,_|\___| \_/ |_|  \___|_|\__,_|\__, |
                                   |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: DEVRELAY_CONFIG env var > XDG_CONFIG_HOME/devrelay/relay.yaml > ~/.config/devrelay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DEVRELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "devrelay", "relay.yaml")
}

// getDataPath returns the path to the devrelay data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "devrelay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: devrelay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the relay server")
		fmt.Println("  init                     Write a default config file")
		fmt.Println("  health                   Check relay health")
		fmt.Println("  machine add --name NAME  Register a machine and print its token")
		fmt.Println("  machine list             List registered machines")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "machine":
		err = runMachine(ctx)
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
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:  %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	r := relay.New(cfg, st, []chat.Adapter{chat.NewConsole()}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return r.Shutdown(shutdownCtx)
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(`# devrelay configuration
# Generated by devrelay init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

agents:
  ping_interval: "30s"
  sweep_interval: "30s"
  offline_after: "90s"

streamer:
  edit_interval: "2s"
  tail_lines: 12

logging:
  level: "info"
  format: "text"

metrics:
  enabled: false
  path: "/metrics"
`, filepath.Join(dataPath, "relay.db"))

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, string(body))
	}

	fmt.Println("healthy")
	return nil
}

func runMachine(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: devrelay machine <add|list>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	switch os.Args[2] {
	case "add":
		return machineAdd(ctx, st)
	case "list":
		return machineList(ctx, st)
	default:
		return fmt.Errorf("unknown machine command: %s", os.Args[2])
	}
}

func machineAdd(ctx context.Context, st store.Store) error {
	var name string
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--name" || args[i] == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}

	token, err := agent.NewToken()
	if err != nil {
		return err
	}
	m := &store.Machine{
		ID:          uuid.New().String(),
		Name:        name,
		TokenDigest: agent.HashToken(token),
		Status:      store.MachineOffline,
		CreatedAt:   time.Now(),
	}
	if err := st.CreateMachine(ctx, m); err != nil {
		return fmt.Errorf("creating machine: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("Machine %q registered (%s)\n\n", name, m.ID)
	fmt.Println("Agent token (shown once, only the digest is stored):")
	fmt.Printf("\n    %s\n\n", token)
	yellow.Println("Save it now and pass it to devrelay-agent with --token.")
	return nil
}

func machineList(ctx context.Context, st store.Store) error {
	machines, err := st.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("listing machines: %w", err)
	}
	if len(machines) == 0 {
		fmt.Println("No machines registered. Use: devrelay machine add --name NAME")
		return nil
	}

	for _, m := range machines {
		lastSeen := "never"
		if m.LastSeen != nil {
			lastSeen = m.LastSeen.Format(time.RFC3339)
		}
		fmt.Printf("%-20s %-8s last seen %s  (%s)\n", m.Name, m.Status, lastSeen, m.ID)
	}
	return nil
}
