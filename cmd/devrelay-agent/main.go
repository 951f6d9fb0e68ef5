// ABOUTME: Entry point for the machine-side agent
// ABOUTME: Connects to the relay and runs the AI tool for dispatched prompts

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/murata1215/devrelay-sub000/internal/agentd"
	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/runner"
)

var version = "dev"

func usage() {
	fmt.Println("Usage: devrelay-agent --server URL --token TOKEN --machine NAME --project NAME=PATH [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --server URL         Relay WebSocket endpoint (ws://host:port/ws/agent)")
	fmt.Println("  --token TOKEN        Machine bearer token from 'devrelay machine add'")
	fmt.Println("  --machine NAME       Machine name as registered on the relay")
	fmt.Println("  --project NAME=PATH  Project to serve (repeatable)")
	fmt.Println("  --tool CMD           AI tool executable (default: claude)")
	fmt.Println("  --ping DURATION      Liveness ping period (default: 30s)")
	os.Exit(1)
}

func main() {
	cfg, tool, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		usage()
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	logger.Info("devrelay-agent starting",
		"version", version,
		"server", cfg.ServerURL,
		"machine", cfg.MachineName,
		"projects", len(cfg.Projects),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := agentd.New(*cfg, &runner.Command{Name: tool, ResumeFlag: "--resume"}, logger)
	err = client.Run(ctx)
	switch {
	case errors.Is(err, agentd.ErrRejected):
		fmt.Fprintln(os.Stderr, "Error: the relay rejected this machine's token.")
		fmt.Fprintln(os.Stderr, "Re-run 'devrelay machine add' on the relay host and update --token.")
		os.Exit(1)
	case errors.Is(err, agentd.ErrGiveUp):
		fmt.Fprintln(os.Stderr, "Error: could not reach the relay after repeated attempts. Restart to retry.")
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*agentd.Config, string, error) {
	cfg := &agentd.Config{}
	tool := "claude"

	next := func(i int, flag string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		var val string
		var err error
		switch args[i] {
		case "--server":
			if val, err = next(i, args[i]); err != nil {
				return nil, "", err
			}
			cfg.ServerURL = val
			i++
		case "--token":
			if val, err = next(i, args[i]); err != nil {
				return nil, "", err
			}
			cfg.Token = val
			i++
		case "--machine":
			if val, err = next(i, args[i]); err != nil {
				return nil, "", err
			}
			cfg.MachineName = val
			i++
		case "--project":
			if val, err = next(i, args[i]); err != nil {
				return nil, "", err
			}
			name, path, ok := strings.Cut(val, "=")
			if !ok || name == "" || path == "" {
				return nil, "", fmt.Errorf("--project expects NAME=PATH, got %q", val)
			}
			cfg.Projects = append(cfg.Projects, protocol.ProjectInfo{Name: name, Path: path})
			i++
		case "--tool":
			if val, err = next(i, args[i]); err != nil {
				return nil, "", err
			}
			tool = val
			i++
		case "--ping":
			if val, err = next(i, args[i]); err != nil {
				return nil, "", err
			}
			d, err := time.ParseDuration(val)
			if err != nil {
				return nil, "", fmt.Errorf("parsing --ping %q: %w", val, err)
			}
			cfg.PingInterval = d
			i++
		default:
			return nil, "", fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if cfg.ServerURL == "" || cfg.Token == "" || cfg.MachineName == "" {
		return nil, "", fmt.Errorf("--server, --token and --machine are required")
	}
	if len(cfg.Projects) == 0 {
		return nil, "", fmt.Errorf("at least one --project is required")
	}
	return cfg, tool, nil
}
