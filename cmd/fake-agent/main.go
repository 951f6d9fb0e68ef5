// ABOUTME: Fake agent for local development against a running relay
// ABOUTME: Answers every prompt with scripted output instead of a real AI tool

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/murata1215/devrelay-sub000/internal/agentd"
	"github.com/murata1215/devrelay-sub000/internal/protocol"
	"github.com/murata1215/devrelay-sub000/internal/runner"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: fake-agent SERVER_URL TOKEN MACHINE_NAME")
		fmt.Println()
		fmt.Println("Example: fake-agent ws://localhost:8080/ws/agent s3cret dev-box")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	script := runner.NewScripted(
		runner.ScriptedRun{
			Chunks: []string{
				"Looking at the request...\n",
				"Here is a plan:\n",
				"1. do the thing\n2. verify it\n",
			},
			ContinuationToken: "fake-session-1",
		},
		runner.ScriptedRun{
			Chunks:            []string{"Done. Both steps finished cleanly.\n"},
			ContinuationToken: "fake-session-1",
			ResultFiles: []runner.ResultFile{
				{Filename: "result.txt", MimeType: "text/plain", Data: []byte("it worked\n")},
			},
		},
	)

	cfg := agentd.Config{
		ServerURL:   os.Args[1],
		Token:       os.Args[2],
		MachineName: os.Args[3],
		Projects: []protocol.ProjectInfo{
			{Name: "demo", Path: "/tmp/demo", AITool: "fake"},
		},
		PingInterval: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agentd.New(cfg, script, logger).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
