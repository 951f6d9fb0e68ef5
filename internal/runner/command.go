// ABOUTME: Runner that shells out to an AI CLI in the project directory
// ABOUTME: Streams stdout lines as events; the token file carries resume state

package runner

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
)

// Command runs a configured CLI per prompt. The prompt goes in as the last
// argument; stdout is streamed line by line. Tools that support resuming
// accept the continuation token through the ResumeFlag.
type Command struct {
	// Name is the executable, e.g. "claude".
	Name string
	// Args are fixed arguments placed before the prompt.
	Args []string
	// ResumeFlag, when non-empty, is passed with the continuation token
	// ("--resume" → "--resume <token>").
	ResumeFlag string
}

// Run starts the tool in projectPath and streams its output.
func (c *Command) Run(ctx context.Context, projectPath, prompt, continuationToken string) (<-chan Event, error) {
	args := make([]string, 0, len(c.Args)+3)
	args = append(args, c.Args...)
	if c.ResumeFlag != "" && continuationToken != "" {
		args = append(args, c.ResumeFlag, continuationToken)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, c.Name, args...)
	cmd.Dir = projectPath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Name, err)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case ch <- Event{Text: scanner.Text() + "\n"}:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			ch <- Event{Done: true, Err: fmt.Errorf("%s: %w", c.Name, err)}
			return
		}
		ch <- Event{Done: true}
	}()
	return ch, nil
}
