// ABOUTME: Scripted Runner for tests and the fake agent
// ABOUTME: Replays configured chunks then a final event with a token

package runner

import (
	"context"
	"sync"
)

// ScriptedRun is one canned response.
type ScriptedRun struct {
	Chunks            []string
	ContinuationToken string
	ResultFiles       []ResultFile
	Err               error
}

// Scripted replays canned responses in order, then repeats the last one.
// It records every prompt it was given.
type Scripted struct {
	mu      sync.Mutex
	runs    []ScriptedRun
	next    int
	prompts []string
	tokens  []string
}

// NewScripted creates a Scripted runner with the given responses.
func NewScripted(runs ...ScriptedRun) *Scripted {
	if len(runs) == 0 {
		runs = []ScriptedRun{{Chunks: []string{"ok"}}}
	}
	return &Scripted{runs: runs}
}

// Run replays the next scripted response.
func (s *Scripted) Run(ctx context.Context, _, prompt, continuationToken string) (<-chan Event, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.tokens = append(s.tokens, continuationToken)
	run := s.runs[s.next]
	if s.next < len(s.runs)-1 {
		s.next++
	}
	s.mu.Unlock()

	ch := make(chan Event, len(run.Chunks)+1)
	go func() {
		defer close(ch)
		for _, chunk := range run.Chunks {
			select {
			case ch <- Event{Text: chunk}:
			case <-ctx.Done():
				return
			}
		}
		ch <- Event{
			Done:              true,
			ContinuationToken: run.ContinuationToken,
			ResultFiles:       run.ResultFiles,
			Err:               run.Err,
		}
	}()
	return ch, nil
}

// Prompts returns every prompt passed to Run so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// Tokens returns every continuation token passed to Run so far.
func (s *Scripted) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tokens))
	copy(out, s.tokens)
	return out
}
