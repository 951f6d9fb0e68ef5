// ABOUTME: In-memory Adapter implementation that records every call
// ABOUTME: Used by tests and by the relay's console mode; injectable failures

package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSurfaceNotFound is returned by Edit when the surface id is unknown.
var ErrSurfaceNotFound = errors.New("surface not found")

// Call records one adapter invocation.
type Call struct {
	Op          string // "send", "edit", "start_typing", "stop_typing"
	ChatID      string
	SurfaceID   string
	Text        string
	Attachments []Attachment
}

// Recorder is an Adapter that keeps every message in memory. The relay's
// tests drive it directly; failures can be injected per operation.
type Recorder struct {
	mu       sync.Mutex
	name     string
	calls    []Call
	surfaces map[string]string // surfaceID -> current text
	nextID   int

	FailSend bool
	FailEdit bool
}

// NewRecorder creates a Recorder for the given platform name.
func NewRecorder(platform string) *Recorder {
	return &Recorder{
		name:     platform,
		surfaces: make(map[string]string),
	}
}

// Platform returns the configured platform name.
func (r *Recorder) Platform() string { return r.name }

// Send records a message and returns a fresh surface id.
func (r *Recorder) Send(_ context.Context, chatID, text string, attachments []Attachment) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailSend {
		return "", errors.New("send failed")
	}

	r.nextID++
	id := fmt.Sprintf("surface-%d", r.nextID)
	r.surfaces[id] = text
	r.calls = append(r.calls, Call{Op: "send", ChatID: chatID, SurfaceID: id, Text: text, Attachments: attachments})
	return id, nil
}

// Edit replaces the text of a recorded surface.
func (r *Recorder) Edit(_ context.Context, chatID, surfaceID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailEdit {
		return errors.New("edit failed")
	}
	if _, ok := r.surfaces[surfaceID]; !ok {
		return ErrSurfaceNotFound
	}
	r.surfaces[surfaceID] = text
	r.calls = append(r.calls, Call{Op: "edit", ChatID: chatID, SurfaceID: surfaceID, Text: text})
	return nil
}

// StartTyping records the typing indicator call.
func (r *Recorder) StartTyping(_ context.Context, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "start_typing", ChatID: chatID})
}

// StopTyping records the typing indicator call.
func (r *Recorder) StopTyping(_ context.Context, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: "stop_typing", ChatID: chatID})
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// SurfaceText returns the current text of a surface.
func (r *Recorder) SurfaceText(surfaceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text, ok := r.surfaces[surfaceID]
	return text, ok
}
