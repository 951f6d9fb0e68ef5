// ABOUTME: Console adapter printing chat traffic to stdout
// ABOUTME: Used by local runs and demos where no platform SDK is configured

package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Console is an Adapter that prints messages to stdout. Edits re-print the
// surface with its id so the progression is visible in a terminal.
type Console struct {
	mu       sync.Mutex
	surfaces map[string]string
}

// NewConsole creates a console adapter.
func NewConsole() *Console {
	return &Console{surfaces: make(map[string]string)}
}

func (c *Console) Platform() string { return "console" }

func (c *Console) Send(_ context.Context, chatID, text string, attachments []Attachment) (string, error) {
	id := uuid.New().String()[:8]
	c.mu.Lock()
	c.surfaces[id] = text
	c.mu.Unlock()

	fmt.Printf("[%s %s] %s\n", chatID, id, text)
	for _, a := range attachments {
		fmt.Printf("[%s %s] attachment: %s (%d bytes)\n", chatID, id, a.Filename, len(a.Data))
	}
	return id, nil
}

func (c *Console) Edit(_ context.Context, chatID, surfaceID, text string) error {
	c.mu.Lock()
	_, ok := c.surfaces[surfaceID]
	if ok {
		c.surfaces[surfaceID] = text
	}
	c.mu.Unlock()
	if !ok {
		return ErrSurfaceNotFound
	}
	fmt.Printf("[%s %s*] %s\n", chatID, surfaceID, text)
	return nil
}

func (c *Console) StartTyping(context.Context, string) {}
func (c *Console) StopTyping(context.Context, string)  {}
