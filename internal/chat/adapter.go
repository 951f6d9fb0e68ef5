// ABOUTME: Chat-platform adapter contract consumed by the relay core
// ABOUTME: Platform SDKs implement this; the core never sees formatting or rate limits

package chat

import "context"

// Attachment is a file delivered alongside a chat message.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// Adapter is the surface the relay core needs from a chat platform.
//
// Send returns a surface id: an addressable, editable unit of output.
// Adapters that split a long message into several surfaces must return the
// first surface's id as the editable handle. Rate limiting, formatting and
// message-length splitting are adapter responsibilities.
type Adapter interface {
	// Platform returns the adapter's platform name ("telegram", "matrix", ...).
	Platform() string

	// Send posts a new message and returns its surface id.
	Send(ctx context.Context, chatID, text string, attachments []Attachment) (surfaceID string, err error)

	// Edit replaces the text of an existing surface. Returns ErrSurfaceNotFound
	// if the surface no longer exists.
	Edit(ctx context.Context, chatID, surfaceID, text string) error

	// StartTyping and StopTyping toggle the platform's typing indicator.
	// Both are best-effort.
	StartTyping(ctx context.Context, chatID string)
	StopTyping(ctx context.Context, chatID string)
}
