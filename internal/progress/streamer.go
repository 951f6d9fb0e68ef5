// ABOUTME: Streams partial AI output to chat surfaces by editing in place
// ABOUTME: One tracker per session; trackers are discarded unconditionally at the end

package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/murata1215/devrelay-sub000/internal/chat"
	"github.com/murata1215/devrelay-sub000/internal/store"
)

const workingMarker = "⏳ working…"
const doneMarker = "✅ done"

// surface is one editable chat handle owned by a tracker.
type surface struct {
	adapter   chat.Adapter
	chatID    string
	surfaceID string
}

// tracker buffers one session's in-flight output and the surfaces showing it.
type tracker struct {
	mu       sync.Mutex
	buf      strings.Builder
	rendered string
	surfaces []surface
	started  time.Time
	done     chan struct{}
}

// Streamer fans buffered output out to chat surfaces on a fixed edit period.
// Edits replace the surface text with the tail of the buffer so long runs do
// not flood the chat. Adapter failures are logged and swallowed; they never
// fail the turn that produced the output.
type Streamer struct {
	adapters map[string]chat.Adapter
	interval time.Duration
	tail     int
	logger   *slog.Logger

	mu       sync.Mutex
	trackers map[string]*tracker // session id → tracker
}

// NewStreamer creates a Streamer over the given adapters, keyed by platform.
func NewStreamer(adapters []chat.Adapter, editInterval time.Duration, tailLines int, logger *slog.Logger) *Streamer {
	byPlatform := make(map[string]chat.Adapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}
	return &Streamer{
		adapters: byPlatform,
		interval: editInterval,
		tail:     tailLines,
		logger:   logger.With("component", "progress"),
		trackers: make(map[string]*tracker),
	}
}

// Begin creates the session's tracker and posts one working surface per
// participant. An existing tracker for the session is replaced.
func (s *Streamer) Begin(ctx context.Context, sessionID string, participants []*store.Participant) {
	t := &tracker{
		started: time.Now(),
		done:    make(chan struct{}),
	}

	for _, p := range participants {
		adapter, ok := s.adapters[p.Platform]
		if !ok {
			s.logger.Warn("no adapter for participant platform", "platform", p.Platform, "session_id", sessionID)
			continue
		}
		surfaceID, err := adapter.Send(ctx, p.ChatID, workingMarker, nil)
		if err != nil {
			s.logger.Warn("posting working surface", "error", err, "platform", p.Platform, "chat_id", p.ChatID)
			continue
		}
		adapter.StartTyping(ctx, p.ChatID)
		t.surfaces = append(t.surfaces, surface{adapter: adapter, chatID: p.ChatID, surfaceID: surfaceID})
	}

	s.mu.Lock()
	if prior, ok := s.trackers[sessionID]; ok {
		close(prior.done)
	}
	s.trackers[sessionID] = t
	s.mu.Unlock()

	go s.loop(sessionID, t)
}

// Append buffers a chunk of partial output. No-op without a tracker.
func (s *Streamer) Append(sessionID, text string) {
	s.mu.Lock()
	t, ok := s.trackers[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.buf.WriteString(text)
	t.mu.Unlock()
}

// Text returns the full buffered output for a session, or "" without a
// tracker.
func (s *Streamer) Text(sessionID string) string {
	s.mu.Lock()
	t, ok := s.trackers[sessionID]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Finalize stops the ticker and resolves every surface. Without attachments
// the surface is edited to the final full text. With attachments the surface
// becomes a done marker and the text plus attachments go out as a fresh
// message, because editing cannot reliably add attachments. The tracker is
// discarded unconditionally.
func (s *Streamer) Finalize(ctx context.Context, sessionID, finalText string, attachments []chat.Attachment) {
	t := s.take(sessionID)
	if t == nil {
		return
	}
	close(t.done)

	t.mu.Lock()
	if finalText == "" {
		finalText = t.buf.String()
	}
	surfaces := t.surfaces
	t.mu.Unlock()

	for _, sf := range surfaces {
		sf.adapter.StopTyping(ctx, sf.chatID)
		if len(attachments) == 0 {
			if err := sf.adapter.Edit(ctx, sf.chatID, sf.surfaceID, finalText); err != nil {
				s.logger.Warn("final edit failed", "error", err, "chat_id", sf.chatID)
			}
			continue
		}
		if err := sf.adapter.Edit(ctx, sf.chatID, sf.surfaceID, doneMarker); err != nil {
			s.logger.Warn("done-marker edit failed", "error", err, "chat_id", sf.chatID)
		}
		if _, err := sf.adapter.Send(ctx, sf.chatID, finalText, attachments); err != nil {
			s.logger.Warn("final send failed", "error", err, "chat_id", sf.chatID)
		}
	}
}

// Abort discards the session's tracker without finalizing any surface. The
// disconnect cascade calls this when an agent vanishes mid-turn.
func (s *Streamer) Abort(sessionID string) {
	t := s.take(sessionID)
	if t == nil {
		return
	}
	close(t.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.mu.Lock()
	surfaces := t.surfaces
	t.mu.Unlock()
	for _, sf := range surfaces {
		sf.adapter.StopTyping(ctx, sf.chatID)
	}
	s.logger.Info("progress tracking aborted", "session_id", sessionID)
}

// Active reports whether a tracker exists for the session.
func (s *Streamer) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.trackers[sessionID]
	return ok
}

func (s *Streamer) take(sessionID string) *tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[sessionID]
	if !ok {
		return nil
	}
	delete(s.trackers, sessionID)
	return t
}

func (s *Streamer) loop(sessionID string, t *tracker) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			s.render(t)
		}
	}
}

// render edits every surface to the buffer's tail, skipping the edit when
// nothing changed since the last pass.
func (s *Streamer) render(t *tracker) {
	t.mu.Lock()
	text := renderTail(t.buf.String(), s.tail, time.Since(t.started))
	if text == t.rendered {
		t.mu.Unlock()
		return
	}
	t.rendered = text
	surfaces := t.surfaces
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sf := range surfaces {
		if err := sf.adapter.Edit(ctx, sf.chatID, sf.surfaceID, text); err != nil {
			s.logger.Warn("progress edit failed", "error", err, "chat_id", sf.chatID)
		}
	}
}

// renderTail keeps the last max non-blank lines of buffered output under a
// working header with the elapsed time.
func renderTail(buf string, max int, elapsed time.Duration) string {
	header := fmt.Sprintf("%s (%ds)", workingMarker, int(elapsed.Seconds()))
	if buf == "" {
		return header
	}

	var lines []string
	for _, line := range strings.Split(buf, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return header + "\n" + strings.Join(lines, "\n")
}
