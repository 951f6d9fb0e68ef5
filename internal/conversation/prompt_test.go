// ABOUTME: Unit tests for context-window assembly
// ABOUTME: Window limits, marker boundaries, and the continuation short-circuit

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/murata1215/devrelay-sub000/internal/store"
)

func entry(role, content string) *store.ConversationEntry {
	return &store.ConversationEntry{Role: role, Content: content, CreatedAt: time.Now()}
}

func TestBuildPrompt_TokenShortCircuit(t *testing.T) {
	prior := []*store.ConversationEntry{
		entry(store.RoleUser, "old turn"),
		entry(store.RoleAssistant, "old reply"),
	}
	got := buildPrompt(prior, "new turn", true, 5, 5)
	assert.Equal(t, "new turn", got)
}

func TestBuildPrompt_WindowLimit(t *testing.T) {
	prior := []*store.ConversationEntry{
		entry(store.RoleUser, "one"),
		entry(store.RoleAssistant, "two"),
		entry(store.RoleUser, "three"),
		entry(store.RoleAssistant, "four"),
	}
	got := buildPrompt(prior, "next", false, 2, 5)

	// Only the newest two entries survive the window.
	assert.NotContains(t, got, "one")
	assert.NotContains(t, got, "two")
	assert.Contains(t, got, "user: three")
	assert.Contains(t, got, "assistant: four")
}

func TestBuildPrompt_EntriesBeforeMarkerExcluded(t *testing.T) {
	prior := []*store.ConversationEntry{
		entry(store.RoleUser, "old planning"),
		entry(store.RoleExecMarker, ""),
		entry(store.RoleUser, "after marker"),
		entry(store.RoleAssistant, "reply after marker"),
	}
	got := buildPrompt(prior, "next", false, 10, 10)

	assert.NotContains(t, got, "old planning")
	assert.Contains(t, got, "after marker")
	assert.NotContains(t, got, "Previous Plan Conversation:")
}

func TestBuildPrompt_FirstExecTurnCarriesPlan(t *testing.T) {
	prior := []*store.ConversationEntry{
		entry(store.RoleUser, "plan a"),
		entry(store.RoleAssistant, "plan b"),
		entry(store.RoleUser, "plan c"),
		entry(store.RoleExecMarker, ""),
	}
	got := buildPrompt(prior, ExecPrompt, false, 10, 2)

	assert.Contains(t, got, "Previous Plan Conversation:")
	// planMax bounds the carried rationale.
	assert.NotContains(t, got, "plan a")
	assert.Contains(t, got, "plan b")
	assert.Contains(t, got, "plan c")
	assert.Contains(t, got, ExecPrompt)
}

func TestBuildPrompt_EmptyHistory(t *testing.T) {
	got := buildPrompt(nil, "first words", false, 5, 5)
	assert.Equal(t, "first words", got)
}

func TestExecPhase(t *testing.T) {
	assert.False(t, ExecPhase(nil))
	assert.False(t, ExecPhase([]*store.ConversationEntry{entry(store.RoleUser, "x")}))
	assert.True(t, ExecPhase([]*store.ConversationEntry{
		entry(store.RoleUser, "x"),
		entry(store.RoleExecMarker, ""),
	}))
	assert.False(t, ExecPhase([]*store.ConversationEntry{
		entry(store.RoleExecMarker, ""),
		entry(store.RoleUser, "back to planning"),
	}))
}
