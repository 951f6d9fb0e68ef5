// ABOUTME: Tests for the SQLite store: machines, projects, sessions
// ABOUTME: Covers upsert-by-natural-key, last-seen idempotence, restore lookup

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustMachine(t *testing.T, s *SQLiteStore, id, name string) *Machine {
	t.Helper()
	m := &Machine{
		ID:          id,
		Name:        name,
		TokenDigest: "digest-" + id,
		Status:      MachineOffline,
		CreatedAt:   time.Now(),
	}
	if err := s.CreateMachine(context.Background(), m); err != nil {
		t.Fatalf("CreateMachine failed: %v", err)
	}
	return m
}

func mustProject(t *testing.T, s *SQLiteStore, id, machineID, name, path string) *Project {
	t.Helper()
	p := &Project{ID: id, MachineID: machineID, Name: name, Path: path, AITool: "claude"}
	if err := s.UpsertProject(context.Background(), p); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}
	got, err := s.GetProjectByPath(context.Background(), machineID, path)
	if err != nil {
		t.Fatalf("GetProjectByPath failed: %v", err)
	}
	return got
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "relay.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestMachineLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustMachine(t, s, "m1", "dev-box")

	got, err := s.GetMachineByName(ctx, "dev-box")
	if err != nil {
		t.Fatalf("GetMachineByName failed: %v", err)
	}
	if got.ID != "m1" || got.Status != MachineOffline || got.LastSeen != nil {
		t.Errorf("unexpected machine: %+v", got)
	}

	if err := s.UpdateMachineStatus(ctx, "m1", MachineOnline); err != nil {
		t.Fatalf("UpdateMachineStatus failed: %v", err)
	}
	got, _ = s.GetMachine(ctx, "m1")
	if got.Status != MachineOnline {
		t.Errorf("status = %q, want online", got.Status)
	}
}

func TestCreateMachine_DuplicateName(t *testing.T) {
	s := newTestStore(t)
	mustMachine(t, s, "m1", "dev-box")

	err := s.CreateMachine(context.Background(), &Machine{
		ID: "m2", Name: "dev-box", TokenDigest: "x", Status: MachineOffline, CreatedAt: time.Now(),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

// Re-sending the same ping timestamp twice is idempotent: last-seen ends up
// at that timestamp, no extra machine rows appear.
func TestUpdateMachineLastSeen_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustMachine(t, s, "m1", "dev-box")

	ts := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	for i := 0; i < 2; i++ {
		if err := s.UpdateMachineLastSeen(ctx, "m1", ts); err != nil {
			t.Fatalf("UpdateMachineLastSeen failed: %v", err)
		}
	}

	machines, err := s.ListMachines(ctx)
	if err != nil {
		t.Fatalf("ListMachines failed: %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("machines = %d, want 1", len(machines))
	}
	if machines[0].LastSeen == nil || !machines[0].LastSeen.Equal(ts) {
		t.Errorf("last seen = %v, want %v", machines[0].LastSeen, ts)
	}
}

func TestUpsertProject_ByNaturalKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustMachine(t, s, "m1", "dev-box")

	first := mustProject(t, s, "p1", "m1", "api", "/srv/api")

	// Same (machine, name) with new attributes updates in place.
	if err := s.UpsertProject(ctx, &Project{
		ID: "p-other", MachineID: "m1", Name: "api", Path: "/srv/api-v2", AITool: "codex",
	}); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}

	projects, err := s.ListProjects(ctx, "m1")
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("projects = %d, want 1", len(projects))
	}
	if projects[0].ID != first.ID {
		t.Errorf("upsert replaced the row id: %q != %q", projects[0].ID, first.ID)
	}
	if projects[0].Path != "/srv/api-v2" || projects[0].AITool != "codex" {
		t.Errorf("attributes not updated: %+v", projects[0])
	}
}

func TestFindActiveSession_NewestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustMachine(t, s, "m1", "dev-box")
	mustProject(t, s, "p1", "m1", "api", "/srv/api")

	older := &Session{
		ID: "s1", MachineID: "m1", ProjectID: "p1",
		Status: SessionActive, AITool: "claude",
		StartedAt: time.Now().Add(-time.Hour),
	}
	newer := &Session{
		ID: "s2", MachineID: "m1", ProjectID: "p1",
		Status: SessionActive, AITool: "claude",
		StartedAt: time.Now(),
	}
	for _, sess := range []*Session{older, newer} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	// Duplicate active sessions are permitted; restore picks the newest.
	got, err := s.FindActiveSession(ctx, "m1", "p1")
	if err != nil {
		t.Fatalf("FindActiveSession failed: %v", err)
	}
	if got.ID != "s2" {
		t.Errorf("restored session = %q, want s2", got.ID)
	}

	if err := s.EndSession(ctx, "s2", time.Now()); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	got, err = s.FindActiveSession(ctx, "m1", "p1")
	if err != nil {
		t.Fatalf("FindActiveSession after end failed: %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("restored session = %q, want s1", got.ID)
	}
}

func TestFindActiveSessionByParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustMachine(t, s, "m1", "dev-box")
	mustProject(t, s, "p1", "m1", "api", "/srv/api")

	sess := &Session{
		ID: "s1", MachineID: "m1", ProjectID: "p1",
		Status: SessionActive, AITool: "claude", StartedAt: time.Now(),
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.AddParticipant(ctx, &Participant{SessionID: "s1", Platform: "console", ChatID: "room-9"}); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	got, err := s.FindActiveSessionByParticipant(ctx, "console", "room-9")
	if err != nil {
		t.Fatalf("FindActiveSessionByParticipant failed: %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("session = %q, want s1", got.ID)
	}

	if _, err := s.FindActiveSessionByParticipant(ctx, "console", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// Conversation entries keep append order and never decrease in timestamp.
func TestConversationEntries_AppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustMachine(t, s, "m1", "dev-box")
	mustProject(t, s, "p1", "m1", "api", "/srv/api")
	if err := s.CreateSession(ctx, &Session{
		ID: "s1", MachineID: "m1", ProjectID: "p1",
		Status: SessionActive, StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().Add(-time.Minute)
	roles := []string{RoleUser, RoleAssistant, RoleExecMarker, RoleUser}
	for i, role := range roles {
		err := s.AppendEntry(ctx, &ConversationEntry{
			ID: string(rune('a' + i)), SessionID: "s1", Role: role,
			Content: role, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendEntry failed: %v", err)
		}
	}

	entries, err := s.ListEntries(ctx, "s1")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != len(roles) {
		t.Fatalf("entries = %d, want %d", len(entries), len(roles))
	}
	lastMarker := -1
	for i, e := range entries {
		if e.Role != roles[i] {
			t.Errorf("entry %d role = %q, want %q", i, e.Role, roles[i])
		}
		if i > 0 && e.CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Errorf("entry %d timestamp decreased", i)
		}
		if e.Role == RoleExecMarker {
			lastMarker = i
		}
	}
	for _, e := range entries[lastMarker+1:] {
		if e.Role == RoleExecMarker {
			t.Error("marker found after the last exec marker")
		}
	}

	if err := s.ClearEntries(ctx, "s1"); err != nil {
		t.Fatalf("ClearEntries failed: %v", err)
	}
	entries, _ = s.ListEntries(ctx, "s1")
	if len(entries) != 0 {
		t.Errorf("entries after clear = %d, want 0", len(entries))
	}
}
