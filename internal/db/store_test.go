package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := model.Session{
		ID:          "abc123def456",
		Kind:        model.KindAssistant,
		ProjectPath: "/tmp/proj",
		Model:       "opus",
		PlanMode:    true,
		AutoAccept:  false,
		State:       model.StateIdle,
		Cols:        120,
		Rows:        40,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetSession(ctx, "abc123def456")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != sess.ID || got.ProjectPath != sess.ProjectPath || got.Model != sess.Model {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.PlanMode || got.AutoAccept {
		t.Fatalf("flag mismatch: plan=%v auto=%v", got.PlanMode, got.AutoAccept)
	}
	if got.Kind != model.KindAssistant || got.State != model.StateIdle {
		t.Fatalf("kind/state mismatch: %s %s", got.Kind, got.State)
	}
	if got.EndedAt != nil {
		t.Fatalf("unexpected ended_at: %v", got.EndedAt)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch: %v", got.CreatedAt)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkEndedIsSticky(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := model.Session{
		ID:          "xyz",
		Kind:        model.KindShell,
		ProjectPath: "/tmp",
		State:       model.StateIdle,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if err := store.MarkEnded(ctx, "xyz", model.StateDead, first); err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	if err := store.MarkEnded(ctx, "xyz", model.StateDead, first.Add(time.Hour)); err != nil {
		t.Fatalf("mark ended again: %v", err)
	}

	got, err := store.GetSession(ctx, "xyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.StateDead {
		t.Fatalf("state = %s, want dead", got.State)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(first) {
		t.Fatalf("ended_at = %v, want %v", got.EndedAt, first)
	}
}

func TestListSessionsActiveOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		sess := model.Session{
			ID: id, Kind: model.KindShell, ProjectPath: "/tmp",
			State: model.StateIdle, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := store.UpsertSession(ctx, sess); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := store.MarkEnded(ctx, "b", model.StateDead, time.Now().UTC()); err != nil {
		t.Fatalf("mark ended: %v", err)
	}

	active, err := store.ListSessions(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active count = %d, want 2", len(active))
	}
	all, err := store.ListSessions(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all count = %d, want 3", len(all))
	}
}

func TestConfigKV(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetConfig(ctx, "auth_token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before set")
	}
	if err := store.SetConfig(ctx, "auth_token", "tok1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetConfig(ctx, "auth_token", "tok2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := store.GetConfig(ctx, "auth_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "tok2" {
		t.Fatalf("value = %q, want tok2", got)
	}
}
