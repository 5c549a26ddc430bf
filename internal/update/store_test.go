package update

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func draft(id, runtime, version string) Update {
	return Update{
		UpdateID:       id,
		RuntimeVersion: runtime,
		Version:        version,
		Config:         json.RawMessage(`{"name":"app"}`),
		Type:           TypeNormal,
	}
}

func TestMemoryStore_CreateDraft_FirstWriterWins(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	created, out, err := s.CreateDraft(ctx, draft("u1", "87.0.0", "87.0.1"))
	if err != nil {
		t.Fatalf("CreateDraft #1: %v", err)
	}
	if !created || out.Published() {
		t.Fatalf("expected fresh draft, got created=%v published=%v", created, out.Published())
	}

	second := draft("u1", "87.0.0", "87.0.1")
	second.Version = "99.0.0"
	created, out, err = s.CreateDraft(ctx, second)
	if err != nil {
		t.Fatalf("CreateDraft #2: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on conflict")
	}
	if out.Version != "87.0.1" {
		t.Fatalf("loser must observe winner's row, got version %q", out.Version)
	}
}

func TestMemoryStore_SetPublished_ExactlyOnce(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.CreateDraft(ctx, draft("u1", "87.0.0", "87.0.1")); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	won, err := s.SetPublished(ctx, "u1", at)
	if err != nil {
		t.Fatalf("SetPublished #1: %v", err)
	}
	if !won {
		t.Fatalf("first transition must win")
	}

	won, err = s.SetPublished(ctx, "u1", at.Add(time.Hour))
	if err != nil {
		t.Fatalf("SetPublished #2: %v", err)
	}
	if won {
		t.Fatalf("second transition must not win")
	}

	u, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.CreatedAt == nil || !u.CreatedAt.Equal(at) {
		t.Fatalf("published timestamp must not move, got %v", u.CreatedAt)
	}

	if _, err := s.SetPublished(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPublished missing: got %v want ErrNotFound", err)
	}
}

func TestMemoryStore_UpsertFiles_PreservesVerification(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.UpsertFiles(ctx, []File{{FileID: "f1", Presigned: &now}}); err != nil {
		t.Fatalf("UpsertFiles #1: %v", err)
	}
	if err := s.MarkFilesVerified(ctx, []string{"f1"}); err != nil {
		t.Fatalf("MarkFilesVerified: %v", err)
	}

	later := now.Add(time.Minute)
	if err := s.UpsertFiles(ctx, []File{{FileID: "f1", Presigned: &later}}); err != nil {
		t.Fatalf("UpsertFiles #2: %v", err)
	}

	missing, err := s.UnverifiedFiles(ctx, []string{"f1"})
	if err != nil {
		t.Fatalf("UnverifiedFiles: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("re-upsert must not reset verified, got missing %v", missing)
	}

	if err := s.UpsertFiles(ctx, nil); err != nil {
		t.Fatalf("empty upsert must be a no-op, got %v", err)
	}
}

func TestMemoryStore_UpsertAssets_CompositeIdentity(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.CreateDraft(ctx, draft("u1", "87.0.0", "87.0.1")); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	rows := []Asset{
		{UpdateID: "u1", FileID: "f1", Platform: PlatformIOS},
		{UpdateID: "u1", FileID: "f1", Platform: PlatformAndroid},
		{UpdateID: "u1", FileID: "f1", Platform: PlatformIOS, LaunchAsset: true},
	}
	if err := s.UpsertAssets(ctx, rows); err != nil {
		t.Fatalf("UpsertAssets: %v", err)
	}

	if _, err := s.SetPublished(ctx, "u1", time.Now()); err != nil {
		t.Fatalf("SetPublished: %v", err)
	}
	_, assets, err := s.LatestPublished(ctx, "87.0.0")
	if err != nil {
		t.Fatalf("LatestPublished: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("composite key collapse failed, got %d assets", len(assets))
	}
	for _, a := range assets {
		if a.Platform == PlatformIOS && !a.LaunchAsset {
			t.Fatalf("conflict must update non-identity columns")
		}
	}
}

func TestMemoryStore_LatestPublished_SelectsNewestExactMatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"old", "new", "otherruntime", "draft"} {
		u := draft(id, "87.0.0", "v"+id)
		if id == "otherruntime" {
			u.RuntimeVersion = "88.0.0"
		}
		if _, _, err := s.CreateDraft(ctx, u); err != nil {
			t.Fatalf("CreateDraft %s: %v", id, err)
		}
		if id != "draft" {
			at := time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
			if _, err := s.SetPublished(ctx, id, at); err != nil {
				t.Fatalf("SetPublished %s: %v", id, err)
			}
		}
	}

	u, _, err := s.LatestPublished(ctx, "87.0.0")
	if err != nil {
		t.Fatalf("LatestPublished: %v", err)
	}
	if u.UpdateID != "new" {
		t.Fatalf("selection: got %q want %q", u.UpdateID, "new")
	}

	if _, _, err := s.LatestPublished(ctx, "0.0.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown runtime: got %v want ErrNotFound", err)
	}
}

func TestMemoryStore_FindPublishedByVersion_IgnoresDrafts(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := s.CreateDraft(ctx, draft("u1", "87.0.0", "87.0.1")); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if _, err := s.FindPublishedByVersion(ctx, "87.0.1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("draft visible by version: %v", err)
	}

	if _, err := s.SetPublished(ctx, "u1", time.Now()); err != nil {
		t.Fatalf("SetPublished: %v", err)
	}
	u, err := s.FindPublishedByVersion(ctx, "87.0.1")
	if err != nil {
		t.Fatalf("FindPublishedByVersion: %v", err)
	}
	if u.UpdateID != "u1" {
		t.Fatalf("got %q", u.UpdateID)
	}
}
