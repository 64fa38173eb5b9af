package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "voicegate.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleProfile(id, tenant string, created time.Time) voice.Profile {
	return voice.Profile{
		ID:           id,
		TenantID:     tenant,
		Name:         "voice-" + id,
		Language:     "en",
		AudioPath:    "/blobs/" + id + ".wav",
		QualityScore: 90,
		Active:       true,
		CreatedAt:    created,
		UpdatedAt:    created,
		Metadata:     map[string]any{"original_filename": id + ".wav"},
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.InsertProfile(ctx, sampleProfile("v1", "tenant-a", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	p, ok, err := s.GetProfile(ctx, "tenant-a", "v1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if p.Name != "voice-v1" || p.QualityScore != 90 || !p.Active {
		t.Errorf("profile = %+v", p)
	}
	if !p.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", p.CreatedAt, now)
	}
	if got := p.Metadata["original_filename"]; got != "v1.wav" {
		t.Errorf("metadata round trip = %v", got)
	}

	// wrong tenant does not resolve
	if _, ok, _ := s.GetProfile(ctx, "tenant-b", "v1"); ok {
		t.Error("profile leaked across tenants")
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.InsertProfile(ctx, sampleProfile(id, "tenant-a", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	profiles, err := s.ListProfilesByTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("len = %d, want 3", len(profiles))
	}
	if profiles[0].ID != "new" || profiles[2].ID != "old" {
		t.Errorf("order = %s, %s, %s", profiles[0].ID, profiles[1].ID, profiles[2].ID)
	}
}

func TestSoftDeleteHidesProfile(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.InsertProfile(ctx, sampleProfile("v1", "tenant-a", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SoftDeleteProfile(ctx, "tenant-a", "v1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if _, ok, _ := s.GetProfile(ctx, "tenant-a", "v1"); ok {
		t.Error("deleted profile still resolvable")
	}
	if n, _ := s.CountActiveProfiles(ctx, "tenant-a"); n != 0 {
		t.Errorf("active count = %d, want 0", n)
	}
	// deleting again is harmless
	if err := s.SoftDeleteProfile(ctx, "tenant-a", "v1"); err != nil {
		t.Errorf("repeat soft delete: %v", err)
	}
}

func TestUpdateProfileRequiresActiveRow(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()
	now := time.Now().UTC()

	p := sampleProfile("v1", "tenant-a", now)
	if err := s.InsertProfile(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	p.Name = "renamed"
	p.UpdatedAt = now.Add(time.Minute)
	if err := s.UpdateProfile(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := s.GetProfile(ctx, "tenant-a", "v1")
	if got.Name != "renamed" {
		t.Errorf("name = %q, want renamed", got.Name)
	}

	if err := s.SoftDeleteProfile(ctx, "tenant-a", "v1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	err := s.UpdateProfile(ctx, p)
	if err == nil {
		t.Fatal("expected update of deleted profile to fail")
	}
	if protocol.ErrorCode(err) != protocol.CodeVoiceNotFound {
		t.Errorf("code = %s, want %s", protocol.ErrorCode(err), protocol.CodeVoiceNotFound)
	}
	if protocol.ErrorKind(err) != protocol.KindNotFound {
		t.Errorf("kind = %v, want %v", protocol.ErrorKind(err), protocol.KindNotFound)
	}
}

func TestSynthesisEventLog(t *testing.T) {
	s := openStore(t, config.StoreConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		evt := SynthesisEvent{
			TenantID:  "tenant-a",
			SessionID: "s1",
			Voice:     "default",
			Language:  "en",
			TextChars: 40 + i,
			AudioMS:   1200,
			LatencyMS: 85,
			Status:    "ok",
		}
		if err := s.AppendSynthesisEvent(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.RecentEvents(ctx, "tenant-a", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].TextChars != 42 {
		t.Errorf("newest first violated: %+v", events[0])
	}
	if other, _ := s.RecentEvents(ctx, "tenant-b", 10); len(other) != 0 {
		t.Errorf("events leaked across tenants")
	}
}

func TestPruneByAgeAndCount(t *testing.T) {
	s := openStore(t, config.StoreConfig{RetentionDays: 1, MaxEvents: 2})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendSynthesisEvent(ctx, SynthesisEvent{TenantID: "tenant-a", Status: "ok"}); err != nil {
		t.Fatalf("append old: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for i := 0; i < 3; i++ {
		if err := s.AppendSynthesisEvent(ctx, SynthesisEvent{TenantID: "tenant-a", TextChars: i, Status: "ok"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.RecentEvents(ctx, "tenant-a", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len after prune = %d, want 2", len(events))
	}
	for _, e := range events {
		if e.CreatedAt.Year() != 2025 || e.CreatedAt.Month() != 1 || e.CreatedAt.Day() != 3 {
			t.Errorf("stale event survived prune: %+v", e)
		}
	}
}
