package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/followalong/internal/config"
	"github.com/loqalabs/followalong/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	es, err := Open(context.Background(), cfg, "followalong-test", newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.RecordSession(context.Background(), protocol.SessionEvent{SessionID: "s", Type: protocol.EventSessionStarted}); err != nil {
		t.Fatalf("expected ephemeral writes to be dropped, got %v", err)
	}
	if _, err := es.GetSession(context.Background(), "s"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es := openStore(t, cfg)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := es.RecordSession(ctx, protocol.SessionEvent{SessionID: "s1", Type: protocol.EventSessionStarted, Timestamp: started}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	for _, text := range []string{"hello world", "again"} {
		if err := es.RecordTranscript(ctx, protocol.Transcript{SessionID: "s1", Text: text, Timestamp: started.Add(time.Second)}); err != nil {
			t.Fatalf("record transcript: %v", err)
		}
	}
	if err := es.RecordTranscript(ctx, protocol.Transcript{SessionID: "s1", Text: "ignored", Partial: true}); err != nil {
		t.Fatalf("record partial: %v", err)
	}
	if err := es.RecordSession(ctx, protocol.SessionEvent{SessionID: "s1", Type: protocol.EventSessionStopped, PCMBytes: 64000, Timestamp: started.Add(2 * time.Second)}); err != nil {
		t.Fatalf("record stop: %v", err)
	}

	sess, err := es.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Transcript != "hello world again" {
		t.Fatalf("unexpected transcript %q", sess.Transcript)
	}
	if sess.PCMBytes != 64000 || sess.ClientName != "followalong-test" {
		t.Fatalf("unexpected session summary %+v", sess)
	}
	if !sess.StoppedAt.Equal(started.Add(2 * time.Second)) {
		t.Fatalf("unexpected stop time %v", sess.StoppedAt)
	}

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != protocol.EventSessionStarted || events[3].Type != protocol.EventSessionStopped {
		t.Fatalf("unexpected event order %s..%s", events[0].Type, events[3].Type)
	}
	if string(events[1].Payload) != "hello world" {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es := openStore(t, cfg)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		evt := protocol.SessionEvent{SessionID: id, Type: protocol.EventSessionStarted, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := es.RecordSession(ctx, evt); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	sessions, err := es.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if !sessions[0].StoppedAt.IsZero() {
		t.Fatal("expected running session without stop time")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es := openStore(t, cfg)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := es.RecordSession(ctx, protocol.SessionEvent{SessionID: "old-session", Type: protocol.EventSessionStarted, Timestamp: old}); err != nil {
		t.Fatalf("record old session: %v", err)
	}
	now := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return now }
	if err := es.RecordSession(ctx, protocol.SessionEvent{SessionID: "new-session", Type: protocol.EventSessionStarted, Timestamp: now}); err != nil {
		t.Fatalf("record new session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
