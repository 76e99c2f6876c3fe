package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/capture"
	"github.com/loqalabs/followalong/internal/config"
	"github.com/loqalabs/followalong/internal/protocol"
	"github.com/loqalabs/followalong/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// echoBackend answers every audio frame with a final transcript.
func echoBackend(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			msgType, _, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				_ = ws.WriteJSON(protocol.FinalMessage("heard"))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(t *testing.T, backend string) config.Config {
	cfg := config.Default()
	cfg.Backend.URL = backend
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	return cfg
}

func wavFile(t *testing.T, samples int) string {
	t.Helper()
	container, err := audio.EncodeWAV(make([]byte, samples*2), audio.SampleRate, audio.Channels)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	path := filepath.Join(t.TempDir(), "capture.wav")
	if err := os.WriteFile(path, container.Data, 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestRuntimeSessionIsJournaled(t *testing.T) {
	cfg := testConfig(t, echoBackend(t))
	device := capture.NewFileDevice(wavFile(t, 8000), false, newLogger())
	rt := New(cfg, newLogger(), WithDevice(device))
	ctx := context.Background()
	if err := rt.Open(ctx); err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	start, err := rt.Manager().Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !start.Transcribing {
		t.Fatalf("expected backend connection, got %v", start.TranscriptionErr)
	}
	stop, err := rt.Manager().Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stop.StreamedBytes != 16000 {
		t.Fatalf("expected 16000 bytes streamed, got %d", stop.StreamedBytes)
	}
	if rt.Manager().State() != session.StateIdle {
		t.Fatal("expected idle after stop")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		sess, err := rt.Store().GetSession(ctx, start.SessionID)
		if err == nil && strings.Count(sess.Transcript, "heard") == 2 {
			if sess.PCMBytes != 16000 {
				t.Fatalf("unexpected journaled pcm bytes %d", sess.PCMBytes)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected journaled transcript, got %+v (%v)", sess, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := rt.Transcript().Snapshot().Display; got != "heard heard" {
		t.Fatalf("unexpected display %q", got)
	}
}

func TestRuntimeHealthEndpoints(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1")
	device := capture.NewFileDevice(wavFile(t, 10), false, newLogger())
	rt := New(cfg, newLogger(), WithDevice(device))
	if err := rt.Open(context.Background()); err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get("http://" + rt.HTTPAddr() + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}
}

func TestRuntimeRequiresCaptureFile(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1")
	cfg.HTTP.Enabled = false
	rt := New(cfg, newLogger())
	defer rt.Close(context.Background())
	if err := rt.Open(context.Background()); err == nil {
		t.Fatal("expected error without capture file")
	}
}
