package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/lifecycle"
	"github.com/loqalabs/followalong/internal/protocol"
	"github.com/loqalabs/followalong/internal/transcript"
	"github.com/loqalabs/followalong/internal/transport"
	"github.com/loqalabs/followalong/internal/transport/transporttest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDevice struct {
	mu          sync.Mutex
	granted     bool
	startErr    error
	stopErr     error
	cfg         CaptureConfig
	chunks      [][]byte
	drained     int
	starts      int
	stops       int
	permissions int
}

func (d *fakeDevice) RequestPermission(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permissions++
	return d.granted, nil
}

func (d *fakeDevice) Start(_ context.Context, cfg CaptureConfig) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.cfg = cfg
	d.starts++
	return d.starts, nil
}

// Stop returns the chunks as a WAV container recorded in the format that
// was requested at Start.
func (d *fakeDevice) Stop(context.Context, Handle) (audio.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	if d.stopErr != nil {
		return audio.Container{}, d.stopErr
	}
	data := bytes.Repeat([]byte{0}, audio.WAVHeaderSize)
	for _, c := range d.chunks {
		data = append(data, c...)
	}
	return audio.Container{
		Kind:       audio.KindWAV,
		Data:       data,
		SampleRate: d.cfg.SampleRate,
		Channels:   d.cfg.Channels,
		BitDepth:   d.cfg.BitDepth,
	}, nil
}

type drainingDevice struct {
	*fakeDevice
}

func (d drainingDevice) Drain(context.Context, Handle) (audio.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var data []byte
	for ; d.drained < len(d.chunks); d.drained++ {
		data = append(data, d.chunks[d.drained]...)
	}
	return audio.Container{Kind: audio.KindRaw, Data: data}, nil
}

type fakeTimer struct {
	delay time.Duration
	fn    func()
}

func (t *fakeTimer) Stop() bool { return true }

type harness struct {
	mu      sync.Mutex
	conns   []*transporttest.Conn
	timers  []*fakeTimer
	dialErr error
	sink    *recordingSink
	rec     *transcript.Reconciler
	ctrl    *lifecycle.Controller
}

func (h *harness) dial(_ context.Context, handler func([]byte)) (transport.Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	c := transporttest.NewConn(handler)
	h.conns = append(h.conns, c)
	return c, nil
}

func (h *harness) afterFunc(d time.Duration, f func()) lifecycle.Timer {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	h.timers = append(h.timers, t)
	return t
}

func (h *harness) dialed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

type recordingSink struct {
	mu          sync.Mutex
	events      []string
	transcripts []protocol.Transcript
}

func (s *recordingSink) SessionEvent(_ context.Context, evt protocol.SessionEvent) {
	s.mu.Lock()
	s.events = append(s.events, evt.Type)
	s.mu.Unlock()
}

func (s *recordingSink) Transcript(_ context.Context, t protocol.Transcript) {
	s.mu.Lock()
	s.transcripts = append(s.transcripts, t)
	s.mu.Unlock()
}

func (s *recordingSink) has(typ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == typ {
			return true
		}
	}
	return false
}

func newManager(t *testing.T, device Device, opts Options) (*Manager, *harness) {
	t.Helper()
	log := newLogger()
	h := &harness{sink: &recordingSink{}, rec: transcript.NewReconciler(log)}
	h.ctrl = lifecycle.NewController(h.dial, log, lifecycle.WithAfterFunc(h.afterFunc))
	opts.Sink = h.sink
	m := NewManager(device, audio.NewNormalizer(1, log), transport.NewStreamer(log), h.ctrl, h.rec, opts, log)
	return m, h
}

func chunk(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 6000)
}

func TestStartPermissionDenied(t *testing.T) {
	device := &fakeDevice{granted: false}
	m, h := newManager(t, device, Options{})

	_, err := m.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) || !IsPermissionDenied(err) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if h.dialed() != 0 {
		t.Fatal("expected no connection opened")
	}
	if device.starts != 0 {
		t.Fatal("expected capture not started")
	}
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	device := &fakeDevice{granted: true}
	m, h := newManager(t, device, Options{})

	res, err := m.Stop(context.Background())
	if err != nil || !res.Ignored {
		t.Fatalf("expected stop while idle to be ignored, got %+v %v", res, err)
	}
	if h.dialed() != 0 {
		t.Fatal("expected no connection activity on idle stop")
	}

	first, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !second.Ignored || second.SessionID != first.SessionID {
		t.Fatalf("expected second start ignored, got %+v", second)
	}
	if h.dialed() != 1 || device.starts != 1 || device.permissions != 1 {
		t.Fatalf("expected a single connection and capture, got dials=%d starts=%d", h.dialed(), device.starts)
	}

	if _, err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	again, err := m.Stop(context.Background())
	if err != nil || !again.Ignored {
		t.Fatalf("expected second stop ignored, got %+v %v", again, err)
	}
	if device.stops != 1 || len(h.timers) != 1 {
		t.Fatalf("expected one stop and one scheduled close, got stops=%d timers=%d", device.stops, len(h.timers))
	}
}

func TestEndToEndBatchSession(t *testing.T) {
	device := &fakeDevice{granted: true, chunks: [][]byte{chunk(1), chunk(2), chunk(3)}}
	m, h := newManager(t, device, Options{})

	res, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Transcribing || m.State() != StateCapturing {
		t.Fatalf("expected capturing with transcription, got %+v state=%s", res, m.State())
	}
	conn := h.conns[0]

	conn.Deliver(`{"final":"hello world"}`)
	conn.Deliver(`{"partial":"there"}`)
	if got := h.rec.Snapshot().Display; got != "hello world there" {
		t.Fatalf("unexpected display %q", got)
	}

	stop, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", m.State())
	}
	if stop.PCMBytes != 18000 || conn.BytesSent() != 18000 {
		t.Fatalf("expected header stripped and 18000 bytes sent, got pcm=%d sent=%d", stop.PCMBytes, conn.BytesSent())
	}
	frames := conn.Frames()
	if len(frames) != 3 || len(frames[0]) != transport.FrameSize {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0][:6000], chunk(1)) {
		t.Fatal("expected first frame to start with the first chunk")
	}

	want := lifecycle.LingerDelay(18000)
	if stop.CloseDelay != want || h.timers[0].delay != want {
		t.Fatalf("expected close scheduled at %v, got %v", want, stop.CloseDelay)
	}
	if conn.State() != transport.StateOpen {
		t.Fatal("expected connection to linger after stop")
	}
	conn.Deliver(`{"final":"late"}`)
	if got := h.rec.Snapshot().Confirmed; got != "hello world late" {
		t.Fatalf("expected trailing final applied, got %q", got)
	}

	h.timers[0].fn()
	if conn.State() != transport.StateClosed {
		t.Fatal("expected connection closed when linger fires")
	}
	if rec, ok := m.LastRecording(); !ok || len(rec.Data) != audio.WAVHeaderSize+18000 {
		t.Fatal("expected last recording kept")
	}
	for _, typ := range []string{protocol.EventSessionStarted, protocol.EventSessionStopped} {
		if !h.sink.has(typ) {
			t.Fatalf("expected %s event", typ)
		}
	}
	if len(h.sink.transcripts) != 3 || h.sink.transcripts[0].SessionID != res.SessionID {
		t.Fatalf("expected transcripts forwarded with session id, got %+v", h.sink.transcripts)
	}
}

func TestStartWithoutBackend(t *testing.T) {
	device := &fakeDevice{granted: true, chunks: [][]byte{chunk(1)}}
	m, h := newManager(t, device, Options{})
	h.dialErr = errors.New("connection refused")

	res, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("expected degraded start, got %v", err)
	}
	if res.Transcribing || !errors.Is(res.TranscriptionErr, transport.ErrConnectFailure) {
		t.Fatalf("expected transcription unavailable, got %+v", res)
	}
	if m.State() != StateCapturing {
		t.Fatal("expected capture to proceed without transcription")
	}
	stop, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stop.StreamedBytes != 0 || stop.PCMBytes != 6000 {
		t.Fatalf("unexpected stop result %+v", stop)
	}
	if !h.sink.has(protocol.EventTranscriptionUnavailable) {
		t.Fatal("expected transcription_unavailable event")
	}
}

func TestStartFailureClosesConnection(t *testing.T) {
	device := &fakeDevice{granted: true, startErr: errors.New("device busy")}
	m, h := newManager(t, device, Options{})

	if _, err := m.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if h.conns[0].State() != transport.StateClosed {
		t.Fatal("expected connection closed after start failure")
	}
	if h.ctrl.Current() != nil {
		t.Fatal("expected no lingering connection")
	}
}

func TestStopFailureClosesConnection(t *testing.T) {
	stopErr := errors.New("device unplugged")
	device := &fakeDevice{granted: true, stopErr: stopErr, chunks: [][]byte{chunk(1)}}
	m, h := newManager(t, device, Options{})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := m.Stop(context.Background()); !errors.Is(err, stopErr) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if h.conns[0].State() != transport.StateClosed {
		t.Fatal("expected connection closed after stop failure")
	}
	if h.ctrl.Current() != nil {
		t.Fatal("expected no lingering connection")
	}
	if len(h.timers) != 0 {
		t.Fatalf("expected no close scheduled, got %d timers", len(h.timers))
	}
	if h.conns[0].BytesSent() != 0 {
		t.Fatal("expected nothing streamed after stop failure")
	}
}

func TestCaptureFormatReachesDevice(t *testing.T) {
	device := &fakeDevice{granted: true, chunks: [][]byte{chunk(1), chunk(2)}}
	m, h := newManager(t, device, Options{Capture: CaptureConfig{SampleRate: 32000}})

	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := CaptureConfig{SampleRate: 32000, Channels: audio.Channels, BitDepth: audio.BitDepth}
	if device.cfg != want {
		t.Fatalf("expected device started with %+v, got %+v", want, device.cfg)
	}

	stop, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	// 12000 bytes at 32 kHz resample to 6000 bytes at 16 kHz.
	if stop.PCMBytes != 6000 || h.conns[0].BytesSent() != 6000 {
		t.Fatalf("expected resampled pcm streamed, got pcm=%d sent=%d", stop.PCMBytes, h.conns[0].BytesSent())
	}
}

func TestDefaultCaptureIsCanonical(t *testing.T) {
	device := &fakeDevice{granted: true}
	m, _ := newManager(t, device, Options{})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if device.cfg != CanonicalCapture {
		t.Fatalf("expected canonical capture, got %+v", device.cfg)
	}
}

func TestBackendErrorClosesConnection(t *testing.T) {
	device := &fakeDevice{granted: true}
	m, h := newManager(t, device, Options{})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.conns[0].Deliver(`{"error":"Invalid audio data"}`)
	if h.conns[0].State() != transport.StateClosed {
		t.Fatal("expected connection closed on backend error")
	}
	if !h.sink.has(protocol.EventBackendError) {
		t.Fatal("expected backend error event")
	}
	if _, err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatal("expected idle after stop")
	}
}

func TestContinuousSessionStreamsOnce(t *testing.T) {
	device := drainingDevice{&fakeDevice{granted: true, chunks: [][]byte{chunk(1), chunk(2), chunk(3)}}}
	m, h := newManager(t, device, Options{Continuous: true, DrainInterval: 5 * time.Millisecond})

	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.conns[0].BytesSent() < 6000 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stop, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := h.conns[0].BytesSent(); got != 18000 {
		t.Fatalf("expected every chunk streamed exactly once, got %d bytes", got)
	}
	if stop.PCMBytes != 18000 || stop.StreamedBytes != 18000 {
		t.Fatalf("unexpected stop result %+v", stop)
	}
	if m.State() != StateIdle {
		t.Fatal("expected idle after stop")
	}
}

func TestCloseTearsDown(t *testing.T) {
	device := &fakeDevice{granted: true, chunks: [][]byte{chunk(1)}}
	m, h := newManager(t, device, Options{})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatal("expected idle after close")
	}
	if h.conns[0].State() != transport.StateClosed {
		t.Fatal("expected connection closed immediately on teardown")
	}
}

func TestNewSessionDropsPreviousConnectionResults(t *testing.T) {
	device := &fakeDevice{granted: true}
	m, h := newManager(t, device, Options{})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	old := h.conns[0]
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if old.State() != transport.StateClosed {
		t.Fatal("expected lingering connection closed by the new session")
	}
	old.Deliver(`{"final":"stale"}`)
	if got := h.rec.Snapshot().Confirmed; got != "" {
		t.Fatalf("expected stale result dropped, got %q", got)
	}
}
