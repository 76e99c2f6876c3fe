package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/protocol"
	"github.com/loqalabs/followalong/internal/transcript"
	"github.com/loqalabs/followalong/internal/transport"
)

const instrumentationName = "github.com/loqalabs/followalong/session"

// State is the capture session state.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Normalizer interface {
	Normalize(ctx context.Context, c audio.Container) (audio.PCM, error)
}

type Streamer interface {
	Stream(ctx context.Context, pcm []byte, conn transport.Connection) int
}

// Connections is the lifecycle controller as seen by the manager.
type Connections interface {
	Open(ctx context.Context, handler func([]byte)) (transport.Connection, error)
	Current() transport.Connection
	ScheduleClose(pcmBytes int) time.Duration
	CloseNow()
}

// Sink receives session lifecycle events and transcript updates.
type Sink interface {
	SessionEvent(ctx context.Context, evt protocol.SessionEvent)
	Transcript(ctx context.Context, t protocol.Transcript)
}

type Options struct {
	// Continuous streams drained slices while capture is live. It only
	// applies to devices implementing Drainer.
	Continuous    bool
	DrainInterval time.Duration
	// Capture is the format requested from the device. Zero fields fall
	// back to CanonicalCapture.
	Capture CaptureConfig
	Sink    Sink
}

type StartResult struct {
	SessionID string
	// Transcribing is false when the backend could not be reached.
	Transcribing     bool
	TranscriptionErr error
	// Ignored is set when a session was already running.
	Ignored bool
}

type StopResult struct {
	SessionID     string
	Duration      time.Duration
	PCMBytes      int
	StreamedBytes int
	CloseDelay    time.Duration
	Ignored       bool
}

type activeSession struct {
	id        string
	gen       transcript.Generation
	startedAt time.Time
	handle    Handle
	conn      transport.Connection

	pumpStop chan struct{}
	pumpDone chan struct{}

	statsMu  sync.Mutex
	pcmBytes int
	streamed int
}

func (s *activeSession) addStats(pcm, sent int) {
	s.statsMu.Lock()
	s.pcmBytes += pcm
	s.streamed += sent
	s.statsMu.Unlock()
}

func (s *activeSession) stats() (int, int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.pcmBytes, s.streamed
}

// Manager coordinates capture, normalization, streaming and the connection
// lifecycle for one session at a time.
type Manager struct {
	log        *slog.Logger
	device     Device
	normalizer Normalizer
	streamer   Streamer
	conns      Connections
	transcript *transcript.Reconciler
	opts       Options

	tracer   trace.Tracer
	started  metric.Int64Counter
	stopped  metric.Int64Counter
	degraded metric.Int64Counter

	// opMu serializes Start, Stop and Close.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	active   *activeSession
	lastID   string
	lastGen  transcript.Generation
	recorded audio.Container
}

func NewManager(device Device, normalizer Normalizer, streamer Streamer, conns Connections, rec *transcript.Reconciler, opts Options, log *slog.Logger) *Manager {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Second
	}
	if opts.Capture.SampleRate <= 0 {
		opts.Capture.SampleRate = CanonicalCapture.SampleRate
	}
	if opts.Capture.Channels <= 0 {
		opts.Capture.Channels = CanonicalCapture.Channels
	}
	if opts.Capture.BitDepth <= 0 {
		opts.Capture.BitDepth = CanonicalCapture.BitDepth
	}
	m := &Manager{
		log:        log.With(slog.String("component", "session")),
		device:     device,
		normalizer: normalizer,
		streamer:   streamer,
		conns:      conns,
		transcript: rec,
		opts:       opts,
		tracer:     otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if m.started, err = meter.Int64Counter("followalong.sessions.started"); err != nil {
		m.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.stopped, err = meter.Int64Counter("followalong.sessions.stopped"); err != nil {
		m.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.degraded, err = meter.Int64Counter("followalong.sessions.transcription_unavailable"); err != nil {
		m.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}

	rec.Subscribe(m.onTranscript)
	rec.OnBackendError(m.onBackendError)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the ID of the running session, or of the last one while
// its connection lingers.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

// LastRecording returns the finalized container of the last stopped session.
func (m *Manager) LastRecording() (audio.Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recorded, len(m.recorded.Data) > 0
}

// Start begins a capture session. It is a logged no-op unless the manager is
// idle. A backend connection failure is not an error: capture proceeds and
// the failure is reported in the result.
func (m *Manager) Start(ctx context.Context) (*StartResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "session.start")
	defer span.End()

	m.mu.Lock()
	if m.state != StateIdle {
		state, active := m.state, m.active
		m.mu.Unlock()
		m.log.Info("start ignored, session already running", slog.String("state", state.String()))
		res := &StartResult{Ignored: true}
		if active != nil {
			res.SessionID = active.id
			res.Transcribing = active.conn != nil
		}
		return res, nil
	}
	m.mu.Unlock()

	granted, err := m.device.RequestPermission(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "permission request failed")
		return nil, fmt.Errorf("request permission: %w", err)
	}
	if !granted {
		span.SetStatus(codes.Error, "permission denied")
		m.log.Warn("microphone permission denied")
		return nil, ErrPermissionDenied
	}

	sess := &activeSession{id: uuid.NewString(), startedAt: time.Now()}
	sess.gen = m.transcript.Reset()
	m.mu.Lock()
	m.lastID, m.lastGen = sess.id, sess.gen
	m.mu.Unlock()
	span.SetAttributes(attribute.String("session.id", sess.id))
	log := m.log.With(slog.String("session_id", sess.id))

	res := &StartResult{SessionID: sess.id}
	conn, connErr := m.conns.Open(ctx, m.transcript.Handler(sess.gen))
	if connErr != nil {
		res.TranscriptionErr = connErr
		span.AddEvent("transcription unavailable")
	} else {
		sess.conn = conn
		res.Transcribing = true
	}

	handle, err := m.device.Start(ctx, m.opts.Capture)
	if err != nil {
		m.conns.CloseNow()
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture start failed")
		log.Error("capture start failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("start capture: %w", err)
	}
	sess.handle = handle

	if drainer, ok := m.device.(Drainer); ok && m.opts.Continuous {
		sess.pumpStop = make(chan struct{})
		sess.pumpDone = make(chan struct{})
		go m.pump(context.WithoutCancel(ctx), drainer, sess)
	}

	m.mu.Lock()
	m.state = StateCapturing
	m.active = sess
	m.mu.Unlock()

	if m.started != nil {
		m.started.Add(ctx, 1)
	}
	log.Info("capture started",
		slog.Bool("transcribing", res.Transcribing),
		slog.Bool("continuous", sess.pumpDone != nil))
	m.emit(ctx, protocol.EventSessionStarted, sess.id, 0)
	if connErr != nil {
		if m.degraded != nil {
			m.degraded.Add(ctx, 1)
		}
		m.emit(ctx, protocol.EventTranscriptionUnavailable, sess.id, 0)
	}
	return res, nil
}

// Stop finalizes capture, streams whatever has not been streamed yet and
// schedules the connection close. The manager is idle when Stop returns,
// whatever the outcome.
func (m *Manager) Stop(ctx context.Context) (*StopResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) (*StopResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.stop")
	defer span.End()

	m.mu.Lock()
	if m.state != StateCapturing {
		state := m.state
		m.mu.Unlock()
		m.log.Debug("stop ignored, not capturing", slog.String("state", state.String()))
		return &StopResult{Ignored: true}, nil
	}
	sess := m.active
	m.state = StateStopping
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state = StateIdle
		m.active = nil
		m.mu.Unlock()
	}()

	span.SetAttributes(attribute.String("session.id", sess.id))
	log := m.log.With(slog.String("session_id", sess.id))

	continuous := sess.pumpDone != nil
	if continuous {
		close(sess.pumpStop)
		<-sess.pumpDone
		if drainer, ok := m.device.(Drainer); ok {
			m.drainOnce(ctx, drainer, sess)
		}
	}

	container, err := m.device.Stop(ctx, sess.handle)
	if err != nil {
		m.conns.CloseNow()
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture stop failed")
		log.Error("capture stop failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("stop capture: %w", err)
	}
	m.mu.Lock()
	m.recorded = container
	m.mu.Unlock()

	if !continuous {
		m.streamContainer(ctx, container, sess)
	}

	pcmBytes, streamed := sess.stats()
	delay := m.conns.ScheduleClose(pcmBytes)
	res := &StopResult{
		SessionID:     sess.id,
		Duration:      time.Since(sess.startedAt),
		PCMBytes:      pcmBytes,
		StreamedBytes: streamed,
		CloseDelay:    delay,
	}

	if m.stopped != nil {
		m.stopped.Add(ctx, 1)
	}
	log.Info("capture stopped",
		slog.Int("pcm_bytes", pcmBytes),
		slog.Int("streamed_bytes", streamed),
		slog.Duration("close_delay", delay))
	m.emit(ctx, protocol.EventSessionStopped, sess.id, pcmBytes)
	return res, nil
}

// Close stops any running session and closes the connection immediately.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	_, err := m.stopLocked(ctx)
	m.conns.CloseNow()
	return err
}

func (m *Manager) pump(ctx context.Context, drainer Drainer, sess *activeSession) {
	defer close(sess.pumpDone)
	ticker := time.NewTicker(m.opts.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.pumpStop:
			return
		case <-ticker.C:
			m.drainOnce(ctx, drainer, sess)
		}
	}
}

func (m *Manager) drainOnce(ctx context.Context, drainer Drainer, sess *activeSession) {
	slice, err := drainer.Drain(ctx, sess.handle)
	if err != nil {
		m.log.Warn("drain capture buffer failed",
			slog.String("session_id", sess.id), slog.String("error", err.Error()))
		return
	}
	m.streamContainer(ctx, slice, sess)
}

func (m *Manager) streamContainer(ctx context.Context, c audio.Container, sess *activeSession) {
	if len(c.Data) == 0 {
		return
	}
	pcm, err := m.normalizer.Normalize(ctx, c)
	if err != nil {
		m.log.Warn("normalize failed, segment skipped",
			slog.String("session_id", sess.id),
			slog.String("kind", c.Kind.String()),
			slog.String("error", err.Error()))
		return
	}
	sent := 0
	if conn := m.conns.Current(); conn != nil && conn == sess.conn {
		sent = m.streamer.Stream(ctx, pcm, conn)
	}
	sess.addStats(len(pcm), sent)
}

func (m *Manager) onTranscript(u transcript.Update) {
	if m.opts.Sink == nil {
		return
	}
	m.mu.Lock()
	id, gen := m.lastID, m.lastGen
	m.mu.Unlock()
	if u.Generation != gen {
		return
	}
	m.opts.Sink.Transcript(context.Background(), protocol.Transcript{
		SessionID: id,
		Text:      u.Text,
		Display:   u.State.Display,
		Partial:   u.Kind == transcript.KindPartial,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) onBackendError(e *transcript.BackendError) {
	m.mu.Lock()
	id, gen := m.lastID, m.lastGen
	m.mu.Unlock()
	if e.Generation != gen {
		return
	}
	m.conns.CloseNow()
	m.emit(context.Background(), protocol.EventBackendError, id, 0)
}

func (m *Manager) emit(ctx context.Context, typ, sessionID string, pcmBytes int) {
	if m.opts.Sink == nil {
		return
	}
	m.opts.Sink.SessionEvent(ctx, protocol.SessionEvent{
		SessionID: sessionID,
		Type:      typ,
		PCMBytes:  pcmBytes,
		Timestamp: time.Now().UTC(),
	})
}

// IsPermissionDenied reports whether err is the terminal permission failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
