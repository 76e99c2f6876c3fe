package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/bus"
	"github.com/loqalabs/followalong/internal/capture"
	"github.com/loqalabs/followalong/internal/config"
	"github.com/loqalabs/followalong/internal/eventstore"
	"github.com/loqalabs/followalong/internal/lifecycle"
	"github.com/loqalabs/followalong/internal/natsserver"
	"github.com/loqalabs/followalong/internal/playback"
	"github.com/loqalabs/followalong/internal/session"
	"github.com/loqalabs/followalong/internal/transcript"
	"github.com/loqalabs/followalong/internal/transport"
)

// Runtime assembles the capture pipeline and its supporting services.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	device session.Device

	httpServer  *http.Server
	httpAddr    string
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats  *natsserver.EmbeddedServer
	bus   *bus.Client
	store *eventstore.Store

	normalizer *audio.Normalizer
	conns      *lifecycle.Controller
	transcript *transcript.Reconciler
	manager    *session.Manager
}

type Option func(*Runtime)

// WithDevice overrides the capture device chosen by configuration.
func WithDevice(d session.Device) Option {
	return func(r *Runtime) { r.device = d }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open starts telemetry, the optional bus and journal, and builds the session
// manager. Close must be called even when Open fails.
func (r *Runtime) Open(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := SetupTelemetry(r.cfg, r.cfg.ClientName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		if err := r.openBus(ctx); err != nil {
			return err
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.cfg.ClientName, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.device == nil {
		if r.device, err = r.buildDevice(); err != nil {
			return err
		}
	}

	r.normalizer = audio.NewNormalizer(r.cfg.Normalizer.MaxDecoders, r.logger)
	r.transcript = transcript.NewReconciler(r.logger)
	dial := lifecycle.DialWebSocket(r.cfg.Backend.URL, transport.DialOptions{
		HandshakeTimeout: time.Duration(r.cfg.Backend.HandshakeTimeoutMS) * time.Millisecond,
		Logger:           r.logger,
	})
	r.conns = lifecycle.NewController(dial, r.logger)
	r.manager = session.NewManager(r.device, r.normalizer, transport.NewStreamer(r.logger), r.conns, r.transcript,
		session.Options{
			Continuous:    r.cfg.Capture.Continuous,
			DrainInterval: time.Duration(r.cfg.Capture.DrainIntervalMS) * time.Millisecond,
			Sink:          &fanout{store: r.store, bus: r.bus, log: r.logger.With(slog.String("component", "fanout"))},
			Capture: session.CaptureConfig{
				SampleRate: r.cfg.Capture.SampleRate,
				Channels:   r.cfg.Capture.Channels,
				BitDepth:   r.cfg.Capture.BitDepth,
			},
		}, r.logger)

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(metricsHandler); err != nil {
			return err
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("backend", r.cfg.Backend.URL),
		slog.String("device", r.cfg.Capture.Device))
	return nil
}

func (r *Runtime) openBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.ClientName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureSessionStream(maxAge); err != nil {
		r.logger.Warn("session stream unavailable", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) buildDevice() (session.Device, error) {
	switch r.cfg.Capture.Device {
	case "portaudio":
		return capture.NewPortAudioDevice(r.logger)
	default:
		if r.cfg.Capture.File == "" {
			return nil, errors.New("capture.file must be set for the file device")
		}
		return capture.NewFileDevice(r.cfg.Capture.File, r.cfg.Capture.Realtime, r.logger), nil
	}
}

func (r *Runtime) startHTTP(metrics http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpAddr = ln.Addr().String()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", r.httpAddr))
	return nil
}

// HTTPAddr is the bound health and metrics address, if enabled.
func (r *Runtime) HTTPAddr() string { return r.httpAddr }

func (r *Runtime) Manager() *session.Manager { return r.manager }

func (r *Runtime) Transcript() *transcript.Reconciler { return r.transcript }

func (r *Runtime) Store() *eventstore.Store { return r.store }

// Player builds a player for the last recording on the given sink.
func (r *Runtime) Player(sink playback.Sink) *playback.Player {
	return playback.NewPlayer(sink, r.normalizer, r.logger)
}

// Close tears everything down. Any running session is stopped and its
// connection closed immediately.
func (r *Runtime) Close(ctx context.Context) error {
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	var errs []error

	if r.manager != nil {
		if err := r.manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
