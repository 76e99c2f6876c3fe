package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/session"
)

// FileDevice replays a WAV file as if it were being recorded live. With
// Realtime set, audio becomes available at the file's byte rate; otherwise
// the whole file is available as soon as capture starts.
type FileDevice struct {
	Path     string
	Realtime bool

	log   *slog.Logger
	clock func() time.Time
}

type fileCapture struct {
	source  audio.Container
	started time.Time
	buf     *buffer

	mu     sync.Mutex
	offset int
}

func NewFileDevice(path string, realtime bool, log *slog.Logger) *FileDevice {
	return &FileDevice{
		Path:     path,
		Realtime: realtime,
		log:      log.With(slog.String("component", "capture.file")),
		clock:    time.Now,
	}
}

// RequestPermission grants access when the file is readable.
func (d *FileDevice) RequestPermission(context.Context) (bool, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			d.log.Warn("capture file not accessible", slog.String("path", d.Path), slog.String("error", err.Error()))
			return false, nil
		}
		return false, err
	}
	return true, f.Close()
}

func (d *FileDevice) Start(_ context.Context, cfg session.CaptureConfig) (session.Handle, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()

	source, err := audio.DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("read capture file %s: %w", d.Path, err)
	}
	if source.SampleRate != cfg.SampleRate || source.Channels != cfg.Channels {
		d.log.Info("capture file differs from requested format",
			slog.Int("file_rate", source.SampleRate), slog.Int("file_channels", source.Channels),
			slog.Int("requested_rate", cfg.SampleRate), slog.Int("requested_channels", cfg.Channels))
	}
	d.log.Info("replaying capture file",
		slog.String("path", d.Path),
		slog.Duration("length", byteDuration(len(source.Data), source)),
		slog.Bool("realtime", d.Realtime))
	return &fileCapture{
		source:  source,
		started: d.clock(),
		buf:     newBuffer(source.SampleRate, source.Channels),
	}, nil
}

// Drain returns the audio "recorded" since the previous drain.
func (d *FileDevice) Drain(_ context.Context, h session.Handle) (audio.Container, error) {
	c, err := d.capture(h)
	if err != nil {
		return audio.Container{}, err
	}
	d.advance(c)
	return c.buf.drain(), nil
}

// Stop finalizes the replay and returns what was captured as a WAV container.
func (d *FileDevice) Stop(_ context.Context, h session.Handle) (audio.Container, error) {
	c, err := d.capture(h)
	if err != nil {
		return audio.Container{}, err
	}
	d.advance(c)
	return c.buf.finalize()
}

func (d *FileDevice) capture(h session.Handle) (*fileCapture, error) {
	c, ok := h.(*fileCapture)
	if !ok || c == nil {
		return nil, fmt.Errorf("capture handle %T not issued by file device", h)
	}
	return c, nil
}

// advance moves source audio into the capture buffer up to the current
// replay position.
func (d *FileDevice) advance(c *fileCapture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := len(c.source.Data)
	if d.Realtime {
		elapsed := d.clock().Sub(c.started)
		frame := c.source.Channels * audio.BytesPerSample
		rate := c.source.SampleRate * frame
		end = min(end, int(elapsed.Seconds()*float64(rate))/frame*frame)
	}
	if end <= c.offset {
		return
	}
	c.buf.write(c.source.Data[c.offset:end])
	c.offset = end
}

func byteDuration(n int, c audio.Container) time.Duration {
	rate := c.SampleRate * c.Channels * audio.BytesPerSample
	if rate == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
