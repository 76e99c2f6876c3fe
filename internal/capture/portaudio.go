//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/session"
)

const framesPerBuffer = 1600

// PortAudioDevice records from the default input device.
type PortAudioDevice struct {
	log *slog.Logger
}

type portAudioCapture struct {
	stream  *portaudio.Stream
	samples []int16
	buf     *buffer
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewPortAudioDevice(log *slog.Logger) (session.Device, error) {
	return &PortAudioDevice{log: log.With(slog.String("component", "capture.portaudio"))}, nil
}

// RequestPermission opens the default input device. Platforms that gate
// microphone access fail here.
func (d *PortAudioDevice) RequestPermission(context.Context) (bool, error) {
	if err := portaudio.Initialize(); err != nil {
		return false, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		d.log.Warn("no usable input device", slog.String("error", err.Error()))
		return false, nil
	}
	d.log.Debug("input device available", slog.String("device", dev.Name))
	return true, nil
}

func (d *PortAudioDevice) Start(_ context.Context, cfg session.CaptureConfig) (session.Handle, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	c := &portAudioCapture{
		samples: make([]int16, framesPerBuffer*cfg.Channels),
		buf:     newBuffer(cfg.SampleRate, cfg.Channels),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), framesPerBuffer, c.samples)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	c.stream = stream
	go d.record(c)
	return c, nil
}

func (d *PortAudioDevice) record(c *portAudioCapture) {
	defer close(c.done)
	overflowed := func(err error) bool { return errors.Is(err, portaudio.InputOverflowed) }
	if err := readLoop(c.stream.Read, overflowed, c.samples, c.buf, c.stop, d.log); err != nil {
		d.log.Error("input stream read failed, capture halted", slog.String("error", err.Error()))
	}
}

func (d *PortAudioDevice) Drain(_ context.Context, h session.Handle) (audio.Container, error) {
	c, ok := h.(*portAudioCapture)
	if !ok {
		return audio.Container{}, fmt.Errorf("capture handle %T not issued by portaudio device", h)
	}
	return c.buf.drain(), nil
}

func (d *PortAudioDevice) Stop(_ context.Context, h session.Handle) (audio.Container, error) {
	c, ok := h.(*portAudioCapture)
	if !ok {
		return audio.Container{}, fmt.Errorf("capture handle %T not issued by portaudio device", h)
	}
	var stopErr error
	c.once.Do(func() {
		close(c.stop)
		<-c.done
		stopErr = c.stream.Stop()
		c.stream.Close()
		portaudio.Terminate()
	})
	if stopErr != nil {
		d.log.Warn("stop input stream", slog.String("error", stopErr.Error()))
	}
	return c.buf.finalize()
}
