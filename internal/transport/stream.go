package transport

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// FrameSize is the nominal size of each binary frame sent to the backend.
	FrameSize = 8000
	// FrameDelay paces consecutive frames. It is not driven by the backend.
	FrameDelay = 10 * time.Millisecond
)

// Streamer slices PCM into frames and writes them while the connection stays
// open.
type Streamer struct {
	log        *slog.Logger
	frameSize  int
	frameDelay time.Duration
	frames     metric.Int64Counter
	bytes      metric.Int64Counter
}

func NewStreamer(log *slog.Logger) *Streamer {
	s := &Streamer{
		log:        log.With(slog.String("component", "streamer")),
		frameSize:  FrameSize,
		frameDelay: FrameDelay,
	}
	meter := otel.Meter("github.com/loqalabs/followalong/transport")
	var err error
	if s.frames, err = meter.Int64Counter("followalong.transport.frames_sent",
		metric.WithDescription("PCM frames written to the recognition backend")); err != nil {
		s.log.Warn("failed to create frame counter", slog.String("error", err.Error()))
	}
	if s.bytes, err = meter.Int64Counter("followalong.transport.bytes_sent",
		metric.WithDescription("PCM bytes written to the recognition backend"),
		metric.WithUnit("By")); err != nil {
		s.log.Warn("failed to create byte counter", slog.String("error", err.Error()))
	}
	return s
}

// Stream writes pcm to conn and returns the number of bytes sent. It stops
// silently when the connection is missing or leaves the open state, when a
// write fails, or when ctx ends. Remaining frames are dropped.
func (s *Streamer) Stream(ctx context.Context, pcm []byte, conn Connection) int {
	if conn == nil || len(pcm) == 0 {
		return 0
	}
	sent := 0
	for offset := 0; offset < len(pcm); offset += s.frameSize {
		if conn.State() != StateOpen {
			s.log.Debug("connection not open, streaming stopped",
				slog.Int("sent", sent), slog.Int("total", len(pcm)))
			return sent
		}
		end := offset + s.frameSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteFrame(pcm[offset:end]); err != nil {
			s.log.Warn("frame send failed, dropping remaining audio",
				slog.String("error", err.Error()),
				slog.Int("sent", sent), slog.Int("dropped", len(pcm)-offset))
			return sent
		}
		sent += end - offset
		s.record(ctx, end-offset)

		if end < len(pcm) && s.frameDelay > 0 {
			timer := time.NewTimer(s.frameDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return sent
			case <-timer.C:
			}
		}
	}
	return sent
}

func (s *Streamer) record(ctx context.Context, n int) {
	if s.frames != nil {
		s.frames.Add(ctx, 1)
	}
	if s.bytes != nil {
		s.bytes.Add(ctx, int64(n))
	}
}
