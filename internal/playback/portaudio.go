//go:build portaudio

package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/followalong/internal/audio"
)

const framesPerBuffer = 1024

// PortAudioSink plays recordings on the default output device.
type PortAudioSink struct{}

func NewPortAudioSink() (Sink, error) { return PortAudioSink{}, nil }

type portAudioSound struct {
	samples []int16
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped sync.Once
}

func (PortAudioSink) Load(_ context.Context, pcm audio.PCM) (Sound, error) {
	samples := make([]int16, pcm.Samples())
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return &portAudioSound{samples: samples, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// Play blocks until the recording has been written to the device or the
// sound is unloaded.
func (s *portAudioSound) Play(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	out := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, audio.Channels, float64(audio.SampleRate), len(out), out)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()

	for offset := 0; offset < len(s.samples); offset += len(out) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		default:
		}
		n := copy(out, s.samples[offset:])
		clear(out[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

func (s *portAudioSound) Unload() error {
	s.stopped.Do(func() { close(s.stop) })
	return nil
}

func (s *portAudioSound) Finished() <-chan struct{} { return s.done }
