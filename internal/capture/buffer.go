// Package capture provides session.Device implementations.
package capture

import (
	"sync"

	"github.com/loqalabs/followalong/internal/audio"
)

// buffer accumulates captured PCM and remembers how much has been drained.
type buffer struct {
	mu         sync.Mutex
	data       []byte
	drained    int
	sampleRate int
	channels   int
}

func newBuffer(sampleRate, channels int) *buffer {
	return &buffer{sampleRate: sampleRate, channels: channels}
}

func (b *buffer) write(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// drain returns the audio captured since the previous drain.
func (b *buffer) drain() audio.Container {
	b.mu.Lock()
	defer b.mu.Unlock()
	slice := append([]byte(nil), b.data[b.drained:]...)
	b.drained = len(b.data)
	return b.container(slice)
}

func (b *buffer) all() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func (b *buffer) container(data []byte) audio.Container {
	return audio.Container{
		Kind:       audio.KindRaw,
		Data:       data,
		SampleRate: b.sampleRate,
		Channels:   b.channels,
		BitDepth:   audio.BitDepth,
	}
}

// finalize wraps everything captured in a WAV container, as native capture
// hands over its recording.
func (b *buffer) finalize() (audio.Container, error) {
	return audio.EncodeWAV(b.all(), b.sampleRate, b.channels)
}
