// Package playback plays back the last recording.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/followalong/internal/audio"
)

var ErrNothingLoaded = errors.New("no recording loaded")

// Sound is one loaded instance of a recording.
type Sound interface {
	Play(ctx context.Context) error
	Unload() error
	// Finished is closed when playback completes or the sound is unloaded.
	Finished() <-chan struct{}
}

// Sink creates sounds from canonical PCM.
type Sink interface {
	Load(ctx context.Context, pcm audio.PCM) (Sound, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, c audio.Container) (audio.PCM, error)
}

// Player holds at most one loaded sound. Loading again swaps in the new
// instance and unloads the one it replaced.
type Player struct {
	sink       Sink
	normalizer Normalizer
	log        *slog.Logger

	mu      sync.Mutex
	sound   Sound
	playing bool
}

func NewPlayer(sink Sink, normalizer Normalizer, log *slog.Logger) *Player {
	return &Player{sink: sink, normalizer: normalizer, log: log.With(slog.String("component", "playback"))}
}

func (p *Player) Load(ctx context.Context, c audio.Container) error {
	pcm, err := p.normalizer.Normalize(ctx, c)
	if err != nil {
		return fmt.Errorf("prepare recording: %w", err)
	}
	sound, err := p.sink.Load(ctx, pcm)
	if err != nil {
		return fmt.Errorf("load recording: %w", err)
	}
	p.mu.Lock()
	prev := p.sound
	p.sound = sound
	p.playing = false
	p.mu.Unlock()
	if prev != nil {
		if err := prev.Unload(); err != nil {
			p.log.Warn("unload previous recording failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Play starts the loaded sound. It is a no-op while already playing.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	sound := p.sound
	if sound == nil {
		p.mu.Unlock()
		return ErrNothingLoaded
	}
	if p.playing {
		p.mu.Unlock()
		return nil
	}
	p.playing = true
	p.mu.Unlock()

	go p.watch(sound)
	if err := sound.Play(ctx); err != nil {
		p.mu.Lock()
		if p.sound == sound {
			p.playing = false
		}
		p.mu.Unlock()
		return fmt.Errorf("play recording: %w", err)
	}
	return nil
}

func (p *Player) watch(sound Sound) {
	<-sound.Finished()
	p.mu.Lock()
	if p.sound == sound {
		p.playing = false
	}
	p.mu.Unlock()
}

// Wait blocks until the loaded sound finishes or ctx is done.
func (p *Player) Wait(ctx context.Context) error {
	p.mu.Lock()
	sound := p.sound
	p.mu.Unlock()
	if sound == nil {
		return ErrNothingLoaded
	}
	select {
	case <-sound.Finished():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) Unload() error {
	p.mu.Lock()
	sound := p.sound
	p.sound = nil
	p.playing = false
	p.mu.Unlock()
	if sound == nil {
		return nil
	}
	return sound.Unload()
}
