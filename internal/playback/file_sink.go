package playback

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/loqalabs/followalong/internal/audio"
)

// FileSink "plays" a recording by writing it to a WAV file.
type FileSink struct {
	Path string
}

type fileSound struct {
	path string
	pcm  audio.PCM
	done chan struct{}
	once sync.Once
}

func (s FileSink) Load(_ context.Context, pcm audio.PCM) (Sound, error) {
	return &fileSound{path: s.Path, pcm: pcm, done: make(chan struct{})}, nil
}

func (s *fileSound) Play(context.Context) error {
	defer s.finish()
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.path, err)
	}
	if err := audio.WriteWAV(f, s.pcm, audio.SampleRate, audio.Channels); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *fileSound) Unload() error {
	s.finish()
	return nil
}

func (s *fileSound) Finished() <-chan struct{} { return s.done }

func (s *fileSound) finish() { s.once.Do(func() { close(s.done) }) }
