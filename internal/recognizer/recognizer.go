// Package recognizer implements the speech-recognition backend that capture
// clients stream PCM to.
package recognizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/followalong/internal/config"
)

var ErrInvalidAudio = errors.New("invalid audio data")

// Result is one recognizer hypothesis.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Stream recognizes one connection's audio. Accept may return no results,
// a partial, a final, or both.
type Stream interface {
	Accept(ctx context.Context, pcm []byte) ([]Result, error)
	Close() error
}

// Recognizer creates per-connection streams.
type Recognizer interface {
	NewStream(sampleRate int) (Stream, error)
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.RecognizerConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMock(cfg.PartialEveryChunks, cfg.FinalEveryChunks), nil
	case "exec":
		return NewExec(cfg)
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}

func validatePCM(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("%w: %d byte frame is not sample aligned", ErrInvalidAudio, len(pcm))
	}
	return nil
}
