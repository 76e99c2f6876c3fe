//go:build !portaudio

package capture

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/followalong/internal/session"
)

var ErrPortAudioUnavailable = errors.New("portaudio support not compiled in (build with -tags portaudio)")

// NewPortAudioDevice reports that microphone capture is unavailable in this
// build.
func NewPortAudioDevice(*slog.Logger) (session.Device, error) {
	return nil, ErrPortAudioUnavailable
}
