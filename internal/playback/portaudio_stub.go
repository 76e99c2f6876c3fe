//go:build !portaudio

package playback

import "errors"

var ErrPortAudioUnavailable = errors.New("portaudio support not compiled in (build with -tags portaudio)")

func NewPortAudioSink() (Sink, error) { return nil, ErrPortAudioUnavailable }
