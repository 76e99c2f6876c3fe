package audio

import (
	"errors"
	"fmt"
	"time"
)

// Canonical PCM parameters accepted by the recognition backend.
const (
	SampleRate     = 16000
	Channels       = 1
	BitDepth       = 16
	BytesPerSample = BitDepth / 8
	// BytesPerSecond is the byte rate of canonical PCM.
	BytesPerSecond = SampleRate * Channels * BytesPerSample
	// WAVHeaderSize is the size of the standard minimal RIFF/WAVE header.
	WAVHeaderSize = 44
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrDecodeFailure     = errors.New("audio decode failure")
)

// Kind tags the container type of captured audio.
type Kind int

const (
	KindUnknown Kind = iota
	// KindWAV is linear PCM preceded by a fixed-size header, as produced by
	// native capture.
	KindWAV
	// KindCompressed is an MP3 container, as produced by browser-style capture.
	KindCompressed
	// KindRaw is headerless interleaved 16-bit little-endian PCM with the
	// declared sample rate and channel count.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindWAV:
		return "wav"
	case KindCompressed:
		return "compressed"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Container is captured audio plus its declared format. Zero values for
// SampleRate, Channels and BitDepth mean "not declared".
type Container struct {
	Kind       Kind
	Data       []byte
	SampleRate int
	Channels   int
	BitDepth   int
}

// PCM is canonical mono 16-bit signed little-endian audio at 16 kHz.
type PCM []byte

// Duration reports the playback length of p.
func (p PCM) Duration() time.Duration {
	return time.Duration(len(p)) * time.Second / BytesPerSecond
}

// Samples returns the number of samples in p.
func (p PCM) Samples() int { return len(p) / BytesPerSample }

func (c Container) declaresCanonical() bool {
	return (c.SampleRate == 0 || c.SampleRate == SampleRate) &&
		(c.Channels == 0 || c.Channels == Channels) &&
		(c.BitDepth == 0 || c.BitDepth == BitDepth)
}
