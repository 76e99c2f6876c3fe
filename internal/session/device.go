package session

import (
	"context"
	"errors"

	"github.com/loqalabs/followalong/internal/audio"
)

var ErrPermissionDenied = errors.New("microphone permission denied")

// CaptureConfig is the format requested from the capture device.
type CaptureConfig struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// CanonicalCapture requests the format the backend accepts.
var CanonicalCapture = CaptureConfig{
	SampleRate: audio.SampleRate,
	Channels:   audio.Channels,
	BitDepth:   audio.BitDepth,
}

// Handle identifies an in-progress capture on a Device.
type Handle any

// Device is the capture collaborator.
type Device interface {
	RequestPermission(ctx context.Context) (bool, error)
	Start(ctx context.Context, cfg CaptureConfig) (Handle, error)
	// Stop finalizes capture and returns the complete recording.
	Stop(ctx context.Context, h Handle) (audio.Container, error)
}

// Drainer is implemented by devices that can hand over audio captured since
// the previous drain while capture continues.
type Drainer interface {
	Drain(ctx context.Context, h Handle) (audio.Container, error)
}
