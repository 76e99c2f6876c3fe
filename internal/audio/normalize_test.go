package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func sampleAt(p PCM, i int) int16 {
	return int16(binary.LittleEndian.Uint16(p[i*2:]))
}

func TestNormalizeWAVShortBodyKeepsHeader(t *testing.T) {
	n := NewNormalizer(1, newLogger())
	for _, size := range []int{0, 10, WAVHeaderSize} {
		data := bytes.Repeat([]byte{0x11}, size)
		out, err := n.Normalize(context.Background(), Container{Kind: KindWAV, Data: data})
		if err != nil {
			t.Fatalf("size %d: unexpected error: %v", size, err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("size %d: expected buffer returned unmodified, got %d bytes", size, len(out))
		}
	}
}

func TestNormalizeWAVStripsHeader(t *testing.T) {
	n := NewNormalizer(1, newLogger())
	header := bytes.Repeat([]byte{0xff}, WAVHeaderSize)
	body := pcmOf(1, -2, 3, -4, 5)
	data := append(append([]byte(nil), header...), body...)

	out, err := n.Normalize(context.Background(), Container{Kind: KindWAV, Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("expected last %d bytes, got %v", len(body), out)
	}
	data[WAVHeaderSize] = 0x7f
	if out[0] == 0x7f {
		t.Fatal("expected normalized buffer not to alias the container")
	}
}

func TestNormalizeWAVDropsOddTrailingByte(t *testing.T) {
	n := NewNormalizer(1, newLogger())
	data := append(bytes.Repeat([]byte{0}, WAVHeaderSize), 1, 2, 3)
	out, err := n.Normalize(context.Background(), Container{Kind: KindWAV, Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected sample-aligned output, got %d bytes", len(out))
	}
}

func TestNormalizeEncodedWAVRoundTrip(t *testing.T) {
	pcm := pcmOf(0, 100, -100, 32767, -32768, 42)
	container, err := EncodeWAV(pcm, SampleRate, Channels)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if len(container.Data) != WAVHeaderSize+len(pcm) {
		t.Fatalf("expected %d byte container, got %d", WAVHeaderSize+len(pcm), len(container.Data))
	}
	out, err := NewNormalizer(1, newLogger()).Normalize(context.Background(), container)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !bytes.Equal(out, pcm) {
		t.Fatalf("expected original pcm back, got %v", out)
	}
}

func TestDecodeWAV(t *testing.T) {
	pcm := pcmOf(10, 20, 30, 40)
	container, err := EncodeWAV(pcm, 8000, 2)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	raw, err := DecodeWAV(bytes.NewReader(container.Data))
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if raw.Kind != KindRaw || raw.SampleRate != 8000 || raw.Channels != 2 {
		t.Fatalf("unexpected decoded format: %+v", raw)
	}
	if !bytes.Equal(raw.Data, pcm) {
		t.Fatalf("expected samples to survive, got %v", raw.Data)
	}
}

func TestNormalizeUnsupportedKind(t *testing.T) {
	n := NewNormalizer(1, newLogger())
	_, err := n.Normalize(context.Background(), Container{Kind: KindUnknown, Data: []byte{1, 2}})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	_, err = n.Normalize(context.Background(), Container{Kind: Kind(99)})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat for unknown tag, got %v", err)
	}
	_, err = n.Normalize(context.Background(), Container{Kind: KindRaw, Data: []byte{1, 2, 3}, BitDepth: 24})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat for 24-bit raw, got %v", err)
	}
}

func TestNormalizeCompressedDecodeFailureReleasesSlot(t *testing.T) {
	n := NewNormalizer(1, newLogger())
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := n.Normalize(ctx, Container{Kind: KindCompressed, Data: []byte("definitely not an mp3")})
		cancel()
		if !errors.Is(err, ErrDecodeFailure) {
			t.Fatalf("attempt %d: expected ErrDecodeFailure, got %v", i, err)
		}
	}
}

// tone.mp3 is 25 mono MPEG-1 Layer III frames at 48 kHz carrying a single
// 437.5 Hz spectral line. The decoded tone has an RMS of about 5790.
func TestNormalizeCompressedTone(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "tone.mp3"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	const duration = 25 * 1152 * time.Second / 48000

	n := NewNormalizer(1, newLogger())
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		out, err := n.Normalize(ctx, Container{Kind: KindCompressed, Data: data})
		cancel()
		if err != nil {
			t.Fatalf("attempt %d: normalize: %v", i, err)
		}
		want := int(duration * BytesPerSecond / time.Second)
		if len(out)%2 != 0 {
			t.Fatalf("attempt %d: expected even length, got %d", i, len(out))
		}
		if len(out) < want-BytesPerSample || len(out) > want+BytesPerSample {
			t.Fatalf("attempt %d: expected about %d bytes, got %d", i, want, len(out))
		}

		// Skip the decoder and resampler warm-up at both ends.
		var sum float64
		from, to := SampleRate/10, out.Samples()-SampleRate/10
		for j := from; j < to; j++ {
			s := float64(sampleAt(out, j))
			sum += s * s
		}
		rms := math.Sqrt(sum / float64(to-from))
		if rms < 4900 || rms > 6700 {
			t.Fatalf("attempt %d: expected tone rms near 5790, got %.0f", i, rms)
		}
	}
}

func TestNormalizeRawDownmixesStereo(t *testing.T) {
	n := NewNormalizer(1, newLogger())
	stereo := pcmOf(1000, 3000, -4000, -2000)
	out, err := n.Normalize(context.Background(), Container{Kind: KindRaw, Data: stereo, SampleRate: SampleRate, Channels: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Samples() != 2 {
		t.Fatalf("expected 2 mono samples, got %d", out.Samples())
	}
	if got := sampleAt(out, 0); got < 1998 || got > 2000 {
		t.Fatalf("expected ~2000, got %d", got)
	}
	if got := sampleAt(out, 1); got != -3000 {
		t.Fatalf("expected -3000, got %d", got)
	}
}

func TestNormalizeRawCanonicalPassThrough(t *testing.T) {
	n := NewNormalizer(1, newLogger())
	pcm := pcmOf(5, 6, 7)
	out, err := n.Normalize(context.Background(), Container{Kind: KindRaw, Data: pcm})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, pcm) {
		t.Fatalf("expected canonical raw pcm to pass through, got %v", out)
	}
}

func TestResampleLength(t *testing.T) {
	in := make([]float64, 4800)
	for i := range in {
		in[i] = 0.25
	}
	out, err := Resample(in, 48000, SampleRate)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if len(out) != 1600 {
		t.Fatalf("expected 1600 samples, got %d", len(out))
	}
}

func TestQuantizeAsymmetricScaling(t *testing.T) {
	cases := []struct {
		in   float64
		want int16
	}{
		{1.5, 32767},
		{1.0, 32767},
		{0.5, 16383},
		{0, 0},
		{-0.5, -16384},
		{-1.0, -32768},
		{-3, -32768},
	}
	for _, tc := range cases {
		out := Quantize([]float64{tc.in})
		if got := sampleAt(out, 0); got != tc.want {
			t.Fatalf("quantize(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDownmix(t *testing.T) {
	got := Downmix([]float64{0.2, 0.4, -1, 1, 0.5}, 2)
	if len(got) != 2 {
		t.Fatalf("expected partial frame dropped, got %v", got)
	}
	if got[0] < 0.29 || got[0] > 0.31 || got[1] != 0 {
		t.Fatalf("unexpected downmix %v", got)
	}
}

func TestPCMDuration(t *testing.T) {
	p := PCM(make([]byte, BytesPerSecond*3))
	if p.Duration() != 3*time.Second {
		t.Fatalf("expected 3s, got %v", p.Duration())
	}
}
