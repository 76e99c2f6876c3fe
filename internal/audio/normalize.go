package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/hajimehoshi/go-mp3"
	resampling "github.com/tphakala/go-audio-resampling"
	"golang.org/x/sync/semaphore"
)

// Normalizer converts captured containers into canonical PCM. Decoding and
// resampling draw from a bounded pool of decode slots so repeated start/stop
// cycles cannot pile up decoder state.
type Normalizer struct {
	slots *semaphore.Weighted
	log   *slog.Logger
}

func NewNormalizer(maxDecoders int, log *slog.Logger) *Normalizer {
	if maxDecoders <= 0 {
		maxDecoders = 1
	}
	return &Normalizer{
		slots: semaphore.NewWeighted(int64(maxDecoders)),
		log:   log.With(slog.String("component", "normalizer")),
	}
}

// Normalize returns c as canonical PCM. It fails with ErrUnsupportedFormat
// for unrecognized containers and ErrDecodeFailure when the codec rejects
// the payload.
func (n *Normalizer) Normalize(ctx context.Context, c Container) (PCM, error) {
	switch c.Kind {
	case KindWAV:
		body := stripHeader(c.Data)
		if c.declaresCanonical() {
			return alignSamples(append([]byte(nil), body...)), nil
		}
		return n.normalizeRaw(ctx, Container{
			Kind:       KindRaw,
			Data:       body,
			SampleRate: c.SampleRate,
			Channels:   c.Channels,
			BitDepth:   c.BitDepth,
		})
	case KindRaw:
		return n.normalizeRaw(ctx, c)
	case KindCompressed:
		return n.normalizeCompressed(ctx, c)
	default:
		return nil, fmt.Errorf("normalize %s container: %w", c.Kind, ErrUnsupportedFormat)
	}
}

// stripHeader drops the fixed-size WAV header. Bodies that are not longer
// than the header are treated entirely as payload. Callers align the result
// to whole samples, so an odd trailing byte is dropped.
func stripHeader(data []byte) []byte {
	if len(data) > WAVHeaderSize {
		return data[WAVHeaderSize:]
	}
	return data
}

func (n *Normalizer) normalizeRaw(ctx context.Context, c Container) (PCM, error) {
	rate, channels, depth := c.SampleRate, c.Channels, c.BitDepth
	if rate == 0 {
		rate = SampleRate
	}
	if channels == 0 {
		channels = Channels
	}
	if depth == 0 {
		depth = BitDepth
	}
	if depth != BitDepth || rate < 0 || channels < 0 {
		return nil, fmt.Errorf("raw pcm rate=%d channels=%d depth=%d: %w", rate, channels, depth, ErrUnsupportedFormat)
	}
	if rate == SampleRate && channels == Channels {
		return alignSamples(append([]byte(nil), c.Data...)), nil
	}

	release, err := n.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return convert(int16ToFloat(c.Data), rate, channels)
}

func (n *Normalizer) normalizeCompressed(ctx context.Context, c Container) (PCM, error) {
	release, err := n.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	dec, err := mp3.NewDecoder(bytes.NewReader(c.Data))
	if err != nil {
		return nil, fmt.Errorf("open mp3 stream: %w: %v", ErrDecodeFailure, err)
	}
	decoded, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decode mp3 stream: %w: %v", ErrDecodeFailure, err)
	}
	// go-mp3 always yields interleaved 16-bit stereo.
	const decodedChannels = 2
	n.log.Debug("decoded compressed container",
		slog.Int("bytes", len(decoded)),
		slog.Int("sample_rate", dec.SampleRate()))
	return convert(int16ToFloat(decoded), dec.SampleRate(), decodedChannels)
}

func (n *Normalizer) acquire(ctx context.Context) (func(), error) {
	if err := n.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire decode slot: %w", err)
	}
	return func() { n.slots.Release(1) }, nil
}

// convert downmixes interleaved float samples to mono, resamples them to the
// canonical rate and quantizes the result.
func convert(interleaved []float64, rate, channels int) (PCM, error) {
	if rate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("rate=%d channels=%d: %w", rate, channels, ErrUnsupportedFormat)
	}
	mono := Downmix(interleaved, channels)
	resampled, err := Resample(mono, rate, SampleRate)
	if err != nil {
		return nil, err
	}
	return Quantize(resampled), nil
}

// Downmix averages interleaved frames into a single channel. A trailing
// partial frame is dropped.
func Downmix(interleaved []float64, channels int) []float64 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate. The output has
// exactly round(len(samples)*dstRate/srcRate) samples.
func Resample(samples []float64, srcRate, dstRate int) ([]float64, error) {
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	want := int((int64(len(samples))*int64(dstRate) + int64(srcRate)/2) / int64(srcRate))
	// Trailing silence pushes the filter tail out of the resampler.
	padded := make([]float64, len(samples)+srcRate/10)
	copy(padded, samples)
	out, err := r.Process(padded)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", srcRate, dstRate, err)
	}
	if len(out) > want {
		out = out[:want]
	}
	return out, nil
}

// Quantize clamps samples to [-1, 1] and scales them to signed 16-bit
// little-endian PCM. Negative values scale by 32768, the rest by 32767.
func Quantize(samples []float64) PCM {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantizeSample(s)))
	}
	return out
}

func quantizeSample(s float64) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

func int16ToFloat(data []byte) []float64 {
	out := make([]float64, len(data)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return out
}

func alignSamples(b []byte) PCM {
	return PCM(b[:len(b)&^1])
}
