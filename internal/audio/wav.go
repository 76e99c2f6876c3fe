package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// WriteWAV encodes 16-bit little-endian PCM as a WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples
	buffer.SourceBitDepth = BitDepth

	enc := wav.NewEncoder(w, sampleRate, BitDepth, channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV wraps PCM in a WAV container held in memory. The encoder needs a
// seekable sink, so the bytes are staged through a temporary file.
func EncodeWAV(pcm []byte, sampleRate int, channels int) (Container, error) {
	file, err := os.CreateTemp("", "followalong_*.wav")
	if err != nil {
		return Container{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := WriteWAV(file, pcm, sampleRate, channels); err != nil {
		return Container{}, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Container{}, fmt.Errorf("rewind wav: %w", err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return Container{}, fmt.Errorf("read wav: %w", err)
	}
	return Container{
		Kind:       KindWAV,
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   BitDepth,
	}, nil
}

// DecodeWAV reads a WAV stream into headerless PCM with its declared format.
func DecodeWAV(r io.ReadSeeker) (Container, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Container{}, fmt.Errorf("invalid wav stream: %w", ErrDecodeFailure)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Container{}, fmt.Errorf("read wav samples: %w: %v", ErrDecodeFailure, err)
	}
	if dec.BitDepth != BitDepth {
		return Container{}, fmt.Errorf("wav bit depth %d: %w", dec.BitDepth, ErrUnsupportedFormat)
	}
	data := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(s)))
	}
	return Container{
		Kind:       KindRaw,
		Data:       data,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}, nil
}
