package recognizer

import (
	"context"
	"strings"
)

var mockWords = []string{
	"hello", "world", "this", "is", "a", "test", "of", "the", "real", "time",
	"transcription", "feature", "for", "the", "audio", "recording", "application",
}

type mockRecognizer struct {
	partialEvery int
	finalEvery   int
}

// NewMock returns a recognizer that ignores audio content. Every
// partialEvery chunks the partial grows by one scripted word; every
// finalEvery chunks the last three words are confirmed.
func NewMock(partialEvery, finalEvery int) Recognizer {
	if partialEvery <= 0 {
		partialEvery = 2
	}
	if finalEvery <= 0 {
		finalEvery = 5
	}
	return &mockRecognizer{partialEvery: partialEvery, finalEvery: finalEvery}
}

func (m *mockRecognizer) NewStream(int) (Stream, error) {
	return &mockStream{partialEvery: m.partialEvery, finalEvery: m.finalEvery}, nil
}

type mockStream struct {
	partialEvery int
	finalEvery   int
	chunks       int
	words        int
}

func (s *mockStream) Accept(_ context.Context, pcm []byte) ([]Result, error) {
	if err := validatePCM(pcm); err != nil {
		return nil, err
	}
	s.chunks++
	var out []Result
	if s.chunks%s.partialEvery == 0 && s.words < len(mockWords) {
		s.words++
		out = append(out, Result{Text: strings.Join(mockWords[:s.words], " ")})
	}
	if s.chunks%s.finalEvery == 0 && s.words > 0 {
		from := max(0, s.words-3)
		out = append(out, Result{Text: strings.Join(mockWords[from:s.words], " "), Final: true, Confidence: 1})
	}
	return out, nil
}

func (s *mockStream) Close() error { return nil }
