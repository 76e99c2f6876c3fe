package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external command on buffered audio. The command
// receives --audio <wav> (plus --model, --language and --partial as
// configured) and prints {"text": "...", "confidence": 0.9} on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.RecognizerConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExec(cfg config.RecognizerConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) NewStream(sampleRate int) (Stream, error) {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	return &execStream{rec: r, sampleRate: sampleRate}, nil
}

// execStream buffers the current utterance. Every PartialEveryChunks chunks
// it asks the command for an interim hypothesis; every FinalEveryChunks
// chunks it confirms the utterance and starts a new one.
type execStream struct {
	rec        *execRecognizer
	sampleRate int
	buf        []byte
	chunks     int
}

func (s *execStream) Accept(ctx context.Context, pcm []byte) ([]Result, error) {
	if err := validatePCM(pcm); err != nil {
		return nil, err
	}
	s.buf = append(s.buf, pcm...)
	s.chunks++

	final := s.chunks%s.rec.cfg.FinalEveryChunks == 0
	if !final && s.chunks%s.rec.cfg.PartialEveryChunks != 0 {
		return nil, nil
	}
	res, err := s.rec.transcribe(ctx, s.buf, s.sampleRate, final)
	if err != nil {
		return nil, err
	}
	if final {
		s.buf = s.buf[:0]
	}
	return []Result{res}, nil
}

func (s *execStream) Close() error {
	s.buf = nil
	return nil
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []byte, sampleRate int, final bool) (Result, error) {
	if r.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	file, err := os.CreateTemp("", "followalong_rec_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, sampleRate, audio.Channels); err != nil {
		return Result{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return Result{Text: resp.Text, Final: final, Confidence: resp.Confidence}, nil
}
