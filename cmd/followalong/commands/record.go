package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/followalong/internal/playback"
	"github.com/loqalabs/followalong/internal/runtime"
	"github.com/loqalabs/followalong/internal/session"
	"github.com/loqalabs/followalong/internal/transcript"
)

var (
	recordDuration time.Duration
	recordFile     string
	recordPlay     bool
	recordOut      string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture a session and follow the live transcript",
	Long: `Capture audio until the duration elapses or the process is interrupted,
streaming it to the recognition backend. The transcript is printed to stdout
as it is reconciled.

Examples:
  followalong record --file speech.wav --backend ws://localhost:2700
  followalong record -c followalong.yaml --duration 30s --play`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "Stop after this long (0 waits for interrupt)")
	recordCmd.Flags().StringVarP(&recordFile, "file", "f", "", "Replay this WAV file as the capture device")
	recordCmd.Flags().BoolVar(&recordPlay, "play", false, "Play the recording back on the default output device")
	recordCmd.Flags().StringVarP(&recordOut, "out", "o", "", "Write the normalized recording to this WAV file")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if recordFile != "" {
		cfg.Capture.Device = "file"
		cfg.Capture.File = recordFile
	}
	out := cmd.OutOrStdout()

	rt := runtime.New(cfg, logger)
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Error("runtime close failed", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Open(ctx); err != nil {
		return err
	}
	rt.Transcript().Subscribe(func(u transcript.Update) {
		fmt.Fprintf(out, "[%s] %s\n", u.Kind, u.State.Display)
	})

	started, err := rt.Manager().Start(ctx)
	if session.IsPermissionDenied(err) {
		return errors.New("microphone permission is required to record")
	}
	if err != nil {
		return err
	}
	if !started.Transcribing {
		fmt.Fprintf(cmd.ErrOrStderr(), "transcription unavailable: %v\n", started.TranscriptionErr)
	}

	if recordDuration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(recordDuration):
		}
	} else {
		<-ctx.Done()
	}
	stop()

	stopped, err := rt.Manager().Stop(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session %s: %s captured, %d bytes streamed\n",
		stopped.SessionID, stopped.Duration.Round(time.Millisecond), stopped.StreamedBytes)

	// Trailing results arrive while the connection lingers.
	waitCtx, cancelWait := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelWait()
	select {
	case <-waitCtx.Done():
	case <-time.After(stopped.CloseDelay):
	}

	if final := rt.Transcript().Snapshot().Confirmed; final != "" {
		fmt.Fprintln(out, final)
	}
	return playRecording(waitCtx, rt)
}

func playRecording(ctx context.Context, rt *runtime.Runtime) error {
	var sinks []playback.Sink
	if recordOut != "" {
		sinks = append(sinks, playback.FileSink{Path: recordOut})
	}
	if recordPlay {
		sink, err := playback.NewPortAudioSink()
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil
	}
	recording, ok := rt.Manager().LastRecording()
	if !ok {
		return errors.New("no recording to play back")
	}
	for _, sink := range sinks {
		player := rt.Player(sink)
		if err := player.Load(ctx, recording); err != nil {
			return err
		}
		if err := player.Play(ctx); err != nil {
			return err
		}
		if err := player.Wait(ctx); err != nil {
			return err
		}
		if err := player.Unload(); err != nil {
			return err
		}
	}
	return nil
}
