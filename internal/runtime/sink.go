package runtime

import (
	"context"
	"log/slog"

	"github.com/loqalabs/followalong/internal/bus"
	"github.com/loqalabs/followalong/internal/eventstore"
	"github.com/loqalabs/followalong/internal/protocol"
)

// fanout forwards session events and transcript updates to the journal and
// the bus. Failures are logged and never reach the capture path.
type fanout struct {
	store *eventstore.Store
	bus   *bus.Client
	log   *slog.Logger
}

func (f *fanout) SessionEvent(ctx context.Context, evt protocol.SessionEvent) {
	if f.store != nil {
		if err := f.store.RecordSession(ctx, evt); err != nil {
			f.log.Warn("journal session event failed",
				slog.String("type", evt.Type), slog.String("error", err.Error()))
		}
	}
	if f.bus != nil {
		if err := f.bus.PublishSession(ctx, evt); err != nil {
			f.log.Warn("publish session event failed",
				slog.String("type", evt.Type), slog.String("error", err.Error()))
		}
	}
}

func (f *fanout) Transcript(ctx context.Context, t protocol.Transcript) {
	if f.store != nil {
		if err := f.store.RecordTranscript(ctx, t); err != nil {
			f.log.Warn("journal transcript failed", slog.String("error", err.Error()))
		}
	}
	if f.bus != nil {
		if err := f.bus.PublishTranscript(t); err != nil {
			f.log.Warn("publish transcript failed", slog.String("error", err.Error()))
		}
	}
}
