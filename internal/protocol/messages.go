package protocol

import "time"

// BackendMessage is the JSON text message the recognition backend sends to
// clients. Exactly one of Partial, Final or Error is expected to be set.
type BackendMessage struct {
	Partial *string `json:"partial,omitempty"`
	Final   *string `json:"final,omitempty"`
	Error   *string `json:"error,omitempty"`
	Details string  `json:"details,omitempty"`
}

func PartialMessage(text string) BackendMessage { return BackendMessage{Partial: &text} }

func FinalMessage(text string) BackendMessage { return BackendMessage{Final: &text} }

func ErrorMessage(msg, details string) BackendMessage {
	return BackendMessage{Error: &msg, Details: details}
}

// Transcript represents a display update broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Display   string    `json:"display"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent represents a capture session lifecycle change broadcast on the bus.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	PCMBytes  int       `json:"pcm_bytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "transcript.partial"
	SubjectTranscriptFinal   = "transcript.final"
	SubjectSession           = "session"
)

const (
	EventSessionStarted           = "session.started"
	EventSessionStopped           = "session.stopped"
	EventTranscriptFinal          = "transcript.final"
	EventTranscriptionUnavailable = "session.transcription_unavailable"
	EventBackendError             = "session.backend_error"
)
