package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/followalong/internal/protocol"
)

// MaxDisplayWords caps the rolling display buffer.
const MaxDisplayWords = 50

// Generation identifies one capture session's slice of backend traffic.
type Generation uint64

type Kind int

const (
	KindPartial Kind = iota
	KindFinal
)

func (k Kind) String() string {
	if k == KindFinal {
		return "final"
	}
	return "partial"
}

// State is the reconciled transcript. Confirmed grows only from finals;
// Display is Confirmed plus the latest partial, capped to MaxDisplayWords.
type State struct {
	Confirmed string
	Display   string
}

type Update struct {
	Generation Generation
	Kind       Kind
	Text       string
	State      State
}

// BackendError is reported when the backend sends an error message.
type BackendError struct {
	Generation Generation
	Message    string
	Details    string
}

func (e *BackendError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("recognition backend error: %s", e.Message)
	}
	return fmt.Sprintf("recognition backend error: %s: %s", e.Message, e.Details)
}

type (
	Listener     func(Update)
	ErrorHandler func(*BackendError)
)

// Reconciler folds partial and final backend messages into a single display
// string. It never touches the connection that delivered them.
type Reconciler struct {
	log *slog.Logger

	mu        sync.Mutex
	gen       Generation
	confirmed string
	display   string
	listeners []Listener
	onError   ErrorHandler
}

func NewReconciler(log *slog.Logger) *Reconciler {
	return &Reconciler{log: log.With(slog.String("component", "transcript"))}
}

// Subscribe registers a listener for every state change. Listeners run on the
// goroutine that delivered the message.
func (r *Reconciler) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// OnBackendError sets the callback for backend error messages.
func (r *Reconciler) OnBackendError(h ErrorHandler) {
	r.mu.Lock()
	r.onError = h
	r.mu.Unlock()
}

// Reset clears the transcript and starts a new generation. Messages tagged
// with an older generation are dropped from then on.
func (r *Reconciler) Reset() Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.confirmed = ""
	r.display = ""
	return r.gen
}

func (r *Reconciler) Generation() Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{Confirmed: r.confirmed, Display: r.display}
}

// Handler binds Handle to gen, for use as a connection message handler.
func (r *Reconciler) Handler(gen Generation) func([]byte) {
	return func(raw []byte) { r.Handle(gen, raw) }
}

// Handle decodes one backend text message and applies it. Malformed or stale
// messages are discarded without a state change.
func (r *Reconciler) Handle(gen Generation, raw []byte) {
	var msg protocol.BackendMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Debug("discarding malformed backend message", slog.String("error", err.Error()))
		return
	}
	if current := r.Generation(); gen != current {
		r.log.Debug("discarding message from previous session",
			slog.Uint64("generation", uint64(gen)), slog.Uint64("current", uint64(current)))
		return
	}

	switch {
	case msg.Error != nil:
		r.reportError(gen, &BackendError{Generation: gen, Message: *msg.Error, Details: msg.Details})
	case msg.Partial != nil && msg.Final != nil:
		r.log.Debug("discarding message carrying both partial and final")
	case msg.Partial != nil:
		r.apply(gen, KindPartial, *msg.Partial)
	case msg.Final != nil:
		r.apply(gen, KindFinal, *msg.Final)
	}
}

// ApplyPartial replaces the pending partial with text.
func (r *Reconciler) ApplyPartial(text string) State {
	state, _ := r.apply(0, KindPartial, text)
	return state
}

// ApplyFinal appends text to the confirmed transcript. Whitespace-only text
// is ignored and reported as not applied.
func (r *Reconciler) ApplyFinal(text string) (State, bool) {
	return r.apply(0, KindFinal, text)
}

func (r *Reconciler) apply(gen Generation, kind Kind, text string) (State, bool) {
	r.mu.Lock()
	if gen != 0 && gen != r.gen {
		state := State{Confirmed: r.confirmed, Display: r.display}
		r.mu.Unlock()
		return state, false
	}
	switch kind {
	case KindFinal:
		if strings.TrimSpace(text) == "" {
			state := State{Confirmed: r.confirmed, Display: r.display}
			r.mu.Unlock()
			return state, false
		}
		r.confirmed = join(r.confirmed, text)
		r.display = LastWords(r.confirmed, MaxDisplayWords)
	default:
		r.display = LastWords(join(r.confirmed, text), MaxDisplayWords)
	}
	state := State{Confirmed: r.confirmed, Display: r.display}
	update := Update{Generation: r.gen, Kind: kind, Text: text, State: state}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l(update)
	}
	return state, true
}

func (r *Reconciler) reportError(gen Generation, err *BackendError) {
	r.log.Warn("recognition backend reported an error",
		slog.Uint64("generation", uint64(gen)),
		slog.String("error", err.Message),
		slog.String("details", err.Details))
	r.mu.Lock()
	h := r.onError
	r.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func join(confirmed, text string) string {
	switch {
	case confirmed == "":
		return text
	case text == "":
		return confirmed
	default:
		return confirmed + " " + text
	}
}

// LastWords keeps the last n whitespace-delimited words of text. Text with at
// most n words is returned unchanged.
func LastWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[len(words)-n:], " ")
}
