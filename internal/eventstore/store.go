package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/followalong/internal/config"
	"github.com/loqalabs/followalong/internal/protocol"
	_ "modernc.org/sqlite"
)

var ErrSessionNotFound = errors.New("session not found")

// Event is one journal entry for a capture session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session summarizes a recorded capture session.
type Session struct {
	ID         string
	ClientName string
	StartedAt  time.Time
	StoppedAt  time.Time
	PCMBytes   int
	Transcript string
}

// Store is the SQLite-backed session journal. In ephemeral mode every write
// is dropped.
type Store struct {
	db     *sql.DB
	cfg    config.EventStoreConfig
	client string
	log    *slog.Logger
	clock  func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, clientName string, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, client: clientName, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, client: clientName, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    client_name TEXT,
    started_at TIMESTAMP NOT NULL,
    stopped_at TIMESTAMP,
    pcm_bytes INTEGER NOT NULL DEFAULT 0,
    transcript TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordSession journals a lifecycle event and keeps the session summary row
// current.
func (s *Store) RecordSession(ctx context.Context, evt protocol.SessionEvent) error {
	if s.disabled() {
		return nil
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, client_name, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		evt.SessionID, s.client, at); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if evt.Type == protocol.EventSessionStopped {
		if _, err = tx.ExecContext(ctx,
			`UPDATE sessions SET stopped_at = ?, pcm_bytes = ? WHERE session_id = ?`,
			at, evt.PCMBytes, evt.SessionID); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err = s.insertEvent(ctx, tx, Event{SessionID: evt.SessionID, Type: evt.Type, Payload: payload, CreatedAt: at}); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// RecordTranscript journals confirmed transcript text. Partials are not
// persisted.
func (s *Store) RecordTranscript(ctx context.Context, t protocol.Transcript) error {
	if s.disabled() || t.Partial || t.SessionID == "" {
		return nil
	}
	at := t.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, client_name, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		t.SessionID, s.client, at); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET transcript = CASE WHEN transcript = '' THEN ? ELSE transcript || ' ' || ? END
		 WHERE session_id = ?`,
		t.Text, t.Text, t.SessionID); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	if err = s.insertEvent(ctx, tx, Event{SessionID: t.SessionID, Type: protocol.EventTranscriptFinal, Payload: []byte(t.Text), CreatedAt: at}); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, evt Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetSession returns the summary row for sessionID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, ErrSessionNotFound
	}
	var (
		sess    Session
		stopped sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, client_name, started_at, stopped_at, pcm_bytes, transcript
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &sess.ClientName, &sess.StartedAt, &stopped, &sess.PCMBytes, &sess.Transcript)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if stopped.Valid {
		sess.StoppedAt = stopped.Time
	}
	return sess, nil
}

// ListSessions returns up to limit sessions, most recently started first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, client_name, started_at, stopped_at, pcm_bytes, transcript
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess    Session
			stopped sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.ClientName, &sess.StartedAt, &stopped, &sess.PCMBytes, &sess.Transcript); err != nil {
			return nil, err
		}
		if stopped.Valid {
			sess.StoppedAt = stopped.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
