package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/followalong/internal/config"
	"github.com/loqalabs/followalong/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection and JetStream context and publishes
// FollowAlong events under a subject prefix.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, name string, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:   conn,
		js:     js,
		prefix: cfg.SubjectPrefix,
		log:    log.With(slog.String("component", "bus")),
	}, nil
}

// Subject qualifies name with the configured prefix.
func (c *Client) Subject(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "." + name
}

// StreamName is the JetStream stream holding session lifecycle events.
func (c *Client) StreamName() string {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(c.prefix))
	if name == "" {
		name = "FOLLOWALONG"
	}
	return name + "_SESSIONS"
}

// EnsureSessionStream creates the stream that persists session events.
func (c *Client) EnsureSessionStream(maxAge time.Duration) error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     c.StreamName(),
		Subjects: []string{c.Subject(protocol.SubjectSession)},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create session stream: %w", err)
	}
	return nil
}

// PublishTranscript broadcasts a display update on transcript.partial or
// transcript.final.
func (c *Client) PublishTranscript(t protocol.Transcript) error {
	subject := protocol.SubjectTranscriptPartial
	if !t.Partial {
		subject = protocol.SubjectTranscriptFinal
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := c.conn.Publish(c.Subject(subject), data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

// PublishSession records a session lifecycle event in JetStream.
func (c *Client) PublishSession(ctx context.Context, evt protocol.SessionEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	if _, err := c.js.Publish(c.Subject(protocol.SubjectSession), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
