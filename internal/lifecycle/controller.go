package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/followalong/internal/audio"
	"github.com/loqalabs/followalong/internal/transport"
)

const (
	// MinLinger is the floor of the post-capture grace period.
	MinLinger = 2 * time.Second
	// GracePerSecond is added to the linger per second of audio sent.
	GracePerSecond = 100 * time.Millisecond
)

// DialFunc opens a connection whose text messages are passed to handler.
type DialFunc func(ctx context.Context, handler func([]byte)) (transport.Connection, error)

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Controller owns the backend connection. It is the only component that
// closes it.
type Controller struct {
	log       *slog.Logger
	dial      DialFunc
	afterFunc AfterFunc

	mu    sync.Mutex
	conn  transport.Connection
	timer Timer
}

type Option func(*Controller)

// WithAfterFunc replaces the timer used for scheduled closes.
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = fn }
}

func NewController(dial DialFunc, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		log:       log.With(slog.String("component", "lifecycle")),
		dial:      dial,
		afterFunc: stdAfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialWebSocket adapts transport.Dial into a DialFunc.
func DialWebSocket(url string, opts transport.DialOptions) DialFunc {
	return func(ctx context.Context, handler func([]byte)) (transport.Connection, error) {
		conn, err := transport.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		conn.Listen(handler)
		return conn, nil
	}
}

// LingerDelay is how long a connection stays open after n bytes of canonical
// PCM were sent, so trailing finals can arrive.
func LingerDelay(n int) time.Duration {
	d := time.Duration(n)*GracePerSecond/audio.BytesPerSecond + MinLinger
	return max(MinLinger, d)
}

// Open closes any connection left from a previous session, then dials a new
// one. On failure no connection is kept and the error wraps
// transport.ErrConnectFailure.
func (c *Controller) Open(ctx context.Context, handler func([]byte)) (transport.Connection, error) {
	c.CloseNow()

	conn, err := c.dial(ctx, handler)
	if err != nil {
		if !errors.Is(err, transport.ErrConnectFailure) {
			err = fmt.Errorf("%w: %v", transport.ErrConnectFailure, err)
		}
		c.log.Warn("recognition backend unavailable, continuing without transcription",
			slog.String("error", err.Error()))
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// Current returns the connection for the active or lingering session, or nil.
func (c *Controller) Current() transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// ScheduleClose arms the linger timer for the current connection and returns
// the delay. It replaces any timer already armed.
func (c *Controller) ScheduleClose(pcmBytes int) time.Duration {
	delay := LingerDelay(pcmBytes)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	if conn == nil {
		return delay
	}
	c.log.Debug("connection close scheduled",
		slog.Int("pcm_bytes", pcmBytes), slog.Duration("delay", delay))
	c.timer = c.afterFunc(delay, func() { c.release(conn) })
	return delay
}

// CloseNow closes the current connection immediately. It is a no-op when
// there is nothing open.
func (c *Controller) CloseNow() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.closeConn(conn)
}

func (c *Controller) release(conn transport.Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.timer = nil
	}
	c.mu.Unlock()
	c.closeConn(conn)
}

func (c *Controller) closeConn(conn transport.Connection) {
	if conn == nil {
		return
	}
	switch conn.State() {
	case transport.StateClosing, transport.StateClosed:
		return
	}
	if err := conn.Close(); err != nil {
		c.log.Warn("close connection failed", slog.String("error", err.Error()))
		return
	}
	c.log.Debug("connection closed")
}
