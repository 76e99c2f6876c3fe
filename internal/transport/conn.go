package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectFailure = errors.New("connect to recognition backend failed")
	ErrSendFailure    = errors.New("send audio frame failed")
	ErrNotOpen        = errors.New("connection not open")
)

// State is the observable state of a duplex connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is the duplex channel shared by the streaming transport, the
// transcript handler and the lifecycle controller. Readers treat a nil or
// non-open connection as "transcription unavailable".
type Connection interface {
	State() State
	WriteFrame(frame []byte) error
	Close() error
	Done() <-chan struct{}
	Err() error
}

type DialOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           *slog.Logger
}

// Conn is a Connection over a WebSocket. Binary frames carry PCM to the
// backend; text frames carry JSON results back.
type Conn struct {
	ws    *websocket.Conn
	log   *slog.Logger
	state atomic.Int32

	writeMu    sync.Mutex
	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial opens a connection to url. Errors wrap ErrConnectFailure.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: status %d: %v", ErrConnectFailure, url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailure, url, err)
	}
	c := NewConn(ws, log)
	log.Info("connected to recognition backend", slog.String("url", url))
	return c, nil
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	c := &Conn{
		ws:   ws,
		log:  log.With(slog.String("component", "connection")),
		done: make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	return c
}

func (c *Conn) State() State {
	if c == nil {
		return StateClosed
	}
	return State(c.state.Load())
}

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports the error that terminated the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// WriteFrame sends one binary frame.
func (c *Conn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	return nil
}

// Listen starts the read loop. Text messages are passed to handler in
// arrival order on a single goroutine. Only the first call has an effect.
func (c *Conn) Listen(handler func([]byte)) {
	c.listenOnce.Do(func() {
		go c.readLoop(handler)
	})
}

func (c *Conn) readLoop(handler func([]byte)) {
	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() == StateOpen {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Info("backend closed connection")
				} else {
					c.log.Warn("connection read failed", slog.String("error", err.Error()))
					c.setErr(err)
				}
			}
			c.finish()
			return
		}
		if msgType != websocket.TextMessage || handler == nil {
			continue
		}
		handler(msg)
	}
}

// Close sends a normal closure and releases the socket. Closing an already
// closing or closed connection is a no-op.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	werr := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing connection"), deadline)
	c.writeMu.Unlock()
	c.finish()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return fmt.Errorf("send close frame: %w", werr)
	}
	return nil
}

func (c *Conn) finish() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		_ = c.ws.Close()
		close(c.done)
	})
}
