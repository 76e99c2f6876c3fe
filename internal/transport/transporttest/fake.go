// Package transporttest provides an in-memory transport.Connection.
package transporttest

import (
	"sync"

	"github.com/loqalabs/followalong/internal/transport"
)

// Conn records written frames and lets tests inject backend messages.
type Conn struct {
	mu      sync.Mutex
	state   transport.State
	frames  [][]byte
	closes  int
	handler func([]byte)
	done    chan struct{}
	once    sync.Once
}

func NewConn(handler func([]byte)) *Conn {
	return &Conn{state: transport.StateOpen, handler: handler, done: make(chan struct{})}
}

func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transport.StateOpen {
		return transport.ErrNotOpen
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.state = transport.StateClosed
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error { return nil }

// Deliver passes a backend text message to the registered handler.
func (c *Conn) Deliver(msg string) {
	if c.handler != nil {
		c.handler([]byte(msg))
	}
}

// Frames returns a copy of the frames written so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// BytesSent is the total payload written.
func (c *Conn) BytesSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		n += len(f)
	}
	return n
}

// Closes counts Close calls.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
