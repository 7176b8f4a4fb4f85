/*
 * MIT License
 *
 * Copyright (c) 2025 The AIProxy Authors.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package netconn is the non-blocking, buffered connection primitive:
// every Conn is pinned to exactly one reactor loop for its lifetime,
// and only that loop's goroutine may touch its buffers or state.
package netconn

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"aiproxy/internal/reactor"
	"aiproxy/internal/tlsterm"
)

// State is the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// CloseFunc is invoked exactly once per connection lifetime, on the
// owning loop, after read-side EOF or error.
type CloseFunc func(c *Conn)

// HighWaterFunc fires exactly once each time the output buffer crosses
// the high-water mark, until it drains back below it.
type HighWaterFunc func(c *Conn, outstanding int)

// Conn is a non-blocking-style buffered TCP endpoint. "Non-blocking" here
// means the caller-visible contract (Send never blocks the caller,
// buffers grow instead of stalling a writer goroutine), not that the
// underlying net.Conn avoids blocking syscalls -- those happen on the
// connection's own read/write goroutines, which is the idiomatic Go
// equivalent of epoll readiness.
type Conn struct {
	Name       string
	raw        net.Conn
	loop       *reactor.Loop
	tls        *tlsterm.Terminator
	isTLS      bool

	state      atomic.Int32
	lastActive atomic.Int64

	writeMu    sync.Mutex
	outBuf     []byte
	highWater  int
	aboveWater bool
	onHighWater HighWaterFunc
	onClose    CloseFunc
	closeOnce  sync.Once

	Session any // attached session context; touched only by the owning loop
}

// New wraps raw inside a Conn pinned to loop. New does not inspect the
// input for TLS: any TLS wrapping is done by the caller before raw is
// passed in (the acceptor does so for client connections; backend
// connections are always plaintext).
func New(name string, raw net.Conn, loop *reactor.Loop, highWater int, onClose CloseFunc, onHighWater HighWaterFunc) *Conn {
	c := &Conn{
		Name:        name,
		raw:         raw,
		loop:        loop,
		highWater:   highWater,
		onClose:     onClose,
		onHighWater: onHighWater,
	}
	c.state.Store(int32(StateConnected))
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) Loop() *reactor.Loop { return c.loop }

func (c *Conn) Raw() net.Conn { return c.raw }

// Send appends bytes to the output buffer and attempts an immediate
// write. Thread-safe: callers off the owning loop are fine because the
// write path only touches outBuf under writeMu and the syscall itself
// is safe for concurrent use by a single writer at a time (guarded by
// writeMu here, since a reader goroutine never writes).
func (c *Conn) Send(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateConnected {
		return nil
	}
	c.outBuf = append(c.outBuf, b...)
	n, err := c.raw.Write(c.outBuf)
	if n > 0 {
		c.outBuf = c.outBuf[n:]
	}
	if err != nil && !isWouldBlock(err) {
		return err
	}
	c.touch()
	c.checkHighWater()
	return nil
}

func (c *Conn) checkHighWater() {
	outstanding := len(c.outBuf)
	if c.highWater > 0 {
		if !c.aboveWater && outstanding >= c.highWater {
			c.aboveWater = true
			if c.onHighWater != nil {
				c.onHighWater(c, outstanding)
			}
		} else if c.aboveWater && outstanding < c.highWater {
			c.aboveWater = false
		}
	}
}

func isWouldBlock(err error) bool {
	// net.Conn.Write on a plain blocking socket never returns EWOULDBLOCK
	// in Go's model (the runtime parks the goroutine instead); kept as a
	// hook point for io_uring/non-blocking syscall variants.
	return false
}

// ReadLoop runs the blocking read loop for this connection on its own
// goroutine, feeding bytes to onData (invoked on the owning reactor
// loop to preserve single-owner buffer semantics) until EOF or error,
// at which point the close callback fires exactly once.
func (c *Conn) ReadLoop(onData func(c *Conn, b []byte)) {
	r := bufio.NewReaderSize(c.raw, 16*1024)
	buf := make([]byte, 16*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			done := make(chan struct{})
			c.loop.QueueInLoop(func() {
				c.touch()
				onData(c, data)
				close(done)
			})
			<-done
		}
		if err != nil {
			c.ForceClose()
			return
		}
	}
}

// Shutdown half-closes for writing after pending output drains, then
// lets the read side observe EOF naturally.
func (c *Conn) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		if tc, ok := c.raw.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}
}

// ForceClose closes immediately. The close callback, if set, is queued
// on the owning loop, so it may run after ForceClose returns; it runs at
// most once.
func (c *Conn) ForceClose() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		_ = c.raw.Close()
		if c.onClose != nil {
			c.loop.QueueInLoop(func() { c.onClose(c) })
		}
	})
}
