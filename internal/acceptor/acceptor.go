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

// Package acceptor binds the listening socket, accepts connections on its
// own goroutine, and hands each one to a worker reactor loop. It is the
// only component that ever calls net.Listener.Accept.
package acceptor

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"

	"aiproxy/internal/netconn"
	"aiproxy/internal/plog"
	"aiproxy/internal/reactor"
	"aiproxy/internal/tlsterm"
)

// Config bundles the listener-level tunables the acceptor enforces before
// a connection ever reaches a worker loop.
type Config struct {
	Addr           string
	ReusePort      bool
	IdleTimeout    time.Duration
	MaxConnections int
	AcceptQPS      float64
	AcceptBurst    int
	PerIPConnCap   int
	HighWater      int
}

// NewConnFunc is invoked on the assigned loop once a connection has been
// accepted, capped, and (if configured) TLS-terminated.
type NewConnFunc func(c *netconn.Conn)

// Acceptor owns the listening socket and the accept loop.
type Acceptor struct {
	cfg  Config
	pool *reactor.Pool
	tls  *tlsterm.Terminator
	ln   net.Listener
	onNew NewConnFunc

	limiter *ratelimit.Bucket

	totalConns atomic.Int64
	perIPMu    sync.Mutex
	perIP      map[string]int

	dropped atomic.Int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Acceptor bound to pool for connection dispatch and
// term for optional TLS termination (term.IsConfigured() == false disables
// it entirely, every connection stays plaintext).
func New(cfg Config, pool *reactor.Pool, term *tlsterm.Terminator, onNew NewConnFunc) *Acceptor {
	a := &Acceptor{
		cfg:   cfg,
		pool:  pool,
		tls:   term,
		onNew: onNew,
		perIP: make(map[string]int),
		quit:  make(chan struct{}),
	}
	if cfg.AcceptQPS > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = int(cfg.AcceptQPS)
		}
		a.limiter = ratelimit.NewBucketWithRate(cfg.AcceptQPS, int64(burst))
	}
	return a
}

// Listen binds the configured address. SO_REUSEPORT is best-effort: when
// requested but unsupported by the platform's net package build, it falls
// back to a plain bind rather than failing startup.
func (a *Acceptor) Listen() error {
	ln, err := listen(a.cfg.Addr, a.cfg.ReusePort)
	if err != nil {
		return fmt.Errorf("acceptor: listen %s: %w", a.cfg.Addr, err)
	}
	a.ln = ln
	return nil
}

// Serve runs the accept loop until Stop is called. It blocks, so callers
// run it on its own goroutine.
func (a *Acceptor) Serve() {
	log := plog.For(plog.ComponentReactor).WithField("addr", a.cfg.Addr)
	log.Infof("acceptor listening")
	for {
		raw, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return
			default:
			}
			log.WithError(err).Warnf("accept error")
			continue
		}
		a.handleAccept(raw)
	}
}

func (a *Acceptor) handleAccept(raw net.Conn) {
	log := plog.For(plog.ComponentReactor)

	if a.limiter != nil && a.limiter.TakeAvailable(1) == 0 {
		a.dropped.Add(1)
		_ = raw.Close()
		return
	}

	if a.cfg.MaxConnections > 0 && a.totalConns.Load() >= int64(a.cfg.MaxConnections) {
		a.dropped.Add(1)
		_ = raw.Close()
		return
	}

	ip := remoteIP(raw)
	if a.cfg.PerIPConnCap > 0 {
		a.perIPMu.Lock()
		if a.perIP[ip] >= a.cfg.PerIPConnCap {
			a.perIPMu.Unlock()
			a.dropped.Add(1)
			_ = raw.Close()
			return
		}
		a.perIP[ip]++
		a.perIPMu.Unlock()
	}

	a.totalConns.Add(1)
	loop := a.pool.Next()
	name := fmt.Sprintf("%s->%s", raw.RemoteAddr(), raw.LocalAddr())

	onClose := func(*netconn.Conn) {
		a.totalConns.Add(-1)
		if a.cfg.PerIPConnCap > 0 {
			a.perIPMu.Lock()
			if a.perIP[ip] > 0 {
				a.perIP[ip]--
			}
			if a.perIP[ip] == 0 {
				delete(a.perIP, ip)
			}
			a.perIPMu.Unlock()
		}
	}

	loop.QueueInLoop(func() {
		wrapped, err := maybeWrapTLS(raw, a.tls)
		if err != nil {
			log.WithError(err).Warnf("tls handshake failed")
			_ = raw.Close()
			a.totalConns.Add(-1)
			return
		}
		c := netconn.New(name, wrapped, loop, a.cfg.HighWater, onClose, nil)
		if a.onNew != nil {
			a.onNew(c)
		}
	})
}

// Dropped reports the number of connections refused by admission caps
// since startup (distinct from the request-level admission counters).
func (a *Acceptor) Dropped() int64 { return a.dropped.Load() }

// IdleSweep force-closes connections whose owning Conn reports no activity
// for longer than IdleTimeout. Callers run it on a ticker.
func IdleSweep(conns func() []*netconn.Conn, idle time.Duration) {
	if idle <= 0 {
		return
	}
	cutoff := time.Now().Add(-idle)
	for _, c := range conns() {
		if c.LastActive().Before(cutoff) {
			c.ForceClose()
		}
	}
}

// Stop closes the listener, unblocking Serve.
func (a *Acceptor) Stop(ctx context.Context) error {
	close(a.quit)
	if a.ln != nil {
		return a.ln.Close()
	}
	return nil
}

func remoteIP(c net.Conn) string {
	addr := c.RemoteAddr().String()
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// maybeWrapTLS peeks the first byte to decide between plaintext and TLS,
// per the listener's dual-protocol contract. When term is not configured
// the connection is always treated as plaintext.
func maybeWrapTLS(raw net.Conn, term *tlsterm.Terminator) (net.Conn, error) {
	if term == nil || !term.IsConfigured() {
		return raw, nil
	}
	peeked := &peekConn{Conn: raw}
	first, err := peeked.peekByte()
	if err != nil {
		return nil, err
	}
	if !tlsterm.LooksLikeTLS(first) {
		return peeked, nil
	}
	return wrapTLSServer(peeked, term), nil
}
