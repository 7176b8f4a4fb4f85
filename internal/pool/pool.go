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

// Package pool is the per-reactor keep-alive connection pool: a two-level
// map of reactor -> backend id -> LIFO idle list. A pooled connection
// never migrates reactors and never carries more than one outstanding
// transaction at a time.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"aiproxy/internal/netconn"
	"aiproxy/internal/plog"
	"aiproxy/internal/reactor"
)

// Lease pairs a backend id with its underlying connection, checked out of
// the pool for the duration of one request-response transaction.
type Lease struct {
	BackendID string
	Conn      *netconn.Conn

	pool     *Pool
	loop     *reactor.Loop
	released bool
	mu       sync.Mutex
}

// Release returns the connection to its idle list, or destroys it. It is
// idempotent: a second call is a no-op, matching the invariant that the
// session never double-frees a lease.
func (l *Lease) Release(keepAlive bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	if !keepAlive || l.Conn.State() != netconn.StateConnected {
		l.Conn.ForceClose()
		return
	}
	l.pool.release(l.loop, l.BackendID, l.Conn)
}

type bucket struct {
	idle []*netconn.Conn
}

// Pool holds, per reactor, a map of backend id -> idle bucket. The loop
// passed to each operation selects which reactor's buckets are used;
// operations may be called from any goroutine, since mu guards the maps
// and every idle list.
type Pool struct {
	maxIdlePerBackend int
	dialTimeout       time.Duration

	mu   sync.Mutex // guards the per-reactor maps and every bucket's idle list
	byLoop map[reactor.ID]map[string]*bucket
}

func New(maxIdlePerBackend int, dialTimeout time.Duration) *Pool {
	if maxIdlePerBackend < 0 {
		maxIdlePerBackend = 0
	}
	return &Pool{
		maxIdlePerBackend: maxIdlePerBackend,
		dialTimeout:       dialTimeout,
		byLoop:            make(map[reactor.ID]map[string]*bucket),
	}
}

func (p *Pool) bucketFor(loop *reactor.Loop, backendID string) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byLoop[loop.ID()]
	if !ok {
		m = make(map[string]*bucket)
		p.byLoop[loop.ID()] = m
	}
	b, ok := m[backendID]
	if !ok {
		b = &bucket{}
		m[backendID] = b
	}
	return b
}

// Acquire returns an idle connection for backendAddr on loop if one is
// still connected, else dials a fresh one. The dial happens synchronously
// on the calling goroutine (in the proxy, the per-request goroutine), so
// a slow connect blocks only that goroutine, not loop.
func (p *Pool) Acquire(ctx context.Context, loop *reactor.Loop, backendID, backendAddr string) (*Lease, error) {
	b := p.bucketFor(loop, backendID)

	p.mu.Lock()
	var c *netconn.Conn
	for len(b.idle) > 0 {
		cand := b.idle[len(b.idle)-1]
		b.idle = b.idle[:len(b.idle)-1]
		if cand.State() == netconn.StateConnected {
			c = cand
			break
		}
	}
	p.mu.Unlock()

	if c != nil {
		return &Lease{BackendID: backendID, Conn: c, pool: p, loop: loop}, nil
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if p.dialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}
	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", backendAddr)
	if err != nil {
		return nil, err
	}
	name := "pool:" + backendID + ":" + backendAddr
	nc := netconn.New(name, raw, loop, 0, nil, nil)
	return &Lease{BackendID: backendID, Conn: nc, pool: p, loop: loop}, nil
}

func (p *Pool) release(loop *reactor.Loop, backendID string, c *netconn.Conn) {
	b := p.bucketFor(loop, backendID)
	p.mu.Lock()
	if p.maxIdlePerBackend > 0 && len(b.idle) >= p.maxIdlePerBackend {
		p.mu.Unlock()
		c.ForceClose()
		return
	}
	b.idle = append(b.idle, c)
	p.mu.Unlock()
}

// IdleCount reports the number of idle connections held for backendID on
// loop, for diagnostics/tests.
func (p *Pool) IdleCount(loop *reactor.Loop, backendID string) int {
	b := p.bucketFor(loop, backendID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(b.idle)
}

// Drain force-closes every idle connection across every reactor, used on
// shutdown.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	log := plog.For(plog.ComponentPool)
	for _, m := range p.byLoop {
		for _, b := range m {
			for _, c := range b.idle {
				c.ForceClose()
			}
			b.idle = nil
		}
	}
	log.Infof("pool drained")
}
