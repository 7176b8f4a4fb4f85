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

package batcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"aiproxy/internal/perr"
	"aiproxy/internal/plog"

	"golang.org/x/sync/errgroup"
)

// Config mirrors pconfig.BatcherConfig; kept local to avoid an import
// cycle.
type Config struct {
	Enabled       bool
	AllowedPaths  []string
	RequireHeader string
	MaxItems      int
	MaxBytes      int
	MaxBatchBytes int
	Window        time.Duration
}

// SendFunc performs the single merged backend call for a group: body is
// the JSON array `[item1,item2,...]`; the returned bytes must themselves
// be a JSON array of matching cardinality, or Flush reports
// perr.KindBatchMismatch to every grouped caller.
type SendFunc func(ctx context.Context, key string, body []byte) ([]byte, error)

// Result is delivered to each caller once its group flushes.
type Result struct {
	Status int
	Body   []byte
	Err    perr.Error
}

type group struct {
	key     string
	items   [][]byte
	waiters []chan Result
	bytes   int
	timer   *time.Timer
}

// Batcher merges concurrent same-key requests into one backend call on a
// max_items/max_bytes/window_ms trigger.
type Batcher struct {
	cfg  Config
	send SendFunc

	mu     sync.Mutex
	groups map[string]*group
}

// New builds a Batcher that flushes groups via send.
func New(cfg Config, send SendFunc) *Batcher {
	return &Batcher{cfg: cfg, send: send, groups: make(map[string]*group)}
}

// Eligible applies the gate the spec requires before a request may be
// merged at all: feature enabled, method POST, path allow-listed (or the
// opt-in header present), body non-empty and under max_batch_bytes, and
// JSON-shaped.
func (b *Batcher) Eligible(method, path string, headerPresent bool, body []byte) bool {
	if !b.cfg.Enabled {
		return false
	}
	if !strings.EqualFold(method, "POST") {
		return false
	}
	if !b.pathAllowed(path) && !headerPresent {
		return false
	}
	if len(body) == 0 {
		return false
	}
	if b.cfg.MaxBatchBytes > 0 && len(body) > b.cfg.MaxBatchBytes {
		return false
	}
	return LooksLikeJSON(body)
}

func (b *Batcher) pathAllowed(path string) bool {
	for _, p := range b.cfg.AllowedPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Add enqueues body under key (typically "backend_id|route|model") and
// returns a channel that receives exactly one Result once the group
// flushes. If adding body would breach max_items or max_bytes, the
// current group is closed and its flush started (see flushLocked) before
// a new one is started.
func (b *Batcher) Add(ctx context.Context, key string, body []byte) <-chan Result {
	ch := make(chan Result, 1)

	b.mu.Lock()
	g, ok := b.groups[key]
	if ok && (len(g.items)+1 > b.cfg.MaxItems && b.cfg.MaxItems > 0 ||
		b.cfg.MaxBytes > 0 && g.bytes+len(body) > b.cfg.MaxBytes) {
		b.flushLocked(ctx, key, g)
		g, ok = nil, false
	}
	if !ok {
		g = &group{key: key}
		b.groups[key] = g
		if b.cfg.Window > 0 {
			g.timer = time.AfterFunc(b.cfg.Window, func() {
				b.mu.Lock()
				cur := b.groups[key]
				if cur == g {
					b.flushLocked(context.Background(), key, g)
				}
				b.mu.Unlock()
			})
		}
	}
	g.items = append(g.items, body)
	g.waiters = append(g.waiters, ch)
	g.bytes += len(body)
	shouldFlush := b.cfg.MaxItems > 0 && len(g.items) >= b.cfg.MaxItems
	if shouldFlush {
		b.flushLocked(ctx, key, g)
	}
	b.mu.Unlock()

	return ch
}

// flushLocked must be called with b.mu held; it stops the group's timer,
// removes the group from the map, and runs the backend call and response
// distribution on a new goroutine, so it returns without waiting for the
// flush to finish.
func (b *Batcher) flushLocked(ctx context.Context, key string, g *group) {
	if g.timer != nil {
		g.timer.Stop()
	}
	delete(b.groups, key)
	go b.flush(ctx, g)
}

func (b *Batcher) flush(ctx context.Context, g *group) {
	merged := JoinTopLevelArray(g.items)
	respBody, err := b.send(ctx, g.key, merged)
	if err != nil {
		b.failAll(g, perr.Wrap(perr.KindBackendIoError, err, "batch send failed for key %s", g.key))
		return
	}
	parts, splitErr := SplitTopLevelArray(respBody)
	if splitErr != nil {
		b.failAll(g, perr.New(perr.KindBatchMismatch, "batch response is not a JSON array"))
		return
	}
	if len(parts) != len(g.items) {
		b.failAll(g, perr.New(perr.KindBatchMismatch, "batch response cardinality %d != request cardinality %d", len(parts), len(g.items)))
		return
	}
	for i, w := range g.waiters {
		w <- Result{Status: 200, Body: parts[i]}
		close(w)
	}
}

// FlushAll synchronously flushes every group pending at the moment it is
// called, fanning the sends out concurrently and waiting for all of them
// to finish. Intended for graceful shutdown, so in-flight batches aren't
// silently abandoned with their waiters never notified.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	pending := make([]*group, 0, len(b.groups))
	for key, g := range b.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(b.groups, key)
		pending = append(pending, g)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, grp := range pending {
		grp := grp
		g.Go(func() error {
			b.flush(ctx, grp)
			return nil
		})
	}
	return g.Wait()
}

func (b *Batcher) failAll(g *group, err perr.Error) {
	plog.For(plog.ComponentBatcher).WithError(err).WithField("key", g.key).Warnf("batch flush failed")
	for _, w := range g.waiters {
		w <- Result{Status: err.HTTPStatus(), Err: err}
		close(w)
	}
}
