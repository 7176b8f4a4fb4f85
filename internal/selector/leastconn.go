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

package selector

import (
	"sort"
	"sync"
	"sync/atomic"
)

// LeastConnections scores each node by active/max(1,weight) and picks the
// minimum; ties are broken by a shared round-robin counter so tied nodes
// still rotate instead of always handing the first one the request.
type LeastConnections struct {
	mu      sync.Mutex
	weights map[string]int
	active  map[string]int64

	rr atomic.Uint64
}

func NewLeastConnections() *LeastConnections {
	return &LeastConnections{weights: make(map[string]int), active: make(map[string]int64)}
}

func (l *LeastConnections) AddNode(id string, weight int) {
	if weight < 1 {
		weight = 1
	}
	l.mu.Lock()
	l.weights[id] = weight
	if _, ok := l.active[id]; !ok {
		l.active[id] = 0
	}
	l.mu.Unlock()
}

func (l *LeastConnections) RemoveNode(id string) {
	l.mu.Lock()
	delete(l.weights, id)
	delete(l.active, id)
	l.mu.Unlock()
}

func (l *LeastConnections) OnConnStart(id string) {
	l.mu.Lock()
	l.active[id]++
	l.mu.Unlock()
}

func (l *LeastConnections) OnConnEnd(id string) {
	l.mu.Lock()
	if l.active[id] > 0 {
		l.active[id]--
	}
	l.mu.Unlock()
}

func (l *LeastConnections) RecordLatency(string, float64)                {}
func (l *LeastConnections) RecordQueue(string, int)                      {}
func (l *LeastConnections) RecordGPU(string, float64, float64, float64) {}

func (l *LeastConnections) GetNode(string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.weights) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(l.weights))
	for id := range l.weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := -1.0
	var tied []string
	for _, id := range ids {
		w := l.weights[id]
		if w < 1 {
			w = 1
		}
		score := float64(l.active[id]) / float64(w)
		if best < 0 || score < best {
			best = score
			tied = tied[:0]
			tied = append(tied, id)
		} else if score == best {
			tied = append(tied, id)
		}
	}
	i := l.rr.Add(1) - 1
	return tied[int(i)%len(tied)], true
}
