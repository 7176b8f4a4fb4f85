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

// WeightedRoundRobin flattens backends into a weight-proportional list and
// walks it with a monotonically advancing index. Any weight or membership
// change rebuilds the flattened list atomically so in-flight GetNode calls
// never observe a half-built list.
type WeightedRoundRobin struct {
	noopMetrics

	mu      sync.Mutex
	weights map[string]int
	flat    []string

	idx atomic.Uint64
}

func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{weights: make(map[string]int)}
}

func (w *WeightedRoundRobin) AddNode(id string, weight int) {
	if weight < 1 {
		weight = 1
	}
	w.mu.Lock()
	w.weights[id] = weight
	w.rebuildLocked()
	w.mu.Unlock()
}

func (w *WeightedRoundRobin) RemoveNode(id string) {
	w.mu.Lock()
	delete(w.weights, id)
	w.rebuildLocked()
	w.mu.Unlock()
}

func (w *WeightedRoundRobin) rebuildLocked() {
	ids := make([]string, 0, len(w.weights))
	for id := range w.weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	flat := make([]string, 0, len(ids))
	for _, id := range ids {
		for i := 0; i < w.weights[id]; i++ {
			flat = append(flat, id)
		}
	}
	w.flat = flat
}

func (w *WeightedRoundRobin) GetNode(string) (string, bool) {
	w.mu.Lock()
	flat := w.flat
	w.mu.Unlock()
	if len(flat) == 0 {
		return "", false
	}
	i := w.idx.Add(1) - 1
	return flat[int(i)%len(flat)], true
}
