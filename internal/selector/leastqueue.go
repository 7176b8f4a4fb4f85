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

import "sync"

// LeastQueue picks the node reporting the smallest backend queue length;
// nodes that have never reported a queue length fall back to the shared
// round-robin order, and if no node has ever reported one at all, the
// strategy behaves exactly like weighted round-robin.
type LeastQueue struct {
	noopMetrics

	mu    sync.Mutex
	known map[string]int
	rr    *WeightedRoundRobin
}

func NewLeastQueue() *LeastQueue {
	return &LeastQueue{known: make(map[string]int), rr: NewWeightedRoundRobin()}
}

func (q *LeastQueue) AddNode(id string, weight int) {
	q.rr.AddNode(id, weight)
}

func (q *LeastQueue) RemoveNode(id string) {
	q.rr.RemoveNode(id)
	q.mu.Lock()
	delete(q.known, id)
	q.mu.Unlock()
}

func (q *LeastQueue) RecordQueue(id string, qlen int) {
	q.mu.Lock()
	q.known[id] = qlen
	q.mu.Unlock()
}

func (q *LeastQueue) GetNode(key string) (string, bool) {
	q.mu.Lock()
	q.rr.mu.Lock()
	ids := append([]string(nil), q.rr.flat...)
	q.rr.mu.Unlock()
	if len(ids) == 0 {
		q.mu.Unlock()
		return "", false
	}
	seen := make(map[string]bool)
	best := -1
	bestID := ""
	anyKnown := false
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if v, ok := q.known[id]; ok {
			anyKnown = true
			if best < 0 || v < best {
				best = v
				bestID = id
			}
		}
	}
	q.mu.Unlock()
	if !anyKnown {
		return q.rr.GetNode(key)
	}
	return bestID, true
}
