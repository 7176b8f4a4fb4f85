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

const responseTimeEWMAAlpha = 0.2

// ResponseTimeWeighted scores score = ewma_ms*(1+active)/max(1,weight);
// the minimum score wins. This is a separate selector-local EWMA from the
// registry's own (both exist: the registry's feeds the effective-weight
// formula, this one feeds the pick directly).
type ResponseTimeWeighted struct {
	mu      sync.Mutex
	weights map[string]int
	active  map[string]int64
	ewma    map[string]float64
	seeded  map[string]bool
}

func NewResponseTimeWeighted() *ResponseTimeWeighted {
	return &ResponseTimeWeighted{
		weights: make(map[string]int),
		active:  make(map[string]int64),
		ewma:    make(map[string]float64),
		seeded:  make(map[string]bool),
	}
}

func (r *ResponseTimeWeighted) AddNode(id string, weight int) {
	if weight < 1 {
		weight = 1
	}
	r.mu.Lock()
	r.weights[id] = weight
	r.mu.Unlock()
}

func (r *ResponseTimeWeighted) RemoveNode(id string) {
	r.mu.Lock()
	delete(r.weights, id)
	delete(r.active, id)
	delete(r.ewma, id)
	delete(r.seeded, id)
	r.mu.Unlock()
}

func (r *ResponseTimeWeighted) OnConnStart(id string) {
	r.mu.Lock()
	r.active[id]++
	r.mu.Unlock()
}

func (r *ResponseTimeWeighted) OnConnEnd(id string) {
	r.mu.Lock()
	if r.active[id] > 0 {
		r.active[id]--
	}
	r.mu.Unlock()
}

func (r *ResponseTimeWeighted) RecordLatency(id string, ms float64) {
	r.mu.Lock()
	if !r.seeded[id] {
		r.ewma[id] = ms
		r.seeded[id] = true
	} else {
		r.ewma[id] = responseTimeEWMAAlpha*ms + (1-responseTimeEWMAAlpha)*r.ewma[id]
	}
	r.mu.Unlock()
}

func (r *ResponseTimeWeighted) RecordQueue(string, int)                      {}
func (r *ResponseTimeWeighted) RecordGPU(string, float64, float64, float64) {}

func (r *ResponseTimeWeighted) GetNode(string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.weights) == 0 {
		return "", false
	}
	best := -1.0
	bestID := ""
	for id, w := range r.weights {
		if w < 1 {
			w = 1
		}
		ewma := r.ewma[id]
		if !r.seeded[id] {
			ewma = 0
		}
		score := ewma * float64(1+r.active[id]) / float64(w)
		if best < 0 || score < best || (score == best && id < bestID) {
			best = score
			bestID = id
		}
	}
	return bestID, true
}
