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

// GPUAware scores score = 0.7*util + 0.3*vram_used/vram_total (clamped to
// [0,1]); minimum wins. Nodes that never reported GPU metrics fall back to
// weighted round-robin, same as LeastQueue.
type GPUAware struct {
	mu    sync.Mutex
	known map[string]float64
	rr    *WeightedRoundRobin
}

func NewGPUAware() *GPUAware {
	return &GPUAware{known: make(map[string]float64), rr: NewWeightedRoundRobin()}
}

func (g *GPUAware) AddNode(id string, weight int) { g.rr.AddNode(id, weight) }

func (g *GPUAware) RemoveNode(id string) {
	g.rr.RemoveNode(id)
	g.mu.Lock()
	delete(g.known, id)
	g.mu.Unlock()
}

func (g *GPUAware) OnConnStart(string)                {}
func (g *GPUAware) OnConnEnd(string)                  {}
func (g *GPUAware) RecordLatency(string, float64)     {}
func (g *GPUAware) RecordQueue(string, int)           {}

func (g *GPUAware) RecordGPU(id string, util, usedMB, totalMB float64) {
	vramFrac := 0.0
	if totalMB > 0 {
		vramFrac = usedMB / totalMB
	}
	score := clamp01(0.7*util + 0.3*vramFrac)
	g.mu.Lock()
	g.known[id] = score
	g.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (g *GPUAware) GetNode(key string) (string, bool) {
	g.mu.Lock()
	g.rr.mu.Lock()
	ids := append([]string(nil), g.rr.flat...)
	g.rr.mu.Unlock()
	if len(ids) == 0 {
		g.mu.Unlock()
		return "", false
	}
	seen := make(map[string]bool)
	best := -1.0
	bestID := ""
	anyKnown := false
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if v, ok := g.known[id]; ok {
			anyKnown = true
			if best < 0 || v < best {
				best = v
				bestID = id
			}
		}
	}
	g.mu.Unlock()
	if !anyKnown {
		return g.rr.GetNode(key)
	}
	return bestID, true
}
