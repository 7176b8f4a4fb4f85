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

// Package selector implements the proxy's load-balancing strategies. Every
// strategy is driven purely by registry events (AddNode/RemoveNode) and
// metric callbacks; none of them ever reads the registry directly, which
// keeps the lock order registry -> selector -> pool intact.
package selector

// Strategy is the shape every selection variant implements.
type Strategy interface {
	AddNode(id string, weight int)
	RemoveNode(id string)
	GetNode(key string) (string, bool)
	OnConnStart(id string)
	OnConnEnd(id string)
	RecordLatency(id string, ms float64)
	RecordQueue(id string, q int)
	RecordGPU(id string, util, usedMB, totalMB float64)
}

// noopMetrics is embedded by strategies that ignore metric callbacks they
// don't use for scoring, so each variant only overrides what it needs.
type noopMetrics struct{}

func (noopMetrics) OnConnStart(string)                          {}
func (noopMetrics) OnConnEnd(string)                             {}
func (noopMetrics) RecordLatency(string, float64)                {}
func (noopMetrics) RecordQueue(string, int)                      {}
func (noopMetrics) RecordGPU(string, float64, float64, float64) {}
