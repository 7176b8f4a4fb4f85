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

package admission

import "sync/atomic"

// minSoftCap bounds how far AIMD's multiplicative decrease can shrink the
// window; without a floor a run of timeouts could collapse it to zero and
// wedge the proxy shut.
const minSoftCap = 4

// Congestion is a sliding estimator of in-flight backend concurrency with
// AIMD adjustment to a soft admission cap: additive increase on a healthy
// window, multiplicative decrease the moment backends start erroring or
// timing out.
type Congestion struct {
	inFlight atomic.Int64
	softCap  atomic.Int64
}

// NewCongestion builds a Congestion estimator starting at initialCap. A
// non-positive initialCap disables the check (Admit always succeeds).
func NewCongestion(initialCap int) *Congestion {
	c := &Congestion{}
	if initialCap <= 0 {
		initialCap = 0
	}
	c.softCap.Store(int64(initialCap))
	return c
}

// Admit reports whether a new request may proceed under the current soft
// cap, incrementing the in-flight counter if so. Disabled (cap <= 0) always
// admits.
func (c *Congestion) Admit() bool {
	lim := c.softCap.Load()
	if lim <= 0 {
		c.inFlight.Add(1)
		return true
	}
	for {
		cur := c.inFlight.Load()
		if cur >= lim {
			return false
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Done releases one admitted slot. Every successful Admit must be paired
// with exactly one Done.
func (c *Congestion) Done() {
	for {
		cur := c.inFlight.Load()
		if cur <= 0 {
			return
		}
		if c.inFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ReportSuccess applies AIMD's additive increase: the soft cap grows by one
// slot, capped implicitly by how fast backends can keep responding cleanly.
func (c *Congestion) ReportSuccess() {
	lim := c.softCap.Load()
	if lim <= 0 {
		return
	}
	c.softCap.CompareAndSwap(lim, lim+1)
}

// ReportFailure applies AIMD's multiplicative decrease on a backend error
// or timeout, halving the soft cap down to minSoftCap.
func (c *Congestion) ReportFailure() {
	for {
		lim := c.softCap.Load()
		if lim <= 0 {
			return
		}
		next := lim / 2
		if next < minSoftCap {
			next = minSoftCap
		}
		if c.softCap.CompareAndSwap(lim, next) {
			return
		}
	}
}

// InFlight reports the current admitted concurrency, for /stats.
func (c *Congestion) InFlight() int64 { return c.inFlight.Load() }

// SoftCap reports the current AIMD window, for /stats.
func (c *Congestion) SoftCap() int64 { return c.softCap.Load() }
