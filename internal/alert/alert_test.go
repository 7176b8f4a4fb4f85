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

package alert

import (
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []bool
}

func (r *recordingNotifier) Notify(name string, breached bool, value float64, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, breached)
}

func TestManagerFiresOnceOnSustainedBreach(t *testing.T) {
	val := 0.0
	rn := &recordingNotifier{}
	m := New([]Rule{{Name: "error_rate", Sample: func() float64 { return val }, Threshold: 0.5}}, rn)

	val = 0.9
	m.EvaluateOnce()
	m.EvaluateOnce()
	m.EvaluateOnce()

	rn.mu.Lock()
	defer rn.mu.Unlock()
	if len(rn.events) != 1 || !rn.events[0] {
		t.Fatalf("expected exactly one breach notification, got %v", rn.events)
	}
}

func TestManagerFiresClearOnRecovery(t *testing.T) {
	val := 0.9
	rn := &recordingNotifier{}
	m := New([]Rule{{Name: "error_rate", Sample: func() float64 { return val }, Threshold: 0.5}}, rn)
	m.EvaluateOnce()
	val = 0.1
	m.EvaluateOnce()

	rn.mu.Lock()
	defer rn.mu.Unlock()
	if len(rn.events) != 2 || !rn.events[0] || rn.events[1] {
		t.Fatalf("expected breach then clear, got %v", rn.events)
	}
}

func TestManagerDebouncesWithForDuration(t *testing.T) {
	val := 0.9
	rn := &recordingNotifier{}
	m := New([]Rule{{Name: "slow", Sample: func() float64 { return val }, Threshold: 0.5, For: 50 * time.Millisecond}}, rn)
	m.EvaluateOnce()

	rn.mu.Lock()
	immediate := len(rn.events)
	rn.mu.Unlock()
	if immediate != 0 {
		t.Fatalf("expected no immediate breach before the For window elapses, got %d events", immediate)
	}

	time.Sleep(60 * time.Millisecond)
	m.EvaluateOnce()

	rn.mu.Lock()
	defer rn.mu.Unlock()
	if len(rn.events) != 1 {
		t.Fatalf("expected breach after For window elapses, got %v", rn.events)
	}
}
