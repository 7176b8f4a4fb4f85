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

// Package scheduler enforces the proxy-wide max_inflight budget ahead of
// backend selection, in one of three admission-ordering modes: strict
// priority, fair queuing (deficit round-robin across flows), or
// earliest-deadline-first.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Mode selects which ordering discipline governs the wait queue once
// max_inflight is saturated.
type Mode int

const (
	ModePriority Mode = iota
	ModeFair
	ModeEDF
)

// Config mirrors pconfig.SchedulerConfig; kept local to avoid an import
// cycle.
type Config struct {
	Mode              Mode
	MaxInFlight       int
	PriorityThreshold int
	LowDelay          time.Duration
	DefaultDeadline   time.Duration
}

// Entry is one queued-or-admitted unit of scheduling. Callers fill in the
// fields relevant to the configured mode before calling Admit; the zero
// value is valid for modes that don't use a given field.
type Entry struct {
	Priority int
	FlowKey  string
	Deadline time.Time

	seq   int64
	ready chan struct{}
}

// Scheduler is safe for concurrent use by many request-handling
// goroutines at once.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	inFlight int
	nextSeq  int64

	priHigh []*Entry
	priLow  []*Entry

	flows    map[string]*flowQueue
	flowOrder []string
	flowPos   int

	edf edfHeap
}

type flowQueue struct {
	key     string
	entries []*Entry
}

// New builds a Scheduler from cfg. MaxInFlight <= 0 disables the budget
// entirely: Admit always grants immediately.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		flows: make(map[string]*flowQueue),
	}
}

// Admit blocks until e is granted a slot, the context is cancelled, or (in
// EDF mode) e's own deadline passes while still queued. A granted Entry
// must be paired with exactly one End call once the forwarded request
// completes.
func (s *Scheduler) Admit(ctx context.Context, e *Entry) error {
	if e.Deadline.IsZero() && s.cfg.DefaultDeadline > 0 {
		e.Deadline = time.Now().Add(s.cfg.DefaultDeadline)
	}

	s.mu.Lock()
	if s.cfg.MaxInFlight <= 0 || s.inFlight < s.cfg.MaxInFlight {
		s.inFlight++
		s.mu.Unlock()
		return nil
	}
	e.seq = s.nextSeq
	s.nextSeq++
	e.ready = make(chan struct{}, 1)
	s.enqueueLocked(e)
	s.mu.Unlock()

	if s.cfg.Mode == ModePriority && e.Priority < s.cfg.PriorityThreshold && s.cfg.LowDelay > 0 {
		time.Sleep(s.cfg.LowDelay)
	}

	var deadlineCh <-chan time.Time
	if s.cfg.Mode == ModeEDF && !e.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(e.Deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		s.abandon(e)
		return ctx.Err()
	case <-deadlineCh:
		s.abandon(e)
		return context.DeadlineExceeded
	}
}

// End releases one admitted slot and, if anything is queued, hands it to
// the next eligible entry per the configured mode.
func (s *Scheduler) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next := s.popLocked(); next != nil {
		next.ready <- struct{}{}
		return
	}
	if s.inFlight > 0 {
		s.inFlight--
	}
}

func (s *Scheduler) enqueueLocked(e *Entry) {
	switch s.cfg.Mode {
	case ModePriority:
		if e.Priority >= s.cfg.PriorityThreshold {
			s.priHigh = append(s.priHigh, e)
		} else {
			s.priLow = append(s.priLow, e)
		}
	case ModeFair:
		fq, ok := s.flows[e.FlowKey]
		if !ok {
			fq = &flowQueue{key: e.FlowKey}
			s.flows[e.FlowKey] = fq
			s.flowOrder = append(s.flowOrder, e.FlowKey)
		}
		fq.entries = append(fq.entries, e)
	case ModeEDF:
		heap.Push(&s.edf, e)
	}
}

// popLocked removes and returns the next eligible waiting entry, keeping
// inFlight unchanged (the popped entry consumes the slot End() just freed
// up, so the net in-flight count stays the same).
func (s *Scheduler) popLocked() *Entry {
	switch s.cfg.Mode {
	case ModePriority:
		if len(s.priHigh) > 0 {
			e := s.priHigh[0]
			s.priHigh = s.priHigh[1:]
			return e
		}
		if len(s.priLow) > 0 {
			e := s.priLow[0]
			s.priLow = s.priLow[1:]
			return e
		}
		return nil
	case ModeFair:
		return s.popFairLocked()
	case ModeEDF:
		if s.edf.Len() == 0 {
			return nil
		}
		return heap.Pop(&s.edf).(*Entry)
	default:
		return nil
	}
}

// popFairLocked implements deficit round-robin across active flows: each
// call advances the round-robin pointer to the next flow with a waiting
// entry, guaranteeing every active flow is visited at least once every
// len(flowOrder) pops.
func (s *Scheduler) popFairLocked() *Entry {
	n := len(s.flowOrder)
	for i := 0; i < n; i++ {
		idx := (s.flowPos + i) % n
		key := s.flowOrder[idx]
		fq := s.flows[key]
		if fq == nil || len(fq.entries) == 0 {
			continue
		}
		e := fq.entries[0]
		fq.entries = fq.entries[1:]
		s.flowPos = (idx + 1) % n
		if len(fq.entries) == 0 {
			s.pruneFlowLocked(key)
		}
		return e
	}
	return nil
}

func (s *Scheduler) pruneFlowLocked(key string) {
	delete(s.flows, key)
	for i, k := range s.flowOrder {
		if k == key {
			s.flowOrder = append(s.flowOrder[:i], s.flowOrder[i+1:]...)
			if s.flowPos > i {
				s.flowPos--
			}
			break
		}
	}
}

// abandon drops e from whichever wait structure it is in, for the
// ctx-cancelled / deadline-exceeded giveup path. If End() concurrently
// granted e's slot just before the giveup was observed, the grant is not
// lost: it is immediately handed to the next waiter instead.
func (s *Scheduler) abandon(e *Entry) {
	s.mu.Lock()
	select {
	case <-e.ready:
		s.mu.Unlock()
		s.End()
		return
	default:
	}
	switch s.cfg.Mode {
	case ModePriority:
		s.priHigh = removeEntry(s.priHigh, e)
		s.priLow = removeEntry(s.priLow, e)
	case ModeFair:
		if fq, ok := s.flows[e.FlowKey]; ok {
			fq.entries = removeEntry(fq.entries, e)
			if len(fq.entries) == 0 {
				s.pruneFlowLocked(e.FlowKey)
			}
		}
	case ModeEDF:
		for i, x := range s.edf {
			if x == e {
				heap.Remove(&s.edf, i)
				break
			}
		}
	}
	s.mu.Unlock()
}

func removeEntry(list []*Entry, e *Entry) []*Entry {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// InFlight reports the current admitted concurrency, for /stats.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
