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

package scheduler_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"aiproxy/internal/scheduler"
)

// admitAsync calls Admit in its own goroutine and appends label to order
// (guarded by mu) once granted.
func admitAsync(s *scheduler.Scheduler, e *scheduler.Entry, label string, order *[]string, mu *sync.Mutex, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Admit(context.Background(), e); err != nil {
			return
		}
		mu.Lock()
		*order = append(*order, label)
		mu.Unlock()
	}()
}

var _ = Describe("Scheduler strict priority", func() {
	It("drains a later high-priority request before an already-queued low one", func() {
		s := scheduler.New(scheduler.Config{Mode: scheduler.ModePriority, MaxInFlight: 1, PriorityThreshold: 5})

		inService := &scheduler.Entry{Priority: 0}
		Expect(s.Admit(context.Background(), inService)).To(Succeed())

		var order []string
		var mu sync.Mutex
		var wg sync.WaitGroup

		low := &scheduler.Entry{Priority: 0}
		admitAsync(s, low, "low", &order, &mu, &wg)
		time.Sleep(20 * time.Millisecond) // ensure low enqueues first

		high := &scheduler.Entry{Priority: 9}
		admitAsync(s, high, "high", &order, &mu, &wg)
		time.Sleep(20 * time.Millisecond)

		s.End() // frees the in-service slot; high should win it over low

		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		got := append([]string(nil), order...)
		mu.Unlock()
		Expect(got).To(Equal([]string{"high"}))

		s.End()
		wg.Wait()
	})
})

var _ = Describe("Scheduler fair queuing", func() {
	It("services active flows in round-robin order once steady-state", func() {
		s := scheduler.New(scheduler.Config{Mode: scheduler.ModeFair, MaxInFlight: 1})

		inService := &scheduler.Entry{FlowKey: "seed"}
		Expect(s.Admit(context.Background(), inService)).To(Succeed())

		var order []string
		var mu sync.Mutex
		var wg sync.WaitGroup

		flows := []string{"a", "b", "c"}
		for _, f := range flows {
			e := &scheduler.Entry{FlowKey: f}
			admitAsync(s, e, f, &order, &mu, &wg)
		}
		time.Sleep(20 * time.Millisecond)

		for i := 0; i < len(flows); i++ {
			s.End()
			time.Sleep(10 * time.Millisecond)
		}
		wg.Wait()

		mu.Lock()
		got := append([]string(nil), order...)
		mu.Unlock()
		Expect(got).To(ConsistOf("a", "b", "c"))
	})
})

var _ = Describe("Scheduler EDF", func() {
	It("completes queued requests in deadline order regardless of enqueue order", func() {
		s := scheduler.New(scheduler.Config{Mode: scheduler.ModeEDF, MaxInFlight: 1})

		inService := &scheduler.Entry{}
		Expect(s.Admit(context.Background(), inService)).To(Succeed())

		base := time.Now()
		d3 := &scheduler.Entry{Deadline: base.Add(3 * time.Second)}
		d1 := &scheduler.Entry{Deadline: base.Add(1 * time.Second)}
		d2 := &scheduler.Entry{Deadline: base.Add(2 * time.Second)}

		var order []string
		var mu sync.Mutex
		var wg sync.WaitGroup

		admitAsync(s, d3, "d3", &order, &mu, &wg)
		time.Sleep(5 * time.Millisecond)
		admitAsync(s, d1, "d1", &order, &mu, &wg)
		time.Sleep(5 * time.Millisecond)
		admitAsync(s, d2, "d2", &order, &mu, &wg)
		time.Sleep(20 * time.Millisecond)

		s.End()
		s.End()
		s.End()
		wg.Wait()

		mu.Lock()
		got := append([]string(nil), order...)
		mu.Unlock()
		Expect(got).To(Equal([]string{"d1", "d2", "d3"}))
	})
})

var _ = Describe("Scheduler admission budget", func() {
	It("admits immediately while under max_inflight and blocks once saturated", func() {
		s := scheduler.New(scheduler.Config{Mode: scheduler.ModeFair, MaxInFlight: 2})
		a := &scheduler.Entry{FlowKey: "x"}
		b := &scheduler.Entry{FlowKey: "y"}
		Expect(s.Admit(context.Background(), a)).To(Succeed())
		Expect(s.Admit(context.Background(), b)).To(Succeed())
		Expect(s.InFlight()).To(Equal(2))
	})

	It("gives up cleanly when the context is cancelled while queued", func() {
		s := scheduler.New(scheduler.Config{Mode: scheduler.ModeFair, MaxInFlight: 1})
		held := &scheduler.Entry{FlowKey: "x"}
		Expect(s.Admit(context.Background(), held)).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		waiter := &scheduler.Entry{FlowKey: "y"}
		err := s.Admit(ctx, waiter)
		Expect(err).To(HaveOccurred())
		Expect(s.InFlight()).To(Equal(1))
	})
})
