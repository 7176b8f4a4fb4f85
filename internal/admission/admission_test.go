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

package admission_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"aiproxy/internal/admission"
	"aiproxy/internal/perr"
)

var _ = Describe("Admission", func() {
	It("rejects requests from a denied CIDR", func() {
		a := admission.New(admission.Config{DenyIPs: []string{"10.0.0.0/8"}})
		err := a.Check(admission.Request{RemoteIP: "10.1.2.3", Path: "/v1/chat"})
		Expect(err).NotTo(BeNil())
		Expect(err.Kind()).To(Equal(perr.KindAdmissionRejected))
	})

	It("rejects requests outside an allow list", func() {
		a := admission.New(admission.Config{AllowIPs: []string{"192.168.0.0/16"}})
		Expect(a.Check(admission.Request{RemoteIP: "8.8.8.8"})).NotTo(BeNil())
		Expect(a.Check(admission.Request{RemoteIP: "192.168.1.1"})).To(BeNil())
	})

	It("requires an api token when configured", func() {
		a := admission.New(admission.Config{RequireToken: true})
		Expect(a.Check(admission.Request{RemoteIP: "1.2.3.4"})).NotTo(BeNil())
		Expect(a.Check(admission.Request{RemoteIP: "1.2.3.4", APIToken: "x"})).To(BeNil())
	})

	It("enforces the global token bucket", func() {
		a := admission.New(admission.Config{GlobalQPS: 1, GlobalBurst: 1})
		Expect(a.Check(admission.Request{RemoteIP: "1.2.3.4"})).To(BeNil())
		Expect(a.Check(admission.Request{RemoteIP: "1.2.3.4"})).NotTo(BeNil())
	})

	It("enforces per-IP buckets independently per key", func() {
		a := admission.New(admission.Config{PerIPQPS: 1, PerIPBurst: 1, KeyLRUSize: 16})
		Expect(a.Check(admission.Request{RemoteIP: "1.1.1.1"})).To(BeNil())
		Expect(a.Check(admission.Request{RemoteIP: "1.1.1.1"})).NotTo(BeNil())
		Expect(a.Check(admission.Request{RemoteIP: "2.2.2.2"})).To(BeNil())
	})

	It("enforces the per-user connection cap", func() {
		a := admission.New(admission.Config{MaxPerUserConn: 1})
		lease := a.Acquire("user-1", "")
		err := a.Check(admission.Request{RemoteIP: "1.2.3.4", UserKey: "user-1"})
		Expect(err).NotTo(BeNil())
		lease.Release()
		Expect(a.Check(admission.Request{RemoteIP: "1.2.3.4", UserKey: "user-1"})).To(BeNil())
	})

	It("releases a connection lease exactly once even if called twice", func() {
		a := admission.New(admission.Config{MaxPerUserConn: 1})
		lease := a.Acquire("user-2", "")
		lease.Release()
		lease.Release()
		Expect(a.Check(admission.Request{RemoteIP: "1.2.3.4", UserKey: "user-2"})).To(BeNil())
	})

	It("tracks the rejection counter", func() {
		a := admission.New(admission.Config{RequireToken: true})
		_ = a.Check(admission.Request{RemoteIP: "1.2.3.4"})
		_ = a.Check(admission.Request{RemoteIP: "1.2.3.4"})
		Expect(a.RejectedCount()).To(Equal(int64(2)))
	})
})

var _ = Describe("Congestion", func() {
	It("admits up to the soft cap then rejects", func() {
		c := admission.NewCongestion(2)
		Expect(c.Admit()).To(BeTrue())
		Expect(c.Admit()).To(BeTrue())
		Expect(c.Admit()).To(BeFalse())
		c.Done()
		Expect(c.Admit()).To(BeTrue())
	})

	It("grows the cap additively on success and halves it on failure", func() {
		c := admission.NewCongestion(16)
		c.ReportSuccess()
		Expect(c.SoftCap()).To(Equal(int64(17)))
		c.ReportFailure()
		Expect(c.SoftCap()).To(Equal(int64(8)))
	})

	It("never decreases the cap below the configured floor", func() {
		c := admission.NewCongestion(4)
		for i := 0; i < 10; i++ {
			c.ReportFailure()
		}
		Expect(c.SoftCap()).To(BeNumerically(">=", int64(4)))
	})

	It("disables admission control entirely when initialized with zero", func() {
		c := admission.NewCongestion(0)
		for i := 0; i < 1000; i++ {
			Expect(c.Admit()).To(BeTrue())
		}
	})
})

var _ = Describe("LRUBucketSet", func() {
	It("reassigns an evicted key's bucket to the newest key instead of dropping it", func() {
		s := admission.NewLRUBucketSet(1, 1, 1)
		Expect(s.TryAcquire("a")).To(BeTrue())
		Expect(s.TryAcquire("b")).To(BeTrue()) // evicts "a", aliasing it to "b"
		Expect(s.TryAcquire("a")).To(BeFalse()) // "a" now shares "b"'s just-spent bucket
	})
})
