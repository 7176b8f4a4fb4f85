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

package metrics_test

import (
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"aiproxy/internal/metrics"
)

var _ = Describe("Metrics", func() {
	It("exposes recorded series on its handler", func() {
		m := metrics.New()
		m.ObserveRequest("be-1", "200", 0.05)
		m.SetBackendActive("be-1", 3)
		m.SetBackendWeight("be-1", 7)
		m.SetBackendEligible("be-1", true)
		m.IncAdmissionRejected("per_ip_rate_limited")
		m.IncDDosDrops()
		m.IncBatchMismatch()
		m.SetSchedulerInFlight(4)
		m.IncCacheHit()
		m.IncCacheMiss()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/metrics", nil)
		m.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(200))
		body := rec.Body.String()
		Expect(body).To(ContainSubstring("aiproxy_requests_total"))
		Expect(body).To(ContainSubstring(`backend_id="be-1"`))
		Expect(body).To(ContainSubstring("aiproxy_ddos_drops_total 1"))
		Expect(body).To(ContainSubstring("aiproxy_scheduler_inflight 4"))
	})
})
