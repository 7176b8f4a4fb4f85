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

// Package metrics wires the proxy's counters and gauges into a dedicated
// Prometheus registry, exposed by internal/admin at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns one private registry so the proxy's series never collide
// with whatever default/global registry an embedding program might use.
type Metrics struct {
	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendActive   *prometheus.GaugeVec
	backendWeight   *prometheus.GaugeVec
	backendEligible *prometheus.GaugeVec
	admissionReject *prometheus.CounterVec
	ddosDrops       prometheus.Counter
	batchMismatch   prometheus.Counter
	schedulerInFlight prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}

// New builds and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aiproxy_requests_total",
			Help: "Total client requests by backend and status class.",
		}, []string{"backend_id", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aiproxy_request_duration_seconds",
			Help:    "Backend round-trip latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend_id"}),
		backendActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aiproxy_backend_active_connections",
			Help: "Currently leased connections per backend.",
		}, []string{"backend_id"}),
		backendWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aiproxy_backend_effective_weight",
			Help: "Last recomputed effective weight per backend.",
		}, []string{"backend_id"}),
		backendEligible: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aiproxy_backend_eligible",
			Help: "1 if the backend is currently eligible for selection, else 0.",
		}, []string{"backend_id"}),
		admissionReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aiproxy_admission_rejected_total",
			Help: "Requests rejected by the admission layer, by reason.",
		}, []string{"reason"}),
		ddosDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_ddos_drops_total",
			Help: "Connections dropped at accept time by rate/connection caps.",
		}),
		batchMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_batch_mismatch_total",
			Help: "Batch flushes whose backend response cardinality did not match the request.",
		}),
		schedulerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aiproxy_scheduler_inflight",
			Help: "Requests currently admitted past the scheduler's max_inflight budget.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_cache_hits_total",
			Help: "Cache lookups that returned a stored response.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_cache_misses_total",
			Help: "Cache lookups that found nothing stored.",
		}),
	}
	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.backendActive, m.backendWeight,
		m.backendEligible, m.admissionReject, m.ddosDrops, m.batchMismatch,
		m.schedulerInFlight, m.cacheHits, m.cacheMisses,
	)
	return m
}

// Handler returns the promhttp handler for this registry, mounted by
// internal/admin under /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(backendID, status string, seconds float64) {
	m.requestsTotal.WithLabelValues(backendID, status).Inc()
	m.requestDuration.WithLabelValues(backendID).Observe(seconds)
}

func (m *Metrics) SetBackendActive(backendID string, n int)  { m.backendActive.WithLabelValues(backendID).Set(float64(n)) }
func (m *Metrics) SetBackendWeight(backendID string, w int)  { m.backendWeight.WithLabelValues(backendID).Set(float64(w)) }
func (m *Metrics) SetBackendEligible(backendID string, ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	m.backendEligible.WithLabelValues(backendID).Set(v)
}

func (m *Metrics) IncAdmissionRejected(reason string) { m.admissionReject.WithLabelValues(reason).Inc() }
func (m *Metrics) IncDDosDrops()                      { m.ddosDrops.Inc() }
func (m *Metrics) IncBatchMismatch()                  { m.batchMismatch.Inc() }
func (m *Metrics) SetSchedulerInFlight(n int)         { m.schedulerInFlight.Set(float64(n)) }
func (m *Metrics) IncCacheHit()                       { m.cacheHits.Inc() }
func (m *Metrics) IncCacheMiss()                      { m.cacheMisses.Inc() }
