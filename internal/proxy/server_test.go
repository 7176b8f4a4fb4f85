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

package proxy

import (
	"testing"

	"aiproxy/internal/httpwire"
	"aiproxy/internal/pconfig"
)

func testConfig() *pconfig.Config {
	cfg := pconfig.Default()
	cfg.Backends = []pconfig.BackendConfig{
		{ID: "be-1", Address: "127.0.0.1:9001", BaseWeight: 10},
	}
	cfg.Admin.Addr = ""
	return cfg
}

func TestNewAssemblesWithoutNetworkIO(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if srv.registry == nil || srv.pick == nil {
		t.Fatalf("expected registry and selector to be wired")
	}
	if _, ok := srv.registry.Get("be-1"); !ok {
		t.Fatalf("expected configured backend to be registered")
	}
}

func TestStatsAndDiagnoseReportLiveState(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats := srv.stats()
	if _, ok := stats["backends"]; !ok {
		t.Fatalf("stats missing backends key: %#v", stats)
	}
	if _, ok := stats["scheduler_inflight"]; !ok {
		t.Fatalf("stats missing scheduler_inflight key: %#v", stats)
	}

	diag := srv.diagnose()
	loops, ok := diag["reactor_loops"].(int)
	if !ok || loops != srv.cfg.Reactor.Loops {
		t.Fatalf("expected reactor_loops=%d, got %#v", srv.cfg.Reactor.Loops, diag["reactor_loops"])
	}
}

func TestHeaderHelpers(t *testing.T) {
	h := httpwire.Headers{}
	h.Set("X-Priority", "7")
	h.Set("X-Flow", "tenant-a")

	if got := headerOr(h, "X-Flow", "fallback"); got != "tenant-a" {
		t.Fatalf("headerOr: got %q", got)
	}
	if got := headerOr(h, "X-Missing", "fallback"); got != "fallback" {
		t.Fatalf("headerOr fallback: got %q", got)
	}
	if got := headerOr(httpwire.Headers{}, "", "fallback"); got != "fallback" {
		t.Fatalf("headerOr empty key: got %q", got)
	}

	if !headerPresent(h, "X-Priority") {
		t.Fatalf("expected X-Priority to be present")
	}
	if headerPresent(h, "X-Absent") {
		t.Fatalf("expected X-Absent to be absent")
	}
	if headerPresent(h, "") {
		t.Fatalf("expected empty key to report absent")
	}

	if got := schedulerPriority(h, "", "X-Priority"); got != 7 {
		t.Fatalf("schedulerPriority: got %d", got)
	}
	if got := schedulerPriority(h, "", "X-Missing"); got != 0 {
		t.Fatalf("schedulerPriority missing header: got %d", got)
	}
	if got := schedulerPriority(httpwire.Headers{}, "X-Priority=9", "X-Priority"); got != 9 {
		t.Fatalf("schedulerPriority query fallback: got %d", got)
	}

	h.Set("X-Deadline-Ms", "500")
	dl := schedulerDeadline(h, "", "X-Deadline-Ms")
	if dl.IsZero() {
		t.Fatalf("expected a non-zero deadline")
	}
	if got := schedulerDeadline(h, "", "X-Missing"); !got.IsZero() {
		t.Fatalf("expected zero deadline for missing header, got %v", got)
	}
	if got := schedulerDeadline(httpwire.Headers{}, "X-Deadline-Ms=250", "X-Deadline-Ms"); got.IsZero() {
		t.Fatalf("expected query fallback deadline to be non-zero")
	}

	if got := headerOrQuery(h, "", "X-Flow", "fallback"); got != "fallback" {
		t.Fatalf("headerOrQuery missing: got %q", got)
	}
	if got := headerOrQuery(httpwire.Headers{}, "X-Flow=tenant-b", "X-Flow", "fallback"); got != "tenant-b" {
		t.Fatalf("headerOrQuery query fallback: got %q", got)
	}
}
