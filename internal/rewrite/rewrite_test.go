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

package rewrite

import (
	"testing"

	"aiproxy/internal/httpwire"
)

func TestMatchingFiltersByPrefixAndMethod(t *testing.T) {
	e := New([]Rule{
		{PathPrefix: "/v1/", Method: "POST"},
		{PathPrefix: "/v1/chat"},
		{PathPrefix: "/v2/"},
	})
	got := e.Matching("POST", "/v1/chat")
	if len(got) != 2 {
		t.Fatalf("expected 2 matching rules, got %d", len(got))
	}
	got = e.Matching("GET", "/v1/chat")
	if len(got) != 1 {
		t.Fatalf("expected method-specific rule to be excluded, got %d", len(got))
	}
}

func TestApplyRequestHeadersAlwaysApply(t *testing.T) {
	rules := []Rule{{SetReqHeader: map[string]string{"X-A": "1"}, DelReqHeader: []string{"X-B"}}}
	var h httpwire.Headers
	h.Add("X-B", "old")
	ApplyRequest(rules, &h, []byte("body"), false)
	if v, ok := h.Get("X-A"); !ok || v != "1" {
		t.Fatalf("expected X-A set, got %q ok=%v", v, ok)
	}
	if _, ok := h.Get("X-B"); ok {
		t.Fatalf("expected X-B removed")
	}
}

func TestApplyRequestBodyReplaceOnlyWhenBuffered(t *testing.T) {
	rules := []Rule{{ReqBodyReplace: map[string]string{"foo": "bar"}}}
	var h httpwire.Headers
	out := ApplyRequest(rules, &h, []byte("foo baz"), false)
	if string(out) != "foo baz" {
		t.Fatalf("expected no replace in streaming mode, got %q", out)
	}
	out = ApplyRequest(rules, &h, []byte("foo baz"), true)
	if string(out) != "bar baz" {
		t.Fatalf("expected replace in buffered mode, got %q", out)
	}
}

func TestRequiresBuffering(t *testing.T) {
	if RequiresBuffering([]Rule{{SetReqHeader: map[string]string{"a": "b"}}}) {
		t.Fatalf("header-only rules should not require buffering")
	}
	if !RequiresBuffering([]Rule{{RespBodyReplace: map[string]string{"a": "b"}}}) {
		t.Fatalf("response body replace should require buffering")
	}
}
