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

// Package rewrite applies declared header and body rules to requests and
// responses after parse, before forward (requests) and before delivery
// (responses).
package rewrite

import (
	"bytes"
	"strings"

	"aiproxy/internal/httpwire"
)

// Rule mirrors pconfig.RewriteRule; kept local to avoid an import cycle.
type Rule struct {
	PathPrefix      string
	Method          string
	SetReqHeader    map[string]string
	DelReqHeader    []string
	ReqBodyReplace  map[string]string
	SetRespHeader   map[string]string
	DelRespHeader   []string
	RespBodyReplace map[string]string
}

// Engine holds the declared rule set in configuration order; rules are
// applied in that order, each one potentially touching headers and body.
type Engine struct {
	rules []Rule
}

// New builds an Engine from rules, in declared order.
func New(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Matching returns the subset of rules whose path_prefix (and, if set,
// method) matches the given request, in declared order.
func (e *Engine) Matching(method, path string) []Rule {
	var out []Rule
	for _, r := range e.rules {
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ApplyRequest applies matching rules' header mutations unconditionally
// and body replaces only when buffered is true (streaming mode downgrades
// to header-only, per the engine's buffered-mode requirement for body
// rewrites).
func ApplyRequest(rules []Rule, h *httpwire.Headers, body []byte, buffered bool) []byte {
	for _, r := range rules {
		for k, v := range r.SetReqHeader {
			h.Set(k, v)
		}
		for _, k := range r.DelReqHeader {
			h.Del(k)
		}
		if buffered {
			for from, to := range r.ReqBodyReplace {
				body = bytes.ReplaceAll(body, []byte(from), []byte(to))
			}
		}
	}
	return body
}

// ApplyResponse is ApplyRequest's response-side counterpart.
func ApplyResponse(rules []Rule, h *httpwire.Headers, body []byte, buffered bool) []byte {
	for _, r := range rules {
		for k, v := range r.SetRespHeader {
			h.Set(k, v)
		}
		for _, k := range r.DelRespHeader {
			h.Del(k)
		}
		if buffered {
			for from, to := range r.RespBodyReplace {
				body = bytes.ReplaceAll(body, []byte(from), []byte(to))
			}
		}
	}
	return body
}

// RequiresBuffering reports whether any matching rule needs a body
// replace, so the pipeline knows to buffer the full body before applying
// rewrite rather than streaming it through untouched.
func RequiresBuffering(rules []Rule) bool {
	for _, r := range rules {
		if len(r.ReqBodyReplace) > 0 || len(r.RespBodyReplace) > 0 {
			return true
		}
	}
	return false
}
