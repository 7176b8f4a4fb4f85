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

// Package httpwire is the incremental HTTP/1.x request/response parser and
// the framing/keep-alive rules that drive the forwarding pipeline.
package httpwire

import "strings"

// Headers is a case-insensitive multimap, matching HTTP's header-name
// matching rule; insertion order is preserved for repeated set/remove in
// the rewrite engine.
type Headers struct {
	keys   []string // original-case keys, one per value, parallel to vals
	vals   []string
}

func (h *Headers) Add(key, value string) {
	h.keys = append(h.keys, key)
	h.vals = append(h.vals, value)
}

// Get returns the first value for key (case-insensitive), if any.
func (h *Headers) Get(key string) (string, bool) {
	for i, k := range h.keys {
		if strings.EqualFold(k, key) {
			return h.vals[i], true
		}
	}
	return "", false
}

// Values returns all values for key (case-insensitive), in order.
func (h *Headers) Values(key string) []string {
	var out []string
	for i, k := range h.keys {
		if strings.EqualFold(k, key) {
			out = append(out, h.vals[i])
		}
	}
	return out
}

// Set replaces all existing values for key with a single value, appending
// if none existed.
func (h *Headers) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Del removes every value for key (case-insensitive).
func (h *Headers) Del(key string) {
	keys := h.keys[:0]
	vals := h.vals[:0]
	for i, k := range h.keys {
		if !strings.EqualFold(k, key) {
			keys = append(keys, k)
			vals = append(vals, h.vals[i])
		}
	}
	h.keys, h.vals = keys, vals
}

// Each calls f for every header in order.
func (h *Headers) Each(f func(key, value string)) {
	for i, k := range h.keys {
		f(k, h.vals[i])
	}
}

// Write serializes headers in "Key: Value\r\n" form, one per line.
func (h *Headers) Write(sb *strings.Builder) {
	for i, k := range h.keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(h.vals[i])
		sb.WriteString("\r\n")
	}
}

func hasToken(headerValue, token string) bool {
	for _, part := range strings.Split(headerValue, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
