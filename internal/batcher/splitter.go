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

// Package batcher implements two distinct features that share one JSON
// array splitter: merging several clients' requests into one backend
// call (and splitting the backend's combined response back out to each
// caller), and splitting one client-submitted JSON array into several
// backend calls.
package batcher

import (
	"bytes"

	"aiproxy/internal/perr"
)

// SplitTopLevelArray splits the top-level elements of a JSON array,
// returning each element's raw bytes (untrimmed of interior whitespace,
// trimmed of the leading/trailing whitespace around commas). It tracks
// string state, backslash escapes, and nesting depth so that commas
// inside strings or nested arrays/objects never split an element.
func SplitTopLevelArray(data []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || trimmed[0] != '[' || trimmed[len(trimmed)-1] != ']' {
		return nil, perr.New(perr.KindBatchMismatch, "response is not a JSON array")
	}
	inner := trimmed[1 : len(trimmed)-1]
	if len(bytes.TrimSpace(inner)) == 0 {
		return nil, nil
	}

	var parts [][]byte
	var inString, escape bool
	depth := 0
	start := 0
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth < 0 {
				return nil, perr.New(perr.KindBatchMismatch, "unbalanced JSON array")
			}
		case ',':
			if depth == 0 {
				parts = append(parts, bytes.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	if inString || depth != 0 {
		return nil, perr.New(perr.KindBatchMismatch, "malformed JSON array")
	}
	parts = append(parts, bytes.TrimSpace(inner[start:]))
	return parts, nil
}

// JoinTopLevelArray re-wraps previously split elements into one JSON
// array, joined by a single comma with no extra whitespace — the exact
// inverse of SplitTopLevelArray for well-formed input.
func JoinTopLevelArray(items [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, it := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(it)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// LooksLikeJSON reports whether body's first non-whitespace byte opens a
// JSON object or array, the batcher eligibility content sniff.
func LooksLikeJSON(body []byte) bool {
	t := bytes.TrimSpace(body)
	if len(t) == 0 {
		return false
	}
	return t[0] == '{' || t[0] == '['
}
