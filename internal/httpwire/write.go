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

package httpwire

import (
	"fmt"
	"strconv"
	"strings"
)

// WriteRequest re-serializes a parsed (and possibly rewritten) request
// with recomputed Content-Length framing, for buffered-mode forwarding.
func WriteRequest(method, path, query, proto string, h *Headers, body []byte) []byte {
	var sb strings.Builder
	target := path
	if query != "" {
		target += "?" + query
	}
	fmt.Fprintf(&sb, "%s %s %s\r\n", method, target, proto)
	writeHeadersWithLength(&sb, h, len(body))
	sb.WriteString("\r\n")
	return append([]byte(sb.String()), body...)
}

// WriteResponse re-serializes a parsed (and possibly rewritten) response
// with recomputed Content-Length framing, for buffered-mode delivery.
func WriteResponse(proto string, status int, reason string, h *Headers, body []byte) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s\r\n", proto, status, reason)
	writeHeadersWithLength(&sb, h, len(body))
	sb.WriteString("\r\n")
	return append([]byte(sb.String()), body...)
}

func writeHeadersWithLength(sb *strings.Builder, h *Headers, bodyLen int) {
	skip := map[string]bool{"content-length": true, "transfer-encoding": true}
	h.Each(func(key, value string) {
		if skip[strings.ToLower(key)] {
			return
		}
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteString("\r\n")
	})
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(bodyLen))
	sb.WriteString("\r\n")
}
