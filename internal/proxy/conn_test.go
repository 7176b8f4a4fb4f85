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
)

// drainPipelined replays the exact dispatch loop onNewConn installs as its
// ReadLoop callback (minus the netconn/plog plumbing), so the Reset-then-
// Feed(nil) pipelining fix can be checked without a live connection.
func drainPipelined(t *testing.T, parser *httpwire.Parser, chunk []byte) []string {
	t.Helper()
	var got []string
	if err := parser.Feed(chunk); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for parser.Done() {
		got = append(got, parser.Path)
		parser.Reset()
		if err := parser.Feed(nil); err != nil {
			t.Fatalf("Feed(nil) after Reset: %v", err)
		}
	}
	return got
}

func TestPipelinedRequestsDrainInOneFeed(t *testing.T) {
	req1 := httpwire.WriteRequest("GET", "/v1/one", "", "HTTP/1.1", &httpwire.Headers{}, nil)
	req2 := httpwire.WriteRequest("GET", "/v1/two", "", "HTTP/1.1", &httpwire.Headers{}, nil)

	parser := httpwire.NewRequestParser(1 << 20)
	paths := drainPipelined(t, parser, append(req1, req2...))

	if len(paths) != 2 {
		t.Fatalf("expected 2 pipelined requests drained, got %d: %v", len(paths), paths)
	}
	if paths[0] != "/v1/one" || paths[1] != "/v1/two" {
		t.Fatalf("unexpected drain order: %v", paths)
	}
}

func TestPipelinedRequestsAcrossMultipleFeeds(t *testing.T) {
	req1 := httpwire.WriteRequest("GET", "/v1/a", "", "HTTP/1.1", &httpwire.Headers{}, nil)
	req2 := httpwire.WriteRequest("GET", "/v1/b", "", "HTTP/1.1", &httpwire.Headers{}, nil)
	whole := append(req1, req2...)

	parser := httpwire.NewRequestParser(1 << 20)

	// Feed the first request plus a few leading bytes of the second, then
	// the rest, confirming a split mid-stream still resolves to both
	// requests once the remainder arrives.
	split := len(req1) + 3
	paths := drainPipelined(t, parser, whole[:split])
	if len(paths) != 1 || paths[0] != "/v1/a" {
		t.Fatalf("expected only the first request to be ready, got %v", paths)
	}

	if err := parser.Feed(whole[split:]); err != nil {
		t.Fatalf("Feed remainder: %v", err)
	}
	if !parser.Done() {
		t.Fatalf("expected second request to be complete after remainder")
	}
	if parser.Path != "/v1/b" {
		t.Fatalf("expected /v1/b, got %q", parser.Path)
	}
}
