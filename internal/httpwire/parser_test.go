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

import "testing"

func TestRequestParserContentLength(t *testing.T) {
	p := NewRequestParser(0)
	raw := "POST /v1/chat?stream=1 HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Done() {
		t.Fatalf("expected Done, got state %v", p.State())
	}
	if p.Method != "POST" || p.Path != "/v1/chat" || p.Query != "stream=1" {
		t.Fatalf("unexpected request line parse: %+v", p)
	}
	if string(p.Body) != "hello" {
		t.Fatalf("unexpected body %q", p.Body)
	}
	if !p.KeepAlive {
		t.Fatalf("expected keep-alive true by HTTP/1.1 default")
	}
}

func TestRequestParserSplitAcrossFeeds(t *testing.T) {
	p := NewRequestParser(0)
	parts := []string{"GET /healt", "hz HTTP/1.1\r\n", "Host: x\r\n", "\r\n"}
	for _, part := range parts {
		if err := p.Feed([]byte(part)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if !p.Done() {
		t.Fatalf("expected Done after final feed, got %v", p.State())
	}
	if p.Path != "/healthz" {
		t.Fatalf("expected split path to reassemble, got %q", p.Path)
	}
}

func TestRequestParserConnectionClose(t *testing.T) {
	p := NewRequestParser(0)
	raw := "GET / HTTP/1.1\r\nConnection: close\r\n\r\n"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.KeepAlive {
		t.Fatalf("expected keep-alive false with Connection: close")
	}
}

func TestResponseParserChunked(t *testing.T) {
	p := NewResponseParser(0)
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Done() {
		t.Fatalf("expected Done, got %v", p.State())
	}
	if string(p.Body) != "hello" {
		t.Fatalf("unexpected chunked body %q", p.Body)
	}
	if p.FramingKind() != FramingChunked {
		t.Fatalf("expected chunked framing")
	}
}

func TestResponseParserReadUntilClose(t *testing.T) {
	p := NewResponseParser(0)
	raw := "HTTP/1.0 200 OK\r\n\r\nsome body without length"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != ExpectBody {
		t.Fatalf("expected still reading body until close, got %v", p.State())
	}
	if p.KeepAlive {
		t.Fatalf("read-until-close framing must not be reusable")
	}
}

func TestBodyTooLarge(t *testing.T) {
	p := NewRequestParser(4)
	raw := "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	err := p.Feed([]byte(raw))
	if err == nil {
		t.Fatalf("expected BodyTooLarge error")
	}
}

func TestMalformedRequestLine(t *testing.T) {
	p := NewRequestParser(0)
	err := p.Feed([]byte("GARBAGE\r\n\r\n"))
	if err == nil {
		t.Fatalf("expected protocol error for malformed request line")
	}
	if !p.Failed() {
		t.Fatalf("expected parser to land in Error state")
	}
}

func TestChunkedFramingWinsOverContentLength(t *testing.T) {
	p := NewResponseParser(0)
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"2\r\nhi\r\n0\r\n\r\n"
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FramingKind() != FramingChunked {
		t.Fatalf("expected chunked to win over content-length")
	}
	if string(p.Body) != "hi" {
		t.Fatalf("unexpected body %q", p.Body)
	}
}
