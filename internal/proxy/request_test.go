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
	"context"
	"net"
	"testing"
	"time"

	"aiproxy/internal/httpwire"
	"aiproxy/internal/netconn"
)

// chunkedBackend starts a fake backend that replies with a chunked body
// split across two writes, the second delayed, so the test can assert
// the first chunk is relayed to the client before the second exists.
func chunkedBackend(t *testing.T, gap time.Duration) (addr string, firstWriteAt <-chan time.Time) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan time.Time, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)

		head := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
		_, _ = conn.Write([]byte(head))
		_, _ = conn.Write([]byte("1\r\nA\r\n"))
		ch <- time.Now()
		time.Sleep(gap)
		_, _ = conn.Write([]byte("1\r\nB\r\n0\r\n\r\n"))
	}()
	return ln.Addr().String(), ch
}

func TestForwardStreamRelaysFirstChunkBeforeSecondIsProduced(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	addr, backendSentFirst := chunkedBackend(t, 100*time.Millisecond)

	clientRaw, testRaw := net.Pipe()
	defer clientRaw.Close()
	defer testRaw.Close()

	loop := srv.reactorPool.Next()
	c := netconn.New("test-client", clientRaw, loop, 0, nil, nil)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		first := true
		for {
			n, err := testRaw.Read(buf)
			if n > 0 && first {
				first = false
				received <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	var status int
	go func() {
		status, _, err = srv.forwardStream(context.Background(), loop, c, "be-1", addr, "GET", "/v1/x", "", "HTTP/1.1", httpwire.Headers{}, nil)
		close(done)
	}()

	var firstReadAt time.Time
	select {
	case b := <-received:
		firstReadAt = time.Now()
		if len(b) == 0 {
			t.Fatalf("expected a non-empty first read relayed to the client")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client never received the first relayed chunk")
	}

	select {
	case sentAt := <-backendSentFirst:
		if firstReadAt.Sub(sentAt) > 80*time.Millisecond {
			t.Fatalf("client read the first chunk too long after the backend sent it, streaming isn't byte-for-byte immediate")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backend never reported sending its first chunk")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("forwardStream never completed")
	}
	if err != nil {
		t.Fatalf("forwardStream: %v", err)
	}
	if status != 200 {
		t.Fatalf("expected status 200, got %d", status)
	}
}

func TestForwardOnceReturnsMeasuredLatency(t *testing.T) {
	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		time.Sleep(20 * time.Millisecond)
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	loop := srv.reactorPool.Next()
	status, _, body, elapsed, err := srv.forwardOnce(context.Background(), loop, "be-1", ln.Addr().String(), "GET", "/v1/x", "", "HTTP/1.1", httpwire.Headers{}, nil)
	if err != nil {
		t.Fatalf("forwardOnce: %v", err)
	}
	if status != 200 || string(body) != "ok" {
		t.Fatalf("unexpected response: status=%d body=%q", status, body)
	}
	if elapsed < 15 {
		t.Fatalf("expected elapsed latency to reflect the ~20ms backend delay, got %dms", elapsed)
	}
}
