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

package mirror

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestSendDeliversEnvelopeToCollector(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open collector socket: %v", err)
	}
	defer pc.Close()

	m := New(Config{Enabled: true, Collector: pc.LocalAddr().String(), SampleRate: 1, MaxBody: 1024})
	m.Send("req-1", "POST", "/v1/chat", "1.2.3.4", []byte(`{"hello":"world"}`))

	buf := make([]byte, 2048)
	pc.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected a mirrored packet: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(buf[:n], &env); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	if env.Path != "/v1/chat" || env.Method != "POST" || env.Client != "1.2.3.4" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.RequestID != "req-1" {
		t.Fatalf("expected request id to be carried through, got %q", env.RequestID)
	}
}

func TestSendSkipsWhenDisabled(t *testing.T) {
	m := New(Config{Enabled: false})
	m.Send("req-2", "POST", "/x", "1.1.1.1", nil)
	if m.Dropped() != 0 {
		t.Fatalf("disabled mirror should not even attempt a send")
	}
}

func TestSendTruncatesBodyAtCap(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open collector socket: %v", err)
	}
	defer pc.Close()

	m := New(Config{Enabled: true, Collector: pc.LocalAddr().String(), SampleRate: 1, MaxBody: 4})
	m.Send("req-3", "POST", "/v1/chat", "1.2.3.4", []byte("0123456789"))

	buf := make([]byte, 2048)
	pc.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected a mirrored packet: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(buf[:n], &env); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	if env.ReqBody != "0123" {
		t.Fatalf("expected truncated body %q, got %q", "0123", env.ReqBody)
	}
}
