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

// Package mirror best-effort duplicates request metadata to a collector
// over UDP. It never blocks or fails the request path: send errors are
// logged and dropped.
package mirror

import (
	"encoding/json"
	"math/rand"
	"net"
	"sync"
	"time"

	"aiproxy/internal/plog"
)

// Config mirrors pconfig.MirrorConfig; kept local to avoid an import
// cycle.
type Config struct {
	Enabled    bool
	Collector  string
	SampleRate float64
	MaxPacket  int
	MaxBody    int
}

// Envelope is the JSON payload sent to the collector.
type Envelope struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Path      string `json:"path"`
	Method    string `json:"method"`
	Client    string `json:"client"`
	ReqBody   string `json:"req_body,omitempty"`
}

// Mirror owns one UDP socket to the collector, reused across sends.
type Mirror struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn

	dropped struct {
		sync.Mutex
		count int64
	}
}

// New builds a Mirror. The UDP socket is dialed lazily on first Send so a
// misconfigured or unreachable collector never blocks startup.
func New(cfg Config) *Mirror {
	return &Mirror{cfg: cfg}
}

// Send mirrors one request, subject to the sample rate, packet cap, and
// body cap. Always returns immediately; failures are logged, not
// propagated. requestID correlates the envelope with the request's log
// lines; pass "" if none was assigned.
func (m *Mirror) Send(requestID, method, path, client string, reqBody []byte) {
	if !m.cfg.Enabled || m.cfg.Collector == "" {
		return
	}
	if m.cfg.SampleRate < 1 && rand.Float64() >= m.cfg.SampleRate {
		return
	}

	body := reqBody
	if m.cfg.MaxBody > 0 && len(body) > m.cfg.MaxBody {
		body = body[:m.cfg.MaxBody]
	}
	env := Envelope{Event: "request", RequestID: requestID, Path: path, Method: method, Client: client, ReqBody: string(body)}
	packet, err := json.Marshal(env)
	if err != nil {
		m.drop("marshal error", err)
		return
	}
	if m.cfg.MaxPacket > 0 && len(packet) > m.cfg.MaxPacket {
		packet = packet[:m.cfg.MaxPacket]
	}

	conn, err := m.conn0()
	if err != nil {
		m.drop("dial error", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := conn.Write(packet); err != nil {
		m.drop("write error", err)
	}
}

func (m *Mirror) conn0() (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	c, err := net.Dial("udp", m.cfg.Collector)
	if err != nil {
		return nil, err
	}
	m.conn = c
	return c, nil
}

func (m *Mirror) drop(reason string, err error) {
	m.dropped.Lock()
	m.dropped.count++
	m.dropped.Unlock()
	plog.For(plog.ComponentMirror).WithError(err).Debugf("mirror send dropped: %s", reason)
}

// Dropped reports the cumulative count of failed mirror sends, for /stats.
func (m *Mirror) Dropped() int64 {
	m.dropped.Lock()
	defer m.dropped.Unlock()
	return m.dropped.count
}
