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
	"net/url"
	"strconv"
	"strings"
	"time"

	"aiproxy/internal/admission"
	"aiproxy/internal/batcher"
	"aiproxy/internal/cachehook"
	"aiproxy/internal/httpwire"
	"aiproxy/internal/netconn"
	"aiproxy/internal/perr"
	"aiproxy/internal/plog"
	"aiproxy/internal/reactor"
	"aiproxy/internal/rewrite"
	"aiproxy/internal/scheduler"

	"github.com/google/uuid"
)

// handleRequest runs one fully-parsed client request through the whole
// admission -> schedule -> select -> lease -> rewrite -> forward ->
// rewrite -> cache -> respond pipeline, and writes the result back onto
// c. It owns the full lifetime of whatever slots it acquires: every
// early return below releases anything it already holds.
func (s *Server) handleRequest(c *netconn.Conn, req clientRequest) {
	requestID := uuid.NewString()
	log := plog.For(plog.ComponentProxy).WithConn(req.remote).WithRequest(requestID)

	userKey := headerOr(req.headers, "X-User-Key", req.remote)
	serviceKey := headerOr(req.headers, "X-Service-Key", "")
	token, _ := req.headers.Get(s.cfg.Admission.ApiTokenHeader)

	if pe := s.admission.Check(admission.Request{
		RemoteIP:   req.remote,
		Path:       req.path,
		APIToken:   token,
		UserKey:    userKey,
		ServiceKey: serviceKey,
	}); pe != nil {
		s.metrics.IncAdmissionRejected(pe.Kind().String())
		s.writeError(c, req.proto, pe)
		return
	}

	lease := s.admission.Acquire(userKey, serviceKey)
	defer lease.Release()

	ctx := context.Background()

	var cacheKey string
	if s.cache != nil && req.method == "GET" {
		cacheKey = cachehook.Fingerprint(req.method, req.path, req.query, nil, nil)
		if body, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
			s.metrics.IncCacheHit()
			s.writeResponse(c, req.proto, 200, httpwire.Headers{}, body)
			return
		}
		s.metrics.IncCacheMiss()
	}

	entry := &scheduler.Entry{
		Priority: schedulerPriority(req.headers, req.query, s.cfg.Scheduler.PriorityHdr),
		FlowKey:  headerOrQuery(req.headers, req.query, s.cfg.Scheduler.FlowHeader, req.remote),
		Deadline: schedulerDeadline(req.headers, req.query, s.cfg.Scheduler.DeadlineHeader),
	}
	if err := s.scheduler.Admit(ctx, entry); err != nil {
		s.writeError(c, req.proto, perr.Wrap(perr.KindTimeout, err, "scheduler: admission abandoned"))
		return
	}
	defer s.scheduler.End()
	s.metrics.SetSchedulerInFlight(s.scheduler.InFlight())

	model, _ := req.headers.Get("X-Model")
	version, _ := req.headers.Get("X-Model-Version")
	id, err := s.pick.Pick(req.method+req.path, model, version)
	if err != nil {
		s.metrics.IncAdmissionRejected("no_backend")
		s.writeError(c, req.proto, perr.Wrap(perr.KindNoBackend, err, "no eligible backend"))
		return
	}
	info, ok := s.registry.Get(id)
	if !ok {
		s.writeError(c, req.proto, perr.New(perr.KindNoBackend, "backend %s vanished", id))
		return
	}

	rules := s.rewrite.Matching(req.method, req.path)
	mustBuffer := rewrite.RequiresBuffering(rules)
	body := s.rewrite.ApplyRequest(rules, &req.headers, req.body, mustBuffer)

	s.mirror.Send(requestID, req.method, req.path, req.remote, body)

	var (
		status       int
		respBody     []byte
		finalHeaders httpwire.Headers
		elapsedMs    int64
	)

	switch {
	case s.batcher.Eligible(req.method, req.path, headerPresent(req.headers, s.cfg.Batcher.RequireHeader), body):
		start := time.Now()
		key := id + "|" + req.path + "|" + model
		res := <-s.batcher.Add(ctx, key, body)
		elapsedMs = time.Since(start).Milliseconds()
		if res.Err != nil {
			status = res.Err.HTTPStatus()
			respBody = []byte(res.Err.Error())
		} else {
			status, respBody = res.Status, res.Body
		}
	case batcher.LooksLikeJSON(body) && len(body) > 0 && body[0] == '[':
		start := time.Now()
		joined, err := batcher.SplitAndForward(ctx, body, func(ctx context.Context, item []byte) (int, []byte, error) {
			st, _, b, _, ferr := s.forwardOnce(ctx, c.Loop(), id, info.Address, req.method, req.path, req.query, req.proto, req.headers, item)
			return st, b, ferr
		})
		elapsedMs = time.Since(start).Milliseconds()
		if err != nil {
			status = 502
			respBody = []byte(err.Error())
		} else {
			status, respBody = 200, joined
		}
	default:
		// Forwarding-mode decision: a body mutation that must apply (a
		// rewrite rule's body replace) always forces buffered mode. A
		// cache store is a soft preference the client can opt out of
		// with X-Stream; everything else defaults to streaming, since
		// nothing downstream needs the full response body.
		wantCache := cacheKey != "" && s.cache != nil
		clientWantsStream := headerPresent(req.headers, "X-Stream")
		buffered := mustBuffer || (wantCache && !clientWantsStream)

		if !buffered {
			st, elapsed, ferr := s.forwardStream(ctx, c.Loop(), c, id, info.Address, req.method, req.path, req.query, req.proto, req.headers, body)
			if ferr != nil {
				s.registry.ReportFailure(id)
				s.writeError(c, req.proto, perr.Wrap(perr.KindBackendIoError, ferr, "backend io error"))
				return
			}
			s.metrics.ObserveRequest(id, strconv.Itoa(st), float64(elapsed)/1000)
			return
		}

		var ferr error
		var respHeaders httpwire.Headers
		status, respHeaders, respBody, elapsedMs, ferr = s.forwardOnce(ctx, c.Loop(), id, info.Address, req.method, req.path, req.query, req.proto, req.headers, body)
		if ferr != nil {
			s.registry.ReportFailure(id)
			s.writeError(c, req.proto, perr.Wrap(perr.KindBackendIoError, ferr, "backend io error"))
			return
		}
		respBody = s.rewrite.ApplyResponse(rules, &respHeaders, respBody, buffered)
		finalHeaders = respHeaders
	}

	s.metrics.ObserveRequest(id, strconv.Itoa(status), float64(elapsedMs)/1000)
	if cacheKey != "" && s.cache != nil && status == 200 {
		if err := s.cache.Set(ctx, cacheKey, respBody, s.cfg.Cache.TTL); err != nil {
			log.WithError(err).Debugf("cache store failed")
		}
	}

	s.writeResponse(c, req.proto, status, finalHeaders, respBody)
}

// forwardOnce leases a pooled backend connection, writes one request, and
// blocks for its response, buffering the whole body. Used for the
// buffered forwarding mode and as the inner primitive for both batching
// features; elapsed is the round-trip time in milliseconds.
func (s *Server) forwardOnce(ctx context.Context, loop *reactor.Loop, backendID, addr, method, path, query, proto string, headers httpwire.Headers, body []byte) (status int, respHeaders httpwire.Headers, respBody []byte, elapsed int64, err error) {
	lease, err := s.pool.Acquire(ctx, loop, backendID, addr)
	if err != nil {
		return 0, httpwire.Headers{}, nil, 0, err
	}
	s.registry.OnConnStart(backendID)
	start := time.Now()

	wireReq := httpwire.WriteRequest(method, path, query, proto, &headers, body)
	if _, err := lease.Conn.Raw().Write(wireReq); err != nil {
		s.registry.OnConnEnd(backendID)
		lease.Release(false)
		return 0, httpwire.Headers{}, nil, 0, err
	}

	parser := httpwire.NewResponseParser(s.maxBodyBytes)
	buf := make([]byte, 16*1024)
	for !parser.Done() {
		n, rerr := lease.Conn.Raw().Read(buf)
		if n > 0 {
			if ferr := parser.Feed(buf[:n]); ferr != nil {
				s.registry.OnConnEnd(backendID)
				lease.Release(false)
				return 0, httpwire.Headers{}, nil, 0, ferr
			}
		}
		if rerr != nil {
			s.registry.OnConnEnd(backendID)
			lease.Release(false)
			return 0, httpwire.Headers{}, nil, 0, rerr
		}
	}

	elapsedMs := time.Since(start).Milliseconds()
	s.registry.RecordLatency(backendID, float64(elapsedMs))
	s.registry.OnConnEnd(backendID)
	lease.Release(parser.KeepAlive)

	return parser.Status, parser.Headers, parser.Body, elapsedMs, nil
}

// forwardStream leases a pooled backend connection, writes one request,
// and relays the response to the client byte-for-byte as it arrives off
// the backend socket, without ever buffering the body. It is the
// streaming half of the forwarding-mode decision: the first bytes the
// backend produces reach the client immediately, rather than waiting
// for the whole response. A Parser with an unbounded body cap
// (maxBody=0) is fed a copy of every chunk purely so Done()/Status stay
// available for bookkeeping; it never gates what gets sent to c.
func (s *Server) forwardStream(ctx context.Context, loop *reactor.Loop, c *netconn.Conn, backendID, addr, method, path, query, proto string, headers httpwire.Headers, body []byte) (status int, elapsed int64, err error) {
	lease, err := s.pool.Acquire(ctx, loop, backendID, addr)
	if err != nil {
		return 0, 0, err
	}
	s.registry.OnConnStart(backendID)
	start := time.Now()

	wireReq := httpwire.WriteRequest(method, path, query, proto, &headers, body)
	if _, err := lease.Conn.Raw().Write(wireReq); err != nil {
		s.registry.OnConnEnd(backendID)
		lease.Release(false)
		return 0, 0, err
	}

	bookkeeper := httpwire.NewResponseParser(0)
	buf := make([]byte, 16*1024)
	for !bookkeeper.Done() {
		n, rerr := lease.Conn.Raw().Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if serr := c.Send(chunk); serr != nil {
				s.registry.OnConnEnd(backendID)
				lease.Release(false)
				return 0, 0, serr
			}
			if ferr := bookkeeper.Feed(chunk); ferr != nil {
				s.registry.OnConnEnd(backendID)
				lease.Release(false)
				return 0, 0, ferr
			}
		}
		if rerr != nil {
			s.registry.OnConnEnd(backendID)
			lease.Release(false)
			return 0, 0, rerr
		}
	}

	elapsedMs := time.Since(start).Milliseconds()
	s.registry.RecordLatency(backendID, float64(elapsedMs))
	s.registry.OnConnEnd(backendID)
	lease.Release(bookkeeper.KeepAlive)

	if bookkeeper.FramingKind() == httpwire.FramingReadUntilClose {
		plog.For(plog.ComponentProxy).WithBackend(backendID).Debugf("streamed response had no explicit framing, relied on connection close")
	}

	return bookkeeper.Status, elapsedMs, nil
}

// sendMerged is the batcher's SendFunc: key is "backendID|path|model" as
// built in handleRequest, so the flush can re-derive where to send the
// merged array without threading extra state through the batcher.
func (s *Server) sendMerged(ctx context.Context, key string, body []byte) ([]byte, error) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) < 2 {
		return nil, perr.New(perr.KindBatchMismatch, "malformed batch key %q", key)
	}
	backendID, path := parts[0], parts[1]
	info, ok := s.registry.Get(backendID)
	if !ok {
		return nil, perr.New(perr.KindNoBackend, "batch target %s vanished", backendID)
	}
	_, _, respBody, _, err := s.forwardOnce(ctx, s.reactorPool.Next(), backendID, info.Address, "POST", path, "", "HTTP/1.1", httpwire.Headers{}, body)
	return respBody, err
}

func headerOr(h httpwire.Headers, key, fallback string) string {
	if key == "" {
		return fallback
	}
	if v, ok := h.Get(key); ok {
		return v
	}
	return fallback
}

func headerPresent(h httpwire.Headers, key string) bool {
	if key == "" {
		return false
	}
	_, ok := h.Get(key)
	return ok
}

// headerOrQuery resolves key from the header set first, falling back to
// the raw query string, per the "header or query" metadata contract for
// scheduler/selector-facing request fields.
func headerOrQuery(h httpwire.Headers, rawQuery, key, fallback string) string {
	if key == "" {
		return fallback
	}
	if v, ok := h.Get(key); ok {
		return v
	}
	if v, ok := queryValue(rawQuery, key); ok {
		return v
	}
	return fallback
}

func queryValue(rawQuery, key string) (string, bool) {
	if rawQuery == "" || key == "" {
		return "", false
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", false
	}
	v := values.Get(key)
	if v == "" {
		return "", false
	}
	return v, true
}

func schedulerPriority(h httpwire.Headers, rawQuery, key string) int {
	v, ok := h.Get(key)
	if !ok {
		if v, ok = queryValue(rawQuery, key); !ok {
			return 0
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func schedulerDeadline(h httpwire.Headers, rawQuery, key string) time.Time {
	v, ok := h.Get(key)
	if !ok {
		if v, ok = queryValue(rawQuery, key); !ok {
			return time.Time{}
		}
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}
