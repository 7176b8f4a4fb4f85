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

// Package cachehook is the proxy's best-effort external response cache.
// It speaks two wire dialects against a simple key/value backing store
// (RESP and text memcache); the store's own protocol bytes beyond
// Get/Set are an external collaborator per the proxy's scope. All
// operations are bounded by a timeout and degrade transparently to
// origin on failure, per the CacheError handling rule.
package cachehook

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the wire protocol spoken to the backing store.
type Dialect string

const (
	DialectRESP     Dialect = "resp"
	DialectMemcache Dialect = "memcache"
)

// Cache is the external key/value cache collaborator.
type Cache interface {
	Get(ctx context.Context, fp string) ([]byte, bool, error)
	Set(ctx context.Context, fp string, body []byte, ttl time.Duration) error
}

// Fingerprint hashes the method, path, query, and selected headers into a
// stable hex string used as the cache key.
func Fingerprint(method, path, query string, headers map[string]string, headerNames []string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(query))
	for _, name := range headerNames {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(headers[strings.ToLower(name)]))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// dialer is a small TCP client shared by both dialects; it opens a fresh
// connection per operation, which keeps it trivially safe for concurrent
// callers at the cost of connection reuse -- acceptable for a best-effort
// side channel that never blocks the request path for long.
type dialer struct {
	addr    string
	timeout time.Duration
}

// New constructs a Cache for the given dialect. An unrecognized dialect
// disables caching (Get always misses, Set always no-ops) rather than
// erroring, since cache failures must degrade silently.
func New(dialect Dialect, addr string, timeout time.Duration) Cache {
	d := dialer{addr: addr, timeout: timeout}
	switch dialect {
	case DialectRESP:
		return respCache{d}
	case DialectMemcache:
		return memcacheCache{d}
	default:
		return noopCache{}
	}
}

func (d dialer) dial(ctx context.Context) (net.Conn, error) {
	dl := net.Dialer{Timeout: d.timeout}
	return dl.DialContext(ctx, "tcp", d.addr)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) ([]byte, bool, error)       { return nil, false, nil }
func (noopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

// respCache speaks a minimal RESP (Redis) subset: GET/SET as bulk strings.
type respCache struct{ d dialer }

func (c respCache) Get(ctx context.Context, fp string) ([]byte, bool, error) {
	conn, err := c.d.dial(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.d.timeout))
	if _, err = conn.Write(respArray("GET", fp)); err != nil {
		return nil, false, err
	}
	r := bufio.NewReader(conn)
	return readRESPBulk(r)
}

func (c respCache) Set(ctx context.Context, fp string, body []byte, ttl time.Duration) error {
	conn, err := c.d.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.d.timeout))
	var cmd []byte
	if ttl > 0 {
		cmd = respArray("SET", fp, string(body), "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	} else {
		cmd = respArray("SET", fp, string(body))
	}
	if _, err = conn.Write(cmd); err != nil {
		return err
	}
	r := bufio.NewReader(conn)
	_, err = r.ReadString('\n')
	return err
}

func respArray(parts ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(parts))
	for _, p := range parts {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(p), p)
	}
	return []byte(b.String())
}

func readRESPBulk(r *bufio.Reader) ([]byte, bool, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, false, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '$' {
		return nil, false, nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 0 {
		return nil, false, nil
	}
	buf := make([]byte, n+2)
	if _, err = ioReadFull(r, buf); err != nil {
		return nil, false, err
	}
	return buf[:n], true, nil
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// memcacheCache speaks the text memcache protocol.
type memcacheCache struct{ d dialer }

func (c memcacheCache) Get(ctx context.Context, fp string) ([]byte, bool, error) {
	conn, err := c.d.dial(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.d.timeout))
	if _, err = fmt.Fprintf(conn, "get %s\r\n", fp); err != nil {
		return nil, false, err
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, false, err
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "END") {
		return nil, false, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return nil, false, nil
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, false, nil
	}
	buf := make([]byte, n+2)
	if _, err = ioReadFull(r, buf); err != nil {
		return nil, false, err
	}
	return buf[:n], true, nil
}

func (c memcacheCache) Set(ctx context.Context, fp string, body []byte, ttl time.Duration) error {
	conn, err := c.d.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.d.timeout))
	secs := int(ttl.Seconds())
	if _, err = fmt.Fprintf(conn, "set %s 0 %d %d\r\n%s\r\n", fp, secs, len(body), body); err != nil {
		return err
	}
	r := bufio.NewReader(conn)
	_, err = r.ReadString('\n')
	return err
}
