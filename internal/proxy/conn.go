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
	"strings"

	"aiproxy/internal/httpwire"
	"aiproxy/internal/netconn"
	"aiproxy/internal/plog"
)

// clientRequest is a snapshot of one fully-parsed client message, copied
// out of the shared Parser before the parser is reset for the next
// pipelined message on the same connection.
type clientRequest struct {
	method  string
	path    string
	query   string
	proto   string
	headers httpwire.Headers
	body    []byte
	remote  string
}

// onNewConn is installed as the acceptor's NewConnFunc: every accepted
// (and, if configured, TLS-terminated) connection lands here on its
// assigned reactor loop.
func (s *Server) onNewConn(c *netconn.Conn) {
	parser := httpwire.NewRequestParser(s.maxBodyBytes)
	remote := c.Raw().RemoteAddr().String()
	if i := strings.LastIndex(remote, ":"); i > 0 {
		remote = remote[:i]
	}

	go c.ReadLoop(func(c *netconn.Conn, b []byte) {
		if err := parser.Feed(b); err != nil {
			plog.For(plog.ComponentProxy).WithConn(remote).WithError(err).Warnf("malformed request")
			c.ForceClose()
			return
		}
		for parser.Done() {
			req := clientRequest{
				method:  parser.Method,
				path:    parser.Path,
				query:   parser.Query,
				proto:   parser.Proto,
				headers: parser.Headers,
				body:    append([]byte(nil), parser.Body...),
				remote:  remote,
			}
			parser.Reset()
			go s.handleRequest(c, req)
			// Reset only rearms the state machine; any pipelined bytes
			// already buffered (leftover) still need a zero-length Feed
			// to advance past a second complete message.
			if err := parser.Feed(nil); err != nil {
				plog.For(plog.ComponentProxy).WithConn(remote).WithError(err).Warnf("malformed pipelined request")
				c.ForceClose()
				return
			}
		}
	})
}
