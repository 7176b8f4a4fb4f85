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
	"strconv"

	"aiproxy/internal/httpwire"
	"aiproxy/internal/netconn"
	"aiproxy/internal/perr"
	"aiproxy/internal/plog"
)

func (s *Server) writeResponse(c *netconn.Conn, proto string, status int, h httpwire.Headers, body []byte) {
	if proto == "" {
		proto = "HTTP/1.1"
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	wire := httpwire.WriteResponse(proto, status, reasonFor(status), &h, body)
	if err := c.Send(wire); err != nil {
		plog.For(plog.ComponentProxy).WithError(err).Warnf("client write failed")
		c.ForceClose()
	}
}

func (s *Server) writeError(c *netconn.Conn, proto string, pe perr.Error) {
	status := pe.HTTPStatus()
	if status == 0 {
		status = 502
	}
	s.writeResponse(c, proto, status, httpwire.Headers{}, []byte(pe.Error()))
}

func reasonFor(status int) string {
	switch status {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 429:
		return "Too Many Requests"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}
