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

package acceptor

import (
	"crypto/tls"
	"net"

	"aiproxy/internal/tlsterm"
)

// peekConn lets the acceptor inspect the first byte of a connection
// without consuming it, so the byte is still there for the TLS handshake
// or the plaintext HTTP parser, whichever claims it.
type peekConn struct {
	net.Conn
	peeked  [1]byte
	havePeek bool
}

func (p *peekConn) peekByte() (byte, error) {
	if _, err := p.Conn.Read(p.peeked[:]); err != nil {
		return 0, err
	}
	p.havePeek = true
	return p.peeked[0], nil
}

func (p *peekConn) Read(b []byte) (int, error) {
	if p.havePeek {
		p.havePeek = false
		n := copy(b, p.peeked[:])
		if n < len(b) {
			m, err := p.Conn.Read(b[n:])
			return n + m, err
		}
		return n, nil
	}
	return p.Conn.Read(b)
}

func wrapTLSServer(raw net.Conn, term *tlsterm.Terminator) net.Conn {
	return tls.Server(raw, term.Config())
}
