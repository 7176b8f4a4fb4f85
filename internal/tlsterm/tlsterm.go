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

// Package tlsterm is the listener's TLS termination collaborator: it loads
// a certificate pair and exposes a first-byte sniff so the same listener
// serves plaintext HTTP and TLS-terminated HTTPS. The TLS library itself
// (crypto/tls) is an external collaborator per the proxy's scope; this
// package only wires it the way the listener needs.
package tlsterm

import (
	"crypto/tls"
)

// Terminator loads a server certificate and decides, from the first byte
// of a connection, whether to wrap it in a TLS handshake.
type Terminator struct {
	cfg *tls.Config
}

// NewTerminator loads certFile/keyFile into a tls.Config. Either may be
// empty, in which case IsConfigured reports false and the acceptor leaves
// every connection plaintext.
func NewTerminator(certFile, keyFile string) (*Terminator, error) {
	if certFile == "" || keyFile == "" {
		return &Terminator{}, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &Terminator{cfg: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}}, nil
}

func (t *Terminator) IsConfigured() bool { return t != nil && t.cfg != nil }

// LooksLikeTLS reports whether the first byte of a new connection's input
// looks like a TLS record header (0x16 = handshake).
func LooksLikeTLS(firstByte byte) bool { return firstByte == 0x16 }

// Config returns the underlying tls.Config for wrapping a net.Conn.
func (t *Terminator) Config() *tls.Config { return t.cfg }
