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

import (
	"bytes"
	"strconv"
	"strings"

	"aiproxy/internal/perr"
)

// State is a parser's position in the incremental state machine.
type State int

const (
	ExpectRequestLine State = iota
	ExpectStatusLine         // response-only counterpart of ExpectRequestLine
	ExpectHeaders
	ExpectBody
	ExpectChunk
	GotAll
	Error
)

// Framing describes how a message's body length was determined.
type Framing int

const (
	FramingNone Framing = iota
	FramingContentLength
	FramingChunked
	FramingReadUntilClose
)

// Parser incrementally consumes bytes for one HTTP/1.x message at a time.
// A single Parser is reused across a keep-alive connection's pipelined
// messages by calling Reset between them.
type Parser struct {
	isResponse bool
	maxBody    int

	state State
	buf   []byte // unparsed tail retained across Feed calls

	Method  string
	Path    string
	Query   string
	Proto   string
	Status  int
	Reason  string

	Headers Headers
	Body    []byte

	framing       Framing
	contentLength int64
	bodyRead      int64

	chunkRemaining int64
	inTrailer      bool

	KeepAlive bool
}

// NewRequestParser builds a parser for client request messages.
func NewRequestParser(maxBodyBytes int) *Parser {
	return &Parser{state: ExpectRequestLine, maxBody: maxBodyBytes}
}

// NewResponseParser builds a parser for backend response messages.
func NewResponseParser(maxBodyBytes int) *Parser {
	return &Parser{isResponse: true, state: ExpectStatusLine, maxBody: maxBodyBytes}
}

// Reset clears parsed fields and re-arms the state machine for the next
// pipelined message on the same connection, preserving any unconsumed
// trailing bytes already buffered.
func (p *Parser) Reset() {
	leftover := p.buf
	isResp := p.isResponse
	maxBody := p.maxBody
	*p = Parser{isResponse: isResp, maxBody: maxBody, buf: leftover}
	if isResp {
		p.state = ExpectStatusLine
	} else {
		p.state = ExpectRequestLine
	}
}

func (p *Parser) State() State { return p.state }
func (p *Parser) Done() bool   { return p.state == GotAll }
func (p *Parser) Failed() bool { return p.state == Error }

// Feed appends data to the parser's buffer and advances the state machine
// as far as possible. It may transition through several states in one
// call (e.g. headers immediately followed by a short body already in the
// buffer). Returns perr.ProtocolError on malformed input or
// perr.BodyTooLarge on overflow of maxBody.
func (p *Parser) Feed(data []byte) error {
	if len(data) > 0 {
		p.buf = append(p.buf, data...)
	}
	for {
		switch p.state {
		case ExpectRequestLine:
			line, ok := p.takeLine()
			if !ok {
				return nil
			}
			if err := p.parseRequestLine(line); err != nil {
				p.state = Error
				return err
			}
			p.state = ExpectHeaders
		case ExpectStatusLine:
			line, ok := p.takeLine()
			if !ok {
				return nil
			}
			if err := p.parseStatusLine(line); err != nil {
				p.state = Error
				return err
			}
			p.state = ExpectHeaders
		case ExpectHeaders:
			line, ok := p.takeLine()
			if !ok {
				return nil
			}
			if line == "" {
				if err := p.finishHeaders(); err != nil {
					p.state = Error
					return err
				}
				continue
			}
			if err := p.parseHeaderLine(line); err != nil {
				p.state = Error
				return err
			}
		case ExpectBody:
			remaining := p.contentLength - p.bodyRead
			take := remaining
			if int64(len(p.buf)) < take {
				take = int64(len(p.buf))
			}
			if take > 0 {
				if err := p.appendBody(p.buf[:take]); err != nil {
					p.state = Error
					return err
				}
				p.buf = p.buf[take:]
				p.bodyRead += take
			}
			if p.bodyRead >= p.contentLength {
				p.state = GotAll
				return nil
			}
			return nil
		case ExpectChunk:
			before := len(p.buf)
			if err := p.feedChunk(); err != nil {
				p.state = Error
				return err
			}
			if p.state != ExpectChunk || len(p.buf) != before {
				continue
			}
			return nil
		case GotAll, Error:
			return nil
		}
	}
}

// takeLine removes and returns one CRLF- or LF-terminated line from buf,
// without the terminator. Returns ok=false when no full line is buffered
// yet.
func (p *Parser) takeLine() (string, bool) {
	idx := bytes.IndexByte(p.buf, '\n')
	if idx < 0 {
		return "", false
	}
	line := p.buf[:idx]
	p.buf = p.buf[idx+1:]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), true
}

func (p *Parser) parseRequestLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return perr.New(perr.KindProtocolError, "malformed request line %q", line)
	}
	p.Method = parts[0]
	target := parts[1]
	p.Proto = parts[2]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		p.Path, p.Query = target[:i], target[i+1:]
	} else {
		p.Path = target
	}
	return nil
}

func (p *Parser) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return perr.New(perr.KindProtocolError, "malformed status line %q", line)
	}
	p.Proto = parts[0]
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return perr.New(perr.KindProtocolError, "malformed status code %q", parts[1])
	}
	p.Status = code
	if len(parts) == 3 {
		p.Reason = parts[2]
	}
	return nil
}

func (p *Parser) parseHeaderLine(line string) error {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return perr.New(perr.KindProtocolError, "malformed header line %q", line)
	}
	key := strings.TrimSpace(line[:i])
	val := strings.TrimSpace(line[i+1:])
	if key == "" {
		return perr.New(perr.KindProtocolError, "empty header name")
	}
	p.Headers.Add(key, val)
	return nil
}

// finishHeaders decides body framing per the precedence rule: chunked
// beats content-length beats read-until-close (responses only; a request
// with neither has no body).
func (p *Parser) finishHeaders() error {
	p.KeepAlive = computeKeepAlive(p.Proto, &p.Headers)

	if te, ok := p.Headers.Get("Transfer-Encoding"); ok && hasToken(te, "chunked") {
		p.framing = FramingChunked
		p.state = ExpectChunk
		return nil
	}
	if cl, ok := p.Headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return perr.New(perr.KindProtocolError, "malformed content-length %q", cl)
		}
		p.framing = FramingContentLength
		p.contentLength = n
		if n == 0 {
			p.state = GotAll
			return nil
		}
		p.state = ExpectBody
		return nil
	}
	if p.isResponse {
		p.framing = FramingReadUntilClose
		p.KeepAlive = false
		p.state = ExpectBody
		p.contentLength = 1 << 62 // effectively unbounded; caller stops feeding on EOF
		return nil
	}
	p.framing = FramingNone
	p.state = GotAll
	return nil
}

func (p *Parser) appendBody(b []byte) error {
	if p.maxBody > 0 && len(p.Body)+len(b) > p.maxBody {
		return perr.New(perr.KindBodyTooLarge, "body exceeds %d bytes", p.maxBody)
	}
	p.Body = append(p.Body, b...)
	return nil
}

// feedChunk consumes one chunk-size line, the chunk body, its trailing
// CRLF, and (on the terminal zero-size chunk) the trailer section.
func (p *Parser) feedChunk() error {
	if p.inTrailer {
		line, ok := p.takeLine()
		if !ok {
			return nil
		}
		if line == "" {
			p.state = GotAll
			return nil
		}
		return p.parseHeaderLine(line)
	}

	if p.chunkRemaining == 0 {
		line, ok := p.takeLine()
		if !ok {
			return nil
		}
		sizeStr := line
		if i := strings.IndexByte(line, ';'); i >= 0 {
			sizeStr = line[:i]
		}
		n, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || n < 0 {
			return perr.New(perr.KindProtocolError, "malformed chunk size %q", line)
		}
		if n == 0 {
			p.inTrailer = true
			return nil
		}
		p.chunkRemaining = n
		return nil
	}

	take := p.chunkRemaining
	if int64(len(p.buf)) < take {
		take = int64(len(p.buf))
	}
	if take > 0 {
		if err := p.appendBody(p.buf[:take]); err != nil {
			return err
		}
		p.buf = p.buf[take:]
		p.chunkRemaining -= take
	}
	if p.chunkRemaining > 0 {
		return nil
	}
	// consume the chunk's trailing CRLF
	if len(p.buf) < 2 {
		return nil
	}
	if !bytes.HasPrefix(p.buf, []byte("\r\n")) {
		return perr.New(perr.KindProtocolError, "missing chunk terminator")
	}
	p.buf = p.buf[2:]
	return nil
}

// computeKeepAlive applies the HTTP/1.0 vs HTTP/1.1 default plus any
// explicit Connection header override.
func computeKeepAlive(proto string, h *Headers) bool {
	conn, has := h.Get("Connection")
	isHTTP11 := strings.Contains(proto, "1.1")
	if isHTTP11 {
		if has && hasToken(conn, "close") {
			return false
		}
		return true
	}
	return has && hasToken(conn, "keep-alive")
}

// FramingKind reports how the just-parsed message's body length was
// determined, for the forwarding pipeline's streaming/buffered decision.
func (p *Parser) FramingKind() Framing { return p.framing }

// Unconsumed returns bytes already buffered past the current message,
// for pipelining re-entry (feeding directly into the next Parser.Feed
// after Reset).
func (p *Parser) Unconsumed() []byte { return p.buf }
