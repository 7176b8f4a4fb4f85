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

// Package perr provides the proxy's error-kind taxonomy: a closed set of
// Kind values mapping directly onto the error-handling table of the
// request pipeline, each carrying the HTTP status to return to the
// client and whether the triggering connection must be closed.
package perr

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// Kind classifies an error the way the pipeline's error-handling table does.
// It is never used for programmatic branching outside this package; callers
// match on the Error interface's Kind()/HTTPStatus()/Fatal() accessors.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAdmissionRejected
	KindNoBackend
	KindBackendConnectFail
	KindBackendIoError
	KindProtocolError
	KindBodyTooLarge
	KindTimeout
	KindBatchMismatch
	KindCacheError
	KindMirrorError
)

func (k Kind) String() string {
	switch k {
	case KindAdmissionRejected:
		return "AdmissionRejected"
	case KindNoBackend:
		return "NoBackend"
	case KindBackendConnectFail:
		return "BackendConnectFail"
	case KindBackendIoError:
		return "BackendIoError"
	case KindProtocolError:
		return "ProtocolError"
	case KindBodyTooLarge:
		return "BodyTooLarge"
	case KindTimeout:
		return "Timeout"
	case KindBatchMismatch:
		return "BatchMismatch"
	case KindCacheError:
		return "CacheError"
	case KindMirrorError:
		return "MirrorError"
	default:
		return "Unknown"
	}
}

// httpStatus is the default client-facing status for each kind, per the
// proxy's error-handling table. CacheError and MirrorError never reach the
// client directly (they degrade transparently), so they map to 0.
var httpStatus = map[Kind]int{
	KindAdmissionRejected:  http.StatusTooManyRequests,
	KindNoBackend:          http.StatusServiceUnavailable,
	KindBackendConnectFail: http.StatusBadGateway,
	KindBackendIoError:     http.StatusBadGateway,
	KindProtocolError:      http.StatusBadRequest,
	KindBodyTooLarge:       http.StatusRequestEntityTooLarge,
	KindTimeout:            http.StatusGatewayTimeout,
	KindBatchMismatch:      http.StatusBadGateway,
	KindCacheError:         0,
	KindMirrorError:        0,
}

// fatal reports whether an error of this kind should close the client
// connection rather than merely return an error response and keep-alive.
var fatal = map[Kind]bool{
	KindProtocolError:  true,
	KindBackendIoError: false, // fatal only once headers are already sent; see Error.MarkFatal
}

// Error is a Kind-tagged error with an optional parent chain and a captured
// call site. It implements error, errors.Is/errors.As via Unwrap.
type Error interface {
	error

	Kind() Kind
	HTTPStatus() int
	Fatal() bool
	MarkFatal(fatal bool) Error
	WithParent(parent error) Error
	Unwrap() error
	Site() string
}

type perrImpl struct {
	kind    Kind
	msg     string
	parent  error
	fatal   bool
	fatalOK bool
	site    string
}

func (e *perrImpl) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.parent)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *perrImpl) Kind() Kind { return e.kind }

func (e *perrImpl) HTTPStatus() int { return httpStatus[e.kind] }

func (e *perrImpl) Fatal() bool {
	if e.fatalOK {
		return e.fatal
	}
	return fatal[e.kind]
}

func (e *perrImpl) MarkFatal(f bool) Error {
	n := *e
	n.fatal = f
	n.fatalOK = true
	return &n
}

func (e *perrImpl) WithParent(parent error) Error {
	n := *e
	n.parent = parent
	return &n
}

func (e *perrImpl) Unwrap() error { return e.parent }

func (e *perrImpl) Site() string { return e.site }

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) Error {
	return &perrImpl{kind: kind, msg: fmt.Sprintf(format, args...), site: callSite(1)}
}

// Wrap builds an Error of the given kind around an existing error, preserving
// it as the parent for errors.Is/errors.As/Unwrap.
func Wrap(kind Kind, parent error, format string, args ...any) Error {
	return &perrImpl{kind: kind, msg: fmt.Sprintf(format, args...), parent: parent, site: callSite(1)}
}

// Is reports whether err is a perr.Error (via errors.As).
func Is(err error) bool {
	var e Error
	return errors.As(err, &e)
}

// Get returns err as a perr.Error if it is one, nil otherwise.
func Get(err error) Error {
	var e Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the Kind of err, or KindUnknown if err is not a perr.Error.
func KindOf(err error) Kind {
	if e := Get(err); e != nil {
		return e.Kind()
	}
	return KindUnknown
}
