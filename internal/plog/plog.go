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

// Package plog is the proxy's structured logging facade: one component-
// scoped entry builder per subsystem (reactor, backend, pool, probe,
// admission, scheduler, batcher, rewrite, admin), backed by logrus.
// Log calls write synchronously through logrus to stdout; there is no
// buffering or asynchronous hook.
package plog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Component names the subsystem emitting a log line; kept as a closed set
// so dashboards and greps stay stable across the codebase.
type Component string

const (
	ComponentReactor   Component = "reactor"
	ComponentBackend   Component = "backend"
	ComponentPool      Component = "pool"
	ComponentProbe     Component = "probe"
	ComponentAdmission Component = "admission"
	ComponentScheduler Component = "scheduler"
	ComponentBatcher   Component = "batcher"
	ComponentRewrite   Component = "rewrite"
	ComponentCache     Component = "cache"
	ComponentMirror    Component = "mirror"
	ComponentAdmin     Component = "admin"
	ComponentProxy     Component = "proxy"
)

var (
	base     = logrus.New()
	initOnce sync.Once
)

// Init configures the base logger's level and format. Safe to call once at
// startup; subsequent calls are no-ops.
func Init(level logrus.Level, json bool) {
	initOnce.Do(func() {
		base.SetOutput(os.Stdout)
		base.SetLevel(level)
		if json {
			base.SetFormatter(&logrus.JSONFormatter{})
		} else {
			base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
	})
}

// Entry is a chainable, component-scoped log builder.
type Entry struct {
	e *logrus.Entry
}

// For returns a new Entry scoped to the given component.
func For(c Component) Entry {
	return Entry{e: base.WithField("component", string(c))}
}

func (n Entry) WithField(key string, value any) Entry {
	return Entry{e: n.e.WithField(key, value)}
}

func (n Entry) WithError(err error) Entry {
	return Entry{e: n.e.WithError(err)}
}

func (n Entry) WithBackend(id string) Entry {
	return Entry{e: n.e.WithField("backend_id", id)}
}

func (n Entry) WithConn(name string) Entry {
	return Entry{e: n.e.WithField("conn", name)}
}

// WithRequest scopes the entry to a request correlation id, so a single
// request's log lines (and its mirror envelope, if any) can be joined
// across components.
func (n Entry) WithRequest(id string) Entry {
	return Entry{e: n.e.WithField("request_id", id)}
}

func (n Entry) Debugf(format string, args ...any) { n.e.Debugf(format, args...) }
func (n Entry) Infof(format string, args ...any)  { n.e.Infof(format, args...) }
func (n Entry) Warnf(format string, args ...any)  { n.e.Warnf(format, args...) }
func (n Entry) Errorf(format string, args ...any) { n.e.Errorf(format, args...) }

// Audit logs a structured admission-rejection audit line, matching the
// "audit line" action of the AdmissionRejected error kind.
func Audit(reason string, fields map[string]any) {
	e := base.WithField("component", string(ComponentAdmission)).WithField("audit", true)
	for k, v := range fields {
		e = e.WithField(k, v)
	}
	e.Warn(reason)
}
