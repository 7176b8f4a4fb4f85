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

// Package alert evaluates small threshold rules over proxy state (error
// rate, backend-down count) and notifies on transition, not on every
// sample: a rule that stays breached only fires once, until it clears.
package alert

import (
	"sync"
	"time"

	"aiproxy/internal/plog"
)

// Notifier is the pluggable alert sink. Notify is called on every
// breach→clear and clear→breach transition, never on a steady state.
type Notifier interface {
	Notify(name string, breached bool, value float64, rule Rule)
}

// LogNotifier is the default Notifier, logging through plog.
type LogNotifier struct{}

func (LogNotifier) Notify(name string, breached bool, value float64, rule Rule) {
	e := plog.For(plog.ComponentProxy).WithField("rule", name).WithField("value", value).WithField("threshold", rule.Threshold)
	if breached {
		e.Warnf("alert breached")
	} else {
		e.Infof("alert cleared")
	}
}

// Rule is one threshold check: breached when Sample() >= Threshold for at
// least For (debouncing single-tick blips).
type Rule struct {
	Name      string
	Sample    func() float64
	Threshold float64
	For       time.Duration
}

type ruleState struct {
	breached     bool
	aboveSince   time.Time
	hasAboveSince bool
}

// Manager periodically evaluates a fixed set of Rules and reports
// transitions to its Notifier.
type Manager struct {
	rules    []Rule
	notifier Notifier

	mu     sync.Mutex
	states map[string]*ruleState

	stop chan struct{}
}

// New builds a Manager. A nil notifier defaults to LogNotifier.
func New(rules []Rule, notifier Notifier) *Manager {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	states := make(map[string]*ruleState, len(rules))
	for _, r := range rules {
		states[r.Name] = &ruleState{}
	}
	return &Manager{rules: rules, notifier: notifier, states: states, stop: make(chan struct{})}
}

// Run evaluates all rules every interval until Stop is called.
func (m *Manager) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EvaluateOnce()
		case <-m.stop:
			return
		}
	}
}

// EvaluateOnce runs every rule a single time, for tests and for manual
// on-demand checks (e.g. from the admin diagnose endpoint).
func (m *Manager) EvaluateOnce() {
	for _, r := range m.rules {
		value := r.Sample()
		m.mu.Lock()
		st := m.states[r.Name]
		now := time.Now()
		above := value >= r.Threshold
		if !above {
			st.hasAboveSince = false
			if st.breached {
				st.breached = false
				m.mu.Unlock()
				m.notifier.Notify(r.Name, false, value, r)
				continue
			}
			m.mu.Unlock()
			continue
		}
		if !st.hasAboveSince {
			st.hasAboveSince = true
			st.aboveSince = now
		}
		shouldBreach := !st.breached && now.Sub(st.aboveSince) >= r.For
		if shouldBreach {
			st.breached = true
		}
		m.mu.Unlock()
		if shouldBreach {
			m.notifier.Notify(r.Name, true, value, r)
		}
	}
}

// Stop ends a running Run loop.
func (m *Manager) Stop() { close(m.stop) }
