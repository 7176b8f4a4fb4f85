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

package admission

import "sync"

// ConnLease guards the exactly-once release contract for a per-user/
// per-service connection-cap acquisition: AcquireConn and ReleaseConn must
// be paired, but a session may hit multiple error paths on the way to
// close (admission rejection before acquiring, backend failure after).
// ConnLease carries applied and released flags so whichever path closes
// the session first performs the release, and any later path is a no-op.
type ConnLease struct {
	mu         sync.Mutex
	applied    bool
	released   bool
	userKey    string
	serviceKey string
	owner      *Admission
}

// Acquire increments the per-user/per-service counters on a, returning a
// lease that Release can later be called on safely from any path
// (including concurrently from a timeout and a normal close).
func (a *Admission) Acquire(userKey, serviceKey string) *ConnLease {
	a.AcquireConn(userKey, serviceKey)
	return &ConnLease{applied: true, userKey: userKey, serviceKey: serviceKey, owner: a}
}

// Release decrements the counters exactly once regardless of how many
// times it is called.
func (l *ConnLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || !l.applied {
		return
	}
	l.released = true
	l.owner.ReleaseConn(l.userKey, l.serviceKey)
}
