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

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/juju/ratelimit"
)

// LRUBucketSet is a bounded set of per-key token buckets (one per IP, path,
// user, or service key). When the key cap is reached, the oldest bucket is
// not simply dropped: its key is aliased to whichever key most recently
// triggered the eviction, so requests that keep arriving under the evicted
// key keep being rate-limited (conservatively, sharing capacity) rather
// than silently bypassing the limiter entirely.
type LRUBucketSet struct {
	mu      sync.Mutex
	cache   *lru.Cache
	alias   map[string]string
	lastKey string
	qps     float64
	burst   int64
}

// NewLRUBucketSet builds a set capped at size distinct live keys.
func NewLRUBucketSet(size int, qps float64, burst int64) *LRUBucketSet {
	if size <= 0 {
		size = 1
	}
	s := &LRUBucketSet{alias: make(map[string]string), qps: qps, burst: burst}
	cache, _ := lru.NewWithEvict(size, func(key interface{}, value interface{}) {
		// Runs synchronously inside cache.Add, which Bucket calls with s.mu
		// already held, so the lock is not taken again here.
		if ks, ok := key.(string); ok && s.lastKey != "" && ks != s.lastKey {
			s.alias[ks] = s.lastKey
		}
	})
	s.cache = cache
	return s
}

// Bucket returns the token bucket backing key, creating one if key hasn't
// been seen (or reusing the alias target if key was previously evicted).
func (s *LRUBucketSet) Bucket(key string) *ratelimit.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(key); ok {
		s.lastKey = key
		return v.(*ratelimit.Bucket)
	}
	if target, ok := s.alias[key]; ok {
		if v, ok := s.cache.Get(target); ok {
			return v.(*ratelimit.Bucket)
		}
		delete(s.alias, key)
	}

	b := ratelimit.NewBucketWithRate(s.qps, s.burst)
	// lastKey must be updated before Add: Add evicts synchronously when at
	// capacity, and the evict callback aliases the departing key to
	// lastKey, which needs to already be key (not the previous occupant).
	s.lastKey = key
	s.cache.Add(key, b)
	return b
}

// TryAcquire is the token-bucket contract: succeeds iff a token was
// available for key, consuming it.
func (s *LRUBucketSet) TryAcquire(key string) bool {
	return s.Bucket(key).TakeAvailable(1) == 1
}
