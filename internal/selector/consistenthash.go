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

package selector

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// VirtualNodesPerWeight is the ring density multiplier: a backend with
// weight W contributes W*VirtualNodesPerWeight points to the ring.
const VirtualNodesPerWeight = 40

type ringPoint struct {
	hash uint32
	id   string
}

// ConsistentHash places each backend's virtual nodes on a 32-bit FNV-1a
// ring; GetNode walks clockwise from hash(key) to the first point at or
// past it, wrapping to the start of the ring.
type ConsistentHash struct {
	noopMetrics

	mu     sync.Mutex
	points []ringPoint
	ids    map[string]bool
}

func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{ids: make(map[string]bool)}
}

func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (c *ConsistentHash) AddNode(id string, weight int) {
	if weight < 1 {
		weight = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
	c.ids[id] = true
	n := weight * VirtualNodesPerWeight
	for i := 0; i < n; i++ {
		c.points = append(c.points, ringPoint{hash: fnv1a32(fmt.Sprintf("%s#%d", id, i)), id: id})
	}
	sort.Slice(c.points, func(i, j int) bool { return c.points[i].hash < c.points[j].hash })
}

func (c *ConsistentHash) RemoveNode(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *ConsistentHash) removeLocked(id string) {
	if !c.ids[id] {
		return
	}
	delete(c.ids, id)
	out := c.points[:0]
	for _, p := range c.points {
		if p.id != id {
			out = append(out, p)
		}
	}
	c.points = out
}

func (c *ConsistentHash) GetNode(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.points) == 0 {
		return "", false
	}
	h := fnv1a32(key)
	i := sort.Search(len(c.points), func(i int) bool { return c.points[i].hash >= h })
	if i == len(c.points) {
		i = 0
	}
	return c.points[i].id, true
}
