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

// Package backend is the registry of live inference backends: the record
// shape, the eligibility invariant, the effective-weight formula, and the
// model/version affinity maps consulted by model-aware selection.
package backend

import (
	"math"
	"sync"

	"aiproxy/internal/plog"
)

// Info is a backend's full record, keyed by its address in the registry.
type Info struct {
	ID         string
	Address    string
	BaseWeight int
	Weight     int
	Online     bool
	Healthy    bool

	AIReadyPresent bool
	AIReady        bool

	Model        string
	ModelVersion string
	ModelLoaded  bool

	Active int64

	EWMAMs     float64
	ewmaSeeded bool
	Successes  int64
	Failures   int64

	QueueLen      int
	QueueKnown    bool
	GPUUtil       float64
	GPUKnown      bool
	VRAMUsedMB    float64
	VRAMTotalMB   float64
}

// Eligible reports the registry's selection invariant: online, healthy,
// and either AI-readiness isn't tracked or it has confirmed ready.
func (b *Info) Eligible() bool {
	return b.Online && b.Healthy && (!b.AIReadyPresent || b.AIReady)
}

// Selector is the subset of strategy.Strategy the registry drives directly,
// kept narrow here to avoid an import cycle with the selection package.
type Selector interface {
	AddNode(id string, weight int)
	RemoveNode(id string)
	OnConnStart(id string)
	OnConnEnd(id string)
	RecordLatency(id string, ms float64)
	RecordQueue(id string, q int)
	RecordGPU(id string, util, usedMB, totalMB float64)
}

// Registry owns backend records and the model affinity maps. It notifies
// zero or more registered selectors of add/remove/weight transitions so
// every selection strategy stays in sync without its own registry copy.
type Registry struct {
	mu sync.Mutex

	backends map[string]*Info

	byModel        map[string]string // model -> backend id
	byModelVersion map[string]string // model@version -> backend id

	selectors []Selector

	onWarmup func(id string) // hook invoked on add/online transition when warmup is configured
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		backends:       make(map[string]*Info),
		byModel:        make(map[string]string),
		byModelVersion: make(map[string]string),
	}
}

// AddSelector registers a selection strategy to receive node events.
// Must be called before backends are added to see the full set, or the
// caller must replay existing state; ProxyServer wiring does the former.
func (r *Registry) AddSelector(s Selector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectors = append(r.selectors, s)
}

// OnWarmup registers the callback invoked when a backend needs a warmup
// probe kicked off (on add, and on an online transition).
func (r *Registry) OnWarmup(f func(id string)) {
	r.mu.Lock()
	r.onWarmup = f
	r.mu.Unlock()
}

// Add inserts a new backend record. When warmupEnabled is true the record
// starts with ai_ready=false/present; a warmup probe is kicked off only if
// a callback has been registered via OnWarmup.
func (r *Registry) Add(id, address string, baseWeight int, model, version string, warmupEnabled bool) *Info {
	r.mu.Lock()
	b := &Info{
		ID:         id,
		Address:    address,
		BaseWeight: baseWeight,
		Weight:     baseWeight,
		Online:     true,
		Healthy:    true,
		Model:      model,
		ModelVersion: version,
	}
	if warmupEnabled {
		b.AIReadyPresent = true
		b.AIReady = false
	}
	r.backends[id] = b
	eligible := b.Eligible()
	warm := r.onWarmup
	r.mu.Unlock()

	if eligible {
		r.notifyAdd(id, b.Weight)
	}
	if warmupEnabled && warm != nil {
		warm(id)
	}
	return b
}

// Remove deletes a backend and purges any affinity entries pointing at it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.backends[id]
	delete(r.backends, id)
	r.purgeAffinityLocked(id)
	r.mu.Unlock()
	if existed {
		r.notifyRemove(id)
	}
}

// SetOnline flips the online flag and re-evaluates eligibility. A
// transition into online with warmup configured re-arms ai_ready=false and
// kicks off another warmup probe.
func (r *Registry) SetOnline(id string, online bool) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasEligible := b.Eligible()
	transitioningOn := online && !b.Online
	b.Online = online
	if transitioningOn && b.AIReadyPresent {
		b.AIReady = false
	}
	nowEligible := b.Eligible()
	weight := b.Weight
	warm := r.onWarmup
	r.mu.Unlock()

	r.applyEligibilityChange(id, wasEligible, nowEligible, weight)
	if transitioningOn && warm != nil {
		warm(id)
	}
}

// SetHealthy flips the passive-probe health flag.
func (r *Registry) SetHealthy(id string, healthy bool) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasEligible := b.Eligible()
	b.Healthy = healthy
	nowEligible := b.Eligible()
	weight := b.Weight
	r.mu.Unlock()
	r.applyEligibilityChange(id, wasEligible, nowEligible, weight)
}

// ReportFailure is the passive-failure hook: any forward-path error marks
// the backend unhealthy immediately, until the next successful probe.
func (r *Registry) ReportFailure(id string) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if ok {
		b.Failures++
	}
	r.mu.Unlock()
	plog.For(plog.ComponentBackend).WithBackend(id).Warnf("passive failure reported")
	r.SetHealthy(id, false)
}

// SetBaseWeight changes the operator-supplied base weight and recomputes
// the effective weight.
func (r *Registry) SetBaseWeight(id string, baseWeight int) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	b.BaseWeight = baseWeight
	r.mu.Unlock()
	r.recompute(id)
}

// SetModelLoaded records a confirmed model load/unload and updates the
// affinity maps: inserted on load, purged on unload.
func (r *Registry) SetModelLoaded(id, model, version string, loaded bool) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	b.Model = model
	b.ModelVersion = version
	b.ModelLoaded = loaded
	if loaded {
		r.byModel[model] = id
		if version != "" {
			r.byModelVersion[model+"@"+version] = id
		}
	} else {
		r.purgeAffinityLocked(id)
	}
	r.mu.Unlock()
}

// UpdateMetrics applies optional metric inputs and recomputes the
// effective weight. Unknown (nil) fields are left untouched.
func (r *Registry) UpdateMetrics(id string, queueLen *int, gpuUtil *float64, vramUsedMB, vramTotalMB *float64) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if queueLen != nil {
		b.QueueLen = *queueLen
		b.QueueKnown = true
	}
	if gpuUtil != nil {
		b.GPUUtil = *gpuUtil
		b.GPUKnown = true
	}
	if vramUsedMB != nil {
		b.VRAMUsedMB = *vramUsedMB
	}
	if vramTotalMB != nil {
		b.VRAMTotalMB = *vramTotalMB
	}
	r.mu.Unlock()

	if sel := r.selectorsSnapshot(); len(sel) > 0 {
		for _, s := range sel {
			if gpuUtil != nil {
				s.RecordGPU(id, b.GPUUtil, b.VRAMUsedMB, b.VRAMTotalMB)
			}
			if queueLen != nil {
				s.RecordQueue(id, b.QueueLen)
			}
		}
	}
	r.recompute(id)
}

// OnConnStart/OnConnEnd track the active-connection counter and fan out to
// every registered selector (least-connections needs the live count).
func (r *Registry) OnConnStart(id string) {
	r.mu.Lock()
	if b, ok := r.backends[id]; ok {
		b.Active++
	}
	sel := append([]Selector(nil), r.selectors...)
	r.mu.Unlock()
	for _, s := range sel {
		s.OnConnStart(id)
	}
}

func (r *Registry) OnConnEnd(id string) {
	r.mu.Lock()
	if b, ok := r.backends[id]; ok && b.Active > 0 {
		b.Active--
	}
	sel := append([]Selector(nil), r.selectors...)
	r.mu.Unlock()
	for _, s := range sel {
		s.OnConnEnd(id)
	}
}

// RecordLatency folds a response-time sample into the backend's EWMA
// (alpha=0.2, first sample seeds the average) and recomputes weight.
func (r *Registry) RecordLatency(id string, ms float64) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	const alpha = 0.2
	if !b.ewmaSeeded {
		b.EWMAMs = ms
		b.ewmaSeeded = true
	} else {
		b.EWMAMs = alpha*ms + (1-alpha)*b.EWMAMs
	}
	b.Successes++
	r.mu.Unlock()

	for _, s := range r.selectorsSnapshot() {
		s.RecordLatency(id, ms)
	}
	r.recompute(id)
}

// Eligible reports whether the named backend currently satisfies the
// selection invariant, for ModelRegistry's affinity re-validation.
func (r *Registry) Eligible(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[id]
	return ok && b.Eligible()
}

// Get returns a copy of the backend's current record, or ok=false.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[id]
	if !ok {
		return Info{}, false
	}
	return *b, true
}

// Snapshot returns copies of every backend, for the admin /stats endpoint.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, *b)
	}
	return out
}

// AffinityFor resolves the affinity-bound backend id for a model(+version)
// request, returning ok=false when no binding exists.
func (r *Registry) AffinityFor(model, version string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version != "" {
		if id, ok := r.byModelVersion[model+"@"+version]; ok {
			return id, true
		}
	}
	id, ok := r.byModel[model]
	return id, ok
}

// RecordAffinity inserts a binding discovered by model-aware selection
// (distinct from SetModelLoaded, which comes from the AI-status probe).
func (r *Registry) RecordAffinity(id, model, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[model] = id
	if version != "" {
		r.byModelVersion[model+"@"+version] = id
	}
}

// EligibleByModel returns ids of eligible backends whose model name
// (optionally +version) matches.
func (r *Registry) EligibleByModel(model, version string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, b := range r.backends {
		if !b.Eligible() || b.Model != model {
			continue
		}
		if version != "" && b.ModelVersion != version {
			continue
		}
		out = append(out, id)
	}
	return out
}

// EligibleNonConflicting returns ids of eligible backends that either
// advertise no model, or advertise the same model (used as the third
// model-aware selection tier).
func (r *Registry) EligibleNonConflicting(model string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, b := range r.backends {
		if !b.Eligible() {
			continue
		}
		if b.Model == "" || b.Model == model {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) purgeAffinityLocked(id string) {
	for m, bid := range r.byModel {
		if bid == id {
			delete(r.byModel, m)
		}
	}
	for mv, bid := range r.byModelVersion {
		if bid == id {
			delete(r.byModelVersion, mv)
		}
	}
}

func (r *Registry) selectorsSnapshot() []Selector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Selector(nil), r.selectors...)
}

// recompute re-derives the effective weight per the registry's formula and
// notifies selectors only when the weight actually moved.
func (r *Registry) recompute(id string) {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	factor := 1.0
	if b.QueueKnown {
		factor *= 10 / (10 + float64(b.QueueLen))
	}
	if b.GPUKnown {
		factor *= math.Max(0.2, 1-0.8*b.GPUUtil)
	}
	if b.ewmaSeeded && b.EWMAMs > 0 {
		factor *= 50 / (50 + b.EWMAMs)
	}
	newWeight := int(math.Round(float64(b.BaseWeight) * factor))
	if newWeight < 1 {
		newWeight = 1
	}
	if newWeight > b.BaseWeight {
		newWeight = b.BaseWeight
	}
	changed := newWeight != b.Weight
	b.Weight = newWeight
	eligible := b.Eligible()
	r.mu.Unlock()

	if changed && eligible {
		r.notifyAdd(id, newWeight)
	}
}

func (r *Registry) applyEligibilityChange(id string, was, now bool, weight int) {
	if was == now {
		return
	}
	if now {
		r.notifyAdd(id, weight)
	} else {
		r.notifyRemove(id)
	}
}

func (r *Registry) notifyAdd(id string, weight int) {
	for _, s := range r.selectorsSnapshot() {
		s.AddNode(id, weight)
	}
}

func (r *Registry) notifyRemove(id string) {
	for _, s := range r.selectorsSnapshot() {
		s.RemoveNode(id)
	}
}
