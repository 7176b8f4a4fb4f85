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

// Package admission is the layer that runs before selection: access
// control, token buckets, congestion control, and per-key connection caps,
// in the order the pipeline must apply them.
package admission

import (
	"net"
	"strings"
	"sync"

	"github.com/juju/ratelimit"

	"aiproxy/internal/pconfig"
	"aiproxy/internal/perr"
	"aiproxy/internal/plog"
)

// Request is the subset of an inbound request the admission layer needs;
// the proxy orchestrator fills it in from the parsed request line and
// headers before calling Check.
type Request struct {
	RemoteIP  string
	Path      string
	APIToken  string
	UserKey   string
	ServiceKey string
}

// Config mirrors pconfig.AdmissionConfig; kept local to avoid an import
// cycle between admission and pconfig.
type Config struct {
	AllowIPs  []string
	DenyIPs   []string
	RequireToken bool
	TokenHeader  string

	GlobalQPS   float64
	GlobalBurst int64

	PerIPQPS   float64
	PerIPBurst int64

	PerPathQPS   float64
	PerPathBurst int64

	KeyLRUSize int

	MaxPerUserConn int
	MaxPerSvcConn  int

	CongestionSoftCap int
}

// Admission runs the ordered gauntlet described in the pipeline design.
type Admission struct {
	cfg Config

	allow []*net.IPNet
	deny  []*net.IPNet

	global *ratelimit.Bucket
	perIP  *LRUBucketSet
	perPath *LRUBucketSet

	congestion *Congestion

	connMu     sync.Mutex
	userConns  map[string]int
	svcConns   map[string]int

	rejected struct {
		sync.Mutex
		count int64
	}
}

// FromPConfig maps the on-disk admission settings onto the layer's own
// Config, keeping pconfig free of a reverse import on this package.
func FromPConfig(c pconfig.AdmissionConfig) Config {
	return Config{
		AllowIPs:          c.AllowIPs,
		DenyIPs:           c.DenyIPs,
		RequireToken:      c.RequireToken,
		TokenHeader:       c.ApiTokenHeader,
		GlobalQPS:         c.GlobalQPS,
		GlobalBurst:       int64(c.GlobalBurst),
		PerIPQPS:          c.PerIPQPS,
		PerIPBurst:        int64(c.PerIPBurst),
		PerPathQPS:        c.PerPathQPS,
		PerPathBurst:      int64(c.PerPathBurst),
		KeyLRUSize:        c.KeyLRUSize,
		MaxPerUserConn:    c.MaxPerUserConn,
		MaxPerSvcConn:     c.MaxPerSvcConn,
		CongestionSoftCap: c.CongestionSoftCap,
	}
}

// New builds an Admission layer from cfg.
func New(cfg Config) *Admission {
	a := &Admission{
		cfg:       cfg,
		userConns: make(map[string]int),
		svcConns:  make(map[string]int),
	}
	for _, s := range cfg.AllowIPs {
		if _, n, err := net.ParseCIDR(ensureCIDR(s)); err == nil {
			a.allow = append(a.allow, n)
		}
	}
	for _, s := range cfg.DenyIPs {
		if _, n, err := net.ParseCIDR(ensureCIDR(s)); err == nil {
			a.deny = append(a.deny, n)
		}
	}
	if cfg.GlobalQPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int64(cfg.GlobalQPS)
		}
		a.global = ratelimit.NewBucketWithRate(cfg.GlobalQPS, burst)
	}
	if cfg.PerIPQPS > 0 {
		a.perIP = NewLRUBucketSet(cfg.KeyLRUSize, cfg.PerIPQPS, maxI64(cfg.PerIPBurst, int64(cfg.PerIPQPS)))
	}
	if cfg.PerPathQPS > 0 {
		a.perPath = NewLRUBucketSet(cfg.KeyLRUSize, cfg.PerPathQPS, maxI64(cfg.PerPathBurst, int64(cfg.PerPathQPS)))
	}
	a.congestion = NewCongestion(cfg.CongestionSoftCap)
	return a
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func ensureCIDR(s string) string {
	if strings.Contains(s, "/") {
		return s
	}
	if strings.Contains(s, ":") {
		return s + "/128"
	}
	return s + "/32"
}

// Check runs the full admission gauntlet; on rejection it returns the
// perr.Error classifying why (always KindAdmissionRejected) with an audit
// line already logged.
func (a *Admission) Check(req Request) perr.Error {
	if err := a.checkAccessControl(req); err != nil {
		return err
	}
	if a.global != nil && a.global.TakeAvailable(1) == 0 {
		return a.reject(req, "global_rate_limited")
	}
	if a.perIP != nil && !a.perIP.TryAcquire(req.RemoteIP) {
		return a.reject(req, "per_ip_rate_limited")
	}
	if a.perPath != nil && !a.perPath.TryAcquire(req.Path) {
		return a.reject(req, "per_path_rate_limited")
	}
	if !a.congestion.Admit() {
		return a.reject(req, "congestion_soft_cap")
	}
	if err := a.checkConnCaps(req); err != nil {
		return err
	}
	return nil
}

func (a *Admission) checkAccessControl(req Request) perr.Error {
	ip := net.ParseIP(req.RemoteIP)
	if ip != nil {
		for _, n := range a.deny {
			if n.Contains(ip) {
				return a.reject(req, "ip_denied")
			}
		}
		if len(a.allow) > 0 {
			allowed := false
			for _, n := range a.allow {
				if n.Contains(ip) {
					allowed = true
					break
				}
			}
			if !allowed {
				return a.reject(req, "ip_not_allowed")
			}
		}
	}
	if a.cfg.RequireToken && req.APIToken == "" {
		return a.reject(req, "missing_api_token")
	}
	return nil
}

func (a *Admission) checkConnCaps(req Request) perr.Error {
	if a.cfg.MaxPerUserConn <= 0 && a.cfg.MaxPerSvcConn <= 0 {
		return nil
	}
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.cfg.MaxPerUserConn > 0 && req.UserKey != "" && a.userConns[req.UserKey] >= a.cfg.MaxPerUserConn {
		return a.reject(req, "per_user_conn_cap")
	}
	if a.cfg.MaxPerSvcConn > 0 && req.ServiceKey != "" && a.svcConns[req.ServiceKey] >= a.cfg.MaxPerSvcConn {
		return a.reject(req, "per_service_conn_cap")
	}
	return nil
}

// AcquireConn increments the per-user/per-service connection counters;
// pair exactly once with ReleaseConn via the session's conn_limit_applied
// bit.
func (a *Admission) AcquireConn(userKey, serviceKey string) {
	a.connMu.Lock()
	if userKey != "" {
		a.userConns[userKey]++
	}
	if serviceKey != "" {
		a.svcConns[serviceKey]++
	}
	a.connMu.Unlock()
}

// ReleaseConn decrements the counters incremented by AcquireConn.
func (a *Admission) ReleaseConn(userKey, serviceKey string) {
	a.connMu.Lock()
	if userKey != "" && a.userConns[userKey] > 0 {
		a.userConns[userKey]--
	}
	if serviceKey != "" && a.svcConns[serviceKey] > 0 {
		a.svcConns[serviceKey]--
	}
	a.connMu.Unlock()
}

func (a *Admission) reject(req Request, reason string) perr.Error {
	a.rejected.Lock()
	a.rejected.count++
	a.rejected.Unlock()
	plog.Audit(reason, map[string]any{"remote_ip": req.RemoteIP, "path": req.Path})
	return perr.New(perr.KindAdmissionRejected, "%s", reason)
}

// RejectedCount reports the cumulative admission-rejection counter for
// the /stats admin endpoint.
func (a *Admission) RejectedCount() int64 {
	a.rejected.Lock()
	defer a.rejected.Unlock()
	return a.rejected.count
}

// Congestion exposes the AIMD estimator so the proxy orchestrator can
// report backend outcomes (ReportSuccess/ReportFailure) and release the
// admitted slot (Done) once a request completes.
func (a *Admission) Congestion() *Congestion { return a.congestion }
