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

// Package proxy wires every other internal package into the end-to-end
// request pipeline: accept -> admit -> schedule -> select -> lease ->
// rewrite -> forward -> rewrite -> cache -> respond -> release -> end.
// It owns no protocol or algorithmic logic of its own; it is purely
// orchestration over the packages that do.
package proxy

import (
	"context"
	"fmt"
	"time"

	"aiproxy/internal/acceptor"
	"aiproxy/internal/admin"
	"aiproxy/internal/admission"
	"aiproxy/internal/alert"
	"aiproxy/internal/backend"
	"aiproxy/internal/batcher"
	"aiproxy/internal/cachehook"
	"aiproxy/internal/metrics"
	"aiproxy/internal/mirror"
	"aiproxy/internal/pconfig"
	"aiproxy/internal/plog"
	"aiproxy/internal/pool"
	"aiproxy/internal/probe"
	"aiproxy/internal/reactor"
	"aiproxy/internal/rewrite"
	"aiproxy/internal/scheduler"
	"aiproxy/internal/selector"
	"aiproxy/internal/tlsterm"

	"github.com/gin-gonic/gin"
)

// Server is the assembled proxy: every long-lived component plus the
// glue that lets a connection flow through all of them.
type Server struct {
	cfg *pconfig.Config

	reactorPool *reactor.Pool
	acceptor    *acceptor.Acceptor
	tls         *tlsterm.Terminator

	registry *backend.Registry
	generic  selector.Strategy
	pick     *selector.ModelAware
	pool     *pool.Pool

	admission *admission.Admission
	scheduler *scheduler.Scheduler
	batcher   *batcher.Batcher
	rewrite   *rewrite.Engine
	mirror    *mirror.Mirror
	cache     cachehook.Cache
	metrics   *metrics.Metrics
	alerts    *alert.Manager

	admin        *gin.Engine
	configLoader *pconfig.Loader

	maxBodyBytes int
}

// New assembles a Server from a loaded configuration. It does not bind
// the listener or start background loops; call Start for that.
func New(cfg *pconfig.Config) (*Server, error) {
	s := &Server{cfg: cfg, maxBodyBytes: 16 << 20}

	s.reactorPool = reactor.NewPool(cfg.Reactor.Loops, 1024)

	s.registry = backend.New()
	s.generic = selectorFor(cfg.Backends)
	s.registry.AddSelector(s.generic)
	s.pick = selector.NewModelAware(s.registry, s.generic)
	for _, b := range cfg.Backends {
		s.registry.Add(b.ID, b.Address, b.BaseWeight, b.Model, b.Version, cfg.Probe.WarmupEnabled)
	}

	s.pool = pool.New(32, 5*time.Second)

	s.admission = admission.New(admission.FromPConfig(cfg.Admission))

	mode := scheduler.ModePriority
	switch cfg.Scheduler.Mode {
	case "fair":
		mode = scheduler.ModeFair
	case "edf":
		mode = scheduler.ModeEDF
	}
	s.scheduler = scheduler.New(scheduler.Config{
		Mode:              mode,
		MaxInFlight:       cfg.Scheduler.MaxInFlight,
		PriorityThreshold: cfg.Scheduler.PriorityThreshold,
		LowDelay:          time.Duration(cfg.Scheduler.LowDelayMs) * time.Millisecond,
		DefaultDeadline:   time.Duration(cfg.Scheduler.DefaultDeadlineMs) * time.Millisecond,
	})

	s.rewrite = rewrite.New(rewriteRules(cfg.Rewrite))
	s.mirror = mirror.New(mirror.Config{
		Enabled:    cfg.Mirror.Enabled,
		Collector:  cfg.Mirror.Collector,
		SampleRate: cfg.Mirror.SampleRate,
		MaxPacket:  cfg.Mirror.MaxPacket,
		MaxBody:    cfg.Mirror.MaxBody,
	})

	if cfg.Cache.Enabled {
		s.cache = cachehook.New(cachehook.Dialect(cfg.Cache.Dialect), cfg.Cache.Addr, cfg.Cache.Timeout)
	}

	s.metrics = metrics.New()

	s.batcher = batcher.New(batcher.Config{
		Enabled:       cfg.Batcher.Enabled,
		AllowedPaths:  cfg.Batcher.AllowedPaths,
		RequireHeader: cfg.Batcher.RequireHeader,
		MaxItems:      cfg.Batcher.MaxItems,
		MaxBytes:      cfg.Batcher.MaxBytes,
		MaxBatchBytes: cfg.Batcher.MaxBatchBytes,
		Window:        cfg.Batcher.Window,
	}, s.sendMerged)

	s.alerts = alert.New(s.defaultAlertRules(), nil)

	term, err := tlsterm.NewTerminator(cfg.Listener.TLSCertFile, cfg.Listener.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("proxy: tls setup: %w", err)
	}
	s.tls = term

	s.acceptor = acceptor.New(acceptor.Config{
		Addr:           cfg.Listener.Addr,
		ReusePort:      cfg.Listener.ReusePort,
		IdleTimeout:    cfg.Listener.IdleTimeout,
		MaxConnections: cfg.Listener.MaxConnections,
		AcceptQPS:      cfg.Listener.AcceptQPS,
		AcceptBurst:    cfg.Listener.AcceptBurst,
		PerIPConnCap:   cfg.Listener.PerIPConnCap,
	}, s.reactorPool, s.tls, s.onNewConn)

	s.configLoader = pconfig.NewLoader()
	s.configLoader.Replace(cfg)

	s.admin = admin.New(admin.Deps{
		Registry:         s.registry,
		ConfigLoader:     s.configLoader,
		MetricsHandler:   s.metrics.Handler(),
		ACMEChallengeDir: cfg.Listener.ACMEChallengeDir,
		Stats:            s.stats,
		Diagnose:         s.diagnose,
	})

	return s, nil
}

func selectorFor(backends []pconfig.BackendConfig) selector.Strategy {
	// Default strategy: weighted round robin, matching pconfig.Default's
	// implicit choice when no per-backend metrics are being reported yet.
	return selector.NewWeightedRoundRobin()
}

func rewriteRules(in []pconfig.RewriteRule) []rewrite.Rule {
	out := make([]rewrite.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, rewrite.Rule{
			PathPrefix:      r.PathPrefix,
			Method:          r.Method,
			SetReqHeader:    r.SetReqHeader,
			DelReqHeader:    r.DelReqHeader,
			ReqBodyReplace:  r.ReqBodyReplace,
			SetRespHeader:   r.SetRespHeader,
			DelRespHeader:   r.DelRespHeader,
			RespBodyReplace: r.RespBodyReplace,
		})
	}
	return out
}

// Start binds the listener and begins serving, probing, and evaluating
// alerts. It returns once the listener is bound; Serve loops run on
// their own goroutines.
func (s *Server) Start() error {
	if err := s.acceptor.Listen(); err != nil {
		return err
	}
	go s.acceptor.Serve()
	go s.runProbes()
	go s.alerts.Run(10 * time.Second)
	if s.cfg.Admin.Addr != "" {
		go func() {
			if err := admin.Run(s.cfg.Admin.Addr, s.admin); err != nil {
				plog.For(plog.ComponentAdmin).WithError(err).Errorf("admin surface exited")
			}
		}()
	}
	plog.For(plog.ComponentProxy).WithField("addr", s.cfg.Listener.Addr).Infof("proxy started")
	return nil
}

// Stop drains the acceptor, flushes any batches still pending, and
// drains idle pool connections.
func (s *Server) Stop(ctx context.Context) error {
	s.alerts.Stop()
	if err := s.acceptor.Stop(ctx); err != nil {
		return err
	}
	if err := s.batcher.FlushAll(ctx); err != nil {
		plog.For(plog.ComponentBatcher).WithError(err).Warnf("batch flush on shutdown failed")
	}
	s.pool.Drain()
	s.reactorPool.Stop()
	return nil
}

func (s *Server) runProbes() {
	if s.cfg.Probe.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Probe.Interval)
	defer ticker.Stop()
	for range ticker.C {
		for _, info := range s.registry.Snapshot() {
			s.probeOne(info)
		}
	}
}

func (s *Server) probeOne(info backend.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Probe.Timeout)
	defer cancel()
	id := info.ID
	switch {
	case s.cfg.Probe.ScriptCommand != "":
		host, port := splitHostPort(info.Address)
		probe.Script(ctx, s.cfg.Probe.ScriptCommand, host, port, s.cfg.Probe.Timeout, func(r probe.Result) {
			s.registry.SetHealthy(id, r.OK)
		})
	case s.cfg.Probe.HTTPPath != "":
		probe.HTTP(ctx, info.Address, s.cfg.Probe.HTTPPath, s.cfg.Probe.StatusMin, s.cfg.Probe.StatusMax, s.cfg.Probe.Timeout, func(r probe.Result) {
			s.registry.SetHealthy(id, r.OK)
		})
	default:
		probe.TCP(ctx, info.Address, s.cfg.Probe.Timeout, func(r probe.Result) {
			s.registry.SetHealthy(id, r.OK)
		})
	}
	probe.AIStatusProbe(ctx, info.Address, s.cfg.Probe.Timeout, func(r probe.Result) {
		if r.Status == nil {
			return
		}
		s.registry.UpdateMetrics(id, r.Status.QueueLen, r.Status.GPUUtil, r.Status.VRAMUsedMB, r.Status.VRAMTotalMB)
	})
}

func splitHostPort(addr string) (string, string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}

func (s *Server) stats() map[string]any {
	return map[string]any{
		"backends": s.registry.Snapshot(),
		"scheduler_inflight": s.scheduler.InFlight(),
		"admission_rejected": s.admission.RejectedCount(),
		"mirror_dropped": s.mirror.Dropped(),
	}
}

func (s *Server) diagnose() map[string]any {
	congestion := s.admission.Congestion()
	out := map[string]any{
		"reactor_loops": s.reactorPool.Size(),
	}
	if congestion != nil {
		out["congestion_in_flight"] = congestion.InFlight()
		out["congestion_soft_cap"] = congestion.SoftCap()
	}
	return out
}

func (s *Server) defaultAlertRules() []alert.Rule {
	return []alert.Rule{
		{
			Name:      "admission_rejections",
			Threshold: 1000,
			For:       30 * time.Second,
			Sample:    func() float64 { return float64(s.admission.RejectedCount()) },
		},
		{
			Name:      "scheduler_saturation",
			Threshold: float64(s.cfg.Scheduler.MaxInFlight),
			For:       5 * time.Second,
			Sample:    func() float64 { return float64(s.scheduler.InFlight()) },
		},
	}
}
