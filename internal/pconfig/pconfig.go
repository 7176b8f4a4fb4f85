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

// Package pconfig loads and hot-reloads the proxy's configuration file.
// The configuration file loader itself is an external collaborator per
// the proxy's scope; this package only defines the shape it must produce
// and the viper/fsnotify wiring that produces it.
package pconfig

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full set of tunables named across the proxy's components.
type Config struct {
	Reactor    ReactorConfig    `mapstructure:"reactor"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Batcher    BatcherConfig    `mapstructure:"batcher"`
	Backends   []BackendConfig  `mapstructure:"backends"`
	Rewrite    []RewriteRule    `mapstructure:"rewrite"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Admin      AdminConfig      `mapstructure:"admin"`
}

type ReactorConfig struct {
	Loops       int    `mapstructure:"loops"`
	PollerKind  string `mapstructure:"poller_kind"` // epoll|poll|select|io_uring
}

type ListenerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReusePort       bool          `mapstructure:"reuse_port"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
	ACMEChallengeDir string       `mapstructure:"acme_challenge_dir"`
	TunnelAddr      string        `mapstructure:"tunnel_addr"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	AcceptQPS       float64       `mapstructure:"accept_qps"`
	AcceptBurst     int           `mapstructure:"accept_burst"`
	PerIPConnCap    int           `mapstructure:"per_ip_conn_cap"`
}

type AdmissionConfig struct {
	AllowIPs      []string `mapstructure:"allow_ips"`
	DenyIPs       []string `mapstructure:"deny_ips"`
	RequireToken  bool     `mapstructure:"require_token"`
	GlobalQPS     float64 `mapstructure:"global_qps"`
	GlobalBurst   int     `mapstructure:"global_burst"`
	PerIPQPS      float64 `mapstructure:"per_ip_qps"`
	PerIPBurst    int     `mapstructure:"per_ip_burst"`
	PerPathQPS    float64 `mapstructure:"per_path_qps"`
	PerPathBurst  int     `mapstructure:"per_path_burst"`
	KeyLRUSize    int     `mapstructure:"key_lru_size"`
	ApiTokenHeader string `mapstructure:"api_token_header"`
	MaxPerUserConn int    `mapstructure:"max_per_user_conn"`
	MaxPerSvcConn  int    `mapstructure:"max_per_service_conn"`
	CongestionSoftCap int `mapstructure:"congestion_soft_cap"`
}

type SchedulerConfig struct {
	Mode         string `mapstructure:"mode"` // priority|fair|edf
	MaxInFlight  int    `mapstructure:"max_inflight"`
	PriorityHdr  string `mapstructure:"priority_header"`
	PriorityThreshold int `mapstructure:"priority_threshold"`
	LowDelayMs   int    `mapstructure:"low_delay_ms"`
	FlowHeader   string `mapstructure:"flow_header"`
	DeadlineHeader string `mapstructure:"deadline_header"`
	DefaultDeadlineMs int `mapstructure:"default_deadline_ms"`
}

type BatcherConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	AllowedPaths  []string      `mapstructure:"allowed_paths"`
	RequireHeader string        `mapstructure:"require_header"`
	MaxItems      int           `mapstructure:"max_items"`
	MaxBytes      int           `mapstructure:"max_bytes"`
	MaxBatchBytes int           `mapstructure:"max_batch_bytes"`
	Window        time.Duration `mapstructure:"window"`
}

type BackendConfig struct {
	ID         string  `mapstructure:"id"`
	Address    string  `mapstructure:"address"`
	BaseWeight int     `mapstructure:"base_weight"`
	Model      string  `mapstructure:"model"`
	Version    string  `mapstructure:"version"`
}

type RewriteRule struct {
	PathPrefix   string            `mapstructure:"path_prefix"`
	Method       string            `mapstructure:"method"`
	SetReqHeader map[string]string `mapstructure:"set_request_header"`
	DelReqHeader []string          `mapstructure:"del_request_header"`
	ReqBodyReplace map[string]string `mapstructure:"request_body_replace"`
	SetRespHeader map[string]string `mapstructure:"set_response_header"`
	DelRespHeader []string          `mapstructure:"del_response_header"`
	RespBodyReplace map[string]string `mapstructure:"response_body_replace"`
}

type MirrorConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Collector  string  `mapstructure:"collector_addr"`
	SampleRate float64 `mapstructure:"sample_rate"`
	MaxPacket  int     `mapstructure:"max_packet_bytes"`
	MaxBody    int     `mapstructure:"max_body_bytes"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Dialect string        `mapstructure:"dialect"` // resp|memcache
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type ProbeConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	HTTPPath       string        `mapstructure:"http_path"`
	StatusMin      int           `mapstructure:"status_min"`
	StatusMax      int           `mapstructure:"status_max"`
	ScriptCommand  string        `mapstructure:"script_command"`
	WarmupEnabled  bool          `mapstructure:"warmup_enabled"`
	WarmupModel    string        `mapstructure:"warmup_model"`
}

type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Reactor:  ReactorConfig{Loops: 4, PollerKind: "epoll"},
		Listener: ListenerConfig{Addr: ":8080", IdleTimeout: 60 * time.Second, MaxConnections: 10000, AcceptQPS: 1000, AcceptBurst: 1000, PerIPConnCap: 1000},
		Admission: AdmissionConfig{GlobalQPS: 1000, GlobalBurst: 1000, KeyLRUSize: 4096, CongestionSoftCap: 4096},
		Scheduler: SchedulerConfig{Mode: "fair", MaxInFlight: 256, PriorityHdr: "X-Priority", FlowHeader: "X-Flow", DeadlineHeader: "X-Deadline-Ms", DefaultDeadlineMs: 5000},
		Batcher:   BatcherConfig{MaxItems: 32, MaxBytes: 1 << 20, MaxBatchBytes: 1 << 20, Window: 200 * time.Millisecond},
		Probe:     ProbeConfig{Interval: 5 * time.Second, Timeout: 2 * time.Second, HTTPPath: "/healthz", StatusMin: 200, StatusMax: 399},
		Admin:     AdminConfig{Addr: ":9000"},
	}
}

// Loader reads Config from a viper-backed source and supports hot reload
// via fsnotify, matching the teacher's watch-then-reapply pattern.
type Loader struct {
	v      *viper.Viper
	mu     sync.RWMutex
	cur    *Config
	onLoad func(*Config)
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Loader{v: v, cur: Default()}
}

// Load reads the file at path into the current config. Errors leave the
// previous configuration intact.
func (l *Loader) Load(path string) error {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return err
	}
	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return err
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	if l.onLoad != nil {
		l.onLoad(cfg)
	}
	return nil
}

// Watch arms fsnotify on the loaded file and reapplies on write events.
func (l *Loader) Watch(onLoad func(*Config)) error {
	l.onLoad = onLoad
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path := l.v.ConfigFileUsed()
	if err = w.Add(path); err != nil {
		return err
	}
	go func() {
		for ev := range w.Events {
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = l.Load(path)
			}
		}
	}()
	return nil
}

func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

func (l *Loader) Replace(cfg *Config) {
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
}
