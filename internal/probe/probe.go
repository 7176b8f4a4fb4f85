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

// Package probe implements the four active health-check subtypes (TCP,
// HTTP, script, AI-status) plus the model-warmup flow, each bounded by a
// hard per-probe timeout.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Result carries the outcome of a single probe invocation. Status is only
// populated by the AI-status subtype.
type Result struct {
	OK     bool
	Status *AIStatus
}

// AIStatus is the permissive JSON subset parsed from an AI-status probe.
type AIStatus struct {
	QueueLen     *int
	GPUUtil      *float64
	VRAMUsedMB   *float64
	VRAMTotalMB  *float64
	ModelLoaded  *bool
	ModelName    string
	ModelVersion string
}

// Callback fires exactly once with the probe's outcome.
type Callback func(Result)

// TCP probe: ok iff connect completes before timeout.
func TCP(ctx context.Context, addr string, timeout time.Duration, cb Callback) {
	go func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(dctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
		}
		cb(Result{OK: err == nil})
	}()
}

// HTTP probe: sends GET path, accepts any status in [statusMin, statusMax].
func HTTP(ctx context.Context, addr, path string, statusMin, statusMax int, timeout time.Duration, cb Callback) {
	go func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client := &http.Client{Timeout: timeout}
		req, err := http.NewRequestWithContext(dctx, http.MethodGet, "http://"+addr+path, nil)
		if err != nil {
			cb(Result{OK: false})
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			cb(Result{OK: false})
			return
		}
		defer resp.Body.Close()
		ok := resp.StatusCode >= statusMin && resp.StatusCode <= statusMax
		cb(Result{OK: ok})
	}()
}

// Script probe: runs /bin/sh -c "<expanded cmd>" on a worker thread with
// {ip}/{port} substitution; ok iff exit code 0 within timeout, else the
// process is killed.
func Script(ctx context.Context, command, ip, port string, timeout time.Duration, cb Callback) {
	go func() {
		expanded := strings.NewReplacer("{ip}", ip, "{port}", port).Replace(command)
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, "/bin/sh", "-c", expanded)
		err := cmd.Run()
		cb(Result{OK: err == nil})
	}()
}

// AIStatusProbe fetches /ai/status and parses the permissive JSON subset.
// On success the caller is expected to feed the parsed values back into
// the registry (metrics, model flag, affinity).
func AIStatusProbe(ctx context.Context, addr string, timeout time.Duration, cb Callback) {
	go func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client := retryablehttp.NewClient()
		client.RetryMax = 0
		client.Logger = nil
		client.HTTPClient.Timeout = timeout

		req, err := retryablehttp.NewRequestWithContext(dctx, http.MethodGet, "http://"+addr+"/ai/status", nil)
		if err != nil {
			cb(Result{OK: false})
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			cb(Result{OK: false})
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			cb(Result{OK: false})
			return
		}
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			cb(Result{OK: false})
			return
		}
		cb(Result{OK: true, Status: parseAIStatus(raw)})
	}()
}

func parseAIStatus(raw map[string]json.RawMessage) *AIStatus {
	s := &AIStatus{}
	if v, ok := numberField(raw, "queue_len"); ok {
		n := int(v)
		s.QueueLen = &n
	}
	if v, ok := numberField(raw, "gpu_util"); ok {
		s.GPUUtil = &v
	} else if v, ok := numberField(raw, "gpu_util01"); ok {
		s.GPUUtil = &v
	}
	if v, ok := numberField(raw, "vram_used_mb"); ok {
		s.VRAMUsedMB = &v
	}
	if v, ok := numberField(raw, "vram_total_mb"); ok {
		s.VRAMTotalMB = &v
	}
	if v, ok := raw["model_loaded"]; ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			s.ModelLoaded = &b
		}
	}
	for _, key := range []string{"model", "model_name", "loaded_model"} {
		if v, ok := raw[key]; ok {
			var str string
			if json.Unmarshal(v, &str) == nil && str != "" {
				s.ModelName = str
				break
			}
		}
	}
	for _, key := range []string{"model_version", "version"} {
		if v, ok := raw[key]; ok {
			var str string
			if json.Unmarshal(v, &str) == nil && str != "" {
				s.ModelVersion = str
				break
			}
		}
	}
	return s
}

func numberField(raw map[string]json.RawMessage, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, true
	}
	var str string
	if err := json.Unmarshal(v, &str); err == nil {
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Warmup issues POST /ai/warmup?model=... and reports success/failure.
func Warmup(ctx context.Context, addr, model string, timeout time.Duration, cb Callback) {
	go func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client := &http.Client{Timeout: timeout}
		url := fmt.Sprintf("http://%s/ai/warmup?model=%s", addr, model)
		req, err := http.NewRequestWithContext(dctx, http.MethodPost, url, nil)
		if err != nil {
			cb(Result{OK: false})
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			cb(Result{OK: false})
			return
		}
		defer resp.Body.Close()
		cb(Result{OK: resp.StatusCode >= 200 && resp.StatusCode < 300})
	}()
}
