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

// Package admin exposes the proxy's operational HTTP surface: live stats,
// config inspection/reload, backend fleet management, a diagnose
// endpoint, recent-log tail, the Prometheus registry, and ACME HTTP-01
// challenge file serving. It never touches the data path directly — it
// only calls into the registry, config loader, and callbacks it is handed.
package admin

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"aiproxy/internal/backend"
	"aiproxy/internal/pconfig"
)

// Run serves e at addr, blocking until it exits.
func Run(addr string, e *gin.Engine) error {
	return http.ListenAndServe(addr, e)
}

// Deps is the narrow set of collaborators the admin surface calls into.
// Kept as an interface-free struct of already-constructed components
// (rather than one per-component interface) since every field is this
// proxy's own concrete type and there is exactly one production wiring.
type Deps struct {
	Registry        *backend.Registry
	ConfigLoader    *pconfig.Loader
	Stats           func() map[string]any
	Diagnose        func() map[string]any
	RecentLogs      func(n int) []string
	MetricsHandler  http.Handler
	ACMEChallengeDir string
}

// New builds the gin.Engine serving the admin surface.
func New(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	if d.MetricsHandler != nil {
		e.GET("/metrics", gin.WrapH(d.MetricsHandler))
	}

	e.GET("/stats", func(c *gin.Context) {
		if d.Stats == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, d.Stats())
	})

	grp := e.Group("/admin")
	grp.GET("/config", func(c *gin.Context) {
		if d.ConfigLoader == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, d.ConfigLoader.Current())
	})
	grp.POST("/config", func(c *gin.Context) {
		if d.ConfigLoader == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config reload not wired"})
			return
		}
		var cfg pconfig.Config
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d.ConfigLoader.Replace(&cfg)
		c.JSON(http.StatusOK, gin.H{"status": "applied"})
	})

	grp.POST("/backend_register", func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		info := d.Registry.Add(req.ID, req.Address, req.BaseWeight, req.Model, req.Version, req.WarmupEnabled)
		c.JSON(http.StatusOK, info)
	})

	grp.POST("/backend_remove", func(c *gin.Context) {
		var req idRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d.Registry.Remove(req.ID)
		c.JSON(http.StatusOK, gin.H{"status": "removed"})
	})

	grp.POST("/backend_online", func(c *gin.Context) {
		var req onlineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d.Registry.SetOnline(req.ID, req.Online)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	grp.POST("/backend_metrics", func(c *gin.Context) {
		var req metricsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d.Registry.UpdateMetrics(req.ID, req.QueueLen, req.GPUUtil, req.VRAMUsedMB, req.VRAMTotalMB)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	grp.POST("/backend_model", func(c *gin.Context) {
		var req modelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d.Registry.SetModelLoaded(req.ID, req.Model, req.Version, req.Loaded)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	grp.GET("/diagnose", func(c *gin.Context) {
		if d.Diagnose == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, d.Diagnose())
	})

	grp.GET("/logs", func(c *gin.Context) {
		n := 200
		if d.RecentLogs == nil {
			c.JSON(http.StatusOK, gin.H{"lines": []string{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"lines": d.RecentLogs(n)})
	})

	if d.ACMEChallengeDir != "" {
		e.GET("/.well-known/acme-challenge/:token", func(c *gin.Context) {
			token := c.Param("token")
			path := filepath.Join(d.ACMEChallengeDir, filepath.Base(token))
			data, err := os.ReadFile(path)
			if err != nil {
				c.Status(http.StatusNotFound)
				return
			}
			c.Data(http.StatusOK, "text/plain", data)
		})
	}

	return e
}

type registerRequest struct {
	ID            string `json:"id" binding:"required"`
	Address       string `json:"address" binding:"required"`
	BaseWeight    int    `json:"base_weight"`
	Model         string `json:"model"`
	Version       string `json:"version"`
	WarmupEnabled bool   `json:"warmup_enabled"`
}

type idRequest struct {
	ID string `json:"id" binding:"required"`
}

type onlineRequest struct {
	ID     string `json:"id" binding:"required"`
	Online bool   `json:"online"`
}

type metricsRequest struct {
	ID          string   `json:"id" binding:"required"`
	QueueLen    *int     `json:"queue_len"`
	GPUUtil     *float64 `json:"gpu_util"`
	VRAMUsedMB  *float64 `json:"vram_used_mb"`
	VRAMTotalMB *float64 `json:"vram_total_mb"`
}

type modelRequest struct {
	ID      string `json:"id" binding:"required"`
	Model   string `json:"model"`
	Version string `json:"version"`
	Loaded  bool   `json:"loaded"`
}
