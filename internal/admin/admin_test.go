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

package admin_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	ginsdk "github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"aiproxy/internal/admin"
	"aiproxy/internal/backend"
)

var _ = Describe("Admin", func() {
	var (
		reg    *backend.Registry
		engine *ginsdk.Engine
	)

	BeforeEach(func() {
		ginsdk.SetMode(ginsdk.TestMode)
		reg = backend.New()
		engine = admin.New(admin.Deps{Registry: reg})
	})

	post := func(path string, payload any) *httptest.ResponseRecorder {
		body, _ := json.Marshal(payload)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec
	}

	It("registers a backend", func() {
		rec := post("/admin/backend_register", map[string]any{
			"id": "be-1", "address": "127.0.0.1:9000", "base_weight": 10,
		})
		Expect(rec.Code).To(Equal(http.StatusOK))

		snap := reg.Snapshot()
		Expect(snap).To(HaveLen(1))
		Expect(snap[0].ID).To(Equal("be-1"))
	})

	It("rejects a malformed register body", func() {
		req := httptest.NewRequest(http.MethodPost, "/admin/backend_register", bytes.NewReader([]byte("{")))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("flips a backend online/offline", func() {
		post("/admin/backend_register", map[string]any{"id": "be-1", "address": "127.0.0.1:9000"})
		rec := post("/admin/backend_online", map[string]any{"id": "be-1", "online": false})
		Expect(rec.Code).To(Equal(http.StatusOK))

		info, ok := reg.Get("be-1")
		Expect(ok).To(BeTrue())
		Expect(info.Online).To(BeFalse())
	})

	It("removes a backend", func() {
		post("/admin/backend_register", map[string]any{"id": "be-1", "address": "127.0.0.1:9000"})
		rec := post("/admin/backend_remove", map[string]any{"id": "be-1"})
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(reg.Snapshot()).To(HaveLen(0))
	})

	It("reports stats via the injected callback", func() {
		engine = admin.New(admin.Deps{Registry: reg, Stats: func() map[string]any {
			return map[string]any{"backends": 3}
		}})
		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"backends":3`))
	})

	It("exposes the mounted metrics handler", func() {
		engine = admin.New(admin.Deps{Registry: reg, MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("aiproxy_up 1\n"))
		})})
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("aiproxy_up 1"))
	})
})
