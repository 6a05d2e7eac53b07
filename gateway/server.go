// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packetd/hyperd/internal/sigs"
	"github.com/packetd/hyperd/logger"
	"github.com/packetd/hyperd/protocol"
)

func (g *Gateway) setupServer() {
	if g.svr == nil {
		return
	}

	// Admin Routes
	g.svr.RegisterPostRoute("/-/logger", g.routeLogger)
	g.svr.RegisterPostRoute("/-/reload", g.routeReload)

	// Connection Routes
	g.svr.RegisterGetRoute("/connections", g.routeConnections)
	g.svr.RegisterGetRoute("/protocols", g.routeProtocols)

	// Watch Routes
	g.svr.RegisterGetRoute("/watch", g.routeWatch)

	// Metrics Routes
	g.svr.RegisterGetRoute("/metrics", g.routeMetrics)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func (g *Gateway) routeMetrics(w http.ResponseWriter, r *http.Request) {
	g.recordMetrics()
	promhttp.Handler().ServeHTTP(w, r)
}

func (g *Gateway) routeLogger(w http.ResponseWriter, r *http.Request) {
	level := r.FormValue("level")
	if err := logger.SetLoggerLevel(level); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "level": string(logger.GetLevel())})
}

func (g *Gateway) routeReload(w http.ResponseWriter, r *http.Request) {
	if err := sigs.SelfReload(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
}

func (g *Gateway) routeConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.conns.Stats())
}

func (g *Gateway) routeProtocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Protocols())
}

// routeWatch 以 JSON Lines 的形式推送链接事件
//
// max_message 为最多推送条数 timeout 为等待下一条事件的最长时间
func (g *Gateway) routeWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	maxMessage, _ := strconv.Atoi(r.URL.Query().Get("max_message"))
	if maxMessage <= 0 {
		maxMessage = 100
	}
	timeout, _ := time.ParseDuration(r.URL.Query().Get("timeout"))
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	queue := g.events.Subscribe(10)
	defer g.events.Unsubscribe(queue)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for i := 0; i < maxMessage; i++ {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		ev, ok := queue.Pop(ctx)
		cancel()
		if !ok {
			return
		}

		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		w.Write(b)
		w.Write([]byte{'\n'})
		flusher.Flush()
	}
}
