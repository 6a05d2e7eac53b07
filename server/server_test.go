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

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/hyperd/confengine"
)

func TestNewDisabled(t *testing.T) {
	conf, err := confengine.LoadContent([]byte("server:\n  enabled: false\n"))
	require.NoError(t, err)

	svr, err := New(conf)
	assert.NoError(t, err)
	assert.Nil(t, svr)
}

func TestRoutes(t *testing.T) {
	conf, err := confengine.LoadContent([]byte("server:\n  enabled: true\n  pprof: true\n"))
	require.NoError(t, err)

	svr, err := New(conf)
	require.NoError(t, err)
	require.NotNil(t, svr)
	assert.Equal(t, defaultAddress, svr.config.Address)
	assert.Empty(t, svr.Addr())

	svr.RegisterGetRoute("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	svr.RegisterPostRoute("/-/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.FormValue("v")))
	})

	tests := []struct {
		method string
		target string
		code   int
		body   string
	}{
		{method: http.MethodGet, target: "/ping", code: http.StatusOK, body: "pong"},
		// 后续注册的 POST 路由会覆盖 mux 的 method mismatch 结果
		{method: http.MethodPost, target: "/ping", code: http.StatusNotFound},
		{method: http.MethodPost, target: "/-/echo?v=1", code: http.StatusOK, body: "1"},
		{method: http.MethodGet, target: "/debug/pprof/cmdline", code: http.StatusOK},
		{method: http.MethodGet, target: "/missing", code: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			svr.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}
