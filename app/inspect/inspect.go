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

// Package inspect 内置的诊断应用 将请求的 scope 以 JSON 形式返回
package inspect

import (
	"context"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/packetd/hyperd/app"
)

// Response 诊断应用的响应内容
type Response struct {
	Type        string      `json:"type"`
	ConnID      string      `json:"conn_id"`
	Protocol    string      `json:"protocol"`
	HTTPVersion string      `json:"http_version"`
	Method      string      `json:"method"`
	Scheme      string      `json:"scheme"`
	Path        string      `json:"path"`
	Query       string      `json:"query,omitempty"`
	Headers     [][2]string `json:"headers"`
	Client      string      `json:"client"`
	Server      string      `json:"server"`
	BodySize    int         `json:"body_size"`
}

type handler struct{}

// New 创建诊断应用
func New() app.Handler {
	return handler{}
}

func (handler) ServeApp(ctx context.Context, scope *app.Scope, receive app.ReceiveFunc, send app.SendFunc) error {
	var size int
	for {
		msg, err := receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type == app.MessageDisconnect {
			return nil
		}
		size += len(msg.Body)
		if !msg.MoreBody {
			break
		}
	}

	headers := make([][2]string, 0, len(scope.Headers))
	for _, h := range scope.Headers {
		headers = append(headers, [2]string{h.Name, h.Value})
	}
	b, err := json.Marshal(Response{
		Type:        scope.Type,
		ConnID:      scope.ConnID,
		Protocol:    scope.Protocol,
		HTTPVersion: scope.HTTPVersion,
		Method:      scope.Method,
		Scheme:      scope.Scheme,
		Path:        scope.Path,
		Query:       scope.RawQuery,
		Headers:     headers,
		Client:      scope.Client,
		Server:      scope.Server,
		BodySize:    size,
	})
	if err != nil {
		return err
	}

	err = send(ctx, app.Message{
		Type:   app.MessageResponseStart,
		Status: 200,
		Headers: []app.Header{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Content-Length", Value: strconv.Itoa(len(b))},
		},
	})
	if err != nil {
		return err
	}
	return send(ctx, app.Message{Type: app.MessageResponseBody, Body: b})
}
