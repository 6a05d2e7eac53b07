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

package app

import (
	"context"
)

// 消息类型 与 ASGI 的 HTTP 消息保持一致
const (
	MessageRequest       = "http.request"
	MessageDisconnect    = "http.disconnect"
	MessageResponseStart = "http.response.start"
	MessageResponseBody  = "http.response.body"
)

// Header 单个请求/响应头 保留原始顺序以及重复项
type Header struct {
	Name  string
	Value string
}

// Scope 描述单次应用调用的上下文
//
// 对于 HTTP 而言一个 Scope 对应一个请求
type Scope struct {
	Type        string
	ConnID      string
	Protocol    string // 协商出的应用层协议 如 http/1.1
	HTTPVersion string
	Method      string
	Scheme      string
	Path        string
	RawQuery    string
	Headers     []Header
	Client      string
	Server      string
}

// Message 应用与 Decoder 之间传递的消息
//
// * MessageRequest: Body 为请求体 MoreBody 表示是否还有后续
// * MessageResponseStart: Status 以及 Headers
// * MessageResponseBody: Body 为响应体片段 MoreBody 为 false 时响应结束
// * MessageDisconnect: 链接已经断开 不再有任何请求数据
type Message struct {
	Type     string
	Status   int
	Headers  []Header
	Body     []byte
	MoreBody bool
}

// ReceiveFunc 应用读取下一条请求消息
//
// 链接断开或者 Decoder 关闭输入后 返回 MessageDisconnect
type ReceiveFunc func(ctx context.Context) (Message, error)

// SendFunc 应用发送一条响应消息
type SendFunc func(ctx context.Context, msg Message) error

// Handler 用户提供的应用
//
// ServeApp 返回 error 或者 panic 均被视为应用异常 会被记录并转换为流结束
// ctx 结束后应尽快返回 ctx.Err()
type Handler interface {
	ServeApp(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error
}

// HandlerFunc 函数形式的 Handler
type HandlerFunc func(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error

func (f HandlerFunc) ServeApp(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) error {
	return f(ctx, scope, receive, send)
}
