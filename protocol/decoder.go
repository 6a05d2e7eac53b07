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

package protocol

import (
	"context"

	"github.com/packetd/hyperd/app"
	"github.com/packetd/hyperd/internal/waitsig"
)

// Decoder 协议状态机定义
//
// 每个应用层协议 (不同的 ALPN) 都需实现本接口
// Decoder 负责将字节流转换为应用调用 并将应用输出编码为字节流
//
// Handle 可能会被并发调用 (接收循环以及应用任务中 Host.Send 的失败路径)
// 实现方需自行保证并发安全 且不允许在持有自身锁时调用 Host.Send 或者 Invocation.Enqueue
type Decoder interface {
	// Initiate 链接建立后调用一次 允许在收到任何字节前发送事件 如协议前导
	Initiate(ctx context.Context) error

	// Handle 处理 Driver 投递的事件 RawData 或者 Closed
	//
	// 长度为 0 的 RawData 代表对端半关闭
	Handle(ctx context.Context, ev Event) error

	// Idle 返回当前是否没有进行中的请求
	//
	// 仅用于 keep-alive 定时器的重新评估
	Idle() bool
}

// Host 由 Driver 提供给 Decoder 的能力集合
type Host interface {
	// Send 发送事件至 Driver
	//
	// * RawData: 写入 socket 写失败时会向 Decoder 投递 Closed
	// * Closed: 关闭 socket 并向 Decoder 投递 Closed
	// * Updated: 仅触发 keep-alive 定时器的重新评估
	Send(ctx context.Context, ev Event) error

	// SpawnApp 为 scope 启动一次应用调用 应用输出经由 sink 送回 Decoder
	SpawnApp(scope *app.Scope, sink app.Sink) (*app.Invocation, error)

	// NewSignal 创建一个独立的 Signal
	NewSignal() *waitsig.Signal

	// Protocol 返回协商出的应用层协议名称
	Protocol() string
}

// ConnInfo 链接的基础信息 创建 Decoder 时传入
type ConnInfo struct {
	ID       string
	TLS      bool
	Protocol string
	Client   string
	Server   string
}

// Scheme 返回链接对应的 URL scheme
func (ci ConnInfo) Scheme() string {
	if ci.TLS {
		return "https"
	}
	return "http"
}
