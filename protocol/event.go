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

// Kind 事件类型
type Kind uint8

const (
	KindRawData Kind = iota + 1
	KindClosed
	KindUpdated
)

func (k Kind) String() string {
	switch k {
	case KindRawData:
		return "RawData"
	case KindClosed:
		return "Closed"
	case KindUpdated:
		return "Updated"
	}
	return "Unknown"
}

// Event 是 Driver 与 Decoder 之间传递的消息
//
// Event 为封闭集合 仅有 RawData / Closed / Updated 三种实现
// 同一次调用中事件只有一个流向
// * Driver -> Decoder: 收到的数据或者链接关闭
// * Decoder -> Driver: 需要发送的数据 关闭请求 或者状态变更通知
type Event interface {
	Kind() Kind

	event()
}

// RawData 待发送或者刚收到的字节流
//
// 长度为 0 的 RawData 代表对端已经半关闭 (EOF)
type RawData struct {
	Data []byte
}

func (RawData) Kind() Kind { return KindRawData }
func (RawData) event()     {}

// Closed 链接已经关闭 (对端或者本端发起)
type Closed struct{}

func (Closed) Kind() Kind { return KindClosed }
func (Closed) event()     {}

// Updated 状态变更通知 不携带任何数据
//
// 仅用于触发 keep-alive 定时器的重新评估
type Updated struct{}

func (Updated) Kind() Kind { return KindUpdated }
func (Updated) event()     {}
