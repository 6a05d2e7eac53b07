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

package handoff

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed 队列已经关闭 不再接收任何消息
var ErrClosed = errors.New("handoff: closed")

// Item 队列中传递的元素
//
// 使用 EOS 标记流结束 而不是依赖某个特殊值 避免 `没有消息` 与 `流已结束` 混淆
type Item[T any] struct {
	Value T
	EOS   bool
}

// Message 创建一个携带 v 的 Item
func Message[T any](v T) Item[T] {
	return Item[T]{Value: v}
}

// EndOfStream 创建一个流结束的 Item
func EndOfStream[T any]() Item[T] {
	return Item[T]{EOS: true}
}

// Chan 有界有序的单生产者/单消费者队列
//
// * Put 在队列满时阻塞 直到有消费或者 ctx 结束
// * Get 在队列空时阻塞 直到有消息或者 ctx 结束
// * Close 之后 Get 会先把剩余消息按序取完 随后返回 EOS
//
// 容量即为准入控制的上限 慢消费者会把压力反向传递给生产者
type Chan[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// New 创建容量为 size 的 Chan size 小于 1 时按 1 处理
func New[T any](size int) *Chan[T] {
	if size < 1 {
		size = 1
	}
	return &Chan[T]{
		ch:   make(chan T, size),
		done: make(chan struct{}),
	}
}

// Put 推送一个元素至队列
func (c *Chan[T]) Put(ctx context.Context, v T) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.ch <- v:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get 从队列弹出一个元素
func (c *Chan[T]) Get(ctx context.Context) (Item[T], error) {
	select {
	case v := <-c.ch:
		return Message(v), nil
	default:
	}

	select {
	case v := <-c.ch:
		return Message(v), nil
	case <-c.done:
		select {
		case v := <-c.ch:
			return Message(v), nil
		default:
			return EndOfStream[T](), nil
		}
	case <-ctx.Done():
		return Item[T]{}, ctx.Err()
	}
}

// Close 关闭队列 可重复调用
func (c *Chan[T]) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Len 返回队列中待消费的元素数量
func (c *Chan[T]) Len() int {
	return len(c.ch)
}
