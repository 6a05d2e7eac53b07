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

package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Queue PubSub 返回的订阅队列
//
// 队列写满时新消息会被丢弃 发布方永远不会阻塞
type Queue[T any] struct {
	id string
	ch chan T

	mut    sync.RWMutex
	closed bool
}

func newQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	return &Queue[T]{
		id: uuid.New().String(),
		ch: make(chan T, size),
	}
}

// ID 队列唯一标识
func (q *Queue[T]) ID() string {
	return q.id
}

// Pop 从队列中弹出一个元素 操作会 block 直到有元素 队列关闭或者 ctx 结束
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	select {
	case data, ok := <-q.ch:
		return data, ok
	case <-ctx.Done():
		return zero, false
	}
}

// Push 推送一个元素至队列中 返回是否成功入队
func (q *Queue[T]) Push(data T) bool {
	q.mut.RLock()
	defer q.mut.RUnlock()

	if q.closed {
		return false
	}
	select {
	case q.ch <- data:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) close() {
	q.mut.Lock()
	defer q.mut.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// PubSub 一对多的广播总线
type PubSub[T any] struct {
	mut    sync.RWMutex
	queues map[string]*Queue[T]
}

func New[T any]() *PubSub[T] {
	return &PubSub[T]{
		queues: make(map[string]*Queue[T]),
	}
}

func (p *PubSub[T]) Num() int {
	p.mut.RLock()
	defer p.mut.RUnlock()

	return len(p.queues)
}

func (p *PubSub[T]) Subscribe(size int) *Queue[T] {
	p.mut.Lock()
	defer p.mut.Unlock()

	q := newQueue[T](size)
	p.queues[q.ID()] = q
	return q
}

// Publish 广播消息 没有订阅者时直接返回
func (p *PubSub[T]) Publish(msg T) {
	p.mut.RLock()
	defer p.mut.RUnlock()

	for _, q := range p.queues {
		q.Push(msg)
	}
}

// Unsubscribe 取消订阅并关闭队列 队列中剩余元素仍可被 Pop
func (p *PubSub[T]) Unsubscribe(q *Queue[T]) {
	p.mut.Lock()
	delete(p.queues, q.ID())
	p.mut.Unlock()

	q.close()
}
