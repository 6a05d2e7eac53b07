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

package waitsig

import (
	"context"
	"sync"
)

// Signal 协作式的等待/通知原语
//
// Set 之后所有当前以及后续的 Wait 都会立即返回 直到被 Clear
// Signal 与 socket 以及定时器没有任何关联 Decoder 可以用其阻塞在任意外部条件上 如流控额度
type Signal struct {
	mut sync.Mutex
	ch  chan struct{} // set 状态时 ch 已经被 close
	set bool
}

// New 创建并返回一个未触发的 Signal
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Wait 阻塞直到 Signal 被触发或者 ctx 结束
func (s *Signal) Wait(ctx context.Context) error {
	s.mut.Lock()
	ch := s.ch
	s.mut.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set 触发 Signal 唤醒所有等待者
func (s *Signal) Set() {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.set {
		return
	}
	s.set = true
	close(s.ch)
}

// Clear 重置为未触发状态
func (s *Signal) Clear() {
	s.mut.Lock()
	defer s.mut.Unlock()

	if !s.set {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

// IsSet 返回 Signal 是否处于触发状态
func (s *Signal) IsSet() bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	return s.set
}
