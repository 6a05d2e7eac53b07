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

	"github.com/pkg/errors"

	"github.com/packetd/hyperd/internal/handoff"
	"github.com/packetd/hyperd/internal/rescue"
	"github.com/packetd/hyperd/logger"
)

var (
	// ErrDone 应用已经结束 无法再投递消息
	ErrDone = errors.New("app: invocation done")

	// ErrConnClosed 链接已经关闭 Launcher 不再启动新的应用
	ErrConnClosed = errors.New("app: connection closed")
)

// Config 应用调用相关配置
type Config struct {
	// MaxQueueSize 单次调用中等待应用消费的最大消息数
	MaxQueueSize int `config:"maxQueueSize"`
}

func (c Config) GetMaxQueueSize() int {
	if c.MaxQueueSize < 1 {
		return 10
	}
	return c.MaxQueueSize
}

// Sink Decoder 提供的应用输出入口
//
// 应用每条输出都以 handoff.Message 形式送达
// 应用结束时 (正常返回或者异常) 送达且仅送达一次 handoff.EndOfStream
type Sink func(ctx context.Context, item handoff.Item[Message]) error

// Launcher 由链接提供 负责在链接的生命周期内启动一个应用任务
//
// 链接已经结束时应返回 error 且不执行 task
type Launcher func(task func()) error

// ErrorReporter 处理应用未捕获的异常
type ErrorReporter func(scope *Scope, err error)

func logError(scope *Scope, err error) {
	logger.Errorf("error in application (conn=%s, %s %s): %v", scope.ConnID, scope.Method, scope.Path, err)
}

type Option func(s *Spawner)

// WithErrorReporter 替换默认的异常上报方式
func WithErrorReporter(f ErrorReporter) Option {
	return func(s *Spawner) {
		s.report = f
	}
}

// Spawner 负责为每个请求启动应用任务
//
// Spawner 本身无状态 可以被所有链接共享
type Spawner struct {
	handler Handler
	conf    Config
	report  ErrorReporter
}

func NewSpawner(handler Handler, conf Config, opts ...Option) *Spawner {
	s := &Spawner{
		handler: handler,
		conf:    conf,
		report:  logError,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invocation 代表一次正在运行的应用调用
type Invocation struct {
	ch   *handoff.Chan[Message]
	done chan struct{}
	err  error
}

// Enqueue 向应用投递一条消息 队列满时阻塞
//
// 应用结束后返回 ErrDone
func (inv *Invocation) Enqueue(ctx context.Context, msg Message) error {
	select {
	case <-inv.done:
		return ErrDone
	default:
	}

	err := inv.ch.Put(ctx, msg)
	if errors.Is(err, handoff.ErrClosed) {
		return ErrDone
	}
	return err
}

// CloseInput 关闭应用输入 队列中剩余消息取完后应用将收到 MessageDisconnect
func (inv *Invocation) CloseInput() {
	inv.ch.Close()
}

// Pending 返回队列中尚未被应用取走的消息数量
func (inv *Invocation) Pending() int {
	return inv.ch.Len()
}

// Done 应用结束通知
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Err 返回应用结束原因 仅在 Done 之后有效
//
// 被取消时返回 context 相关错误
func (inv *Invocation) Err() error {
	<-inv.done
	return inv.err
}

// Spawn 创建有界队列并启动应用任务 返回的 *Invocation 用于投递消息
//
// ctx 为链接的生命周期 ctx 结束时应用也随之被取消
func (s *Spawner) Spawn(ctx context.Context, launch Launcher, scope *Scope, sink Sink) (*Invocation, error) {
	inv := &Invocation{
		ch:   handoff.New[Message](s.conf.GetMaxQueueSize()),
		done: make(chan struct{}),
	}

	err := launch(func() {
		s.run(ctx, inv, scope, sink)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Spawner) run(ctx context.Context, inv *Invocation, scope *Scope, sink Sink) {
	invocationsTotal.Inc()
	invocationsActive.Inc()
	defer invocationsActive.Dec()

	defer close(inv.done)
	defer inv.ch.Close()

	receive := func(ctx context.Context) (Message, error) {
		item, err := inv.ch.Get(ctx)
		if err != nil {
			return Message{}, err
		}
		if item.EOS {
			return Message{Type: MessageDisconnect}, nil
		}
		return item.Value, nil
	}
	send := func(ctx context.Context, msg Message) error {
		return sink(ctx, handoff.Message(msg))
	}

	err := s.serve(ctx, scope, receive, send)
	inv.err = err
	if err != nil && isCanceled(ctx, err) {
		return // 取消需要向上传递 不转换为流结束
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrConnClosed):
		// 链接关闭时仍在处理的请求 并非应用异常
		logger.Debugf("application stopped by closed connection (conn=%s): %v", scope.ConnID, err)
	default:
		errorsTotal.Inc()
		s.report(scope, err)
	}

	if err := sink(ctx, handoff.EndOfStream[Message]()); err != nil {
		logger.Debugf("failed to finish application (conn=%s): %v", scope.ConnID, err)
	}
}

func (s *Spawner) serve(ctx context.Context, scope *Scope, receive ReceiveFunc, send SendFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rescue.Observe(r)
			err = rescue.AsError(r)
		}
	}()
	return s.handler.ServeApp(ctx, scope, receive, send)
}

func isCanceled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
