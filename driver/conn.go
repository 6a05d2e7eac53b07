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

package driver

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/packetd/hyperd/app"
	"github.com/packetd/hyperd/internal/fasttime"
	"github.com/packetd/hyperd/internal/rescue"
	"github.com/packetd/hyperd/internal/waitsig"
	"github.com/packetd/hyperd/logger"
	"github.com/packetd/hyperd/protocol"
)

func newError(format string, args ...any) error {
	format = "driver: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrConnClosed 链接已经结束 无法再启动应用
	//
	// 与 app.ErrConnClosed 为同一个错误 应用据此区分链接关闭与自身异常
	ErrConnClosed = app.ErrConnClosed

	// ErrAlreadyRunning Run 仅允许调用一次
	ErrAlreadyRunning = newError("already running")
)

// Stats 链接的统计数据
type Stats struct {
	ReceivedBytes uint64
	SentBytes     uint64
	Apps          int // 仍在运行的应用数量
	Pending       int // 应用队列中待消费的消息数量
}

type Option func(c *Conn)

// WithID 指定链接 ID 默认随机生成
func WithID(id string) Option {
	return func(c *Conn) {
		c.id = id
	}
}

// WithDecoderFunc 指定 Decoder 创建函数 不再依据 ALPN 从注册表中查找
func WithDecoderFunc(f protocol.CreateDecoderFunc) Option {
	return func(c *Conn) {
		c.createDecoder = f
	}
}

// Conn 单条链接的驱动器
//
// Conn 独占 socket 以及 keep-alive 定时器 负责
// * 读取 socket 并将字节流投递给 Decoder
// * 将 Decoder 发出的事件写入 socket 或者关闭 socket
// * 在 Decoder 空闲时维护 keep-alive 定时器 超时强制关闭链接
//
// Decoder 只能通过 protocol.Host 与 Conn 交互 不会持有任何 socket 相关的引用
type Conn struct {
	id            string
	conf          Config
	nc            net.Conn
	spawner       *app.Spawner
	createDecoder protocol.CreateDecoderFunc
	running       atomic.Bool

	ctx     context.Context
	info    protocol.ConnInfo
	decoder protocol.Decoder

	writeMut sync.Mutex

	timerMut sync.Mutex
	timer    *time.Timer
	timerGen uint64 // 每次重新评估递增 用于丢弃已经过期的定时器回调

	closeOnce       sync.Once
	closed          chan struct{}
	closedDelivered atomic.Bool

	tasksMut sync.Mutex
	tasks    sync.WaitGroup
	shutdown bool

	invMut sync.Mutex
	invs   map[*app.Invocation]struct{}

	activeAt      atomic.Int64
	receivedBytes atomic.Uint64
	sentBytes     atomic.Uint64
}

// New 创建链接驱动器 nc 必须是已经完成握手的链接
func New(nc net.Conn, spawner *app.Spawner, conf Config, opts ...Option) *Conn {
	c := &Conn{
		conf:    conf,
		nc:      nc,
		spawner: spawner,
		closed:  make(chan struct{}),
		invs:    make(map[*app.Invocation]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.New().String()
	}
	c.info = c.connInfo()
	c.touch()
	return c
}

// ID 返回链接唯一标识
func (c *Conn) ID() string {
	return c.id
}

// Info 返回链接基础信息
func (c *Conn) Info() protocol.ConnInfo {
	return c.info
}

// ActiveAt 返回链接最后活跃时间
func (c *Conn) ActiveAt() time.Time {
	return time.Unix(c.activeAt.Load(), 0)
}

// Stats 返回链接统计数据
func (c *Conn) Stats() Stats {
	c.invMut.Lock()
	c.pruneInvocations()
	apps := len(c.invs)
	pending := 0
	for inv := range c.invs {
		pending += inv.Pending()
	}
	c.invMut.Unlock()

	return Stats{
		ReceivedBytes: c.receivedBytes.Load(),
		SentBytes:     c.sentBytes.Load(),
		Apps:          apps,
		Pending:       pending,
	}
}

// pruneInvocations 移除已经结束的应用 调用方需持有 invMut
func (c *Conn) pruneInvocations() {
	for inv := range c.invs {
		select {
		case <-inv.Done():
			delete(c.invs, inv)
		default:
		}
	}
}

func (c *Conn) connInfo() protocol.ConnInfo {
	info := protocol.ConnInfo{
		ID:       c.id,
		Protocol: c.conf.GetDefaultProtocol(),
	}
	if addr := c.nc.RemoteAddr(); addr != nil {
		info.Client = addr.String()
	}
	if addr := c.nc.LocalAddr(); addr != nil {
		info.Server = addr.String()
	}

	if cs, ok := c.nc.(interface{ ConnectionState() tls.ConnectionState }); ok {
		info.TLS = true
		if p := cs.ConnectionState().NegotiatedProtocol; p != "" {
			info.Protocol = p
		}
	}
	return info
}

// Run 接管链接直至其完全关闭
//
// 对端关闭 Decoder 主动关闭以及 keep-alive 超时均为正常结束 返回 nil
// ctx 被取消时返回 ctx.Err()
// Run 返回前会等待所有由本链接启动的应用任务结束
func (c *Conn) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	connsTotal.WithLabelValues(c.info.Protocol).Inc()
	connsActive.Inc()
	defer connsActive.Dec()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	stop := context.AfterFunc(ctx, func() {
		c.shutdownTransport(false)
	})
	defer stop()

	err := c.serve(ctx)
	c.teardown(cancel)

	if perr := parent.Err(); perr != nil {
		return perr
	}
	return err
}

func (c *Conn) serve(ctx context.Context) error {
	create := c.createDecoder
	if create == nil {
		f, err := protocol.Get(c.info.Protocol)
		if err != nil {
			return err
		}
		create = f
	}
	c.decoder = create(c, c.info, c.conf.Decoder.Clone())
	logger.Debugf("conn (%s) start: client=%s, protocol=%s, tls=%v", c.id, c.info.Client, c.info.Protocol, c.info.TLS)

	if err := c.decoder.Initiate(ctx); err != nil {
		return errors.Wrap(err, "driver: initiate")
	}
	c.updateKeepAlive()

	if err := c.readLoop(ctx); err != nil {
		return err
	}

	// 接收循环结束后 链接可能仍处于半关闭状态 等待 Decoder 发出 Closed 或者 keep-alive 超时
	select {
	case <-c.closed:
	case <-ctx.Done():
	}
	return nil
}

func (c *Conn) teardown(cancel context.CancelFunc) {
	c.tasksMut.Lock()
	c.shutdown = true
	c.tasksMut.Unlock()

	c.stopKeepAlive()
	c.shutdownTransport(false)
	cancel()
	c.tasks.Wait()
	logger.Debugf("conn (%s) closed: received=%d, sent=%d", c.id, c.receivedBytes.Load(), c.sentBytes.Load())
}

func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.conf.GetMaxRecvSize())
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.touch()
			c.receivedBytes.Add(uint64(n))
			receivedBytes.Add(float64(n))

			data := make([]byte, n)
			copy(data, buf[:n])
			if herr := c.decoder.Handle(ctx, protocol.RawData{Data: data}); herr != nil {
				return errors.Wrap(herr, "driver: handle")
			}
			c.updateKeepAlive()
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if herr := c.decoder.Handle(ctx, protocol.RawData{}); herr != nil {
				return errors.Wrap(herr, "driver: handle")
			}
			c.updateKeepAlive()
			return nil
		}

		transportFaults.WithLabelValues("read").Inc()
		c.shutdownTransport(false)
		if herr := c.deliverClosed(ctx); herr != nil {
			return errors.Wrap(herr, "driver: handle")
		}
		if isConnClosedErr(err) || ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "driver: read")
	}
}

// Send 实现 protocol.Host 可被并发调用
//
// socket 层面的写失败不会返回错误 而是以 Closed 事件的形式投递给 Decoder
func (c *Conn) Send(ctx context.Context, ev protocol.Event) error {
	defer c.updateKeepAlive()

	switch e := ev.(type) {
	case protocol.RawData:
		if err := c.write(e.Data); err != nil {
			transportFaults.WithLabelValues("write").Inc()
			if !isConnClosedErr(err) {
				logger.Debugf("conn (%s) write failed: %v", c.id, err)
			}
			c.shutdownTransport(false)
			return c.deliverClosed(ctx)
		}

	case protocol.Closed:
		c.shutdownTransport(true)
		return c.deliverClosed(ctx)

	case protocol.Updated:
		// 仅触发 keep-alive 定时器的重新评估
	}
	return nil
}

func (c *Conn) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	n, err := c.nc.Write(b)
	if n > 0 {
		c.touch()
		c.sentBytes.Add(uint64(n))
		sentBytes.Add(float64(n))
	}
	return err
}

// deliverClosed 向 Decoder 投递 Closed 事件 整个链接生命周期内仅投递一次
func (c *Conn) deliverClosed(ctx context.Context) error {
	if !c.closedDelivered.CompareAndSwap(false, true) {
		return nil
	}
	return c.decoder.Handle(ctx, protocol.Closed{})
}

// shutdownTransport 关闭 socket 可重复调用
//
// graceful 为 true 时先尝试关闭写端 (TLS 等链接可能不支持) 两步操作的失败均被忽略
func (c *Conn) shutdownTransport(graceful bool) {
	c.closeOnce.Do(func() {
		var merr *multierror.Error
		if graceful {
			if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
				if err := cw.CloseWrite(); err != nil {
					merr = multierror.Append(merr, err)
				}
			}
		}
		if err := c.nc.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		close(c.closed)

		if err := merr.ErrorOrNil(); err != nil {
			logger.Debugf("conn (%s) close: %v", c.id, err)
		}
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// updateKeepAlive 重新评估 keep-alive 定时器
//
// 先取消已有的定时器 当且仅当 Decoder 空闲时重新调度
func (c *Conn) updateKeepAlive() {
	c.timerMut.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++

	if c.isClosed() || c.conf.KeepAliveTimeout < 0 || c.decoder == nil || !c.decoder.Idle() {
		c.timerMut.Unlock()
		return
	}

	gen := c.timerGen
	if c.conf.KeepAliveTimeout == 0 {
		c.timerMut.Unlock()
		c.onKeepAliveTimeout(gen)
		return
	}
	c.timer = time.AfterFunc(c.conf.KeepAliveTimeout, func() {
		c.onKeepAliveTimeout(gen)
	})
	c.timerMut.Unlock()
}

func (c *Conn) onKeepAliveTimeout(gen uint64) {
	c.timerMut.Lock()
	if gen != c.timerGen {
		c.timerMut.Unlock()
		return
	}
	c.timer = nil
	c.timerMut.Unlock()

	if c.isClosed() {
		return
	}
	keepAliveTimeouts.Inc()
	logger.Debugf("conn (%s) idle for %s, closing", c.id, c.conf.KeepAliveTimeout)
	c.shutdownTransport(false)
}

func (c *Conn) stopKeepAlive() {
	c.timerMut.Lock()
	defer c.timerMut.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

// SpawnApp 实现 protocol.Host
func (c *Conn) SpawnApp(scope *app.Scope, sink app.Sink) (*app.Invocation, error) {
	inv, err := c.spawner.Spawn(c.ctx, c.launch, scope, sink)
	if err != nil {
		return nil, err
	}

	c.invMut.Lock()
	c.pruneInvocations()
	c.invs[inv] = struct{}{}
	c.invMut.Unlock()
	return inv, nil
}

// NewSignal 实现 protocol.Host
func (c *Conn) NewSignal() *waitsig.Signal {
	return waitsig.New()
}

// Protocol 实现 protocol.Host
func (c *Conn) Protocol() string {
	return c.info.Protocol
}

// launch 在链接的生命周期内启动一个任务
func (c *Conn) launch(task func()) error {
	c.tasksMut.Lock()
	defer c.tasksMut.Unlock()

	if c.shutdown {
		return ErrConnClosed
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		defer rescue.HandleCrash()
		task()
	}()
	return nil
}

func (c *Conn) touch() {
	c.activeAt.Store(fasttime.UnixTimestamp())
}

// isConnClosedErr 判断是否为对端断开或者 socket 已经关闭导致的错误
func isConnClosedErr(err error) bool {
	switch {
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	return false
}
