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

package phttp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/packetd/hyperd/app"
	"github.com/packetd/hyperd/common"
	"github.com/packetd/hyperd/internal/handoff"
	"github.com/packetd/hyperd/internal/waitsig"
	"github.com/packetd/hyperd/protocol"
)

func newError(format string, args ...any) error {
	format = "http/decoder: " + format
	return errors.Errorf(format, args...)
}

var (
	// ErrResponseCompleted 响应结束后应用仍在发送消息
	ErrResponseCompleted = newError("response already completed")

	// ErrUnexpectedMessage 应用发送了当前阶段不允许的消息
	ErrUnexpectedMessage = newError("unexpected message")
)

// cycle 单个请求/响应周期
type cycle struct {
	scope     *app.Scope
	inv       *app.Invocation
	keepAlive bool
	head      bool // HEAD 请求不输出 body
	http10    bool

	started    bool
	status     int
	headers    []app.Header
	headerSent bool
	chunked    bool
	untilClose bool // HTTP/1.0 流式响应 以关闭链接作为结束
	complete   bool
}

// decoder HTTP/1.1 协议状态机
//
// 同一时刻最多只有一个进行中的 cycle pipelined 请求会被缓存 待前一个响应结束后依次处理
type decoder struct {
	host protocol.Host
	info protocol.ConnInfo
	opts Options

	mut        sync.Mutex
	buf        *bytebufferpool.ByteBuffer
	cur        *cycle
	peerClosed bool
	rejected   bool
	closed     bool

	idle    atomic.Bool
	canRead *waitsig.Signal
}

// NewDecoder 创建 HTTP/1.1 Decoder
func NewDecoder(host protocol.Host, info protocol.ConnInfo, opts common.Options) protocol.Decoder {
	d := &decoder{
		host:    host,
		info:    info,
		opts:    ParseOptions(opts),
		buf:     bytebufferpool.Get(),
		canRead: host.NewSignal(),
	}
	d.idle.Store(true)
	d.canRead.Set()
	return d
}

func (d *decoder) Initiate(context.Context) error {
	return nil
}

func (d *decoder) Idle() bool {
	return d.idle.Load()
}

func (d *decoder) Handle(ctx context.Context, ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.RawData:
		if len(e.Data) == 0 {
			return d.handleEOF(ctx)
		}
		return d.handleData(ctx, e.Data)

	case protocol.Closed:
		d.handleClosed()
		return nil
	}
	return nil
}

func (d *decoder) handleData(ctx context.Context, b []byte) error {
	d.mut.Lock()
	if d.closed || d.rejected {
		d.mut.Unlock()
		return nil
	}
	d.buf.Write(b)

	if d.cur != nil {
		// 请求处理中 缓存过多时暂停读取直至响应结束
		if d.buf.Len() > d.opts.MaxBuffered {
			d.canRead.Clear()
			d.mut.Unlock()
			return d.canRead.Wait(ctx)
		}
		d.mut.Unlock()
		return nil
	}
	d.mut.Unlock()
	return d.next(ctx)
}

func (d *decoder) handleEOF(ctx context.Context) error {
	d.mut.Lock()
	d.peerClosed = true
	busy := d.cur != nil
	d.mut.Unlock()

	if busy {
		return nil // 响应结束后再决定是否关闭
	}
	return d.next(ctx)
}

func (d *decoder) handleClosed() {
	d.mut.Lock()
	if d.closed {
		d.mut.Unlock()
		return
	}
	d.closed = true
	cur := d.cur
	bytebufferpool.Put(d.buf)
	d.buf = nil
	d.mut.Unlock()

	d.canRead.Set()
	if cur != nil && cur.inv != nil {
		cur.inv.CloseInput()
	}
}

// next 尝试从缓存中解析下一个请求并启动应用
func (d *decoder) next(ctx context.Context) error {
	d.mut.Lock()
	if d.cur != nil || d.closed || d.rejected {
		d.mut.Unlock()
		return nil
	}

	req, body, pending, status := d.parse()
	if status != 0 {
		d.rejected = true
		d.mut.Unlock()
		return d.reject(ctx, status)
	}
	if req == nil {
		// 请求头已到达而 body 未收全时请求已在处理中 不可被 keep-alive 超时回收
		d.idle.Store(!pending)
		peerClosed := d.peerClosed
		d.mut.Unlock()
		if peerClosed {
			return d.host.Send(ctx, protocol.Closed{})
		}
		return nil
	}

	c := &cycle{
		scope:     d.newScope(req),
		keepAlive: !req.Close,
		head:      req.Method == http.MethodHead,
		http10:    !req.ProtoAtLeast(1, 1),
	}
	d.cur = c
	d.idle.Store(false)
	d.mut.Unlock()

	inv, err := d.host.SpawnApp(c.scope, func(ctx context.Context, item handoff.Item[app.Message]) error {
		return d.sink(ctx, c, item)
	})
	if err != nil {
		return err
	}

	d.mut.Lock()
	c.inv = inv
	closed := d.closed
	d.mut.Unlock()
	if closed {
		inv.CloseInput()
	}

	msg := app.Message{Type: app.MessageRequest, Body: body}
	if err := inv.Enqueue(ctx, msg); err != nil && !errors.Is(err, app.ErrDone) {
		return err
	}
	return nil
}

// parse 从缓存中解析一个完整请求 数据不足时返回 nil
//
// pending 代表请求头已完整但 body 尚未收全
// status 非 0 代表请求非法 需要以该状态码拒绝
// 调用方需持有锁
func (d *decoder) parse() (*http.Request, []byte, bool, int) {
	b := d.buf.B
	idx := bytes.Index(b, charHeadEnd)
	if idx < 0 {
		if len(b) > d.opts.MaxHeadSize {
			return nil, nil, false, http.StatusRequestHeaderFieldsTooLarge
		}
		return nil, nil, false, 0
	}

	headLen := idx + len(charHeadEnd)
	if headLen > d.opts.MaxHeadSize {
		return nil, nil, false, http.StatusRequestHeaderFieldsTooLarge
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b[:headLen])))
	if err != nil {
		return nil, nil, false, http.StatusBadRequest
	}
	if len(req.TransferEncoding) > 0 {
		return nil, nil, false, http.StatusNotImplemented
	}
	if req.ContentLength > int64(d.opts.MaxBodySize) {
		return nil, nil, false, http.StatusRequestEntityTooLarge
	}

	size := headLen
	if req.ContentLength > 0 {
		size += int(req.ContentLength)
	}
	if len(b) < size {
		return nil, nil, true, 0 // 等待完整的 body
	}

	body := append([]byte(nil), b[headLen:size]...)
	d.buf.B = append(d.buf.B[:0], b[size:]...)
	return req, body, false, 0
}

func (d *decoder) newScope(req *http.Request) *app.Scope {
	headers := make([]app.Header, 0, len(req.Header)+1)
	if req.Host != "" {
		headers = append(headers, app.Header{Name: "host", Value: req.Host})
	}

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range req.Header[name] {
			headers = append(headers, app.Header{Name: strings.ToLower(name), Value: v})
		}
	}

	return &app.Scope{
		Type:        "http",
		ConnID:      d.info.ID,
		Protocol:    d.host.Protocol(),
		HTTPVersion: fmt.Sprintf("%d.%d", req.ProtoMajor, req.ProtoMinor),
		Method:      req.Method,
		Scheme:      d.info.Scheme(),
		Path:        req.URL.Path,
		RawQuery:    req.URL.RawQuery,
		Headers:     headers,
		Client:      d.info.Client,
		Server:      d.info.Server,
	}
}

// reject 发送错误响应并关闭链接
func (d *decoder) reject(ctx context.Context, status int) error {
	if err := d.host.Send(ctx, protocol.RawData{Data: errorResponse(status, false)}); err != nil {
		return err
	}
	return d.host.Send(ctx, protocol.Closed{})
}

// sink 接收应用输出 在应用任务中执行
func (d *decoder) sink(ctx context.Context, c *cycle, item handoff.Item[app.Message]) error {
	if item.EOS {
		return d.finish(ctx, c)
	}

	msg := item.Value
	d.mut.Lock()
	if c.complete {
		d.mut.Unlock()
		return ErrResponseCompleted
	}

	switch msg.Type {
	case app.MessageResponseStart:
		if c.started {
			d.mut.Unlock()
			return errors.Wrapf(ErrUnexpectedMessage, "duplicated %s", msg.Type)
		}
		c.started = true
		c.status = msg.Status
		if c.status == 0 {
			c.status = http.StatusOK
		}
		c.headers = msg.Headers
		if wantsClose(c.headers) {
			c.keepAlive = false
		}
		d.mut.Unlock()
		return nil

	case app.MessageResponseBody:
		if !c.started {
			d.mut.Unlock()
			return errors.Wrapf(ErrUnexpectedMessage, "%s before %s", msg.Type, app.MessageResponseStart)
		}
		if d.closed {
			d.mut.Unlock()
			return nil // 链接已关闭 丢弃输出
		}
		data := d.encodeBody(c, msg)
		done := !msg.MoreBody
		if done {
			c.complete = true
		}
		d.mut.Unlock()

		if len(data) > 0 {
			if err := d.host.Send(ctx, protocol.RawData{Data: data}); err != nil {
				return err
			}
		}
		if done {
			return d.complete(ctx, c)
		}
		return nil
	}

	d.mut.Unlock()
	return errors.Wrap(ErrUnexpectedMessage, msg.Type)
}

// encodeBody 编码响应 首个 body 消息会携带响应头 调用方需持有锁
func (d *decoder) encodeBody(c *cycle, msg app.Message) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	if !c.headerSent {
		c.headerSent = true
		contentLength := -1
		_, appLength := lookupHeader(c.headers, "Content-Length")
		switch {
		case appLength, c.head:
		case !msg.MoreBody:
			contentLength = len(msg.Body)
		case c.http10:
			c.untilClose = true
			c.keepAlive = false
		default:
			c.chunked = true
		}
		writeHead(bb, c.status, c.headers, contentLength, c.chunked, c.keepAlive)
	}

	if !c.head {
		if c.chunked {
			writeChunk(bb, msg.Body)
			if !msg.MoreBody {
				bb.Write(charChunkedEnd)
			}
		} else {
			bb.Write(msg.Body)
		}
	}
	return append([]byte(nil), bb.B...)
}

// complete 响应结束 根据 keep-alive 决定关闭链接或者处理下一个请求
func (d *decoder) complete(ctx context.Context, c *cycle) error {
	d.mut.Lock()
	if d.cur == c {
		d.cur = nil
		d.idle.Store(true)
	}
	keepAlive := c.keepAlive && !c.untilClose
	d.mut.Unlock()

	d.canRead.Set()

	if !keepAlive {
		return d.host.Send(ctx, protocol.Closed{})
	}
	if err := d.next(ctx); err != nil {
		return err
	}
	return d.host.Send(ctx, protocol.Updated{})
}

// finish 应用结束 (流结束) 时调用
func (d *decoder) finish(ctx context.Context, c *cycle) error {
	d.mut.Lock()
	started := c.started && c.headerSent
	complete := c.complete
	closed := d.closed
	if !complete && !started {
		c.complete = true
		c.keepAlive = false
	}
	d.mut.Unlock()

	switch {
	case complete:
		return nil

	case closed:
		d.mut.Lock()
		if d.cur == c {
			d.cur = nil
			d.idle.Store(true)
		}
		d.mut.Unlock()
		return nil

	case !started:
		// 应用未发送响应便结束
		if err := d.host.Send(ctx, protocol.RawData{Data: errorResponse(http.StatusInternalServerError, false)}); err != nil {
			return err
		}
		return d.complete(ctx, c)

	default:
		// 响应发送过程中结束 无法修复只能关闭链接
		return d.host.Send(ctx, protocol.Closed{})
	}
}
