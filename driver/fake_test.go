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
	"time"

	"github.com/packetd/hyperd/common"
	"github.com/packetd/hyperd/protocol"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn 可编排读写行为的 net.Conn
type fakeConn struct {
	reads chan readResult

	mut             sync.Mutex
	closed          chan struct{}
	closeCount      int
	closeWriteCount int
	readCount       int
	writes          [][]byte
	writeErr        error
	ops             []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) feed(data string) {
	c.reads <- readResult{data: []byte(data)}
}

func (c *fakeConn) feedErr(err error) {
	c.reads <- readResult{err: err}
}

func (c *fakeConn) record(op string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.ops = append(c.ops, op)
}

func (c *fakeConn) Read(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	select {
	case r := <-c.reads:
		c.mut.Lock()
		c.readCount++
		c.mut.Unlock()
		if r.err != nil {
			c.record("read-error")
			return 0, r.err
		}
		c.record("read")
		return copy(b, r.data), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.writeErr != nil {
		return 0, c.writeErr
	}
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	c.ops = append(c.ops, "write")
	return len(b), nil
}

func (c *fakeConn) CloseWrite() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.closeWriteCount++
	c.ops = append(c.ops, "close-write")
	return nil
}

func (c *fakeConn) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.closeCount++
	c.ops = append(c.ops, "close")
	if c.closeCount > 1 {
		return net.ErrClosed
	}
	close(c.closed)
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8000}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) snapshot() (writes [][]byte, ops []string, closes, closeWrites, reads int) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([][]byte(nil), c.writes...), append([]string(nil), c.ops...), c.closeCount, c.closeWriteCount, c.readCount
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeTLSConn struct {
	*fakeConn
	alpn string
}

func (c *fakeTLSConn) ConnectionState() tls.ConnectionState {
	return tls.ConnectionState{HandshakeComplete: true, NegotiatedProtocol: c.alpn}
}

// fakeDecoder 记录收到的事件 具体行为由测试用例注入
type fakeDecoder struct {
	host protocol.Host
	info protocol.ConnInfo
	idle atomic.Bool

	onInitiate func(ctx context.Context, d *fakeDecoder) error
	onHandle   func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error

	mut    sync.Mutex
	events []protocol.Event
}

func (d *fakeDecoder) Initiate(ctx context.Context) error {
	if d.onInitiate != nil {
		return d.onInitiate(ctx, d)
	}
	return nil
}

func (d *fakeDecoder) Handle(ctx context.Context, ev protocol.Event) error {
	d.mut.Lock()
	d.events = append(d.events, ev)
	d.mut.Unlock()

	if d.onHandle != nil {
		return d.onHandle(ctx, d, ev)
	}
	return nil
}

func (d *fakeDecoder) Idle() bool {
	return d.idle.Load()
}

func (d *fakeDecoder) snapshot() []protocol.Event {
	d.mut.Lock()
	defer d.mut.Unlock()
	return append([]protocol.Event(nil), d.events...)
}

func (d *fakeDecoder) count(kind protocol.Kind) int {
	var n int
	for _, ev := range d.snapshot() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

// decoderFunc 返回 CreateDecoderFunc 同时把创建出的 fakeDecoder 暴露给测试
func decoderFunc(d *fakeDecoder) protocol.CreateDecoderFunc {
	return func(host protocol.Host, info protocol.ConnInfo, _ common.Options) protocol.Decoder {
		d.host = host
		d.info = info
		return d
	}
}

// closeOnEOF 收到空 RawData 时主动关闭链接
func closeOnEOF(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
	if raw, ok := ev.(protocol.RawData); ok && len(raw.Data) == 0 {
		return d.host.Send(ctx, protocol.Closed{})
	}
	return nil
}

var _ io.ReadWriteCloser = (*fakeConn)(nil)
