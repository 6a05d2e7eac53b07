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
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/packetd/hyperd/app"
	"github.com/packetd/hyperd/common"
	"github.com/packetd/hyperd/internal/handoff"
	"github.com/packetd/hyperd/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/packetd/hyperd/internal/fasttime.init.0.func1"))
}

func testConfig(keepAlive time.Duration) Config {
	conf := DefaultConfig()
	conf.KeepAliveTimeout = keepAlive
	return conf
}

func nopSpawner() *app.Spawner {
	return app.NewSpawner(app.HandlerFunc(func(ctx context.Context, scope *app.Scope, receive app.ReceiveFunc, send app.SendFunc) error {
		return nil
	}), app.Config{})
}

func startRun(ctx context.Context, c *Conn) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunDeliversReadsInOrder(t *testing.T) {
	nc := newFakeConn()
	d := &fakeDecoder{onHandle: closeOnEOF}
	d.idle.Store(true)
	c := New(nc, nopSpawner(), testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))

	nc.feed("GET / HTTP/1.1\r\n")
	nc.feed("Host: a\r\n\r\n")
	nc.feed("tail")
	nc.feedErr(io.EOF)

	require.NoError(t, waitRun(t, startRun(context.Background(), c)))

	events := d.snapshot()
	require.Len(t, events, 5)
	assert.Equal(t, protocol.RawData{Data: []byte("GET / HTTP/1.1\r\n")}, events[0])
	assert.Equal(t, protocol.RawData{Data: []byte("Host: a\r\n\r\n")}, events[1])
	assert.Equal(t, protocol.RawData{Data: []byte("tail")}, events[2])
	assert.Equal(t, protocol.RawData{}, events[3])
	assert.Equal(t, protocol.Closed{}, events[4])

	_, _, closes, closeWrites, reads := nc.snapshot()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, closeWrites)
	assert.Equal(t, 4, reads)
}

func TestRunTransportFaults(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(nc *fakeConn, d *fakeDecoder)
		wantRead bool
	}{
		{
			name: "read reset",
			setup: func(nc *fakeConn, d *fakeDecoder) {
				nc.feedErr(syscall.ECONNRESET)
			},
		},
		{
			name: "read broken pipe",
			setup: func(nc *fakeConn, d *fakeDecoder) {
				nc.feedErr(syscall.EPIPE)
			},
		},
		{
			name: "write broken pipe",
			setup: func(nc *fakeConn, d *fakeDecoder) {
				nc.writeErr = syscall.EPIPE
				d.onInitiate = func(ctx context.Context, d *fakeDecoder) error {
					return d.host.Send(ctx, protocol.RawData{Data: []byte("preface")})
				}
			},
		},
		{
			name: "write reset after read",
			setup: func(nc *fakeConn, d *fakeDecoder) {
				nc.writeErr = syscall.ECONNRESET
				nc.feed("ping")
				d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
					if _, ok := ev.(protocol.RawData); ok {
						return d.host.Send(ctx, protocol.RawData{Data: []byte("pong")})
					}
					return nil
				}
			},
			wantRead: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := newFakeConn()
			d := &fakeDecoder{}
			tt.setup(nc, d)

			// Decoder 收到 Closed 后再次请求关闭 验证关闭路径幂等
			inner := d.onHandle
			d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
				if inner != nil {
					if err := inner(ctx, d, ev); err != nil {
						return err
					}
				}
				if _, ok := ev.(protocol.Closed); ok {
					return d.host.Send(ctx, protocol.Closed{})
				}
				return nil
			}

			c := New(nc, nopSpawner(), testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))
			require.NoError(t, waitRun(t, startRun(context.Background(), c)))

			assert.Equal(t, 1, d.count(protocol.KindClosed))
			if tt.wantRead {
				assert.Equal(t, 1, d.count(protocol.KindRawData))
			}
			assert.True(t, nc.isClosed())
		})
	}
}

// 客户端发送请求 Decoder 回写响应后通知 Updated 定时器被重新调度且未触发
func TestScenarioResponseRearmsTimer(t *testing.T) {
	nc := newFakeConn()
	updated := make(chan struct{})
	d := &fakeDecoder{}
	d.idle.Store(true)
	d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
		raw, ok := ev.(protocol.RawData)
		if !ok || len(raw.Data) == 0 {
			return nil
		}
		d.idle.Store(false)
		if err := d.host.Send(ctx, protocol.RawData{Data: []byte("HTTP/1.1 200 OK\r\n\r\n")}); err != nil {
			return err
		}
		d.idle.Store(true)
		if err := d.host.Send(ctx, protocol.Updated{}); err != nil {
			return err
		}
		close(updated)
		return nil
	}

	c := New(nc, nopSpawner(), testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := startRun(ctx, c)

	nc.feed("GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("decoder did not respond")
	}

	writes, _, closes, _, _ := nc.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte("HTTP/1.1 200 OK\r\n\r\n"), writes[0])
	assert.Equal(t, 0, closes)

	c.timerMut.Lock()
	armed := c.timer != nil
	c.timerMut.Unlock()
	assert.True(t, armed)

	cancel()
	assert.ErrorIs(t, waitRun(t, errCh), context.Canceled)
	assert.True(t, nc.isClosed())
}

// 首次读取即为 EOF Decoder 收到一次空 RawData 后接收循环退出
func TestScenarioImmediateEOF(t *testing.T) {
	nc := newFakeConn()
	d := &fakeDecoder{onHandle: closeOnEOF}
	d.idle.Store(true)
	c := New(nc, nopSpawner(), testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))

	nc.feedErr(io.EOF)
	require.NoError(t, waitRun(t, startRun(context.Background(), c)))

	events := d.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.RawData{}, events[0])
	assert.Equal(t, protocol.Closed{}, events[1])

	_, _, _, _, reads := nc.snapshot()
	assert.Equal(t, 1, reads)
}

// keep-alive 为 0 且 Decoder 初始即空闲 在任何读取之前关闭链接
func TestScenarioZeroKeepAlive(t *testing.T) {
	nc := newFakeConn()
	d := &fakeDecoder{}
	d.idle.Store(true)
	c := New(nc, nopSpawner(), testConfig(0), WithDecoderFunc(decoderFunc(d)))

	nc.feed("never read")
	require.NoError(t, waitRun(t, startRun(context.Background(), c)))

	_, ops, closes, _, reads := nc.snapshot()
	require.NotEmpty(t, ops)
	assert.Equal(t, "close", ops[0])
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, reads)
	assert.Equal(t, 0, d.count(protocol.KindRawData))
	assert.Equal(t, 1, d.count(protocol.KindClosed))
}

func TestKeepAliveNotArmedWhenBusy(t *testing.T) {
	nc := newFakeConn()
	got := make(chan struct{})
	d := &fakeDecoder{}
	d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
		if _, ok := ev.(protocol.RawData); ok {
			close(got)
		}
		return nil
	}
	c := New(nc, nopSpawner(), testConfig(10*time.Millisecond), WithDecoderFunc(decoderFunc(d)))
	errCh := startRun(context.Background(), c)

	nc.feed("request")
	<-got
	time.Sleep(60 * time.Millisecond)
	assert.False(t, nc.isClosed())

	d.idle.Store(true)
	require.NoError(t, d.host.Send(context.Background(), protocol.Updated{}))

	require.NoError(t, waitRun(t, errCh))
	_, _, closes, closeWrites, _ := nc.snapshot()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, closeWrites)
	assert.Equal(t, 1, d.count(protocol.KindClosed))
}

func TestKeepAliveRearmedByActivity(t *testing.T) {
	nc := newFakeConn()
	d := &fakeDecoder{}
	d.idle.Store(true)
	c := New(nc, nopSpawner(), testConfig(150*time.Millisecond), WithDecoderFunc(decoderFunc(d)))
	errCh := startRun(context.Background(), c)

	start := time.Now()
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		nc.feed("x")
	}
	assert.False(t, nc.isClosed(), "closed after %s of continuous activity", time.Since(start))

	require.NoError(t, waitRun(t, errCh))
	_, _, closes, _, _ := nc.snapshot()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 5, d.count(protocol.KindRawData))
}

func TestKeepAliveDisabled(t *testing.T) {
	nc := newFakeConn()
	d := &fakeDecoder{}
	d.idle.Store(true)
	c := New(nc, nopSpawner(), testConfig(-1), WithDecoderFunc(decoderFunc(d)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := startRun(ctx, c)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, nc.isClosed())

	cancel()
	assert.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func TestRunCancelStopsApplications(t *testing.T) {
	nc := newFakeConn()
	started := make(chan struct{})
	var appErr error
	var mut sync.Mutex
	spawner := app.NewSpawner(app.HandlerFunc(func(ctx context.Context, scope *app.Scope, receive app.ReceiveFunc, send app.SendFunc) error {
		close(started)
		_, err := receive(ctx)
		mut.Lock()
		appErr = err
		mut.Unlock()
		return err
	}), app.Config{})

	d := &fakeDecoder{}
	d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
		if _, ok := ev.(protocol.RawData); ok {
			_, err := d.host.SpawnApp(&app.Scope{Type: "http"}, func(context.Context, handoff.Item[app.Message]) error {
				return nil
			})
			return err
		}
		return nil
	}
	c := New(nc, spawner, testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := startRun(ctx, c)
	nc.feed("request")
	<-started

	cancel()
	assert.ErrorIs(t, waitRun(t, errCh), context.Canceled)
	assert.True(t, nc.isClosed())

	mut.Lock()
	assert.ErrorIs(t, appErr, context.Canceled)
	mut.Unlock()

	_, err := c.SpawnApp(&app.Scope{}, func(context.Context, handoff.Item[app.Message]) error { return nil })
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestStatsTracksApplications(t *testing.T) {
	release := make(chan struct{})
	spawner := app.NewSpawner(app.HandlerFunc(func(ctx context.Context, scope *app.Scope, receive app.ReceiveFunc, send app.SendFunc) error {
		<-release
		return nil
	}), app.Config{MaxQueueSize: 4})

	nc := newFakeConn()
	spawned := make(chan struct{})
	d := &fakeDecoder{}
	d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
		raw, ok := ev.(protocol.RawData)
		if !ok || len(raw.Data) == 0 {
			return nil
		}
		inv, err := d.host.SpawnApp(&app.Scope{Type: "http"}, func(context.Context, handoff.Item[app.Message]) error {
			return nil
		})
		if err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if err := inv.Enqueue(ctx, app.Message{Type: app.MessageRequest}); err != nil {
				return err
			}
		}
		close(spawned)
		return nil
	}
	c := New(nc, spawner, testConfig(-1), WithDecoderFunc(decoderFunc(d)))
	errCh := startRun(context.Background(), c)

	nc.feed("request")
	<-spawned
	stats := c.Stats()
	assert.Equal(t, 1, stats.Apps)
	assert.Equal(t, 2, stats.Pending)
	assert.EqualValues(t, len("request"), stats.ReceivedBytes)

	close(release)
	require.Eventually(t, func() bool {
		return c.Stats().Apps == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.host.Send(context.Background(), protocol.Closed{}))
	require.NoError(t, waitRun(t, errCh))
}

func TestRunApplicationFaultDoesNotCrash(t *testing.T) {
	nc := newFakeConn()
	var reports int
	var mut sync.Mutex
	spawner := app.NewSpawner(app.HandlerFunc(func(ctx context.Context, scope *app.Scope, receive app.ReceiveFunc, send app.SendFunc) error {
		panic("application bug")
	}), app.Config{}, app.WithErrorReporter(func(*app.Scope, error) {
		mut.Lock()
		reports++
		mut.Unlock()
	}))

	var eos int
	d := &fakeDecoder{}
	d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
		raw, ok := ev.(protocol.RawData)
		if !ok || len(raw.Data) == 0 {
			return nil
		}
		_, err := d.host.SpawnApp(&app.Scope{Type: "http"}, func(ctx context.Context, item handoff.Item[app.Message]) error {
			if !item.EOS {
				return nil
			}
			mut.Lock()
			eos++
			mut.Unlock()
			d.idle.Store(true)
			return d.host.Send(ctx, protocol.Closed{})
		})
		return err
	}
	c := New(nc, spawner, testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))

	nc.feed("request")
	require.NoError(t, waitRun(t, startRun(context.Background(), c)))

	mut.Lock()
	defer mut.Unlock()
	assert.Equal(t, 1, eos)
	assert.Equal(t, 1, reports)
	assert.Equal(t, 1, d.count(protocol.KindClosed))
}

func TestRunDecoderNotFound(t *testing.T) {
	nc := newFakeConn()
	conf := testConfig(time.Hour)
	conf.DefaultProtocol = "unknown/1"
	c := New(nc, nopSpawner(), conf)

	err := waitRun(t, startRun(context.Background(), c))
	assert.True(t, errors.Is(err, protocol.ErrDecoderNotFound))
	assert.True(t, nc.isClosed())
}

func TestRunDecoderFailure(t *testing.T) {
	nc := newFakeConn()
	d := &fakeDecoder{}
	d.onHandle = func(ctx context.Context, d *fakeDecoder, ev protocol.Event) error {
		return errors.New("malformed")
	}
	c := New(nc, nopSpawner(), testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))

	nc.feed("garbage")
	err := waitRun(t, startRun(context.Background(), c))
	assert.Error(t, err)
	assert.True(t, nc.isClosed())
}

func TestRunTwice(t *testing.T) {
	nc := newFakeConn()
	d := &fakeDecoder{onHandle: closeOnEOF}
	d.idle.Store(true)
	c := New(nc, nopSpawner(), testConfig(time.Hour), WithDecoderFunc(decoderFunc(d)))

	nc.feedErr(io.EOF)
	require.NoError(t, waitRun(t, startRun(context.Background(), c)))
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyRunning)
}

func TestConnInfo(t *testing.T) {
	tests := []struct {
		name     string
		nc       func() net.Conn
		protocol string
		tls      bool
	}{
		{
			name:     "plain",
			nc:       func() net.Conn { return newFakeConn() },
			protocol: common.DefaultALPN,
		},
		{
			name:     "tls without alpn",
			nc:       func() net.Conn { return &fakeTLSConn{fakeConn: newFakeConn()} },
			protocol: common.DefaultALPN,
			tls:      true,
		},
		{
			name:     "tls h2",
			nc:       func() net.Conn { return &fakeTLSConn{fakeConn: newFakeConn(), alpn: "h2"} },
			protocol: "h2",
			tls:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.nc(), nopSpawner(), DefaultConfig(), WithID("conn-1"))
			info := c.Info()
			assert.Equal(t, "conn-1", info.ID)
			assert.Equal(t, tt.protocol, info.Protocol)
			assert.Equal(t, tt.protocol, c.Protocol())
			assert.Equal(t, tt.tls, info.TLS)
			assert.Equal(t, "127.0.0.1:50000", info.Client)
			assert.Equal(t, "127.0.0.1:8000", info.Server)
		})
	}
}

func TestConnSignalsAreIndependent(t *testing.T) {
	c := New(newFakeConn(), nopSpawner(), DefaultConfig())
	a, b := c.NewSignal(), c.NewSignal()
	a.Set()
	assert.True(t, a.IsSet())
	assert.False(t, b.IsSet())
}

func TestConfigDefaults(t *testing.T) {
	var conf Config
	assert.Equal(t, common.MaxRecvSize, conf.GetMaxRecvSize())
	assert.Equal(t, common.DefaultALPN, conf.GetDefaultProtocol())
	assert.Equal(t, 5*time.Second, DefaultConfig().KeepAliveTimeout)
}
