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

package gateway

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/packetd/hyperd/app"
	"github.com/packetd/hyperd/common"
	"github.com/packetd/hyperd/confengine"
	"github.com/packetd/hyperd/driver"
	"github.com/packetd/hyperd/internal/fasttime"
	"github.com/packetd/hyperd/internal/pubsub"
	"github.com/packetd/hyperd/internal/rescue"
	"github.com/packetd/hyperd/logger"
	"github.com/packetd/hyperd/protocol"
	"github.com/packetd/hyperd/server"
)

// Gateway 负责监听端口并为每个链接创建 driver.Conn
//
// Gateway 本身不参与协议处理 协议由 driver 根据协商结果选择
type Gateway struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
	buildInfo common.BuildInfo

	driverConf driver.Config
	spawner    *app.Spawner
	tlsConf    *tls.Config
	svr        *server.Server
	conns      *connPool
	events     *pubsub.PubSub[ConnEvent]

	mut sync.Mutex
	ln  net.Listener
	wg  sync.WaitGroup
}

func setupLogger(conf *confengine.Config) error {
	opts := logger.Options{Stdout: true}
	if err := conf.UnpackChildIfExists("logger", &opts); err != nil {
		return err
	}

	if !opts.Stdout && opts.Filename == "" {
		opts.Filename = common.App + ".log"
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}

	logger.SetOptions(opts)
	return nil
}

func loadTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: load tls key pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   protocol.Protocols(),
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// New 创建 Gateway 实例 handler 为所有链接共享的应用
func New(conf *confengine.Config, buildInfo common.BuildInfo, handler app.Handler) (*Gateway, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := conf.UnpackChildIfExists("gateway", &cfg); err != nil {
		return nil, err
	}

	driverConf := driver.DefaultConfig()
	if err := conf.UnpackChildIfExists("driver", &driverConf); err != nil {
		return nil, err
	}

	var appConf app.Config
	if err := conf.UnpackChildIfExists("app", &appConf); err != nil {
		return nil, err
	}

	tlsConf, err := loadTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		buildInfo:  buildInfo,
		driverConf: driverConf,
		spawner:    app.NewSpawner(handler, appConf),
		tlsConf:    tlsConf,
		svr:        svr,
		conns:      newConnPool(),
		events:     pubsub.New[ConnEvent](),
	}, nil
}

// Start 开始监听 非阻塞
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.Listen)
	if err != nil {
		return err
	}
	if g.tlsConf != nil {
		ln = tls.NewListener(ln, g.tlsConf)
	}

	g.mut.Lock()
	g.ln = ln
	g.mut.Unlock()
	logger.Infof("gateway listening on %s (tls=%v, protocols=%v)", ln.Addr(), g.tlsConf != nil, protocol.Protocols())

	g.setupServer()
	if g.svr != nil {
		go func() {
			err := g.svr.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("failed to start server: %v", err)
			}
		}()
	}

	g.wg.Add(1)
	go g.acceptLoop(ln)

	if expired := g.cfg.GetConnExpired(); expired > 0 {
		g.wg.Add(1)
		go g.removeExpiredConn(expired)
	}
	return nil
}

// Addr 返回实际监听地址 Start 之前返回 nil
func (g *Gateway) Addr() net.Addr {
	g.mut.Lock()
	defer g.mut.Unlock()

	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}

func (g *Gateway) acceptLoop(ln net.Listener) {
	defer g.wg.Done()

	b := &backoff.Backoff{
		Min:    g.cfg.AcceptBackoff.Min,
		Max:    g.cfg.AcceptBackoff.Max,
		Factor: 2,
		Jitter: true,
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if g.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			acceptErrors.Inc()
			if !isTemporary(err) {
				logger.Errorf("gateway accept failed: %v", err)
				return
			}

			d := b.Duration()
			logger.Warnf("gateway accept error: %v; retrying in %v", err, d)
			select {
			case <-time.After(d):
			case <-g.ctx.Done():
				return
			}
			continue
		}

		b.Reset()
		acceptedConns.Inc()
		if g.cfg.MaxConns > 0 && g.conns.Len() >= g.cfg.MaxConns {
			rejectedConns.Inc()
			logger.Warnf("too many connections (max=%d), reject %s", g.cfg.MaxConns, nc.RemoteAddr())
			nc.Close()
			continue
		}

		g.wg.Add(1)
		go g.serveConn(nc)
	}
}

// isTemporary 判断 Accept 错误是否可以重试
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func (g *Gateway) serveConn(nc net.Conn) {
	defer g.wg.Done()
	defer rescue.HandleCrash()

	if tc, ok := nc.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(g.ctx, g.cfg.TLS.GetHandshakeTimeout())
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			handshakeErrors.Inc()
			logger.Debugf("tls handshake with %s failed: %v", nc.RemoteAddr(), err)
			nc.Close()
			return
		}
	}

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()

	conn := driver.New(nc, g.spawner, g.driverConf)
	g.conns.Add(conn, cancel)
	defer g.conns.Delete(conn.ID())

	logger.Debugf("connection %s accepted from %s (protocol=%s)", conn.ID(), nc.RemoteAddr(), conn.Info().Protocol)
	g.publish(EventOpen, conn, nil)

	err := conn.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	g.publish(EventClose, conn, err)

	if err != nil {
		logger.Warnf("connection %s terminated: %v", conn.ID(), err)
		return
	}
	logger.Debugf("connection %s closed (stats=%+v)", conn.ID(), conn.Stats())
}

func (g *Gateway) publish(typ string, conn *driver.Conn, err error) {
	if g.events.Num() == 0 {
		return
	}

	ev := ConnEvent{
		Type: typ,
		Time: fasttime.UnixTimestamp(),
		Conn: newConnStats(conn),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	g.events.Publish(ev)
}

func (g *Gateway) removeExpiredConn(expired time.Duration) {
	defer g.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.conns.RemoveExpired(expired); n > 0 {
				expiredConns.Add(float64(n))
				logger.Infof("removed %d expired connections", n)
			}

		case <-g.ctx.Done():
			return
		}
	}
}

func (g *Gateway) recordMetrics() {
	uptime.Set(common.Uptime().Seconds())
	buildInfo.WithLabelValues(g.buildInfo.Version, g.buildInfo.GitHash, g.buildInfo.Time).Set(1)
}

// Reload 重载配置 仅支持调整日志配置
func (g *Gateway) Reload(conf *confengine.Config) error {
	return setupLogger(conf)
}

// Stop 停止监听并取消所有链接 最多等待 ShutdownTimeout
func (g *Gateway) Stop() {
	g.cancel()

	g.mut.Lock()
	if g.ln != nil {
		g.ln.Close()
	}
	g.mut.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(g.cfg.GetShutdownTimeout()):
		logger.Warnf("gateway shutdown timeout, %d connections remain", g.conns.Len())
	}

	if g.svr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := g.svr.Shutdown(ctx); err != nil {
			logger.Warnf("failed to shutdown server: %v", err)
		}
	}
}
