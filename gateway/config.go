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
	"time"
)

type Config struct {
	// Listen 监听地址
	Listen string `config:"listen"`

	// TLS 开启后通过 ALPN 协商应用层协议
	TLS TLSConfig `config:"tls"`

	// MaxConns 最大并发链接数 超出时直接关闭新链接 0 代表不限制
	MaxConns int `config:"maxConns"`

	// ConnExpired 链接无任何收发的最长时间 超过则强制关闭
	//
	// 正常情况下空闲链接由 keep-alive 回收 此项用于兜底长时间卡住的请求
	ConnExpired time.Duration `config:"connExpired"`

	// ShutdownTimeout 退出时等待链接结束的最长时间
	ShutdownTimeout time.Duration `config:"shutdownTimeout"`

	// AcceptBackoff Accept 临时错误时的退避区间
	AcceptBackoff struct {
		Min time.Duration `config:"min"`
		Max time.Duration `config:"max"`
	} `config:"acceptBackoff"`
}

type TLSConfig struct {
	Enabled          bool          `config:"enabled"`
	CertFile         string        `config:"certFile"`
	KeyFile          string        `config:"keyFile"`
	HandshakeTimeout time.Duration `config:"handshakeTimeout"`
}

func (c TLSConfig) GetHandshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return c.HandshakeTimeout
}

func defaultConfig() Config {
	var c Config
	c.Listen = "127.0.0.1:8000"
	c.ShutdownTimeout = 10 * time.Second
	c.AcceptBackoff.Min = 5 * time.Millisecond
	c.AcceptBackoff.Max = time.Second
	return c
}

func (c Config) GetShutdownTimeout() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ShutdownTimeout
}

func (c Config) GetConnExpired() time.Duration {
	if c.ConnExpired <= 0 {
		return 0
	}
	if c.ConnExpired < time.Minute {
		return time.Minute
	}
	return c.ConnExpired
}
