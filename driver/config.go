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
	"time"

	"github.com/packetd/hyperd/common"
)

type Config struct {
	// KeepAliveTimeout 链接空闲多久后被强制关闭
	//
	// 0 代表一旦空闲立即关闭 负数代表不启用
	KeepAliveTimeout time.Duration `config:"keepAliveTimeout"`

	// MaxRecvSize 单次读取 socket 的最大字节数
	MaxRecvSize int `config:"maxRecvSize"`

	// DefaultProtocol 未协商出 ALPN 时使用的协议
	DefaultProtocol string `config:"defaultProtocol"`

	// Decoder 透传给 Decoder 的自定义配置
	Decoder common.Options `config:"decoder"`
}

// DefaultConfig 返回默认配置 Unpack 前应以此为初始值
func DefaultConfig() Config {
	return Config{
		KeepAliveTimeout: 5 * time.Second,
		MaxRecvSize:      common.MaxRecvSize,
		DefaultProtocol:  common.DefaultALPN,
		Decoder:          common.NewOptions(),
	}
}

func (c Config) GetMaxRecvSize() int {
	if c.MaxRecvSize <= 0 {
		return common.MaxRecvSize
	}
	return c.MaxRecvSize
}

func (c Config) GetDefaultProtocol() string {
	if c.DefaultProtocol == "" {
		return common.DefaultALPN
	}
	return c.DefaultProtocol
}
