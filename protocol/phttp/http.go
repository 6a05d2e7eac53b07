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
	"github.com/packetd/hyperd/common"
	"github.com/packetd/hyperd/protocol"
)

func init() {
	protocol.Register(common.DefaultALPN, NewDecoder)
}

const (
	defaultMaxBodySize = 1 << 20  // 1MB
	defaultMaxHeadSize = 64 << 10 // 64KB
	defaultMaxBuffered = 64 << 10 // 64KB
)

// Options HTTP decoder 配置
type Options struct {
	// MaxBodySize 请求体最大字节数 超过则返回 413
	MaxBodySize int

	// MaxHeadSize 请求行以及请求头最大字节数 超过则返回 431
	MaxHeadSize int

	// MaxBuffered 请求处理中时允许缓存的后续 (pipelined) 字节数 超过则暂停读取
	MaxBuffered int
}

func getInt(opts common.Options, k string, dv int) int {
	v, err := opts.GetInt(k)
	if err != nil || v <= 0 {
		return dv
	}
	return v
}

// ParseOptions 从 common.Options 中解析配置
func ParseOptions(opts common.Options) Options {
	return Options{
		MaxBodySize: getInt(opts, "maxBodySize", defaultMaxBodySize),
		MaxHeadSize: getInt(opts, "maxHeadSize", defaultMaxHeadSize),
		MaxBuffered: getInt(opts, "maxBuffered", defaultMaxBuffered),
	}
}
