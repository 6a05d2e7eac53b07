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

package protocol

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/packetd/hyperd/common"
)

// ErrDecoderNotFound 未注册协商出的应用层协议
var ErrDecoderNotFound = errors.New("decoder not found")

// CreateDecoderFunc 根据 Host 以及链接信息创建 Decoder 实例
//
// opts 为 Decoder 的自定义配置
type CreateDecoderFunc func(host Host, info ConnInfo, opts common.Options) Decoder

var (
	factoryMut sync.RWMutex
	factory    = map[string]CreateDecoderFunc{}
)

// Register 注册 ALPN 协议对应的 Decoder 实现函数
func Register(alpn string, f CreateDecoderFunc) {
	factoryMut.Lock()
	defer factoryMut.Unlock()

	factory[alpn] = f
}

// Get 获取 ALPN 协议对应的 Decoder 实现函数
func Get(alpn string) (CreateDecoderFunc, error) {
	factoryMut.RLock()
	defer factoryMut.RUnlock()

	f, ok := factory[alpn]
	if !ok {
		return nil, errors.Wrapf(ErrDecoderNotFound, "alpn (%s)", alpn)
	}
	return f, nil
}

// Protocols 返回所有已注册的 ALPN 协议 可用于 tls.Config.NextProtos
func Protocols() []string {
	factoryMut.RLock()
	defer factoryMut.RUnlock()

	names := make([]string, 0, len(factory))
	for name := range factory {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
