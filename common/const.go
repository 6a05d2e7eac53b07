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

package common

const (
	// App 应用程序名称
	App = "hyperd"

	// Version 应用程序版本
	Version = "v0.0.1"

	// MaxRecvSize 单次从 socket 读取的最大字节数
	//
	// TCP Segments 的最大长度为 64K (65535 bytes) 单次读取不超过该值即可
	MaxRecvSize = 1 << 16

	// DefaultALPN 未协商出应用层协议时使用的协议名称
	DefaultALPN = "http/1.1"
)
