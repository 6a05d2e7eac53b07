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

package confengine

import (
	"fmt"

	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
)

// pathSep 按 `.` 解析形如 `server.enabled` 的路径
var pathSep = ucfg.PathSep(".")

// Config 是对 ucfg.Config 的封装 并提供一些简便的操作函数
type Config struct {
	conf *ucfg.Config
}

func New(conf *ucfg.Config) *Config {
	return &Config{conf: conf}
}

func (c *Config) Has(s string) bool {
	ok, err := c.conf.Has(s, -1)
	if err != nil {
		return false
	}
	return ok
}

func (c *Config) Child(s string) (*Config, error) {
	content, err := c.conf.Child(s, -1)
	if err != nil {
		return nil, err
	}
	return &Config{conf: content}, nil
}

func (c *Config) MustChild(s string) *Config {
	child, err := c.Child(s)
	if err != nil {
		panic(err)
	}
	return child
}

func (c *Config) Unpack(to any) error {
	return c.conf.Unpack(to)
}

func (c *Config) Disabled(s string) bool {
	ok, err := c.conf.Bool(fmt.Sprintf("%s.disabled", s), -1, pathSep)
	if err != nil {
		return false
	}
	return ok
}

func (c *Config) Enabled(s string) bool {
	ok, err := c.conf.Bool(fmt.Sprintf("%s.enabled", s), -1, pathSep)
	if err != nil {
		return false
	}
	return ok
}

func (c *Config) UnpackChild(s string, to any) error {
	content, err := c.conf.Child(s, -1)
	if err != nil {
		return err
	}
	return content.Unpack(to)
}

// UnpackChildIfExists 与 UnpackChild 相同 但 s 不存在时保持 to 不变
//
// 调用方可先填充默认值 再由配置覆盖
func (c *Config) UnpackChildIfExists(s string, to any) error {
	if !c.Has(s) {
		return nil
	}
	content, err := c.conf.Child(s, -1)
	if err != nil {
		// 形如 `server:` 的空配置块
		return nil
	}
	return content.Unpack(to)
}

// LoadConfigPath 从文件路径中加载配置 使用 `.` 作为路径分隔符
func LoadConfigPath(path string) (*Config, error) {
	config, err := yaml.NewConfigWithFile(path, pathSep)
	if err != nil {
		return nil, err
	}

	return New(config), nil
}

// LoadContent 从 yaml 内容中加载配置
func LoadContent(b []byte) (*Config, error) {
	config, err := yaml.NewConfig(b, pathSep)
	if err != nil {
		return nil, err
	}
	return New(config), nil
}
