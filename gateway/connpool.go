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
	"sort"
	"sync"
	"time"

	"github.com/packetd/hyperd/driver"
	"github.com/packetd/hyperd/internal/fasttime"
)

// ConnStats 单个链接的运行状态
type ConnStats struct {
	ID            string `json:"id"`
	Protocol      string `json:"protocol"`
	TLS           bool   `json:"tls"`
	Client        string `json:"client"`
	Server        string `json:"server"`
	ActiveAt      int64  `json:"active_at"`
	ReceivedBytes uint64 `json:"received_bytes"`
	SentBytes     uint64 `json:"sent_bytes"`
	Apps          int    `json:"apps"`
	Pending       int    `json:"pending"`
}

// 链接事件类型
const (
	EventOpen  = "open"
	EventClose = "close"
)

// ConnEvent 链接生命周期事件 通过 /watch 推送
type ConnEvent struct {
	Type  string    `json:"type"`
	Time  int64     `json:"time"`
	Conn  ConnStats `json:"conn"`
	Error string    `json:"error,omitempty"`
}

func newConnStats(conn *driver.Conn) ConnStats {
	info := conn.Info()
	s := conn.Stats()
	return ConnStats{
		ID:            info.ID,
		Protocol:      info.Protocol,
		TLS:           info.TLS,
		Client:        info.Client,
		Server:        info.Server,
		ActiveAt:      conn.ActiveAt().Unix(),
		ReceivedBytes: s.ReceivedBytes,
		SentBytes:     s.SentBytes,
		Apps:          s.Apps,
		Pending:       s.Pending,
	}
}

type pooledConn struct {
	conn   *driver.Conn
	cancel context.CancelFunc
}

// connPool 记录了所有活跃链接 链接结束后由调用方移除
type connPool struct {
	mut   sync.RWMutex
	conns map[string]pooledConn
}

func newConnPool() *connPool {
	return &connPool{conns: make(map[string]pooledConn)}
}

func (cp *connPool) Add(conn *driver.Conn, cancel context.CancelFunc) {
	cp.mut.Lock()
	defer cp.mut.Unlock()

	cp.conns[conn.ID()] = pooledConn{conn: conn, cancel: cancel}
}

func (cp *connPool) Delete(id string) {
	cp.mut.Lock()
	defer cp.mut.Unlock()

	delete(cp.conns, id)
}

func (cp *connPool) Len() int {
	cp.mut.RLock()
	defer cp.mut.RUnlock()

	return len(cp.conns)
}

// Stats 返回所有链接状态 按 ID 排序
func (cp *connPool) Stats() []ConnStats {
	cp.mut.RLock()
	stats := make([]ConnStats, 0, len(cp.conns))
	for _, pc := range cp.conns {
		stats = append(stats, newConnStats(pc.conn))
	}
	cp.mut.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].ID < stats[j].ID
	})
	return stats
}

// RemoveExpired 取消超过 duration 无收发的链接 返回被取消的数量
func (cp *connPool) RemoveExpired(duration time.Duration) int {
	cp.mut.RLock()
	var expired []pooledConn
	for _, pc := range cp.conns {
		if fasttime.Since(pc.conn.ActiveAt().Unix()) > duration {
			expired = append(expired, pc)
		}
	}
	cp.mut.RUnlock()

	for _, pc := range expired {
		pc.cancel()
	}
	return len(expired)
}
