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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/hyperd/common"
)

var (
	connsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "connections_total",
			Help:      "Accepted connections total",
		},
		[]string{"protocol"},
	)

	connsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "connections_active",
			Help:      "Connections currently driven",
		},
	)

	receivedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "received_bytes_total",
			Help:      "Bytes received from peers total",
		},
	)

	sentBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "sent_bytes_total",
			Help:      "Bytes sent to peers total",
		},
	)

	keepAliveTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "keepalive_timeouts_total",
			Help:      "Idle connections closed by keep-alive timeout total",
		},
	)

	transportFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "transport_faults_total",
			Help:      "Broken or reset transport operations total",
		},
		[]string{"op"},
	)
)
