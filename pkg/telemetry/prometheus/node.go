// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prometheus

import (
	"time"

	"github.com/mackerelio/go-osstat/loadavg"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	namespace string = "meshrelay"

	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusRouteMiss = "route_miss"
	StatusInvalid   = "invalid"
	StatusDropped   = "dropped"
)

var (
	initialized atomic.Bool

	MessageCounter *prometheus.CounterVec

	promLoadGauge   *prometheus.GaugeVec
	promMemoryGauge prometheus.Gauge
)

func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "messages",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status"},
	)

	promLoadGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "load_avg",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "System load average.",
		},
		[]string{"window"},
	)

	promMemoryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "memory_load",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "Fraction of system memory in use.",
		},
	)

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(promLoadGauge)
	prometheus.MustRegister(promMemoryGauge)

	initRoomStats(nodeID)
}

func RecordMessage(messageType string, status string) {
	if !initialized.Load() {
		return
	}
	MessageCounter.WithLabelValues(messageType, status).Inc()
}

type NodeStats struct {
	UpdatedAt       time.Time
	NumRooms        int32
	NumClients      int32
	LoadAvgLast1Min float64
	MemoryUsed      uint64
	MemoryTotal     uint64
}

// GetUpdatedNodeStats samples host load and memory, publishing them as gauges
// when metrics are initialized. Memory is best effort since not every
// platform reports it.
func GetUpdatedNodeStats() (*NodeStats, error) {
	loadAvg, err := loadavg.Get()
	if err != nil {
		return nil, err
	}

	stats := &NodeStats{
		UpdatedAt:       time.Now(),
		NumRooms:        roomCurrent.Load(),
		NumClients:      participantCurrent.Load(),
		LoadAvgLast1Min: loadAvg.Loadavg1,
	}
	if memInfo, err := memory.Get(); err == nil {
		stats.MemoryUsed = memInfo.Used
		stats.MemoryTotal = memInfo.Total
	}

	if initialized.Load() {
		promLoadGauge.WithLabelValues("1m").Set(loadAvg.Loadavg1)
		promLoadGauge.WithLabelValues("5m").Set(loadAvg.Loadavg5)
		promLoadGauge.WithLabelValues("15m").Set(loadAvg.Loadavg15)
		if stats.MemoryTotal != 0 {
			promMemoryGauge.Set(float64(stats.MemoryUsed) / float64(stats.MemoryTotal))
		}
	}
	return stats, nil
}
