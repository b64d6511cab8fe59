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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	roomCurrent        atomic.Int32
	participantCurrent atomic.Int32

	promRoomCurrent        prometheus.Gauge
	promParticipantCurrent prometheus.Gauge
	promWSConnections      prometheus.Counter
	promRoomsCreated       prometheus.Counter
	promParticipantsJoined prometheus.Counter
	promSessionDuration    prometheus.Histogram
)

func initRoomStats(nodeID string) {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "participant",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promWSConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "ws_connections",
		Help:        "Relay sockets opened.",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRoomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "rooms",
		Help:        "Rooms created through the API.",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promParticipantsJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "participants",
		Help:        "Room credentials issued.",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promSessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "session",
		Name:        "duration_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 5 * 60 * 60,
		},
	})

	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promParticipantCurrent)
	prometheus.MustRegister(promWSConnections)
	prometheus.MustRegister(promRoomsCreated)
	prometheus.MustRegister(promParticipantsJoined)
	prometheus.MustRegister(promSessionDuration)
}

// SetRoomStats publishes the current registry size.
func SetRoomStats(rooms, participants int) {
	roomCurrent.Store(int32(rooms))
	participantCurrent.Store(int32(participants))
	if !initialized.Load() {
		return
	}
	promRoomCurrent.Set(float64(rooms))
	promParticipantCurrent.Set(float64(participants))
}

func WSConnected() {
	if initialized.Load() {
		promWSConnections.Inc()
	}
}

func RoomCreated() {
	if initialized.Load() {
		promRoomsCreated.Inc()
	}
}

func ParticipantJoined() {
	if initialized.Load() {
		promParticipantsJoined.Inc()
	}
}

func SessionEnded(seconds float64) {
	if initialized.Load() {
		promSessionDuration.Observe(seconds)
	}
}
