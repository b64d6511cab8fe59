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

package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/telemetry/prometheus"
)

const (
	writeTimeout = 5 * time.Second
)

type telemetryService struct {
	store  StatsStore
	pool   *workerpool.WorkerPool
	logger logger.Logger
	now    func() time.Time

	lock    sync.RWMutex
	stopped bool
}

func NewTelemetryService(store StatsStore, workers int) TelemetryService {
	if workers <= 0 {
		workers = 1
	}
	return &telemetryService{
		store:  store,
		pool:   workerpool.New(workers),
		logger: logger.GetLogger().WithName("telemetry"),
		now:    time.Now,
	}
}

func (t *telemetryService) RoomCreated(roomID string) {
	prometheus.RoomCreated()
	t.logger.Debugw("room created", "roomID", roomID)
}

func (t *telemetryService) ParticipantJoined(roomID, userID string) {
	prometheus.ParticipantJoined()
	t.logger.Debugw("participant joined", "roomID", roomID, "userID", userID)
}

func (t *telemetryService) ClientStats(roomID, connectionID string, metrics map[string]interface{}) {
	t.record(&StatRecord{
		Kind:         StatKindClientStats,
		RoomID:       roomID,
		ConnectionID: connectionID,
		Metrics:      metrics,
		At:           t.now(),
	})
}

func (t *telemetryService) ParticipantLeft(roomID, connectionID, userID string, duration time.Duration) {
	prometheus.SessionEnded(duration.Seconds())
	t.record(&StatRecord{
		Kind:         StatKindDisconnect,
		RoomID:       roomID,
		ConnectionID: connectionID,
		UserID:       userID,
		Metrics: map[string]interface{}{
			"durationMs": duration.Milliseconds(),
		},
		At: t.now(),
	})
}

// Stop waits for queued records to be written.
func (t *telemetryService) Stop() {
	t.lock.Lock()
	if t.stopped {
		t.lock.Unlock()
		return
	}
	t.stopped = true
	t.lock.Unlock()

	t.pool.StopWait()
}

func (t *telemetryService) record(rec *StatRecord) {
	if t.store == nil {
		return
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	if t.stopped {
		return
	}
	t.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := t.store.RecordStat(ctx, rec); err != nil {
			t.logger.Warnw("could not record stat", err,
				"kind", rec.Kind,
				"roomID", rec.RoomID,
				"connectionID", rec.ConnectionID,
			)
		}
	})
}
