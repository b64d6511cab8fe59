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
	"time"
)

type StatKind string

const (
	StatKindClientStats StatKind = "client-stats"
	StatKindDisconnect  StatKind = "disconnect"
)

type StatRecord struct {
	Kind         StatKind               `json:"kind"`
	RoomID       string                 `json:"roomId"`
	ConnectionID string                 `json:"connectionId"`
	UserID       string                 `json:"userId,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	At           time.Time              `json:"at"`
}

type StatsStore interface {
	RecordStat(ctx context.Context, record *StatRecord) error
	ListStats(ctx context.Context, roomID string) ([]*StatRecord, error)
}

// TelemetryService collects what relay sessions report. Every call returns
// immediately, records are written in the background and write failures are
// only logged.
type TelemetryService interface {
	RoomCreated(roomID string)
	ParticipantJoined(roomID, userID string)
	ClientStats(roomID, connectionID string, metrics map[string]interface{})
	ParticipantLeft(roomID, connectionID, userID string, duration time.Duration)
	Stop()
}
