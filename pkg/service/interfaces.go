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

package service

import (
	"context"
	"time"

	"github.com/livekit/meshrelay/pkg/signalling"
	"github.com/livekit/meshrelay/pkg/telemetry"
)

type RoomInfo struct {
	RoomID    string                 `json:"roomId"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

type ParticipantInfo struct {
	RoomID      string     `json:"roomId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	UserAgent   string     `json:"userAgent,omitempty"`
	Browser     string     `json:"browser,omitempty"`
	OS          string     `json:"os,omitempty"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
}

// RoomStore holds room metadata. The relay never consults it for
// authorization, room tokens are self-contained.
type RoomStore interface {
	StoreRoom(ctx context.Context, room *RoomInfo) error
	LoadRoom(ctx context.Context, roomID string) (*RoomInfo, error)
	ListRooms(ctx context.Context) ([]*RoomInfo, error)

	UpsertParticipant(ctx context.Context, participant *ParticipantInfo) error
	MarkParticipantLeft(ctx context.Context, roomID, userID string) error
	ListParticipants(ctx context.Context, roomID string) ([]*ParticipantInfo, error)
}

type ObjectStore interface {
	RoomStore
	telemetry.StatsStore
}

// ICEServerSource supplies the ICE servers handed to a peer in its welcome.
type ICEServerSource interface {
	ICEServers(ctx context.Context, roomID string) []signalling.ICEServer
}

// StaticICEServers is an ICEServerSource that always returns the same list.
type StaticICEServers []signalling.ICEServer

func (s StaticICEServers) ICEServers(_ context.Context, _ string) []signalling.ICEServer {
	return s
}
