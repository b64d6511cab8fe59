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

package service_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/meshrelay/pkg/service"
	"github.com/livekit/meshrelay/pkg/telemetry"
)

func TestLocalStore_Rooms(t *testing.T) {
	ctx := context.Background()
	s := service.NewLocalStore(10)

	_, err := s.LoadRoom(ctx, "r1")
	require.ErrorIs(t, err, service.ErrRoomNotFound)

	room := &service.RoomInfo{RoomID: "r1", Meta: map[string]interface{}{"topic": "a"}}
	require.NoError(t, s.StoreRoom(ctx, room))
	require.False(t, room.CreatedAt.IsZero())

	// stored copies are not shared with the caller
	room.Meta["topic"] = "b"
	loaded, err := s.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "a", loaded.Meta["topic"])

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
}

func TestLocalStore_Participants(t *testing.T) {
	ctx := context.Background()
	s := service.NewLocalStore(10)

	require.ErrorIs(t, s.MarkParticipantLeft(ctx, "r1", "alice"), service.ErrParticipantNotFound)

	require.NoError(t, s.UpsertParticipant(ctx, &service.ParticipantInfo{RoomID: "r1", UserID: "alice", DisplayName: "Alice"}))
	require.NoError(t, s.UpsertParticipant(ctx, &service.ParticipantInfo{RoomID: "r1", UserID: "alice", DisplayName: "Alice B"}))
	require.NoError(t, s.MarkParticipantLeft(ctx, "r1", "alice"))

	participants, err := s.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	require.Equal(t, "Alice B", participants[0].DisplayName)
	require.NotNil(t, participants[0].LeftAt)

	// rejoining clears the departure
	require.NoError(t, s.UpsertParticipant(ctx, &service.ParticipantInfo{RoomID: "r1", UserID: "alice", DisplayName: "Alice"}))
	participants, err = s.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, participants[0].LeftAt)

	participants, err = s.ListParticipants(ctx, "r2")
	require.NoError(t, err)
	require.Empty(t, participants)
}

func TestLocalStore_StatsAreBounded(t *testing.T) {
	ctx := context.Background()
	s := service.NewLocalStore(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordStat(ctx, &telemetry.StatRecord{
			Kind:         telemetry.StatKindClientStats,
			RoomID:       "r1",
			ConnectionID: fmt.Sprintf("CO_%d", i),
		}))
	}
	require.NoError(t, s.RecordStat(ctx, &telemetry.StatRecord{Kind: telemetry.StatKindDisconnect, RoomID: "r2"}))

	records, err := s.ListStats(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "CO_3", records[0].ConnectionID)
	require.Equal(t, "CO_4", records[1].ConnectionID)

	records, err = s.ListStats(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, records, 1)
}
