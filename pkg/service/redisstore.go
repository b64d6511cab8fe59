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
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/meshrelay/pkg/telemetry"
)

const (
	// RoomsKey is hash of roomID => RoomInfo
	RoomsKey = "rooms"

	// RoomParticipantsPrefix is hash of userID => ParticipantInfo
	RoomParticipantsPrefix = "room_participants:"

	// RoomStatsPrefix is a capped list of StatRecord, newest first
	RoomStatsPrefix = "room_stats:"

	defaultRedisStatRecords = 1000
)

type RedisStore struct {
	rc         redis.UniversalClient
	maxRecords int64
}

func NewRedisStore(rc redis.UniversalClient, maxStatRecords int) *RedisStore {
	if maxStatRecords <= 0 {
		maxStatRecords = defaultRedisStatRecords
	}
	return &RedisStore{
		rc:         rc,
		maxRecords: int64(maxStatRecords),
	}
}

func (s *RedisStore) StoreRoom(ctx context.Context, room *RoomInfo) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}

	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	if err = s.rc.HSet(ctx, RoomsKey, room.RoomID, data).Err(); err != nil {
		return errors.Wrap(err, "could not create room")
	}
	return nil
}

func (s *RedisStore) LoadRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	data, err := s.rc.HGet(ctx, RoomsKey, roomID).Result()
	if err != nil {
		if err == redis.Nil {
			err = ErrRoomNotFound
		}
		return nil, err
	}

	room := RoomInfo{}
	if err = json.Unmarshal([]byte(data), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *RedisStore) ListRooms(ctx context.Context) ([]*RoomInfo, error) {
	items, err := s.rc.HVals(ctx, RoomsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "could not get rooms")
	}

	rooms := make([]*RoomInfo, 0, len(items))
	for _, item := range items {
		room := RoomInfo{}
		if err := json.Unmarshal([]byte(item), &room); err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	return rooms, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	pp := s.rc.Pipeline()
	pp.HDel(ctx, RoomsKey, roomID)
	pp.Del(ctx, RoomParticipantsPrefix+roomID)
	pp.Del(ctx, RoomStatsPrefix+roomID)

	_, err := pp.Exec(ctx)
	return err
}

func (s *RedisStore) UpsertParticipant(ctx context.Context, participant *ParticipantInfo) error {
	data, err := json.Marshal(participant)
	if err != nil {
		return err
	}
	return s.rc.HSet(ctx, RoomParticipantsPrefix+participant.RoomID, participant.UserID, data).Err()
}

func (s *RedisStore) MarkParticipantLeft(ctx context.Context, roomID, userID string) error {
	key := RoomParticipantsPrefix + roomID
	data, err := s.rc.HGet(ctx, key, userID).Result()
	if err == redis.Nil {
		return ErrParticipantNotFound
	} else if err != nil {
		return err
	}

	p := ParticipantInfo{}
	if err = json.Unmarshal([]byte(data), &p); err != nil {
		return err
	}
	now := time.Now()
	p.LeftAt = &now

	updated, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	return s.rc.HSet(ctx, key, userID, updated).Err()
}

func (s *RedisStore) ListParticipants(ctx context.Context, roomID string) ([]*ParticipantInfo, error) {
	items, err := s.rc.HVals(ctx, RoomParticipantsPrefix+roomID).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	participants := make([]*ParticipantInfo, 0, len(items))
	for _, item := range items {
		p := ParticipantInfo{}
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, err
		}
		participants = append(participants, &p)
	}
	return participants, nil
}

func (s *RedisStore) RecordStat(ctx context.Context, record *telemetry.StatRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	key := RoomStatsPrefix + record.RoomID
	pp := s.rc.Pipeline()
	pp.LPush(ctx, key, data)
	pp.LTrim(ctx, key, 0, s.maxRecords-1)

	if _, err = pp.Exec(ctx); err != nil {
		return errors.Wrap(err, "could not record stat")
	}
	return nil
}

// ListStats returns the retained records of a room, oldest first.
func (s *RedisStore) ListStats(ctx context.Context, roomID string) ([]*telemetry.StatRecord, error) {
	items, err := s.rc.LRange(ctx, RoomStatsPrefix+roomID, 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	records := make([]*telemetry.StatRecord, len(items))
	for i, item := range items {
		rec := telemetry.StatRecord{}
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, err
		}
		// stored newest first
		records[len(items)-1-i] = &rec
	}
	return records, nil
}
