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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/livekit/meshrelay/pkg/telemetry"
)

const defaultLocalStatRecords = 1000

// LocalStore is a single-node ObjectStore, used when redis is not configured
type LocalStore struct {
	// map of roomID => room
	rooms map[string]*RoomInfo
	// map of roomID => { userID: participant }
	participants map[string]map[string]*ParticipantInfo

	// most recent stat records across all rooms
	stats    *lru.Cache[uint64, *telemetry.StatRecord]
	statsSeq uint64

	lock sync.RWMutex
}

func NewLocalStore(maxStatRecords int) *LocalStore {
	if maxStatRecords <= 0 {
		maxStatRecords = defaultLocalStatRecords
	}
	// only errors on a non-positive size
	stats, _ := lru.New[uint64, *telemetry.StatRecord](maxStatRecords)
	return &LocalStore{
		rooms:        make(map[string]*RoomInfo),
		participants: make(map[string]map[string]*ParticipantInfo),
		stats:        stats,
	}
}

func (s *LocalStore) StoreRoom(_ context.Context, room *RoomInfo) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	s.lock.Lock()
	s.rooms[room.RoomID] = copyRoom(room)
	s.lock.Unlock()
	return nil
}

func (s *LocalStore) LoadRoom(_ context.Context, roomID string) (*RoomInfo, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	room := s.rooms[roomID]
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func (s *LocalStore) ListRooms(_ context.Context) ([]*RoomInfo, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rooms := make([]*RoomInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, copyRoom(r))
	}
	return rooms, nil
}

func (s *LocalStore) UpsertParticipant(_ context.Context, participant *ParticipantInfo) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	roomParticipants := s.participants[participant.RoomID]
	if roomParticipants == nil {
		roomParticipants = make(map[string]*ParticipantInfo)
		s.participants[participant.RoomID] = roomParticipants
	}
	roomParticipants[participant.UserID] = copyParticipant(participant)
	return nil
}

func (s *LocalStore) MarkParticipantLeft(_ context.Context, roomID, userID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	p := s.participants[roomID][userID]
	if p == nil {
		return ErrParticipantNotFound
	}
	now := time.Now()
	p.LeftAt = &now
	return nil
}

func (s *LocalStore) ListParticipants(_ context.Context, roomID string) ([]*ParticipantInfo, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	roomParticipants := s.participants[roomID]
	items := make([]*ParticipantInfo, 0, len(roomParticipants))
	for _, p := range roomParticipants {
		items = append(items, copyParticipant(p))
	}
	return items, nil
}

func (s *LocalStore) RecordStat(_ context.Context, record *telemetry.StatRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.statsSeq++
	s.stats.Add(s.statsSeq, record)
	return nil
}

// ListStats returns the retained records of a room, oldest first.
func (s *LocalStore) ListStats(_ context.Context, roomID string) ([]*telemetry.StatRecord, error) {
	var records []*telemetry.StatRecord
	for _, rec := range s.stats.Values() {
		if rec.RoomID == roomID {
			records = append(records, rec)
		}
	}
	return records, nil
}

func copyRoom(r *RoomInfo) *RoomInfo {
	c := *r
	if r.Meta != nil {
		c.Meta = make(map[string]interface{}, len(r.Meta))
		for k, v := range r.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

func copyParticipant(p *ParticipantInfo) *ParticipantInfo {
	c := *p
	if p.LeftAt != nil {
		leftAt := *p.LeftAt
		c.LeftAt = &leftAt
	}
	return &c
}
