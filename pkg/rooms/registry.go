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

package rooms

import (
	"errors"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrRouteMiss           = errors.New("target not in room")
)

// MessageSink delivers a message to one connected participant. Implementations
// must not block for long, the registry calls them from the sender's path.
type MessageSink interface {
	SendMessage(msg *signalling.Message) error
}

type Member struct {
	signalling.PeerInfo
	RoomID string
	Sink   MessageSink
}

type room struct {
	id   string
	lock sync.Mutex
	// connectionID => member, in join order
	members *orderedmap.OrderedMap[string, *Member]
	// set once the last member leaves, a closed room is never reused
	closed bool
}

func newRoom(id string) *room {
	return &room{
		id:      id,
		members: orderedmap.NewOrderedMap[string, *Member](),
	}
}

func (rm *room) peersLocked(excludeID string) []signalling.PeerInfo {
	peers := make([]signalling.PeerInfo, 0, rm.members.Len())
	for el := rm.members.Front(); el != nil; el = el.Next() {
		if el.Key == excludeID {
			continue
		}
		peers = append(peers, el.Value.PeerInfo)
	}
	return peers
}

func (rm *room) sinksLocked(excludeID string) []*Member {
	members := make([]*Member, 0, rm.members.Len())
	for el := rm.members.Front(); el != nil; el = el.Next() {
		if el.Key == excludeID {
			continue
		}
		members = append(members, el.Value)
	}
	return members
}

// Registry is the in-memory source of truth for who is connected to each
// room. Membership of a room is guarded by that room's own lock, the registry
// lock only protects the room and connection indexes.
type Registry struct {
	logger logger.Logger

	lock  sync.Mutex
	rooms map[string]*room
	// connectionID => roomID
	connections map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		logger:      logger.GetLogger().WithName("registry"),
		rooms:       make(map[string]*room),
		connections: make(map[string]string),
	}
}

// Register adds a connection to a room, creating the room when needed. It
// returns the members that were present before the connection was added.
func (r *Registry) Register(roomID, connectionID, subjectID, displayName string, sink MessageSink) ([]signalling.PeerInfo, error) {
	return r.RegisterWithWelcome(roomID, connectionID, subjectID, displayName, sink, nil)
}

// RegisterWithWelcome is Register, additionally handing welcome(roster) to the
// new member's sink before the member becomes visible to other connections.
// Nothing broadcast to the room can therefore reach the member ahead of its
// welcome message.
func (r *Registry) RegisterWithWelcome(
	roomID, connectionID, subjectID, displayName string,
	sink MessageSink,
	welcome func(roster []signalling.PeerInfo) *signalling.Message,
) ([]signalling.PeerInfo, error) {
	r.lock.Lock()
	if _, ok := r.connections[connectionID]; ok {
		r.lock.Unlock()
		return nil, ErrDuplicateConnection
	}
	r.connections[connectionID] = roomID
	r.lock.Unlock()

	member := &Member{
		PeerInfo: signalling.PeerInfo{
			ConnectionID: connectionID,
			UserID:       subjectID,
			DisplayName:  displayName,
		},
		RoomID: roomID,
		Sink:   sink,
	}

	for {
		rm := r.getOrCreateRoom(roomID)

		rm.lock.Lock()
		if rm.closed {
			rm.lock.Unlock()
			r.removeRoom(rm)
			continue
		}
		roster := rm.peersLocked("")
		if welcome != nil {
			if err := sink.SendMessage(welcome(roster)); err != nil {
				rm.lock.Unlock()
				r.releaseConnection(connectionID)
				r.removeEmptyRoom(rm)
				return nil, err
			}
		}
		rm.members.Set(connectionID, member)
		rm.lock.Unlock()

		r.logger.Debugw("registered connection", "roomID", roomID, "connectionID", connectionID, "peers", len(roster))
		return roster, nil
	}
}

// Deregister removes a connection, and the room once it is empty. Removing an
// unknown connection is a no-op.
func (r *Registry) Deregister(roomID, connectionID string) bool {
	rm := r.getRoom(roomID)
	if rm == nil {
		return false
	}

	rm.lock.Lock()
	if _, ok := rm.members.Get(connectionID); !ok {
		rm.lock.Unlock()
		return false
	}
	rm.members.Delete(connectionID)
	empty := rm.members.Len() == 0
	if empty {
		rm.closed = true
	}
	rm.lock.Unlock()

	r.releaseConnection(connectionID)

	if empty {
		r.removeRoom(rm)
		r.logger.Debugw("room closed", "roomID", roomID)
	}
	r.logger.Debugw("deregistered connection", "roomID", roomID, "connectionID", connectionID)
	return true
}

// Broadcast sends msg to every member except excludeID. Failures are logged
// and do not stop delivery to the remaining members.
func (r *Registry) Broadcast(roomID string, msg *signalling.Message, excludeID string) int {
	rm := r.getRoom(roomID)
	if rm == nil {
		return 0
	}

	rm.lock.Lock()
	members := rm.sinksLocked(excludeID)
	rm.lock.Unlock()

	delivered := 0
	for _, m := range members {
		if err := m.Sink.SendMessage(msg); err != nil {
			r.logger.Warnw("could not deliver broadcast", err,
				"roomID", roomID,
				"connectionID", m.ConnectionID,
				"type", msg.Type,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Route delivers msg to a single member. It returns false when the target is
// gone or the send failed.
func (r *Registry) Route(roomID, targetID string, msg *signalling.Message) bool {
	rm := r.getRoom(roomID)
	if rm == nil {
		return false
	}

	rm.lock.Lock()
	target, ok := rm.members.Get(targetID)
	rm.lock.Unlock()
	if !ok {
		r.logger.Debugw("dropping message", "error", ErrRouteMiss, "roomID", roomID, "to", targetID, "type", msg.Type)
		return false
	}

	if err := target.Sink.SendMessage(msg); err != nil {
		r.logger.Warnw("could not route message", err, "roomID", roomID, "to", targetID, "type", msg.Type)
		return false
	}
	return true
}

// Members returns the current roster of a room in join order.
func (r *Registry) Members(roomID string) []signalling.PeerInfo {
	rm := r.getRoom(roomID)
	if rm == nil {
		return nil
	}

	rm.lock.Lock()
	defer rm.lock.Unlock()
	return rm.peersLocked("")
}

func (r *Registry) MemberCount(roomID string) int {
	rm := r.getRoom(roomID)
	if rm == nil {
		return 0
	}

	rm.lock.Lock()
	defer rm.lock.Unlock()
	return rm.members.Len()
}

func (r *Registry) HasRoom(roomID string) bool {
	return r.getRoom(roomID) != nil
}

func (r *Registry) RoomIDs() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) RoomCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.rooms)
}

func (r *Registry) ConnectionCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.connections)
}

func (r *Registry) getRoom(roomID string) *room {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) getOrCreateRoom(roomID string) *room {
	r.lock.Lock()
	defer r.lock.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		rm = newRoom(roomID)
		r.rooms[roomID] = rm
		r.logger.Debugw("room created", "roomID", roomID)
	}
	return rm
}

func (r *Registry) removeRoom(rm *room) {
	r.lock.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.lock.Unlock()
}

func (r *Registry) releaseConnection(connectionID string) {
	r.lock.Lock()
	delete(r.connections, connectionID)
	r.lock.Unlock()
}

// removeEmptyRoom drops a room that was created for a registration that did
// not complete.
func (r *Registry) removeEmptyRoom(rm *room) {
	rm.lock.Lock()
	if rm.members.Len() != 0 {
		rm.lock.Unlock()
		return
	}
	rm.closed = true
	rm.lock.Unlock()
	r.removeRoom(rm)
}
