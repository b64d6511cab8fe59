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

package rooms_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshrelay/pkg/rooms"
	"github.com/livekit/meshrelay/pkg/signalling"
)

type recordingSink struct {
	lock     sync.Mutex
	messages []*signalling.Message
	fail     bool
}

func (s *recordingSink) SendMessage(msg *signalling.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fail {
		return errors.New("socket closed")
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) Messages() []*signalling.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*signalling.Message{}, s.messages...)
}

func TestRegister(t *testing.T) {
	t.Run("roster excludes self and keeps join order", func(t *testing.T) {
		r := rooms.NewRegistry()

		roster, err := r.Register("r1", "A", "ua", "Alice", &recordingSink{})
		require.NoError(t, err)
		require.Empty(t, roster)

		roster, err = r.Register("r1", "B", "ub", "Bob", &recordingSink{})
		require.NoError(t, err)
		require.Equal(t, []signalling.PeerInfo{{ConnectionID: "A", UserID: "ua", DisplayName: "Alice"}}, roster)

		roster, err = r.Register("r1", "C", "uc", "Carol", &recordingSink{})
		require.NoError(t, err)
		require.Len(t, roster, 2)
		require.Equal(t, "A", roster[0].ConnectionID)
		require.Equal(t, "B", roster[1].ConnectionID)
	})

	t.Run("connection ids are never registered twice", func(t *testing.T) {
		r := rooms.NewRegistry()
		_, err := r.Register("r1", "A", "ua", "Alice", &recordingSink{})
		require.NoError(t, err)

		_, err = r.Register("r1", "A", "ua", "Alice", &recordingSink{})
		require.Equal(t, rooms.ErrDuplicateConnection, err)
		_, err = r.Register("r2", "A", "ua", "Alice", &recordingSink{})
		require.Equal(t, rooms.ErrDuplicateConnection, err)

		require.Equal(t, 1, r.MemberCount("r1"))
		require.False(t, r.HasRoom("r2"))
	})

	t.Run("concurrent joins are all counted", func(t *testing.T) {
		r := rooms.NewRegistry()
		var wg sync.WaitGroup
		rosterSizes := make([]int, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				roster, err := r.Register("r1", fmt.Sprintf("CO_%d", i), "u", "n", &recordingSink{})
				assert.NoError(t, err)
				rosterSizes[i] = len(roster)
			}(i)
		}
		wg.Wait()

		require.Equal(t, 50, r.MemberCount("r1"))
		// every roster size from 0 to 49 is seen exactly once
		seen := make(map[int]bool)
		for _, size := range rosterSizes {
			require.False(t, seen[size])
			seen[size] = true
		}
	})
}

func TestDeregister(t *testing.T) {
	r := rooms.NewRegistry()
	_, err := r.Register("r1", "A", "ua", "Alice", &recordingSink{})
	require.NoError(t, err)
	_, err = r.Register("r1", "B", "ub", "Bob", &recordingSink{})
	require.NoError(t, err)

	require.True(t, r.Deregister("r1", "B"))
	require.False(t, r.Deregister("r1", "B"))
	require.Equal(t, 1, r.MemberCount("r1"))

	require.False(t, r.Deregister("unknown", "A"))

	require.True(t, r.Deregister("r1", "A"))
	require.False(t, r.HasRoom("r1"))
	require.Equal(t, 0, r.RoomCount())
	require.Equal(t, 0, r.ConnectionCount())

	// room is recreated lazily
	roster, err := r.Register("r1", "C", "uc", "Carol", &recordingSink{})
	require.NoError(t, err)
	require.Empty(t, roster)
	require.Equal(t, 1, r.RoomCount())
}

func TestBroadcast(t *testing.T) {
	r := rooms.NewRegistry()
	a, b, c := &recordingSink{}, &recordingSink{fail: true}, &recordingSink{}
	_, _ = r.Register("r1", "A", "ua", "Alice", a)
	_, _ = r.Register("r1", "B", "ub", "Bob", b)
	_, _ = r.Register("r1", "C", "uc", "Carol", c)
	other := &recordingSink{}
	_, _ = r.Register("r2", "D", "ud", "Dan", other)

	msg := signalling.NewICERestart().WithFrom("A")
	delivered := r.Broadcast("r1", msg, "A")

	// B fails, C still receives, A excluded
	require.Equal(t, 1, delivered)
	require.Empty(t, a.Messages())
	require.Len(t, c.Messages(), 1)
	require.Empty(t, other.Messages())

	// failing member stays in the room
	require.Equal(t, 3, r.MemberCount("r1"))

	require.Equal(t, 0, r.Broadcast("missing", msg, ""))
}

func TestRoute(t *testing.T) {
	r := rooms.NewRegistry()
	a, b := &recordingSink{}, &recordingSink{}
	_, _ = r.Register("r1", "A", "ua", "Alice", a)
	_, _ = r.Register("r1", "B", "ub", "Bob", b)

	msg := &signalling.Message{Type: signalling.MessageTypeICECandidate, From: "A"}
	require.True(t, r.Route("r1", "B", msg))
	require.Len(t, b.Messages(), 1)

	// B departs, candidates to it are dropped silently
	require.True(t, r.Deregister("r1", "B"))
	require.False(t, r.Route("r1", "B", msg))
	require.Len(t, b.Messages(), 1)
	require.Empty(t, a.Messages())

	// target in another room is not reachable
	_, _ = r.Register("r2", "C", "uc", "Carol", &recordingSink{})
	require.False(t, r.Route("r1", "C", msg))
}

func TestMembersSnapshot(t *testing.T) {
	r := rooms.NewRegistry()
	_, _ = r.Register("r1", "A", "ua", "Alice", &recordingSink{})
	members := r.Members("r1")
	_, _ = r.Register("r1", "B", "ub", "Bob", &recordingSink{})

	require.Len(t, members, 1)
	require.Len(t, r.Members("r1"), 2)
	require.ElementsMatch(t, []string{"r1"}, r.RoomIDs())
}

func TestRegisterWithWelcome(t *testing.T) {
	t.Run("welcome precedes broadcasts", func(t *testing.T) {
		r := rooms.NewRegistry()
		a := &recordingSink{}
		_, err := r.Register("r1", "A", "ua", "Alice", a)
		require.NoError(t, err)

		b := &recordingSink{}
		roster, err := r.RegisterWithWelcome("r1", "B", "ub", "Bob", b, func(roster []signalling.PeerInfo) *signalling.Message {
			return signalling.NewWelcome("B", nil, roster)
		})
		require.NoError(t, err)
		require.Len(t, roster, 1)

		r.Broadcast("r1", signalling.NewICERestart().WithFrom("A"), "A")

		msgs := b.Messages()
		require.Len(t, msgs, 2)
		require.Equal(t, signalling.MessageTypeWelcome, msgs[0].Type)
		require.Equal(t, roster, msgs[0].Peers)
		require.Equal(t, signalling.MessageTypeICERestart, msgs[1].Type)
	})

	t.Run("failed welcome leaves no trace", func(t *testing.T) {
		r := rooms.NewRegistry()
		_, err := r.RegisterWithWelcome("r1", "A", "ua", "Alice", &recordingSink{fail: true}, func(roster []signalling.PeerInfo) *signalling.Message {
			return signalling.NewWelcome("A", nil, roster)
		})
		require.Error(t, err)
		require.False(t, r.HasRoom("r1"))
		require.Equal(t, 0, r.ConnectionCount())

		// the id can be used again after the failed attempt
		_, err = r.Register("r1", "A", "ua", "Alice", &recordingSink{})
		require.NoError(t, err)
	})
}
