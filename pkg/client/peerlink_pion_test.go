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

package client

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
)

// pionLinks wires two PeerLinks over real pion transports. Offers and answers
// are delivered on the test goroutine, candidates are gathered in the
// background and queued alongside them.
type pionLinks struct {
	t        *testing.T
	byLocal  map[string]*PeerLink
	byRemote map[string]*PeerLink
	queue    chan *signalling.Message
}

func newPionLinks(t *testing.T, a, b string, roleA, roleB Role) *pionLinks {
	p := &pionLinks{
		t:        t,
		byLocal:  make(map[string]*PeerLink),
		byRemote: make(map[string]*PeerLink),
		queue:    make(chan *signalling.Message, 1024),
	}
	p.add(a, b, roleA)
	p.add(b, a, roleB)
	return p
}

func (p *pionLinks) add(localID, remoteID string, role Role) {
	m := NewStaticMedia()
	require.NoError(p.t, m.Acquire())
	p.t.Cleanup(m.Release)

	transport, err := NewPionTransport(TransportParams{
		AudioTrack: m.AudioTrack(),
		VideoTrack: m.CameraTrack(),
	})
	require.NoError(p.t, err)

	send := func(msg *signalling.Message) error {
		p.queue <- msg.WithFrom(localID)
		return nil
	}
	link := newPeerLink(localID, remoteID, role, transport, send, logger.GetLogger())
	transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		select {
		case p.queue <- signalling.NewICECandidate(remoteID, c).WithFrom(localID):
		default:
		}
	})
	p.t.Cleanup(link.Close)

	p.byLocal[localID] = link
	p.byRemote[remoteID] = link
}

func (p *pionLinks) link(id string) *PeerLink {
	return p.byLocal[id]
}

// flush delivers everything queued so far and returns the delivered messages.
func (p *pionLinks) flush() []*signalling.Message {
	var delivered []*signalling.Message
	for {
		select {
		case msg := <-p.queue:
			delivered = append(delivered, msg)
			to := p.byRemote[msg.From]
			switch msg.Type {
			case signalling.MessageTypeOffer:
				require.NoError(p.t, to.HandleOffer(msg))
			case signalling.MessageTypeAnswer:
				require.NoError(p.t, to.HandleAnswer(msg))
			case signalling.MessageTypeICECandidate:
				if err := to.HandleCandidate(msg); err != nil {
					p.t.Logf("candidate from %s: %v", msg.From, err)
				}
			}
		default:
			return delivered
		}
	}
}

func countFrom(msgs []*signalling.Message, from string, msgType signalling.MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.From == from && m.Type == msgType {
			n++
		}
	}
	return n
}

func pionConnection(link *PeerLink) *webrtc.PeerConnection {
	return link.Transport().(*pionTransport).peerConnection()
}

func TestPeerLink_PionHandshake(t *testing.T) {
	p := newPionLinks(t, "CO_a", "CO_b", RoleInitiator, RoleResponder)
	a, b := p.link("CO_a"), p.link("CO_b")

	require.NoError(t, b.Start())
	require.NoError(t, a.Start())
	delivered := p.flush()

	require.Equal(t, 1, countFrom(delivered, "CO_a", signalling.MessageTypeOffer))
	require.Equal(t, 1, countFrom(delivered, "CO_b", signalling.MessageTypeAnswer))
	require.Zero(t, countFrom(delivered, "CO_b", signalling.MessageTypeOffer))

	for _, link := range []*PeerLink{a, b} {
		require.Equal(t, NegotiationStateStable, link.State())
		require.Equal(t, webrtc.SignalingStateStable, pionConnection(link).SignalingState())
	}
}

func TestPeerLink_PionGlare(t *testing.T) {
	p := newPionLinks(t, "CO_a", "CO_b", RoleInitiator, RoleInitiator)
	a, b := p.link("CO_a"), p.link("CO_b")
	first := pionConnection(a)

	// both offer before either offer arrives
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	delivered := p.flush()

	// the polite side answers, the other ignores the competing offer
	require.Equal(t, 1, countFrom(delivered, "CO_a", signalling.MessageTypeAnswer))
	require.Zero(t, countFrom(delivered, "CO_b", signalling.MessageTypeAnswer))

	require.Equal(t, NegotiationStateStable, a.State())
	require.Equal(t, NegotiationStateStable, b.State())
	require.Equal(t, RoleResponder, a.Role())
	require.Equal(t, RoleInitiator, b.Role())

	require.NotSame(t, first, pionConnection(a))
	require.Equal(t, webrtc.SignalingStateStable, pionConnection(a).SignalingState())
	require.Equal(t, webrtc.SignalingStateStable, pionConnection(b).SignalingState())
	require.NotNil(t, pionConnection(b).RemoteDescription())
}

func TestPeerLink_PionRestart(t *testing.T) {
	p := newPionLinks(t, "CO_a", "CO_b", RoleInitiator, RoleInitiator)
	a, b := p.link("CO_a"), p.link("CO_b")
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	p.flush()

	// after glare CO_b drives negotiation
	before := iceUfrag(pionConnection(b).LocalDescription().SDP)
	require.NoError(t, b.RestartICE())
	require.Equal(t, NegotiationStateRecovering, b.State())
	delivered := p.flush()

	require.Equal(t, 1, countFrom(delivered, "CO_b", signalling.MessageTypeOffer))
	require.Equal(t, 1, countFrom(delivered, "CO_a", signalling.MessageTypeAnswer))
	require.NotEqual(t, before, iceUfrag(pionConnection(b).LocalDescription().SDP))
	require.Equal(t, NegotiationStateStable, a.State())
	require.Equal(t, webrtc.SignalingStateStable, pionConnection(a).SignalingState())
	require.Equal(t, webrtc.SignalingStateStable, pionConnection(b).SignalingState())

	require.NoError(t, b.HandleConnectionState(webrtc.PeerConnectionStateConnected))
	require.Equal(t, NegotiationStateStable, b.State())

	// the responder waits for the initiator's restart offer
	require.NoError(t, a.RestartICE())
	require.Zero(t, countFrom(p.flush(), "CO_a", signalling.MessageTypeOffer))
	require.Equal(t, NegotiationStateRecovering, a.State())
}
