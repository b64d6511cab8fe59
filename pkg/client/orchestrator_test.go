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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshrelay/pkg/signalling"
)

type orchestratorHarness struct {
	*Orchestrator
	factory *fakeFactory
	relay   *fakeRelay
	media   *StaticMedia

	lock   sync.Mutex
	joined []string
	left   []string
	errs   []error
}

func newOrchestratorHarness(t *testing.T) *orchestratorHarness {
	h := &orchestratorHarness{
		factory: &fakeFactory{},
		relay:   &fakeRelay{},
		media:   NewStaticMedia(),
	}
	h.Orchestrator = NewOrchestrator(OrchestratorParams{
		Media:        h.media,
		NewTransport: h.factory.New,
	})
	h.OnPeerJoined(func(peer signalling.PeerInfo) {
		h.lock.Lock()
		h.joined = append(h.joined, peer.ConnectionID)
		h.lock.Unlock()
	})
	h.OnPeerLeft(func(peer signalling.PeerInfo) {
		h.lock.Lock()
		h.left = append(h.left, peer.ConnectionID)
		h.lock.Unlock()
	})
	h.OnError(func(err error) {
		h.lock.Lock()
		h.errs = append(h.errs, err)
		h.lock.Unlock()
	})
	h.attach(h.relay)
	t.Cleanup(h.Leave)
	return h
}

// settle waits until every queued event has been handled.
func (h *orchestratorHarness) settle(t *testing.T) {
	require.NoError(t, h.run(func() error { return nil }))
}

func (h *orchestratorHarness) welcome(t *testing.T, self string, peers ...string) {
	roster := make([]signalling.PeerInfo, 0, len(peers))
	for _, p := range peers {
		roster = append(roster, signalling.PeerInfo{ConnectionID: p, UserID: "u_" + p, DisplayName: p})
	}
	h.HandleMessage(signalling.NewWelcome(self, []signalling.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}, roster))
	h.settle(t)
}

func (h *orchestratorHarness) answerFrom(t *testing.T, from string) {
	h.HandleMessage(signalling.NewAnswer(h.ConnectionID(), webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}).WithFrom(from))
	h.settle(t)
}

func (h *orchestratorHarness) joinedPeers() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string{}, h.joined...)
}

func (h *orchestratorHarness) leftPeers() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string{}, h.left...)
}

func (h *orchestratorHarness) reportedErrors() []error {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]error{}, h.errs...)
}

func TestOrchestrator_Welcome(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a", "CO_b", "CO_c")

	require.Equal(t, "CO_b", h.ConnectionID())
	require.Equal(t, []string{"CO_a", "CO_c"}, h.PeerIDs())
	require.Equal(t, []string{"CO_a", "CO_c"}, h.joinedPeers())

	offers := h.relay.sent(signalling.MessageTypeOffer)
	require.Len(t, offers, 2)
	require.Equal(t, "CO_a", offers[0].To)
	require.Equal(t, "CO_c", offers[1].To)

	state, role, err := h.LinkState("CO_a")
	require.NoError(t, err)
	require.Equal(t, NegotiationStateOfferSent, state)
	require.Equal(t, RoleInitiator, role)

	// transports get the welcome ICE servers and the acquired tracks
	params := h.factory.get(0).params
	require.Len(t, params.ICEServers, 1)
	require.NotNil(t, params.AudioTrack)
	require.Equal(t, h.media.CameraTrack(), params.VideoTrack)

	h.answerFrom(t, "CO_a")
	state, _, err = h.LinkState("CO_a")
	require.NoError(t, err)
	require.Equal(t, NegotiationStateStable, state)

	// a repeated join does not create a second link
	h.HandleMessage(signalling.NewPresence(signalling.PresenceJoin, signalling.PeerInfo{ConnectionID: "CO_a"}))
	h.settle(t)
	require.Equal(t, 2, h.factory.count())
}

func TestOrchestrator_ResponderNeverOffers(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b")

	h.HandleMessage(signalling.NewOffer("CO_b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}).WithFrom("CO_z"))
	h.settle(t)

	state, role, err := h.LinkState("CO_z")
	require.NoError(t, err)
	require.Equal(t, NegotiationStateStable, state)
	require.Equal(t, RoleResponder, role)

	answers := h.relay.sent(signalling.MessageTypeAnswer)
	require.Len(t, answers, 1)
	require.Equal(t, "CO_z", answers[0].To)
	require.Empty(t, h.relay.sent(signalling.MessageTypeOffer))
}

func TestOrchestrator_UnknownSenderDropped(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b")

	h.answerFrom(t, "CO_x")
	h.HandleMessage(signalling.NewICECandidate("CO_b", webrtc.ICECandidateInit{Candidate: "candidate:1"}).WithFrom("CO_x"))
	h.settle(t)

	require.Zero(t, h.factory.count())
	require.Empty(t, h.PeerIDs())
}

func TestOrchestrator_PresenceLeave(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a", "CO_c")
	sent := h.relay.count()

	h.HandleMessage(signalling.NewPresence(signalling.PresenceLeave, signalling.PeerInfo{ConnectionID: "CO_a"}))
	h.settle(t)

	require.Equal(t, []string{"CO_c"}, h.PeerIDs())
	require.Equal(t, []string{"CO_a"}, h.leftPeers())
	require.True(t, h.factory.get(0).snapshot().closed)
	require.False(t, h.factory.get(1).snapshot().closed)
	// no renegotiation with the remaining peer
	require.Equal(t, sent, h.relay.count())
}

func TestOrchestrator_ScreenShareEmitsNoOffer(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a")
	h.answerFrom(t, "CO_a")
	offers := len(h.relay.sent(signalling.MessageTypeOffer))
	camera := h.media.CameraTrack()

	require.NoError(t, h.ShareScreen())
	transport := h.factory.get(0)
	screen := transport.snapshot().videoTrack
	require.NotNil(t, screen)
	require.NotEqual(t, camera, screen)
	require.Equal(t, VideoSourceScreen, h.MediaState().VideoSource)

	require.NoError(t, h.StopShare())
	require.Equal(t, camera, transport.snapshot().videoTrack)
	require.Equal(t, VideoSourceCamera, h.MediaState().VideoSource)
	require.Len(t, h.relay.sent(signalling.MessageTypeOffer), offers)

	t.Run("capture ended reverts to camera", func(t *testing.T) {
		require.NoError(t, h.ShareScreen())
		require.NotEqual(t, camera, transport.snapshot().videoTrack)

		h.media.EndScreen()
		require.Eventually(t, func() bool {
			return h.MediaState().VideoSource == VideoSourceCamera
		}, 2*time.Second, 10*time.Millisecond)
		h.settle(t)
		require.Equal(t, camera, transport.snapshot().videoTrack)
		require.Len(t, h.relay.sent(signalling.MessageTypeOffer), offers)
	})
}

func TestOrchestrator_InheritedMediaState(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b")

	audio, err := h.ToggleAudio()
	require.NoError(t, err)
	require.False(t, audio)
	video, err := h.ToggleVideo()
	require.NoError(t, err)
	require.False(t, video)
	require.NoError(t, h.SetBitrate(500))

	h.HandleMessage(signalling.NewPresence(signalling.PresenceJoin, signalling.PeerInfo{ConnectionID: "CO_d"}))
	h.settle(t)

	require.Equal(t, 1, h.factory.count())
	state := h.factory.get(0).snapshot()
	require.False(t, state.audioEnabled)
	require.False(t, state.videoEnabled)
	require.Equal(t, uint32(500), state.maxBitrate)

	audio, err = h.ToggleAudio()
	require.NoError(t, err)
	require.True(t, audio)
	require.True(t, h.factory.get(0).snapshot().audioEnabled)
}

func TestOrchestrator_FailingLinkDoesNotStopOthers(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a", "CO_c")

	first := h.factory.get(0)
	first.lock.Lock()
	first.failAudio = true
	first.lock.Unlock()

	enabled, err := h.ToggleAudio()
	require.NoError(t, err)
	require.False(t, enabled)
	require.False(t, h.factory.get(1).snapshot().audioEnabled)

	errs := h.reportedErrors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrTransportFailure)
}

func TestOrchestrator_ICERestart(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a")
	h.answerFrom(t, "CO_a")
	transport := h.factory.get(0)

	t.Run("requested by the relay", func(t *testing.T) {
		h.HandleMessage(signalling.NewICERestart().WithFrom("CO_a"))
		h.settle(t)

		require.Equal(t, 1, transport.snapshot().restarts)
		offers := h.relay.sent(signalling.MessageTypeOffer)
		require.Equal(t, "restart", offers[len(offers)-1].SDP.SDP)
		h.answerFrom(t, "CO_a")
	})

	t.Run("requested locally", func(t *testing.T) {
		require.NoError(t, h.RestartICE())
		require.Len(t, h.relay.sent(signalling.MessageTypeICERestart), 1)
		require.Equal(t, 2, transport.snapshot().restarts)
	})

	t.Run("transport failure", func(t *testing.T) {
		transport.setState(webrtc.PeerConnectionStateFailed)
		require.Eventually(t, func() bool {
			return transport.snapshot().restarts == 3
		}, time.Second, 10*time.Millisecond)

		transport.setState(webrtc.PeerConnectionStateConnected)
		require.Eventually(t, func() bool {
			state, _, err := h.LinkState("CO_a")
			return err == nil && state == NegotiationStateStable
		}, time.Second, 10*time.Millisecond)
	})
}

func TestOrchestrator_LocalCandidatesRelayed(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a")

	h.factory.get(0).emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:host"})
	require.Eventually(t, func() bool {
		return len(h.relay.sent(signalling.MessageTypeICECandidate)) == 1
	}, time.Second, 10*time.Millisecond)

	msg := h.relay.sent(signalling.MessageTypeICECandidate)[0]
	require.Equal(t, "CO_a", msg.To)
	require.Equal(t, "candidate:host", msg.Candidate.Candidate)
}

func TestOrchestrator_SignalsAndStats(t *testing.T) {
	h := newOrchestratorHarness(t)
	received := make(chan string, 1)
	h.OnSignal(func(from string, payload json.RawMessage) {
		received <- from + ":" + string(payload)
	})
	h.welcome(t, "CO_b", "CO_a")

	h.HandleMessage(signalling.NewSignal("CO_a", json.RawMessage(`{"hand":"up"}`)))
	select {
	case got := <-received:
		require.Equal(t, `CO_a:{"hand":"up"}`, got)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}

	require.NoError(t, h.Broadcast(json.RawMessage(`{"chat":"hi"}`)))
	require.Len(t, h.relay.sent(signalling.MessageTypeBroadcast), 1)

	metrics := h.CollectStats()
	require.Equal(t, 1, metrics["peers"])
	require.Equal(t, uint64(100), metrics["bytesSent"])
	require.Equal(t, uint64(3), metrics["packetsDropped"])
	require.NoError(t, h.SendStats(metrics))
	stats := h.relay.sent(signalling.MessageTypeStats)
	require.Len(t, stats, 1)
	require.Equal(t, "camera", stats[0].Metrics["videoSource"])
}

func TestOrchestrator_Leave(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a", "CO_c")
	transport := h.factory.get(0)
	sent := h.relay.count()

	h.Leave()
	h.Leave()

	require.True(t, h.relay.isClosed())
	require.True(t, transport.snapshot().closed)
	require.True(t, h.factory.get(1).snapshot().closed)
	require.Nil(t, h.media.AudioTrack())
	require.Empty(t, h.PeerIDs())

	require.ErrorIs(t, h.SendStats(map[string]interface{}{"peers": 0}), ErrOrchestratorClosed)
	_, err := h.ToggleAudio()
	require.ErrorIs(t, err, ErrOrchestratorClosed)

	// late events are dropped without sending anything
	h.HandleMessage(signalling.NewPresence(signalling.PresenceJoin, signalling.PeerInfo{ConnectionID: "CO_e"}))
	transport.emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:late"})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, sent, h.relay.count())
	require.Equal(t, 2, h.factory.count())
}

func TestOrchestrator_MediaControlsBeforeConnect(t *testing.T) {
	factory := &fakeFactory{}
	o := NewOrchestrator(OrchestratorParams{
		Media:        NewStaticMedia(),
		NewTransport: factory.New,
	})
	t.Cleanup(o.Leave)

	results := make(chan error, 1)
	go func() {
		results <- func() error {
			if _, err := o.ToggleAudio(); err != nil {
				return err
			}
			if err := o.SetBitrate(250); err != nil {
				return err
			}
			if err := o.StopShare(); err != nil {
				return err
			}
			if _, _, err := o.LinkState("CO_a"); err == nil {
				return errors.New("link before connect")
			}
			return o.RestartICE()
		}()
	}()

	select {
	case err := <-results:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("media controls blocked before connect")
	}
	require.False(t, o.MediaState().AudioEnabled)
	require.Equal(t, uint32(250), o.MediaState().BitrateKbps)

	// links created by the welcome start from that state
	o.attach(&fakeRelay{})
	o.HandleMessage(signalling.NewWelcome("CO_b", nil, []signalling.PeerInfo{{ConnectionID: "CO_a"}}))
	require.NoError(t, o.run(func() error { return nil }))

	require.Equal(t, 1, factory.count())
	state := factory.get(0).snapshot()
	require.False(t, state.audioEnabled)
	require.True(t, state.videoEnabled)
	require.Equal(t, uint32(250), state.maxBitrate)
}

func TestOrchestrator_JoinAfterOffer(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b")

	h.HandleMessage(signalling.NewOffer("CO_b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}).WithFrom("CO_z"))
	h.HandleMessage(signalling.NewPresence(signalling.PresenceJoin, signalling.PeerInfo{ConnectionID: "CO_z", DisplayName: "zed"}))
	h.settle(t)

	// the answering link is kept, the peer is still announced once
	require.Equal(t, 1, h.factory.count())
	require.Empty(t, h.relay.sent(signalling.MessageTypeOffer))
	require.Equal(t, []string{"CO_z"}, h.joinedPeers())
	_, role, err := h.LinkState("CO_z")
	require.NoError(t, err)
	require.Equal(t, RoleResponder, role)

	h.HandleMessage(signalling.NewPresence(signalling.PresenceJoin, signalling.PeerInfo{ConnectionID: "CO_z"}))
	h.HandleMessage(signalling.NewPresence(signalling.PresenceLeave, signalling.PeerInfo{ConnectionID: "CO_z"}))
	h.settle(t)
	require.Equal(t, []string{"CO_z"}, h.joinedPeers())
	require.Equal(t, []string{"CO_z"}, h.leftPeers())
	require.True(t, h.factory.get(0).snapshot().closed)
}

func TestOrchestrator_InvalidMessagesDropped(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.welcome(t, "CO_b", "CO_a")
	sent := h.relay.count()

	h.HandleMessage(&signalling.Message{Type: signalling.MessageTypeOffer, From: "CO_z"})
	h.HandleMessage(&signalling.Message{Type: signalling.MessageTypeAnswer, From: "CO_a"})
	h.HandleMessage(&signalling.Message{Type: signalling.MessageTypeICECandidate, From: "CO_a"})
	h.HandleMessage(&signalling.Message{Type: signalling.MessageTypePresence, Event: signalling.PresenceJoin})
	h.settle(t)

	require.Equal(t, 1, h.factory.count())
	require.Equal(t, []string{"CO_a"}, h.PeerIDs())
	require.Equal(t, sent, h.relay.count())
	require.Empty(t, h.factory.get(0).snapshot().candidates)

	state, _, err := h.LinkState("CO_a")
	require.NoError(t, err)
	require.Equal(t, NegotiationStateOfferSent, state)
}
