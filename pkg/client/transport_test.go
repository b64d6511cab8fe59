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
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func TestPionTransport(t *testing.T) {
	media := NewStaticMedia()
	require.NoError(t, media.Acquire())
	t.Cleanup(media.Release)

	offerer, err := NewPionTransport(TransportParams{
		AudioTrack: media.AudioTrack(),
		VideoTrack: media.CameraTrack(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = offerer.Close() })

	// no local media, receive only
	answerer, err := NewPionTransport(TransportParams{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = answerer.Close() })

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.True(t, strings.Contains(offer.SDP, "m=audio"))
	require.True(t, strings.Contains(offer.SDP, "m=video"))

	// candidates before the remote description are held back
	require.NoError(t, answerer.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
	}))

	answer, err := answerer.CreateAnswer(offer)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, offerer.SetRemoteAnswer(answer))

	t.Run("media controls keep the sender", func(t *testing.T) {
		require.NoError(t, offerer.SetAudioEnabled(false))
		require.NoError(t, offerer.SetAudioEnabled(true))
		require.NoError(t, offerer.SetVideoEnabled(false))
		require.NoError(t, offerer.SetMaxBitrate(300))
		require.Equal(t, uint32(300), offerer.(*pionTransport).pacer.MaxBitrate())
		require.NoError(t, offerer.SetMaxBitrate(0))

		screen, _, err := media.StartScreen()
		require.NoError(t, err)
		require.NoError(t, offerer.ReplaceVideoTrack(screen))
		require.NoError(t, offerer.SetVideoEnabled(true))
		require.NoError(t, offerer.ReplaceVideoTrack(media.CameraTrack()))
	})

	restart, err := offerer.RestartICE()
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeOffer, restart.Type)
	require.NotEqual(t, iceUfrag(offer.SDP), iceUfrag(restart.SDP))

	// the answerer offers at the same time and yields on a fresh connection
	pt := answerer.(*pionTransport)
	answerer.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	_, err = answerer.CreateOffer()
	require.NoError(t, err)
	discarded := pt.peerConnection()
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, discarded.SignalingState())

	answer, err = answerer.CreateAnswer(restart)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NotSame(t, discarded, pt.peerConnection())
	require.Equal(t, webrtc.SignalingStateStable, pt.peerConnection().SignalingState())
	require.Equal(t, webrtc.PeerConnectionStateClosed, discarded.ConnectionState())

	// callbacks follow the new connection only
	require.Nil(t, pt.callbacksFor(discarded).onState)
	require.NotNil(t, pt.callbacksFor(pt.peerConnection()).onState)
}

func TestPionTransport_DiscardKeepsMediaState(t *testing.T) {
	media := NewStaticMedia()
	require.NoError(t, media.Acquire())
	t.Cleanup(media.Release)

	local, err := NewPionTransport(TransportParams{
		AudioTrack: media.AudioTrack(),
		VideoTrack: media.CameraTrack(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	remote, err := NewPionTransport(TransportParams{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	require.NoError(t, local.SetAudioEnabled(false))
	screen, _, err := media.StartScreen()
	require.NoError(t, err)
	require.NoError(t, local.ReplaceVideoTrack(screen))

	_, err = local.CreateOffer()
	require.NoError(t, err)
	offer, err := remote.CreateOffer()
	require.NoError(t, err)
	_, err = local.CreateAnswer(offer)
	require.NoError(t, err)

	pt := local.(*pionTransport)
	pt.lock.Lock()
	defer pt.lock.Unlock()
	require.Nil(t, pt.audioSender.Track())
	paced, ok := pt.videoSender.Track().(*pacedTrack)
	require.True(t, ok)
	require.Equal(t, screen, paced.TrackLocal)
}

func iceUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if strings.HasPrefix(line, "a=ice-ufrag:") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
