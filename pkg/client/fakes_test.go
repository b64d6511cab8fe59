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
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/meshrelay/pkg/signalling"
)

type fakeTransport struct {
	lock sync.Mutex

	params       TransportParams
	offers       int
	restarts     int
	answers      int
	appliedSDP   []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	audioEnabled bool
	videoEnabled bool
	videoTrack   webrtc.TrackLocal
	maxBitrate   uint32
	closed       bool
	failAudio    bool
	failOffers   bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote)
}

func newFakeTransport(params TransportParams) *fakeTransport {
	return &fakeTransport{
		params:       params,
		audioEnabled: true,
		videoEnabled: true,
		videoTrack:   params.VideoTrack,
	}
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failOffers {
		return webrtc.SessionDescription{}, errors.Wrap(ErrTransportFailure, "no codecs")
	}
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakeTransport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.answers++
	f.appliedSDP = append(f.appliedSDP, offer)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeTransport) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.appliedSDP = append(f.appliedSDP, answer)
	return nil
}

func (f *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeTransport) RestartICE() (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.restarts++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "restart"}, nil
}

func (f *fakeTransport) SetAudioEnabled(enabled bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failAudio {
		return errors.Wrap(ErrTransportFailure, "sender gone")
	}
	f.audioEnabled = enabled
	return nil
}

func (f *fakeTransport) SetVideoEnabled(enabled bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.videoEnabled = enabled
	return nil
}

func (f *fakeTransport) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.videoTrack = track
	return nil
}

func (f *fakeTransport) SetMaxBitrate(kbps uint32) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.maxBitrate = kbps
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onState = fn
}

func (f *fakeTransport) OnTrack(fn func(track *webrtc.TrackRemote)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) Stats() TransportStats {
	return TransportStats{BytesSent: 100, BytesReceived: 200, RoundTripTime: 0.05, PacketsDropped: 3}
}

func (f *fakeTransport) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setFailOffers(fail bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failOffers = fail
}

func (f *fakeTransport) setState(state webrtc.PeerConnectionState) {
	f.lock.Lock()
	fn := f.onState
	f.lock.Unlock()
	fn(state)
}

func (f *fakeTransport) emitCandidate(c webrtc.ICECandidateInit) {
	f.lock.Lock()
	fn := f.onCandidate
	f.lock.Unlock()
	fn(c)
}

type transportState struct {
	offers       int
	restarts     int
	answers      int
	candidates   []webrtc.ICECandidateInit
	audioEnabled bool
	videoEnabled bool
	videoTrack   webrtc.TrackLocal
	maxBitrate   uint32
	closed       bool
}

func (f *fakeTransport) snapshot() transportState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return transportState{
		offers:       f.offers,
		restarts:     f.restarts,
		answers:      f.answers,
		candidates:   append([]webrtc.ICECandidateInit{}, f.candidates...),
		audioEnabled: f.audioEnabled,
		videoEnabled: f.videoEnabled,
		videoTrack:   f.videoTrack,
		maxBitrate:   f.maxBitrate,
		closed:       f.closed,
	}
}

// fakeFactory hands out fake transports and remembers them by creation order.
type fakeFactory struct {
	lock       sync.Mutex
	transports []*fakeTransport
	failAudio  bool
}

func (f *fakeFactory) New(params TransportParams) (PeerTransport, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	t := newFakeTransport(params)
	t.failAudio = f.failAudio
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) get(i int) *fakeTransport {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.transports[i]
}

type fakeRelay struct {
	lock     sync.Mutex
	messages []*signalling.Message
	closed   bool
}

func (r *fakeRelay) SendMessage(msg *signalling.Message) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return errors.New("relay closed")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *fakeRelay) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRelay) sent(msgType signalling.MessageType) []*signalling.Message {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*signalling.Message
	for _, m := range r.messages {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (r *fakeRelay) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.messages)
}

func (r *fakeRelay) isClosed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.closed
}
