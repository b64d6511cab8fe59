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

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/meshrelay/pkg/logger"
)

var (
	ErrTransportFailure = errors.New("transport failure")
	ErrTransportClosed  = errors.New("transport closed")
)

type TransportStats struct {
	BytesSent     uint64
	BytesReceived uint64
	// seconds, zero until a candidate pair reports it
	RoundTripTime float64
	// video packets held back by the bitrate cap
	PacketsDropped uint64
}

// PeerTransport is the media connection to a single remote peer.
type PeerTransport interface {
	// CreateOffer builds an offer receiving audio and video and applies it locally.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies a remote offer and returns the local answer. A
	// pending local offer is discarded first.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate holds candidates until a remote description is known.
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// RestartICE creates and applies an offer with fresh ICE credentials.
	RestartICE() (webrtc.SessionDescription, error)

	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	// SetMaxBitrate caps outbound video, 0 removes the cap.
	SetMaxBitrate(kbps uint32) error

	// callbacks stay registered across a discarded offer
	OnICECandidate(f func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	OnTrack(f func(track *webrtc.TrackRemote))

	Stats() TransportStats
	Close() error
}

type TransportParams struct {
	ICEServers []webrtc.ICEServer
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal
	Logger     logger.Logger
}

type TransportFactory func(params TransportParams) (PeerTransport, error)

type pionTransport struct {
	params TransportParams
	api    *webrtc.API
	pacer  *bitratePacer
	logger logger.Logger

	lock              sync.Mutex
	pc                *webrtc.PeerConnection
	audioSender       *webrtc.RTPSender
	videoSender       *webrtc.RTPSender
	audioEnabled      bool
	videoEnabled      bool
	videoTrack        webrtc.TrackLocal
	pendingCandidates []webrtc.ICECandidateInit
	onCandidate       func(candidate webrtc.ICECandidateInit)
	onState           func(state webrtc.PeerConnectionState)
	onTrack           func(track *webrtc.TrackRemote)
	closed            bool
}

// NewPionTransport creates a PeerTransport backed by a pion PeerConnection.
func NewPionTransport(params TransportParams) (PeerTransport, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{
		LoggerFactory: logger.LoggerFactory(),
	}

	t := &pionTransport{
		params: params,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		pacer:        newBitratePacer(),
		logger:       params.Logger,
		audioEnabled: true,
		videoEnabled: true,
		videoTrack:   params.VideoTrack,
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.newPeerConnectionLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// newPeerConnectionLocked replaces the PeerConnection with a fresh one
// carrying the current media state. Callbacks fire only for the current one.
func (t *pionTransport) newPeerConnectionLocked() error {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: t.params.ICEServers,
	})
	if err != nil {
		return errors.Wrap(ErrTransportFailure, err.Error())
	}

	// one transceiver per kind, always receiving
	audioSender, err := addTransceiver(pc, webrtc.RTPCodecTypeAudio, t.params.AudioTrack)
	var videoSender *webrtc.RTPSender
	if err == nil {
		videoSender, err = addTransceiver(pc, webrtc.RTPCodecTypeVideo, t.pacedTrack(t.params.VideoTrack))
	}
	if err != nil {
		_ = pc.Close()
		return errors.Wrap(ErrTransportFailure, err.Error())
	}

	t.pc = pc
	t.audioSender = audioSender
	t.videoSender = videoSender
	t.pendingCandidates = nil
	if !t.audioEnabled && audioSender != nil {
		if err = audioSender.ReplaceTrack(nil); err != nil {
			return errors.Wrap(ErrTransportFailure, err.Error())
		}
	}
	if !t.videoEnabled || t.videoTrack != t.params.VideoTrack {
		if err = t.applyVideoLocked(); err != nil {
			return errors.Wrap(ErrTransportFailure, err.Error())
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		if f := t.callbacksFor(pc).onCandidate; f != nil {
			f(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if f := t.callbacksFor(pc).onState; f != nil {
			f(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if f := t.callbacksFor(pc).onTrack; f != nil {
			f(track)
		}
	})
	return nil
}

type transportCallbacks struct {
	onCandidate func(candidate webrtc.ICECandidateInit)
	onState     func(state webrtc.PeerConnectionState)
	onTrack     func(track *webrtc.TrackRemote)
}

// callbacksFor returns no callbacks once pc has been replaced.
func (t *pionTransport) callbacksFor(pc *webrtc.PeerConnection) transportCallbacks {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.pc != pc {
		return transportCallbacks{}
	}
	return transportCallbacks{
		onCandidate: t.onCandidate,
		onState:     t.onState,
		onTrack:     t.onTrack,
	}
}

func addTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType, track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if track == nil {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return nil, err
	}

	tr, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	sender := tr.Sender()
	// drain RTCP so interceptors keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (t *pionTransport) pacedTrack(track webrtc.TrackLocal) webrtc.TrackLocal {
	if track == nil {
		return nil
	}
	return &pacedTrack{TrackLocal: track, pacer: t.pacer}
}

func (t *pionTransport) peerConnection() *webrtc.PeerConnection {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.pc
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.createOffer(nil)
}

func (t *pionTransport) createOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	pc := t.peerConnection()
	offer, err := pc.CreateOffer(options)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(ErrTransportFailure, err.Error())
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(ErrTransportFailure, err.Error())
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc := t.peerConnection()
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// pion v3 cannot roll back a local offer, start over on a fresh connection
		var err error
		if pc, err = t.discardLocalOffer(pc); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	if err := t.setRemoteDescription(pc, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(ErrTransportFailure, err.Error())
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(ErrTransportFailure, err.Error())
	}
	return answer, nil
}

func (t *pionTransport) discardLocalOffer(old *webrtc.PeerConnection) (*webrtc.PeerConnection, error) {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, ErrTransportClosed
	}
	err := t.newPeerConnectionLocked()
	pc := t.pc
	t.lock.Unlock()
	if err != nil {
		return nil, err
	}

	t.logger.Debugw("discarded local offer")
	if err = old.Close(); err != nil {
		t.logger.Warnw("could not close discarded connection", err)
	}
	return pc, nil
}

func (t *pionTransport) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	return t.setRemoteDescription(t.peerConnection(), answer)
}

func (t *pionTransport) setRemoteDescription(pc *webrtc.PeerConnection, sd webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(sd); err != nil {
		return errors.Wrap(ErrTransportFailure, err.Error())
	}

	t.lock.Lock()
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.lock.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			t.logger.Warnw("could not add buffered candidate", err)
		}
	}
	return nil
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	pc := t.peerConnection()
	if pc.RemoteDescription() == nil {
		t.lock.Lock()
		t.pendingCandidates = append(t.pendingCandidates, candidate)
		t.lock.Unlock()
		return nil
	}
	if err := pc.AddICECandidate(candidate); err != nil {
		return errors.Wrap(ErrTransportFailure, err.Error())
	}
	return nil
}

func (t *pionTransport) RestartICE() (webrtc.SessionDescription, error) {
	return t.createOffer(&webrtc.OfferOptions{ICERestart: true})
}

func (t *pionTransport) SetAudioEnabled(enabled bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.audioEnabled = enabled
	if t.audioSender == nil {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = t.params.AudioTrack
	}
	return t.audioSender.ReplaceTrack(track)
}

func (t *pionTransport) SetVideoEnabled(enabled bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.videoEnabled = enabled
	return t.applyVideoLocked()
}

func (t *pionTransport) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.videoTrack = track
	return t.applyVideoLocked()
}

func (t *pionTransport) applyVideoLocked() error {
	if t.videoSender == nil {
		return nil
	}
	var track webrtc.TrackLocal
	if t.videoEnabled {
		track = t.pacedTrack(t.videoTrack)
	}
	return t.videoSender.ReplaceTrack(track)
}

// SetMaxBitrate paces RTP on the video sender. pion v3 senders do not expose
// encoding parameters, so packets over the budget are dropped.
func (t *pionTransport) SetMaxBitrate(kbps uint32) error {
	t.pacer.SetMaxBitrate(kbps)
	return nil
}

func (t *pionTransport) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	t.lock.Lock()
	t.onCandidate = f
	t.lock.Unlock()
}

func (t *pionTransport) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	t.lock.Lock()
	t.onState = f
	t.lock.Unlock()
}

func (t *pionTransport) OnTrack(f func(track *webrtc.TrackRemote)) {
	t.lock.Lock()
	t.onTrack = f
	t.lock.Unlock()
}

func (t *pionTransport) Stats() TransportStats {
	stats := TransportStats{
		PacketsDropped: t.pacer.Dropped(),
	}
	for _, s := range t.peerConnection().GetStats() {
		switch s := s.(type) {
		case webrtc.TransportStats:
			stats.BytesSent += s.BytesSent
			stats.BytesReceived += s.BytesReceived
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.CurrentRoundTripTime > 0 {
				stats.RoundTripTime = s.CurrentRoundTripTime
			}
		}
	}
	return stats
}

func (t *pionTransport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	pc := t.pc
	t.lock.Unlock()

	return pc.Close()
}
