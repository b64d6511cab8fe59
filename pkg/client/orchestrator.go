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
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"

	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
	"github.com/livekit/meshrelay/pkg/utils"
)

const opsQueueSize = 256

var (
	ErrOrchestratorClosed = errors.New("orchestrator closed")
	ErrNotConnected       = errors.New("not connected to relay")
	ErrRelayClosed        = errors.New("relay connection closed")
)

type OrchestratorParams struct {
	URL   string
	Token string
	// defaults to StaticMedia
	Media LocalMedia
	// defaults to NewPionTransport
	NewTransport TransportFactory
	// RemoteLevels taps a remote audio track for speaking detection. Remote
	// speakers are not tracked when nil.
	RemoteLevels func(track *webrtc.TrackRemote) AudioLevelSource
	Logger       logger.Logger
}

type screenShare struct {
	track webrtc.TrackLocal
	ended <-chan struct{}
	done  chan struct{}
}

// Orchestrator keeps one PeerLink per remote participant of the room.
//
// Relay messages, transport callbacks and API calls are all processed on one
// ops queue. Callbacks are invoked from that queue and must not wait on other
// Orchestrator calls.
type Orchestrator struct {
	params OrchestratorParams
	logger logger.Logger
	ops    *utils.OpsQueue
	// held while an operation runs, Leave takes it to tear links down
	opLock sync.Mutex

	lock         sync.RWMutex
	connectionID string
	iceServers   []webrtc.ICEServer
	links        map[string]*PeerLink
	peers        map[string]signalling.PeerInfo
	mediaState   LocalMediaState
	mediaReady   bool
	share        *screenShare

	onPeerJoined      func(peer signalling.PeerInfo)
	onPeerLeft        func(peer signalling.PeerInfo)
	onRemoteTrack     func(connectionID string, track *webrtc.TrackRemote)
	onSpeakingChanged func(id string, speaking bool)
	onSignal          func(from string, payload json.RawMessage)
	onError           func(err error)

	// a send holds the read side, Leave the write side
	sendLock sync.RWMutex
	relay    SignalRelay
	closed   core.Fuse

	speaking *SpeakingDetector
}

func NewOrchestrator(params OrchestratorParams) *Orchestrator {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Media == nil {
		params.Media = NewStaticMedia()
	}
	if params.NewTransport == nil {
		params.NewTransport = NewPionTransport
	}

	o := &Orchestrator{
		params:     params,
		logger:     params.Logger.WithName("orchestrator"),
		links:      make(map[string]*PeerLink),
		peers:      make(map[string]signalling.PeerInfo),
		mediaState: defaultLocalMediaState(),
	}
	o.ops = utils.NewOpsQueue(o.logger, "orchestrator", opsQueueSize)
	o.speaking = NewSpeakingDetector(o.speakingChanged)
	// media controls are usable before Connect, they only update the state
	o.ops.Start()
	return o
}

func (o *Orchestrator) OnPeerJoined(f func(peer signalling.PeerInfo)) {
	o.lock.Lock()
	o.onPeerJoined = f
	o.lock.Unlock()
}

func (o *Orchestrator) OnPeerLeft(f func(peer signalling.PeerInfo)) {
	o.lock.Lock()
	o.onPeerLeft = f
	o.lock.Unlock()
}

func (o *Orchestrator) OnRemoteTrack(f func(connectionID string, track *webrtc.TrackRemote)) {
	o.lock.Lock()
	o.onRemoteTrack = f
	o.lock.Unlock()
}

// OnSpeakingChanged reports speaking changes, LocalSpeakerID being the local
// participant.
func (o *Orchestrator) OnSpeakingChanged(f func(id string, speaking bool)) {
	o.lock.Lock()
	o.onSpeakingChanged = f
	o.lock.Unlock()
}

func (o *Orchestrator) OnSignal(f func(from string, payload json.RawMessage)) {
	o.lock.Lock()
	o.onSignal = f
	o.lock.Unlock()
}

func (o *Orchestrator) OnError(f func(err error)) {
	o.lock.Lock()
	o.onError = f
	o.lock.Unlock()
}

// Connect dials the relay and joins the room described by the token. It
// returns once the welcome is queued, links are created asynchronously.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if o.closed.IsBroken() {
		return ErrOrchestratorClosed
	}
	sw := utils.NewStopwatch()
	sc, err := Dial(ctx, o.params.URL, o.params.Token, o.logger)
	if err != nil {
		return err
	}
	sw.Mark("dial")

	o.attach(sc)
	o.HandleMessage(sc.Welcome())
	sc.Start(o.HandleMessage, o.relayClosed)
	sw.Mark("start")
	o.logger.Debugw("connected to relay", "connectionID", sc.Welcome().ConnectionID, "splits", sw.Splits())
	return nil
}

func (o *Orchestrator) attach(relay SignalRelay) {
	o.sendLock.Lock()
	o.relay = relay
	o.sendLock.Unlock()
}

func (o *Orchestrator) relayClosed(err error) {
	if err == nil || o.closed.IsBroken() {
		return
	}
	o.logger.Warnw("relay connection lost", err)
	o.reportError(errors.Wrap(ErrRelayClosed, err.Error()))
}

// HandleMessage queues a relay message. Messages are handled in arrival order.
func (o *Orchestrator) HandleMessage(msg *signalling.Message) {
	o.enqueue(func() {
		o.handleMessage(msg)
	})
}

func (o *Orchestrator) enqueue(op func()) {
	o.ops.Enqueue(func() {
		o.opLock.Lock()
		defer o.opLock.Unlock()
		if o.closed.IsBroken() {
			return
		}
		op()
	})
}

// run queues op and waits for its result.
func (o *Orchestrator) run(op func() error) error {
	if o.closed.IsBroken() {
		return ErrOrchestratorClosed
	}
	done := make(chan error, 1)
	o.enqueue(func() {
		done <- op()
	})
	select {
	case err := <-done:
		return err
	case <-o.closed.Watch():
		return ErrOrchestratorClosed
	}
}

func (o *Orchestrator) send(msg *signalling.Message) error {
	o.sendLock.RLock()
	defer o.sendLock.RUnlock()

	if o.closed.IsBroken() {
		return ErrOrchestratorClosed
	}
	if o.relay == nil {
		return ErrNotConnected
	}
	return o.relay.SendMessage(msg)
}

func (o *Orchestrator) handleMessage(msg *signalling.Message) {
	if err := signalling.ValidateResponse(msg); err != nil {
		o.logger.Warnw("dropping invalid relay message", err, "type", msg.Type, "from", msg.From)
		return
	}

	switch msg.Type {
	case signalling.MessageTypeWelcome:
		o.handleWelcome(msg)

	case signalling.MessageTypePresence:
		if msg.Event == signalling.PresenceJoin {
			o.handlePeerJoined(msg.Peer())
		} else {
			o.handlePeerLeft(msg.ConnectionID)
		}

	case signalling.MessageTypeOffer:
		link := o.getLink(msg.From)
		if link == nil {
			var err error
			if link, err = o.createLink(msg.From, RoleResponder); err != nil {
				o.reportError(err)
				return
			}
		}
		o.checkLinkError(link, link.HandleOffer(msg))

	case signalling.MessageTypeAnswer:
		if link := o.getLink(msg.From); link != nil {
			o.checkLinkError(link, link.HandleAnswer(msg))
		} else {
			o.logger.Debugw("dropping answer from unknown peer", "from", msg.From)
		}

	case signalling.MessageTypeICECandidate:
		if link := o.getLink(msg.From); link != nil {
			o.checkLinkError(link, link.HandleCandidate(msg))
		} else {
			o.logger.Debugw("dropping candidate from unknown peer", "from", msg.From)
		}

	case signalling.MessageTypeICERestart:
		o.restartLinks()

	case signalling.MessageTypeSignal:
		o.lock.RLock()
		onSignal := o.onSignal
		o.lock.RUnlock()
		if onSignal != nil {
			onSignal(msg.From, msg.Payload)
		}

	default:
		o.logger.Debugw("ignoring relay message", "type", msg.Type)
	}
}

func (o *Orchestrator) handleWelcome(msg *signalling.Message) {
	iceServers := make([]webrtc.ICEServer, 0, len(msg.ICEServers))
	for _, s := range msg.ICEServers {
		iceServers = append(iceServers, s.ToWebRTC())
	}

	o.lock.Lock()
	o.connectionID = msg.ConnectionID
	o.iceServers = iceServers
	o.lock.Unlock()
	o.logger.Infow("joined room", "connectionID", msg.ConnectionID, "peers", len(msg.Peers))

	if err := o.params.Media.Acquire(); err != nil {
		// links still receive, they just have nothing to send
		o.logger.Warnw("could not acquire local media", err)
		o.reportError(err)
	} else {
		o.lock.Lock()
		o.mediaReady = true
		o.lock.Unlock()
		o.speaking.Add(LocalSpeakerID, o.params.Media.AudioLevels())
		o.speaking.Start()
	}

	for _, peer := range msg.Peers {
		o.handlePeerJoined(peer)
	}
}

func (o *Orchestrator) handlePeerJoined(peer signalling.PeerInfo) {
	if peer.ConnectionID == o.ConnectionID() {
		return
	}

	o.lock.Lock()
	_, known := o.peers[peer.ConnectionID]
	o.peers[peer.ConnectionID] = peer
	onPeerJoined := o.onPeerJoined
	o.lock.Unlock()
	if !known && onPeerJoined != nil {
		onPeerJoined(peer)
	}

	if o.getLink(peer.ConnectionID) != nil {
		// the peer offered first, we already answer it
		return
	}
	link, err := o.createLink(peer.ConnectionID, RoleInitiator)
	if err != nil {
		o.reportError(err)
		return
	}
	o.checkLinkError(link, link.Start())
}

func (o *Orchestrator) handlePeerLeft(connectionID string) {
	o.lock.Lock()
	link := o.links[connectionID]
	delete(o.links, connectionID)
	peer, known := o.peers[connectionID]
	delete(o.peers, connectionID)
	onPeerLeft := o.onPeerLeft
	o.lock.Unlock()

	if link == nil && !known {
		return
	}
	if link != nil {
		link.Close()
		o.speaking.Remove(connectionID)
	}

	if !known {
		peer = signalling.PeerInfo{ConnectionID: connectionID}
	}
	if onPeerLeft != nil {
		onPeerLeft(peer)
	}
}

func (o *Orchestrator) createLink(remoteID string, role Role) (*PeerLink, error) {
	o.lock.RLock()
	localID := o.connectionID
	iceServers := o.iceServers
	state := o.mediaState
	mediaReady := o.mediaReady
	share := o.share
	o.lock.RUnlock()

	params := TransportParams{
		ICEServers: iceServers,
		Logger:     o.logger.WithValues("remoteID", remoteID),
	}
	if mediaReady {
		params.AudioTrack = o.params.Media.AudioTrack()
		params.VideoTrack = o.params.Media.CameraTrack()
		if share != nil {
			params.VideoTrack = share.track
		}
	}

	transport, err := o.params.NewTransport(params)
	if err != nil {
		return nil, errors.Wrap(ErrTransportFailure, err.Error())
	}

	link := newPeerLink(localID, remoteID, role, transport, o.send, o.logger)
	o.applyMediaState(link, state)

	transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		o.enqueue(func() {
			if o.getLink(remoteID) != link {
				return
			}
			if err := o.send(signalling.NewICECandidate(remoteID, candidate)); err != nil {
				o.logger.Debugw("could not send candidate", "remoteID", remoteID, "error", err)
			}
		})
	})
	transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		o.enqueue(func() {
			if o.getLink(remoteID) != link {
				return
			}
			o.logger.Debugw("peer connection state changed", "remoteID", remoteID, "state", s)
			o.checkLinkError(link, link.HandleConnectionState(s))
		})
	})
	transport.OnTrack(func(track *webrtc.TrackRemote) {
		o.enqueue(func() {
			if o.getLink(remoteID) != link {
				return
			}
			o.handleRemoteTrack(link, track)
		})
	})

	o.lock.Lock()
	o.links[remoteID] = link
	o.lock.Unlock()
	return link, nil
}

// applyMediaState brings a new link in line with the current local state.
func (o *Orchestrator) applyMediaState(link *PeerLink, state LocalMediaState) {
	t := link.Transport()
	if !state.AudioEnabled {
		o.checkLinkError(link, t.SetAudioEnabled(false))
	}
	if !state.VideoEnabled {
		o.checkLinkError(link, t.SetVideoEnabled(false))
	}
	if state.BitrateKbps > 0 {
		o.checkLinkError(link, t.SetMaxBitrate(state.BitrateKbps))
	}
}

func (o *Orchestrator) handleRemoteTrack(link *PeerLink, track *webrtc.TrackRemote) {
	link.addRemoteTrack(track)

	if track.Kind() == webrtc.RTPCodecTypeAudio && o.params.RemoteLevels != nil {
		o.speaking.Add(link.RemoteID(), o.params.RemoteLevels(track))
	}

	o.lock.RLock()
	onRemoteTrack := o.onRemoteTrack
	o.lock.RUnlock()
	if onRemoteTrack != nil {
		onRemoteTrack(link.RemoteID(), track)
	}
}

func (o *Orchestrator) restartLinks() {
	for _, link := range o.snapshotLinks() {
		o.checkLinkError(link, link.RestartICE())
	}
}

// forEachLink applies f to every link. A failing link does not stop the
// others.
func (o *Orchestrator) forEachLink(f func(t PeerTransport) error) {
	for _, link := range o.snapshotLinks() {
		o.checkLinkError(link, f(link.Transport()))
	}
}

func (o *Orchestrator) checkLinkError(link *PeerLink, err error) {
	if err == nil {
		return
	}
	o.logger.Warnw("peer link error", err, "remoteID", link.RemoteID(), "state", link.State())
	o.reportError(err)
}

func (o *Orchestrator) reportError(err error) {
	o.lock.RLock()
	onError := o.onError
	o.lock.RUnlock()
	if onError != nil {
		onError(err)
	}
}

func (o *Orchestrator) speakingChanged(id string, speaking bool) {
	o.lock.RLock()
	onSpeakingChanged := o.onSpeakingChanged
	o.lock.RUnlock()
	if onSpeakingChanged != nil {
		onSpeakingChanged(id, speaking)
	}
}

func (o *Orchestrator) getLink(remoteID string) *PeerLink {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.links[remoteID]
}

func (o *Orchestrator) snapshotLinks() []*PeerLink {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return funk.Values(o.links).([]*PeerLink)
}

func (o *Orchestrator) ConnectionID() string {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.connectionID
}

// PeerIDs returns the connection ids of the linked peers, sorted.
func (o *Orchestrator) PeerIDs() []string {
	o.lock.RLock()
	ids := funk.Keys(o.links).([]string)
	o.lock.RUnlock()
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) MediaState() LocalMediaState {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.mediaState
}

// LinkState returns the negotiation state and role of the link to remoteID.
func (o *Orchestrator) LinkState(remoteID string) (NegotiationState, Role, error) {
	var (
		state NegotiationState
		role  Role
	)
	err := o.run(func() error {
		link := o.getLink(remoteID)
		if link == nil {
			return errors.Errorf("no link to %s", remoteID)
		}
		state = link.State()
		role = link.Role()
		return nil
	})
	return state, role, err
}

func (o *Orchestrator) updateMediaState(f func(s *LocalMediaState)) LocalMediaState {
	o.lock.Lock()
	defer o.lock.Unlock()
	f(&o.mediaState)
	return o.mediaState
}

// ToggleAudio flips the outbound audio and returns the new value.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	var enabled bool
	err := o.run(func() error {
		state := o.updateMediaState(func(s *LocalMediaState) {
			s.AudioEnabled = !s.AudioEnabled
		})
		enabled = state.AudioEnabled
		o.forEachLink(func(t PeerTransport) error {
			return t.SetAudioEnabled(enabled)
		})
		return nil
	})
	return enabled, err
}

// ToggleVideo flips the outbound video and returns the new value.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	var enabled bool
	err := o.run(func() error {
		state := o.updateMediaState(func(s *LocalMediaState) {
			s.VideoEnabled = !s.VideoEnabled
		})
		enabled = state.VideoEnabled
		o.forEachLink(func(t PeerTransport) error {
			return t.SetVideoEnabled(enabled)
		})
		return nil
	})
	return enabled, err
}

// SetBitrate caps outbound video on every link, 0 removes the cap.
func (o *Orchestrator) SetBitrate(kbps uint32) error {
	return o.run(func() error {
		o.updateMediaState(func(s *LocalMediaState) {
			s.BitrateKbps = kbps
		})
		o.forEachLink(func(t PeerTransport) error {
			return t.SetMaxBitrate(kbps)
		})
		return nil
	})
}

// ShareScreen sends the screen instead of the camera on every link. Links
// keep their video sender, nothing is renegotiated.
func (o *Orchestrator) ShareScreen() error {
	return o.run(func() error {
		o.lock.RLock()
		sharing := o.share != nil
		o.lock.RUnlock()
		if sharing {
			return nil
		}

		track, ended, err := o.params.Media.StartScreen()
		if err != nil {
			return err
		}
		share := &screenShare{
			track: track,
			ended: ended,
			done:  make(chan struct{}),
		}
		o.lock.Lock()
		o.share = share
		o.mediaState.VideoSource = VideoSourceScreen
		o.lock.Unlock()

		o.forEachLink(func(t PeerTransport) error {
			return t.ReplaceVideoTrack(track)
		})
		go o.watchScreen(share)
		return nil
	})
}

func (o *Orchestrator) watchScreen(share *screenShare) {
	select {
	case <-share.ended:
		o.enqueue(func() {
			o.lock.RLock()
			current := o.share == share
			o.lock.RUnlock()
			if current {
				o.logger.Infow("screen capture ended, reverting to camera")
				o.stopShare()
			}
		})
	case <-share.done:
	case <-o.closed.Watch():
	}
}

// StopShare goes back to the camera.
func (o *Orchestrator) StopShare() error {
	return o.run(func() error {
		o.stopShare()
		return nil
	})
}

func (o *Orchestrator) stopShare() {
	o.lock.Lock()
	share := o.share
	o.share = nil
	o.mediaState.VideoSource = VideoSourceCamera
	o.lock.Unlock()
	if share == nil {
		return
	}

	close(share.done)
	o.params.Media.StopScreen()
	camera := o.params.Media.CameraTrack()
	o.forEachLink(func(t PeerTransport) error {
		return t.ReplaceVideoTrack(camera)
	})
}

// RestartICE asks every peer to restart and restarts every link locally.
func (o *Orchestrator) RestartICE() error {
	return o.run(func() error {
		err := o.send(signalling.NewICERestart())
		o.restartLinks()
		return err
	})
}

func (o *Orchestrator) SendStats(metrics map[string]interface{}) error {
	return o.send(signalling.NewStats(metrics))
}

// Broadcast sends payload to every other participant of the room.
func (o *Orchestrator) Broadcast(payload json.RawMessage) error {
	return o.send(signalling.NewBroadcast(payload))
}

// CollectStats sums transport stats over all links.
func (o *Orchestrator) CollectStats() map[string]interface{} {
	links := o.snapshotLinks()

	var (
		sent, received uint64
		dropped        uint64
		rttSum         float64
		rttCount       int
	)
	for _, link := range links {
		s := link.Transport().Stats()
		sent += s.BytesSent
		received += s.BytesReceived
		dropped += s.PacketsDropped
		if s.RoundTripTime > 0 {
			rttSum += s.RoundTripTime
			rttCount++
		}
	}

	state := o.MediaState()
	metrics := map[string]interface{}{
		"peers":          len(links),
		"bytesSent":      sent,
		"bytesReceived":  received,
		"packetsDropped": dropped,
		"audioEnabled":   state.AudioEnabled,
		"videoEnabled":   state.VideoEnabled,
		"videoSource":    state.VideoSource.String(),
	}
	if rttCount > 0 {
		metrics["roundTripTime"] = rttSum / float64(rttCount)
	}
	return metrics
}

// Leave tears the session down. No relay message is sent once Leave has
// started. Safe to call more than once.
func (o *Orchestrator) Leave() {
	o.sendLock.Lock()
	if o.closed.IsBroken() {
		o.sendLock.Unlock()
		return
	}
	o.closed.Break()
	relay := o.relay
	o.sendLock.Unlock()

	o.ops.Stop()

	if relay != nil {
		if err := relay.Close(); err != nil {
			o.logger.Debugw("could not close relay", "error", err)
		}
	}

	// waits for a running operation
	o.opLock.Lock()
	o.lock.Lock()
	links := funk.Values(o.links).([]*PeerLink)
	o.links = make(map[string]*PeerLink)
	o.peers = make(map[string]signalling.PeerInfo)
	o.share = nil
	o.lock.Unlock()
	for _, link := range links {
		link.Close()
	}
	o.opLock.Unlock()

	o.speaking.Stop()
	o.params.Media.Release()
	o.logger.Infow("left room")
}
