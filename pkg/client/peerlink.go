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
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
)

// PeerLink negotiates and holds the transport to one remote peer. It is not
// safe for concurrent use, the orchestrator drives every link from its ops
// queue.
type PeerLink struct {
	remoteID  string
	role      Role
	polite    bool
	state     NegotiationState
	transport PeerTransport
	send      func(msg *signalling.Message) error
	logger    logger.Logger

	connectionState webrtc.PeerConnectionState
	remoteTracks    []*webrtc.TrackRemote
	closed          bool
}

func newPeerLink(
	localID, remoteID string,
	role Role,
	transport PeerTransport,
	send func(msg *signalling.Message) error,
	l logger.Logger,
) *PeerLink {
	return &PeerLink{
		remoteID:  remoteID,
		role:      role,
		polite:    localID < remoteID,
		state:     NegotiationStateIdle,
		transport: transport,
		send:      send,
		logger:    l.WithValues("remoteID", remoteID),
	}
}

func (l *PeerLink) RemoteID() string {
	return l.remoteID
}

func (l *PeerLink) Role() Role {
	return l.role
}

func (l *PeerLink) State() NegotiationState {
	return l.state
}

func (l *PeerLink) ConnectionState() webrtc.PeerConnectionState {
	return l.connectionState
}

func (l *PeerLink) RemoteTracks() []*webrtc.TrackRemote {
	return l.remoteTracks
}

func (l *PeerLink) Transport() PeerTransport {
	return l.transport
}

func (l *PeerLink) Start() error {
	return l.handle(eventStart, nil)
}

func (l *PeerLink) HandleOffer(msg *signalling.Message) error {
	return l.handle(eventRemoteOffer, msg)
}

func (l *PeerLink) HandleAnswer(msg *signalling.Message) error {
	return l.handle(eventRemoteAnswer, msg)
}

func (l *PeerLink) HandleCandidate(msg *signalling.Message) error {
	return l.handle(eventRemoteCandidate, msg)
}

func (l *PeerLink) RestartICE() error {
	return l.handle(eventRestartRequested, nil)
}

func (l *PeerLink) HandleConnectionState(state webrtc.PeerConnectionState) error {
	l.connectionState = state
	switch state {
	case webrtc.PeerConnectionStateFailed:
		return l.handle(eventTransportFailed, nil)
	case webrtc.PeerConnectionStateConnected:
		return l.handle(eventTransportConnected, nil)
	}
	return nil
}

func (l *PeerLink) addRemoteTrack(track *webrtc.TrackRemote) {
	l.remoteTracks = append(l.remoteTracks, track)
}

// handle runs the action for event and only then commits the next state, a
// failed action leaves the link where it was.
func (l *PeerLink) handle(event negotiationEvent, msg *signalling.Message) error {
	if l.closed {
		return ErrTransportClosed
	}

	prev := l.state
	next, action := nextState(prev, l.role, l.polite, event)
	if err := l.perform(action, event, prev, msg); err != nil {
		return err
	}

	l.state = next
	if prev != next {
		l.logger.Debugw("negotiation state changed", "event", event, "from", prev, "to", next)
	}
	if action == actionAnswer && next == NegotiationStateOfferReceived {
		return l.handle(eventAnswerSent, nil)
	}
	return nil
}

func (l *PeerLink) perform(action negotiationAction, event negotiationEvent, prev NegotiationState, msg *signalling.Message) error {
	switch action {
	case actionSendOffer:
		offer, err := l.transport.CreateOffer()
		if err != nil {
			return err
		}
		return l.send(signalling.NewOffer(l.remoteID, offer))

	case actionAnswer:
		answer, err := l.transport.CreateAnswer(*msg.SDP)
		if err != nil {
			return err
		}
		if err = l.send(signalling.NewAnswer(l.remoteID, answer)); err != nil {
			return err
		}
		if prev == NegotiationStateOfferSent {
			// our offer was discarded, the remote drives negotiation from now on
			l.role = RoleResponder
		}

	case actionApplyAnswer:
		return l.transport.SetRemoteAnswer(*msg.SDP)

	case actionAddCandidate:
		return l.transport.AddICECandidate(*msg.Candidate)

	case actionRestartICE:
		if l.role != RoleInitiator {
			// the initiator sends the restart offer, it is answered like any other
			return nil
		}
		offer, err := l.transport.RestartICE()
		if err != nil {
			return err
		}
		return l.send(signalling.NewOffer(l.remoteID, offer))

	case actionIgnore:
		l.logger.Debugw("ignoring negotiation event", "event", event, "state", prev, "role", l.role)
	}
	return nil
}

func (l *PeerLink) Close() {
	if l.closed {
		return
	}
	l.closed = true
	if err := l.transport.Close(); err != nil {
		l.logger.Warnw("could not close transport", errors.Wrap(ErrTransportFailure, err.Error()))
	}
}
