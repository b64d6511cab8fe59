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

package signalling

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

type MessageType string

// CloseUnauthorized is the websocket close code sent when a relay token is
// rejected.
const CloseUnauthorized = 4001

const (
	MessageTypeWelcome      MessageType = "welcome"
	MessageTypePresence     MessageType = "presence"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
	MessageTypeICERestart   MessageType = "ice-restart"
	MessageTypeStats        MessageType = "stats"
	MessageTypeBroadcast    MessageType = "broadcast"
	MessageTypeSignal       MessageType = "signal"

	// older browser clients
	messageTypeRestartICE MessageType = "restart-ice"
)

type PresenceEvent string

const (
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
)

// PeerInfo describes one member of a room roster.
type PeerInfo struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
}

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls,omitempty"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

func (s ICEServer) ToWebRTC() webrtc.ICEServer {
	is := webrtc.ICEServer{
		URLs:     s.URLs,
		Username: s.Username,
	}
	if s.Credential != "" {
		is.Credential = s.Credential
		is.CredentialType = webrtc.ICECredentialTypePassword
	}
	return is
}

// Message is the envelope for every relay message. Which fields are set
// depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// targeted negotiation
	To        string                     `json:"to,omitempty"`
	From      string                     `json:"from,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// welcome and presence
	ConnectionID string        `json:"connectionId,omitempty"`
	ICEServers   []ICEServer   `json:"iceServers,omitempty"`
	Peers        []PeerInfo    `json:"peers,omitempty"`
	Event        PresenceEvent `json:"event,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	DisplayName  string        `json:"displayName,omitempty"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
	Payload json.RawMessage        `json:"payload,omitempty"`
}

func NewWelcome(connectionID string, iceServers []ICEServer, peers []PeerInfo) *Message {
	return &Message{
		Type:         MessageTypeWelcome,
		ConnectionID: connectionID,
		ICEServers:   iceServers,
		Peers:        peers,
	}
}

func NewPresence(event PresenceEvent, peer PeerInfo) *Message {
	return &Message{
		Type:         MessageTypePresence,
		Event:        event,
		ConnectionID: peer.ConnectionID,
		UserID:       peer.UserID,
		DisplayName:  peer.DisplayName,
	}
}

func NewOffer(to string, sdp webrtc.SessionDescription) *Message {
	return &Message{Type: MessageTypeOffer, To: to, SDP: &sdp}
}

func NewAnswer(to string, sdp webrtc.SessionDescription) *Message {
	return &Message{Type: MessageTypeAnswer, To: to, SDP: &sdp}
}

func NewICECandidate(to string, candidate webrtc.ICECandidateInit) *Message {
	return &Message{Type: MessageTypeICECandidate, To: to, Candidate: &candidate}
}

func NewICERestart() *Message {
	return &Message{Type: MessageTypeICERestart}
}

func NewStats(metrics map[string]interface{}) *Message {
	return &Message{Type: MessageTypeStats, Metrics: metrics}
}

func NewBroadcast(payload json.RawMessage) *Message {
	return &Message{Type: MessageTypeBroadcast, Payload: payload}
}

func NewSignal(from string, payload json.RawMessage) *Message {
	return &Message{Type: MessageTypeSignal, From: from, Payload: payload}
}

// Peer returns the roster entry described by a presence message.
func (m *Message) Peer() PeerInfo {
	return PeerInfo{
		ConnectionID: m.ConnectionID,
		UserID:       m.UserID,
		DisplayName:  m.DisplayName,
	}
}

// IsTargeted reports whether the message must be routed to a single peer.
func (m *Message) IsTargeted() bool {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	}
	return false
}

// WithFrom returns a copy stamped with the sender and without the target.
func (m *Message) WithFrom(from string) *Message {
	out := *m
	out.From = from
	out.To = ""
	return &out
}
