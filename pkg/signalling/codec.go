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

	"github.com/pkg/errors"
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnknownType       = errors.New("unknown message type")
)

// NormalizeType maps aliases onto the canonical message type.
func NormalizeType(t MessageType) MessageType {
	if t == messageTypeRestartICE {
		return MessageTypeICERestart
	}
	return t
}

func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(ErrProtocolViolation, err.Error())
	}
	if msg.Type == "" {
		return nil, errors.Wrap(ErrProtocolViolation, "type missing")
	}
	msg.Type = NormalizeType(msg.Type)
	return msg, nil
}

func Encode(msg *Message) ([]byte, error) {
	if msg.Type != MessageTypeWelcome {
		return json.Marshal(msg)
	}

	// welcome always carries both lists, even when empty
	type welcome struct {
		Type         MessageType `json:"type"`
		ConnectionID string      `json:"connectionId"`
		ICEServers   []ICEServer `json:"iceServers"`
		Peers        []PeerInfo  `json:"peers"`
	}
	w := welcome{
		Type:         msg.Type,
		ConnectionID: msg.ConnectionID,
		ICEServers:   msg.ICEServers,
		Peers:        msg.Peers,
	}
	if w.ICEServers == nil {
		w.ICEServers = []ICEServer{}
	}
	if w.Peers == nil {
		w.Peers = []PeerInfo{}
	}
	return json.Marshal(w)
}

// ValidateRequest checks a message sent by a participant to the relay.
func ValidateRequest(msg *Message) error {
	switch msg.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if msg.To == "" {
			return errors.Wrapf(ErrProtocolViolation, "%s without target", msg.Type)
		}
		return validatePayload(msg)
	case MessageTypeICERestart:
		return nil
	case MessageTypeStats:
		if msg.Metrics == nil {
			return errors.Wrap(ErrProtocolViolation, "stats without metrics")
		}
		return nil
	case MessageTypeBroadcast:
		if len(msg.Payload) == 0 {
			return errors.Wrap(ErrProtocolViolation, "broadcast without payload")
		}
		return nil
	default:
		return errors.Wrapf(ErrUnknownType, "%q", msg.Type)
	}
}

// ValidateResponse checks a message delivered by the relay to a participant.
func ValidateResponse(msg *Message) error {
	switch msg.Type {
	case MessageTypeWelcome:
		if msg.ConnectionID == "" {
			return errors.Wrap(ErrProtocolViolation, "welcome without connection id")
		}
		return nil
	case MessageTypePresence:
		if msg.ConnectionID == "" {
			return errors.Wrap(ErrProtocolViolation, "presence without connection id")
		}
		if msg.Event != PresenceJoin && msg.Event != PresenceLeave {
			return errors.Wrapf(ErrProtocolViolation, "presence event %q", msg.Event)
		}
		return nil
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if msg.From == "" {
			return errors.Wrapf(ErrProtocolViolation, "%s without sender", msg.Type)
		}
		return validatePayload(msg)
	case MessageTypeICERestart, MessageTypeSignal:
		return nil
	default:
		return errors.Wrapf(ErrUnknownType, "%q", msg.Type)
	}
}

func validatePayload(msg *Message) error {
	switch msg.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if msg.SDP == nil || msg.SDP.SDP == "" {
			return errors.Wrapf(ErrProtocolViolation, "%s without sdp", msg.Type)
		}
	case MessageTypeICECandidate:
		if msg.Candidate == nil {
			return errors.Wrap(ErrProtocolViolation, "ice-candidate without candidate")
		}
	}
	return nil
}
