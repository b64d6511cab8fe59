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
	"fmt"
)

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "INITIATOR"
	case RoleResponder:
		return "RESPONDER"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

type NegotiationState int

const (
	NegotiationStateIdle NegotiationState = iota
	NegotiationStateOfferSent
	NegotiationStateOfferReceived
	NegotiationStateStable
	NegotiationStateRecovering
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationStateIdle:
		return "IDLE"
	case NegotiationStateOfferSent:
		return "OFFER_SENT"
	case NegotiationStateOfferReceived:
		return "OFFER_RECEIVED"
	case NegotiationStateStable:
		return "STABLE"
	case NegotiationStateRecovering:
		return "RECOVERING"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type negotiationEvent int

const (
	eventStart negotiationEvent = iota
	eventRemoteOffer
	eventRemoteAnswer
	eventRemoteCandidate
	eventAnswerSent
	eventTransportFailed
	eventTransportConnected
	eventRestartRequested
)

func (e negotiationEvent) String() string {
	switch e {
	case eventStart:
		return "start"
	case eventRemoteOffer:
		return "remote-offer"
	case eventRemoteAnswer:
		return "remote-answer"
	case eventRemoteCandidate:
		return "remote-candidate"
	case eventAnswerSent:
		return "answer-sent"
	case eventTransportFailed:
		return "transport-failed"
	case eventTransportConnected:
		return "transport-connected"
	case eventRestartRequested:
		return "restart-requested"
	default:
		return fmt.Sprintf("%d", int(e))
	}
}

type negotiationAction int

const (
	actionNone negotiationAction = iota
	actionSendOffer
	actionAnswer
	actionApplyAnswer
	actionAddCandidate
	actionRestartICE
	actionIgnore
)

func (a negotiationAction) String() string {
	switch a {
	case actionNone:
		return "none"
	case actionSendOffer:
		return "send-offer"
	case actionAnswer:
		return "answer"
	case actionApplyAnswer:
		return "apply-answer"
	case actionAddCandidate:
		return "add-candidate"
	case actionRestartICE:
		return "restart-ice"
	case actionIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("%d", int(a))
	}
}

// nextState is the negotiation transition function. When two initiators
// offer to each other at once, the polite side answers the remote offer and
// the other side ignores it and keeps waiting for its answer.
//
// A restart never goes back to OfferSent: the ICE restart offer of the
// initiator is answered on the Stable or Recovering path.
func nextState(state NegotiationState, role Role, polite bool, event negotiationEvent) (NegotiationState, negotiationAction) {
	if event == eventRemoteCandidate {
		return state, actionAddCandidate
	}

	switch state {
	case NegotiationStateIdle:
		switch event {
		case eventStart:
			if role == RoleInitiator {
				return NegotiationStateOfferSent, actionSendOffer
			}
		case eventRemoteOffer:
			return NegotiationStateOfferReceived, actionAnswer
		}

	case NegotiationStateOfferSent:
		switch event {
		case eventRemoteAnswer:
			return NegotiationStateStable, actionApplyAnswer
		case eventRemoteOffer:
			if polite {
				return NegotiationStateOfferReceived, actionAnswer
			}
		}

	case NegotiationStateOfferReceived:
		if event == eventAnswerSent {
			return NegotiationStateStable, actionNone
		}

	case NegotiationStateStable:
		switch event {
		case eventRemoteOffer:
			return NegotiationStateStable, actionAnswer
		case eventTransportFailed, eventRestartRequested:
			return NegotiationStateRecovering, actionRestartICE
		case eventTransportConnected:
			return NegotiationStateStable, actionNone
		}

	case NegotiationStateRecovering:
		switch event {
		case eventTransportFailed, eventRestartRequested:
			return NegotiationStateRecovering, actionRestartICE
		case eventRemoteOffer:
			return NegotiationStateRecovering, actionAnswer
		case eventRemoteAnswer:
			return NegotiationStateRecovering, actionApplyAnswer
		case eventTransportConnected:
			return NegotiationStateStable, actionNone
		}
	}
	return state, actionIgnore
}
