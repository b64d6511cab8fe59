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

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/livekit/meshrelay/pkg/auth"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/rooms"
	"github.com/livekit/meshrelay/pkg/signalling"
	"github.com/livekit/meshrelay/pkg/telemetry"
	"github.com/livekit/meshrelay/pkg/telemetry/prometheus"
	"github.com/livekit/meshrelay/pkg/utils"
)

const (
	storeTimeout      = 5 * time.Second
	iceServersTimeout = 6 * time.Second
)

var ErrSessionNotAuthenticated = errors.New("session not authenticated")

// SignalConnection is the transport a relay session talks through.
type SignalConnection interface {
	ReadMessage() (*signalling.Message, error)
	SendMessage(msg *signalling.Message) error
	Close(code int, reason string)
}

type SessionState int32

const (
	SessionStateConnecting SessionState = iota
	SessionStateAuthenticated
	SessionStateActive
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateConnecting:
		return "CONNECTING"
	case SessionStateAuthenticated:
		return "AUTHENTICATED"
	case SessionStateActive:
		return "ACTIVE"
	case SessionStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type RelaySessionParams struct {
	ConnectionID string
	Conn         SignalConnection
	Registry     *rooms.Registry
	Verifier     auth.TokenVerifier
	Telemetry    telemetry.TelemetryService
	Store        RoomStore
	ICEServers   ICEServerSource
	// nil disables inbound rate limiting
	Limiter *rate.Limiter
	Logger  logger.Logger
}

// RelaySession is the server side of one participant's relay socket. It
// moves through CONNECTING, AUTHENTICATED, ACTIVE and CLOSED, and only an
// ACTIVE session is visible in the registry.
type RelaySession struct {
	params    RelaySessionParams
	logger    logger.Logger
	throttled utils.CountedLogger

	state    atomic.Int32
	claims   *auth.RoomClaims
	joinedAt time.Time

	closeOnce sync.Once
}

func NewRelaySession(params RelaySessionParams) *RelaySession {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	l := params.Logger.WithValues("connectionID", params.ConnectionID)
	return &RelaySession{
		params:    params,
		logger:    l,
		throttled: utils.NewPeriodicLogger(l, zapcore.WarnLevel, utils.PeriodicLoggerParams{Initial: 5, Then: 100}),
	}
}

func (s *RelaySession) ConnectionID() string {
	return s.params.ConnectionID
}

func (s *RelaySession) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *RelaySession) Claims() *auth.RoomClaims {
	return s.claims
}

// Authenticate validates the room token. A rejected token closes the socket
// with 4001 before anything else happens.
func (s *RelaySession) Authenticate(token string) error {
	if token == "" {
		s.reject(ErrMissingAuthorization)
		return ErrMissingAuthorization
	}
	claims, err := s.params.Verifier.Verify(token)
	if err != nil {
		s.reject(err)
		return err
	}

	s.claims = claims
	s.logger = s.logger.WithValues("roomID", claims.RoomID, "userID", claims.Subject)
	if !s.state.CompareAndSwap(int32(SessionStateConnecting), int32(SessionStateAuthenticated)) {
		return ErrConnectionClosed
	}
	return nil
}

func (s *RelaySession) reject(err error) {
	s.logger.Infow("rejecting relay session", "error", err)
	s.state.Store(int32(SessionStateClosed))
	s.params.Conn.Close(CloseUnauthorized, closeReasonUnauthorized)
}

// Join registers the session in its room. The welcome reaches this
// connection before any message from the room does, then the rest of the
// room learns about the new peer.
func (s *RelaySession) Join() error {
	if s.State() != SessionStateAuthenticated {
		return ErrSessionNotAuthenticated
	}

	connID := s.params.ConnectionID
	var iceServers []signalling.ICEServer
	if s.params.ICEServers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), iceServersTimeout)
		iceServers = s.params.ICEServers.ICEServers(ctx, s.claims.RoomID)
		cancel()
	}
	roster, err := s.params.Registry.RegisterWithWelcome(
		s.claims.RoomID,
		connID,
		s.claims.Subject,
		s.claims.DisplayName,
		s.params.Conn,
		func(roster []signalling.PeerInfo) *signalling.Message {
			return signalling.NewWelcome(connID, iceServers, roster)
		},
	)
	if err != nil {
		s.logger.Warnw("could not join room", err)
		s.state.Store(int32(SessionStateClosed))
		s.params.Conn.Close(websocket.CloseInternalServerErr, "")
		return err
	}

	s.joinedAt = time.Now()
	if !s.state.CompareAndSwap(int32(SessionStateAuthenticated), int32(SessionStateActive)) {
		// closed while registering
		s.params.Registry.Deregister(s.claims.RoomID, connID)
		return ErrConnectionClosed
	}
	s.logger.Infow("participant joined", "peers", len(roster))

	s.params.Registry.Broadcast(s.claims.RoomID, signalling.NewPresence(signalling.PresenceJoin, s.peer()), connID)
	s.updateRoomStats()
	return nil
}

// Run drives the session until the socket goes away.
func (s *RelaySession) Run(token string) {
	if err := s.Authenticate(token); err != nil {
		return
	}
	if err := s.Join(); err != nil {
		return
	}

	for {
		msg, err := s.params.Conn.ReadMessage()
		if err != nil {
			if errors.Is(err, signalling.ErrProtocolViolation) {
				s.logger.Warnw("ignoring malformed message", err)
				prometheus.RecordMessage("unknown", prometheus.StatusInvalid)
				continue
			}
			if !IsWebSocketCloseError(err) {
				s.logger.Infow("relay socket read failed", "error", err)
			}
			break
		}

		if s.params.Limiter != nil && !s.params.Limiter.Allow() {
			s.throttled.ErrorLog("dropping message over rate limit", signalling.ErrProtocolViolation, "type", msg.Type)
			prometheus.RecordMessage(string(msg.Type), prometheus.StatusDropped)
			continue
		}

		s.HandleMessage(msg)
	}

	s.Close(websocket.CloseNormalClosure, "")
}

// HandleMessage processes one inbound message of an active session.
func (s *RelaySession) HandleMessage(msg *signalling.Message) {
	if s.State() != SessionStateActive {
		return
	}

	msgType := string(msg.Type)
	if err := signalling.ValidateRequest(msg); err != nil {
		if errors.Is(err, signalling.ErrUnknownType) {
			s.logger.Debugw("ignoring unknown message", "type", msg.Type)
		} else {
			s.logger.Warnw("ignoring invalid message", err, "type", msg.Type)
		}
		prometheus.RecordMessage(msgType, prometheus.StatusInvalid)
		return
	}

	roomID := s.claims.RoomID
	connID := s.params.ConnectionID

	switch msg.Type {
	case signalling.MessageTypeOffer, signalling.MessageTypeAnswer, signalling.MessageTypeICECandidate:
		if !s.params.Registry.Route(roomID, msg.To, msg.WithFrom(connID)) {
			// the target left, its presence leave is already on the way
			s.logger.Debugw("dropping message for absent peer", "type", msg.Type, "to", msg.To)
			prometheus.RecordMessage(msgType, prometheus.StatusRouteMiss)
			return
		}

	case signalling.MessageTypeICERestart:
		s.params.Registry.Broadcast(roomID, signalling.NewICERestart().WithFrom(connID), connID)

	case signalling.MessageTypeStats:
		if s.params.Telemetry != nil {
			s.params.Telemetry.ClientStats(roomID, connID, msg.Metrics)
		}

	case signalling.MessageTypeBroadcast:
		s.params.Registry.Broadcast(roomID, signalling.NewSignal(connID, msg.Payload), connID)
	}
	prometheus.RecordMessage(msgType, prometheus.StatusSuccess)
}

// Close ends the session. An active session leaves its room, the rest of
// the room is told and the departure is recorded. Safe to call repeatedly.
func (s *RelaySession) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		prev := SessionState(s.state.Swap(int32(SessionStateClosed)))
		if prev == SessionStateActive {
			s.leave()
		}
		s.params.Conn.Close(code, reason)
	})
}

func (s *RelaySession) leave() {
	roomID := s.claims.RoomID
	connID := s.params.ConnectionID

	if !s.params.Registry.Deregister(roomID, connID) {
		return
	}
	s.params.Registry.Broadcast(roomID, signalling.NewPresence(signalling.PresenceLeave, s.peer()), connID)
	s.updateRoomStats()

	duration := time.Since(s.joinedAt)
	s.logger.Infow("participant left", "duration", duration)
	if s.params.Telemetry != nil {
		s.params.Telemetry.ParticipantLeft(roomID, connID, s.claims.Subject, duration)
	}

	if s.params.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		err := s.params.Store.MarkParticipantLeft(ctx, roomID, s.claims.Subject)
		if err != nil && !errors.Is(err, ErrParticipantNotFound) {
			s.logger.Warnw("could not mark participant left", err)
		}
	}
}

func (s *RelaySession) peer() signalling.PeerInfo {
	return signalling.PeerInfo{
		ConnectionID: s.params.ConnectionID,
		UserID:       s.claims.Subject,
		DisplayName:  s.claims.DisplayName,
	}
}

func (s *RelaySession) updateRoomStats() {
	prometheus.SetRoomStats(s.params.Registry.RoomCount(), s.params.Registry.ConnectionCount())
}
