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
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/livekit/meshrelay/pkg/auth"
	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/rooms"
	"github.com/livekit/meshrelay/pkg/telemetry"
	"github.com/livekit/meshrelay/pkg/telemetry/prometheus"
	"github.com/livekit/meshrelay/pkg/utils"
)

const tokenParam = "token"

// SignalService upgrades /ws requests into relay sessions.
type SignalService struct {
	conf      *config.Config
	registry  *rooms.Registry
	verifier  auth.TokenVerifier
	telemetry telemetry.TelemetryService
	store     RoomStore
	ice       ICEServerSource
	upgrader  websocket.Upgrader
	logger    logger.Logger

	lock     sync.Mutex
	sessions map[string]*RelaySession
	stopped  bool
}

func NewSignalService(
	conf *config.Config,
	registry *rooms.Registry,
	verifier auth.TokenVerifier,
	ts telemetry.TelemetryService,
	store RoomStore,
	ice ICEServerSource,
) *SignalService {
	s := &SignalService{
		conf:      conf,
		registry:  registry,
		verifier:  verifier,
		telemetry: ts,
		store:     store,
		ice:       ice,
		upgrader:  websocket.Upgrader{},
		logger:    logger.GetLogger().WithName("signal"),
		sessions:  make(map[string]*RelaySession),
	}

	// allow connections from any origin, since the client may be hosted anywhere
	// security is enforced by room tokens
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

func (s *SignalService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.FormValue(tokenParam)
	if token == "" {
		// a malformed header is treated like a missing token
		token, _ = tokenFromRequest(r)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the http error
		s.logger.Warnw("could not upgrade to websocket", err, "remote", GetClientIP(r))
		return
	}
	prometheus.WSConnected()

	connID := utils.NewGuid(utils.ConnectionPrefix)
	l := s.logger.WithValues("connectionID", connID)
	session := NewRelaySession(RelaySessionParams{
		ConnectionID: connID,
		Conn:         NewWSSignalConnection(conn, s.conf.Signal, l),
		Registry:     s.registry,
		Verifier:     s.verifier,
		Telemetry:    s.telemetry,
		Store:        s.store,
		ICEServers:   s.ice,
		Limiter:      s.newLimiter(),
		Logger:       s.logger,
	})

	if !s.track(session) {
		session.Close(websocket.CloseGoingAway, "")
		return
	}
	defer s.untrack(session)

	session.Run(token)
}

func (s *SignalService) newLimiter() *rate.Limiter {
	if s.conf.Signal.MessageRate <= 0 {
		return nil
	}
	burst := s.conf.Signal.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.conf.Signal.MessageRate), burst)
}

func (s *SignalService) track(session *RelaySession) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return false
	}
	s.sessions[session.ConnectionID()] = session
	return true
}

func (s *SignalService) untrack(session *RelaySession) {
	s.lock.Lock()
	delete(s.sessions, session.ConnectionID())
	s.lock.Unlock()
}

func (s *SignalService) SessionCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions)
}

// Stop closes every live session and refuses new ones. Each session goes
// through its normal close path.
func (s *SignalService) Stop() {
	s.lock.Lock()
	s.stopped = true
	sessions := make([]*RelaySession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.lock.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(session *RelaySession) {
			defer wg.Done()
			session.Close(websocket.CloseGoingAway, "server shutting down")
		}(session)
	}
	wg.Wait()
}
