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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ua-parser/uap-go/uaparser"

	"github.com/livekit/meshrelay/pkg/auth"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/rooms"
	"github.com/livekit/meshrelay/pkg/telemetry"
	"github.com/livekit/meshrelay/pkg/utils"
)

const (
	defaultDisplayName = "Guest"
	maxRequestBody     = 64 * 1024
)

type CreateRoomRequest struct {
	RoomID string                 `json:"roomId,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

type JoinRoomRequest struct {
	DisplayName string `json:"displayName,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

type JoinRoomResponse struct {
	Token       string `json:"token"`
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type RoomDetails struct {
	RoomID       string                 `json:"roomId"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	Participants int                    `json:"participants"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// RoomService serves the /api routes: room creation, credential issuance and
// participant bookkeeping.
type RoomService struct {
	store     ObjectStore
	registry  *rooms.Registry
	issuer    auth.TokenIssuer
	telemetry telemetry.TelemetryService
	uaParser  *uaparser.Parser
	logger    logger.Logger
}

func NewRoomService(
	store ObjectStore,
	registry *rooms.Registry,
	issuer auth.TokenIssuer,
	ts telemetry.TelemetryService,
) *RoomService {
	return &RoomService{
		store:     store,
		registry:  registry,
		issuer:    issuer,
		telemetry: ts,
		uaParser:  uaparser.NewFromSaved(),
		logger:    logger.GetLogger().WithName("roomservice"),
	}
}

func (s *RoomService) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("POST /api/rooms", s.createRoom)
	mux.HandleFunc("GET /api/rooms/{roomId}", s.getRoom)
	mux.HandleFunc("GET /api/rooms/{roomId}/stats", s.roomStats)
	mux.HandleFunc("POST /api/rooms/{roomId}/join", s.joinRoom)
	mux.HandleFunc("POST /api/rooms/{roomId}/leave", s.leaveRoom)
}

func (s *RoomService) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &okResponse{OK: true})
}

func (s *RoomService) createRoom(w http.ResponseWriter, r *http.Request) {
	req := CreateRoomRequest{}
	if err := decodeBody(r, &req); err != nil {
		handleError(w, r, http.StatusBadRequest, err)
		return
	}

	room := &RoomInfo{
		RoomID: req.RoomID,
		Meta:   req.Meta,
	}
	if room.RoomID == "" {
		room.RoomID = utils.NewRoomID()
	} else if existing, err := s.store.LoadRoom(r.Context(), room.RoomID); err == nil {
		// recreating keeps the original creation time
		room.CreatedAt = existing.CreatedAt
	}

	if err := s.store.StoreRoom(r.Context(), room); err != nil {
		handleError(w, r, http.StatusBadRequest, err)
		return
	}
	s.telemetry.RoomCreated(room.RoomID)

	writeJSON(w, http.StatusOK, &CreateRoomResponse{RoomID: room.RoomID})
}

func (s *RoomService) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	room, err := s.store.LoadRoom(r.Context(), roomID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		handleError(w, r, status, err, "roomID", roomID)
		return
	}

	writeJSON(w, http.StatusOK, &RoomDetails{
		RoomID:       room.RoomID,
		Meta:         room.Meta,
		CreatedAt:    room.CreatedAt,
		Participants: s.registry.MemberCount(roomID),
	})
}

func (s *RoomService) roomStats(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	records, err := s.store.ListStats(r.Context(), roomID)
	if err != nil {
		handleError(w, r, http.StatusBadRequest, err, "roomID", roomID)
		return
	}
	if records == nil {
		records = []*telemetry.StatRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *RoomService) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	req := JoinRoomRequest{}
	if err := decodeBody(r, &req); err != nil {
		handleError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = defaultDisplayName
	}
	if req.UserID == "" {
		req.UserID = utils.NewSubjectID()
	}

	p := &ParticipantInfo{
		RoomID:      roomID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		UserAgent:   r.UserAgent(),
		JoinedAt:    time.Now(),
	}
	if p.UserAgent != "" {
		client := s.uaParser.Parse(p.UserAgent)
		p.Browser = client.UserAgent.Family
		p.OS = client.Os.Family
	}
	if err := s.store.UpsertParticipant(r.Context(), p); err != nil {
		handleError(w, r, http.StatusBadRequest, err, "roomID", roomID)
		return
	}

	token, err := s.issuer.Issue(roomID, req.UserID, req.DisplayName)
	if err != nil {
		handleError(w, r, http.StatusBadRequest, err, "roomID", roomID)
		return
	}
	s.telemetry.ParticipantJoined(roomID, req.UserID)

	writeJSON(w, http.StatusOK, &JoinRoomResponse{
		Token:       token,
		RoomID:      roomID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
	})
}

func (s *RoomService) leaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	claims, err := EnsureRoomPermission(r.Context(), roomID)
	if err != nil {
		handleError(w, r, http.StatusUnauthorized, err, "roomID", roomID)
		return
	}

	err = s.store.MarkParticipantLeft(r.Context(), roomID, claims.Subject)
	if err != nil && !errors.Is(err, ErrParticipantNotFound) {
		handleError(w, r, http.StatusBadRequest, err, "roomID", roomID)
		return
	}
	s.logger.Debugw("participant left", "roomID", roomID, "userID", claims.Subject)

	writeJSON(w, http.StatusOK, &okResponse{OK: true})
}

// decodeBody accepts an empty body, all request fields are optional.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return ErrInvalidRequestBody
	}
	return nil
}
