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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/meshrelay/pkg/service"
	"github.com/livekit/meshrelay/pkg/telemetry"
)

// RoomClient calls the REST API of a meshrelay server.
type RoomClient struct {
	host string
	http *http.Client
}

func NewRoomClient(host string) *RoomClient {
	return &RoomClient{
		host: strings.TrimSuffix(host, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RoomClient) CreateRoom(ctx context.Context, req *service.CreateRoomRequest) (*service.CreateRoomResponse, error) {
	res := &service.CreateRoomResponse{}
	if err := c.do(ctx, http.MethodPost, "/api/rooms", "", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RoomClient) GetRoom(ctx context.Context, roomID string) (*service.RoomDetails, error) {
	res := &service.RoomDetails{}
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), "", nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RoomClient) RoomStats(ctx context.Context, roomID string) ([]*telemetry.StatRecord, error) {
	var res []*telemetry.StatRecord
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/stats", "", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RoomClient) JoinRoom(ctx context.Context, roomID string, req *service.JoinRoomRequest) (*service.JoinRoomResponse, error) {
	res := &service.JoinRoomResponse{}
	if err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", "", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RoomClient) LeaveRoom(ctx context.Context, roomID, token string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/leave", token, nil, nil)
}

func (c *RoomClient) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		apiErr := struct {
			Error string `json:"error"`
		}{}
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s", method, path, res.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
