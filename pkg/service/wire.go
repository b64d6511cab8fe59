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

//go:build wireinject
// +build wireinject

package service

import (
	"github.com/google/wire"

	"github.com/livekit/meshrelay/pkg/auth"
	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/rooms"
	"github.com/livekit/meshrelay/pkg/telemetry"
)

func InitializeServer(conf *config.Config) (*MeshRelayServer, error) {
	wire.Build(
		createRedisClient,
		createStore,
		getRoomStore,
		createIssuer,
		wire.Bind(new(auth.TokenIssuer), new(*auth.Issuer)),
		wire.Bind(new(auth.TokenVerifier), new(*auth.Issuer)),
		rooms.NewRegistry,
		createTelemetry,
		NewRoomService,
		NewICEServerProvider,
		wire.Bind(new(ICEServerSource), new(*ICEServerProvider)),
		NewSignalService,
		NewMeshRelayServer,
	)
	return &MeshRelayServer{}, nil
}

func InitializeObjectStore(conf *config.Config) (ObjectStore, error) {
	wire.Build(
		createRedisClient,
		createStore,
	)
	return nil, nil
}

func getRoomStore(s ObjectStore) RoomStore {
	return s
}

func createIssuer(conf *config.Config) (*auth.Issuer, error) {
	if conf.Auth.Secret == "" {
		return nil, auth.ErrKeysMissing
	}
	return auth.NewIssuer(conf.Auth.Secret, conf.Auth.TokenTTL), nil
}

func createTelemetry(conf *config.Config, store ObjectStore) telemetry.TelemetryService {
	return telemetry.NewTelemetryService(store, conf.Stats.Workers)
}
