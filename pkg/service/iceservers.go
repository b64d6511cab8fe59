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
	"time"

	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
	"github.com/livekit/meshrelay/pkg/utils"
)

const turnFetchTimeout = 5 * time.Second

type turnFetcher func(ctx context.Context, keyID, apiToken string, ttl time.Duration) ([]signalling.ICEServer, error)

// ICEServerProvider appends Cloudflare TURN credentials to the configured
// servers. Credentials are shared per room until half their lifetime has
// passed. When the TURN service is unreachable, peers get the static list.
type ICEServerProvider struct {
	static []signalling.ICEServer
	turn   config.TURNConfig
	cache  *utils.ICEConfigCache[string]
	fetch  turnFetcher
	logger logger.Logger
}

func NewICEServerProvider(conf *config.Config) *ICEServerProvider {
	p := &ICEServerProvider{
		static: conf.ICEServers,
		turn:   conf.TURN,
		fetch:  utils.FetchCloudflareTurnICEServers,
		logger: logger.GetLogger().WithName("ice"),
	}
	if p.turn.IsConfigured() {
		p.cache = utils.NewICEConfigCache[string](p.turn.TTL / 2)
	}
	return p
}

func (p *ICEServerProvider) ICEServers(ctx context.Context, roomID string) []signalling.ICEServer {
	if p.cache == nil {
		return p.static
	}

	turn, ok := p.cache.Get(roomID)
	if !ok {
		fetchCtx, cancel := context.WithTimeout(ctx, turnFetchTimeout)
		defer cancel()

		var err error
		turn, err = p.fetch(fetchCtx, p.turn.CloudflareKeyID, p.turn.CloudflareAPIToken, p.turn.TTL)
		if err != nil {
			p.logger.Warnw("could not fetch TURN credentials", err, "roomID", roomID)
			return p.static
		}
		p.cache.Put(roomID, turn)
	}

	servers := make([]signalling.ICEServer, 0, len(p.static)+len(turn))
	servers = append(servers, p.static...)
	return append(servers, turn...)
}
