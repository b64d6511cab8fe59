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
	"crypto/tls"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/logger"
)

func createRedisClient(conf *config.Config) (redis.UniversalClient, error) {
	if !conf.Redis.IsConfigured() {
		return nil, nil
	}

	var tlsConfig *tls.Config
	if conf.Redis.UseTLS {
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	logger.Infow("using redis store", "addr", conf.Redis.Address)
	rc := redis.NewClient(&redis.Options{
		Addr:      conf.Redis.Address,
		Username:  conf.Redis.Username,
		Password:  conf.Redis.Password,
		DB:        conf.Redis.DB,
		TLSConfig: tlsConfig,
	})
	if err := rc.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "unable to connect to redis")
	}
	return rc, nil
}

func createStore(conf *config.Config, rc redis.UniversalClient) ObjectStore {
	if rc != nil {
		return NewRedisStore(rc, conf.Stats.MaxRecords)
	}
	return NewLocalStore(conf.Stats.MaxRecords)
}
