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

package utils

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/livekit/meshrelay/pkg/signalling"
)

const (
	iceConfigTTLMin   = 5 * time.Minute
	iceConfigCacheMax = 1024
)

// ICEConfigCache holds short lived ICE credentials. Entries expire after the
// configured TTL and are never refreshed by a hit.
type ICEConfigCache[T comparable] struct {
	c *expirable.LRU[T, []signalling.ICEServer]
}

func NewICEConfigCache[T comparable](ttl time.Duration) *ICEConfigCache[T] {
	return &ICEConfigCache[T]{
		c: expirable.NewLRU[T, []signalling.ICEServer](iceConfigCacheMax, nil, max(ttl, iceConfigTTLMin)),
	}
}

func (icc *ICEConfigCache[T]) Put(key T, servers []signalling.ICEServer) {
	icc.c.Add(key, servers)
}

func (icc *ICEConfigCache[T]) Get(key T) ([]signalling.ICEServer, bool) {
	return icc.c.Get(key)
}

func (icc *ICEConfigCache[T]) Len() int {
	return icc.c.Len()
}

func (icc *ICEConfigCache[T]) Purge() {
	icc.c.Purge()
}
