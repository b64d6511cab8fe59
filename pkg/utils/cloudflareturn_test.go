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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/meshrelay/pkg/signalling"
)

func withCloudflare(t *testing.T, h http.HandlerFunc) {
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	oldBase := rtcBaseURL
	rtcBaseURL = ts.URL
	t.Cleanup(func() { rtcBaseURL = oldBase })
}

func TestFetchCloudflareTurnICEServers(t *testing.T) {
	const jsonResp = `{
	  "iceServers": [{
	    "urls": [
	      "stun:stun.cloudflare.com:3478",
	      "turn:turn.cloudflare.com:3478?transport=udp",
	      "turns:turn.cloudflare.com:443?transport=tcp"
	    ],
	    "username":   "bc91e3e",
	    "credential": "ebd74a0"
	  }]
	}`

	withCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/turn/keys/test-key/credentials/generate-ice-servers", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body struct {
			TTL int `json:"ttl"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 3600, body.TTL)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(jsonResp))
	})

	got, err := FetchCloudflareTurnICEServers(context.Background(), "test-key", "test-token", time.Hour)
	require.NoError(t, err)
	require.Equal(t, []signalling.ICEServer{{
		URLs: []string{
			"stun:stun.cloudflare.com:3478",
			"turn:turn.cloudflare.com:3478?transport=udp",
			"turns:turn.cloudflare.com:443?transport=tcp",
		},
		Username:   "bc91e3e",
		Credential: "ebd74a0",
	}}, got)
}

func TestFetchCloudflareTurnICEServers_Non200(t *testing.T) {
	withCloudflare(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := FetchCloudflareTurnICEServers(context.Background(), "x", "y", time.Hour)
	require.ErrorIs(t, err, ErrTURNRequestFailed)
}

func TestFetchCloudflareTurnICEServers_Empty(t *testing.T) {
	withCloudflare(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"iceServers":[]}`))
	})

	_, err := FetchCloudflareTurnICEServers(context.Background(), "x", "y", time.Hour)
	require.ErrorIs(t, err, ErrTURNRequestFailed)
}

func TestICEConfigCache(t *testing.T) {
	cache := NewICEConfigCache[string](10 * time.Second)

	_, ok := cache.Get("r1")
	require.False(t, ok)

	servers := []signalling.ICEServer{{URLs: []string{"turn:example.com"}, Username: "u", Credential: "c"}}
	cache.Put("r1", servers)
	got, ok := cache.Get("r1")
	require.True(t, ok)
	require.Equal(t, servers, got)
	require.Equal(t, 1, cache.Len())

	cache.Purge()
	require.Equal(t, 0, cache.Len())
}
