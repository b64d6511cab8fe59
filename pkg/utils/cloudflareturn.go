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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/meshrelay/pkg/signalling"
)

var rtcBaseURL = "https://rtc.live.cloudflare.com"
var client = &http.Client{
	Timeout: 10 * time.Second,
}

var ErrTURNRequestFailed = errors.New("TURN credential request failed")

type cloudflareICEConfig struct {
	ICEServers []signalling.ICEServer `json:"iceServers"`
}

// FetchCloudflareTurnICEServers generates a TURN credential set valid for ttl.
func FetchCloudflareTurnICEServers(ctx context.Context, keyID, apiToken string, ttl time.Duration) ([]signalling.ICEServer, error) {
	url := rtcBaseURL + "/v1/turn/keys/" + keyID + "/credentials/generate-ice-servers"
	payload := struct {
		TTL int `json:"ttl"`
	}{TTL: int(max(ttl, iceConfigTTLMin).Seconds())}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errors.Wrapf(ErrTURNRequestFailed, "unexpected status: %s", resp.Status)
	}

	var cfg cloudflareICEConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.ICEServers) == 0 {
		return nil, errors.Wrap(ErrTURNRequestFailed, "no ice servers returned")
	}
	return cfg.ICEServers, nil
}
