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

package auth

import (
	"errors"
	"time"
)

var (
	ErrKeysMissing  = errors.New("missing signing secret")
	ErrUnauthorized = errors.New("unauthorized")
)

// RoomClaims is the verified content of a room credential.
type RoomClaims struct {
	Subject     string
	RoomID      string
	DisplayName string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

type TokenIssuer interface {
	Issue(roomID, subjectID, displayName string) (string, error)
}

type TokenVerifier interface {
	Verify(token string) (*RoomClaims, error)
}
