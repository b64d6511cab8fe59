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
	"crypto/rand"
	"io"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

const (
	ConnectionPrefix = "CO_"
	NodePrefix       = "ND_"
	GuidSize         = 12
)

// NewGuid returns a prefixed, url-safe random identifier. Identifiers are
// never reused within the lifetime of a process.
func NewGuid(prefix string) string {
	return prefix + base62.EncodeToString(randomBytes(GuidSize))
}

// NewRoomID returns a room identifier in the same format rooms are announced
// to browsers.
func NewRoomID() string {
	return uuid.NewString()
}

// NewSubjectID is used for participants that join without a user id.
func NewSubjectID() string {
	return uuid.NewString()
}

func RandomSecret() string {
	// 256 bit secret
	return base62.EncodeToString(randomBytes(32))
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	// cannot error
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic("could not read random")
	}
	return buf
}
