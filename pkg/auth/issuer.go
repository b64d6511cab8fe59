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
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/pkg/errors"

	"github.com/livekit/meshrelay/pkg/utils"
)

const (
	DefaultValidDuration = time.Hour
)

// roomGrant is the private claim set carried next to the registered claims
type roomGrant struct {
	RoomID      string `json:"roomId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Issuer signs and verifies room credentials with a shared HS256 secret.
type Issuer struct {
	secret   string
	validFor time.Duration
	now      func() time.Time
}

func NewIssuer(secret string, validFor time.Duration) *Issuer {
	if validFor <= 0 {
		validFor = DefaultValidDuration
	}
	return &Issuer{
		secret:   secret,
		validFor: validFor,
		now:      time.Now,
	}
}

func (i *Issuer) ValidFor() time.Duration {
	return i.validFor
}

func (i *Issuer) Issue(roomID, subjectID, displayName string) (string, error) {
	if i.secret == "" {
		return "", ErrKeysMissing
	}
	if subjectID == "" {
		subjectID = utils.NewSubjectID()
	}

	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(i.secret)},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}

	now := i.now()
	cl := jwt.Claims{
		Subject:   subjectID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(i.validFor)),
	}
	grant := &roomGrant{
		RoomID:      roomID,
		DisplayName: displayName,
	}
	return jwt.Signed(sig).Claims(cl).Claims(grant).CompactSerialize()
}

// Verify checks signature and validity window. Every failure is reported as
// ErrUnauthorized with the cause attached.
func (i *Issuer) Verify(raw string) (*RoomClaims, error) {
	if i.secret == "" {
		return nil, ErrKeysMissing
	}
	if raw == "" {
		return nil, errors.Wrap(ErrUnauthorized, "token missing")
	}

	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}

	out := jwt.Claims{}
	grant := roomGrant{}
	if err := tok.Claims([]byte(i.secret), &out, &grant); err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	if err := out.ValidateWithLeeway(jwt.Expected{Time: i.now()}, 0); err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	if grant.RoomID == "" {
		return nil, errors.Wrap(ErrUnauthorized, "room claim missing")
	}

	claims := &RoomClaims{
		Subject:     out.Subject,
		RoomID:      grant.RoomID,
		DisplayName: grant.DisplayName,
	}
	if out.IssuedAt != nil {
		claims.IssuedAt = out.IssuedAt.Time()
	}
	if out.Expiry != nil {
		claims.ExpiresAt = out.Expiry.Time()
	}
	return claims, nil
}
