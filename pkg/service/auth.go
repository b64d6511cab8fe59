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
	"errors"
	"net/http"
	"strings"

	"github.com/livekit/meshrelay/pkg/auth"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	accessTokenParam    = "access_token"
)

type claimsKey struct{}

var (
	ErrPermissionDenied          = errors.New("permissions denied")
	ErrMissingAuthorization      = errors.New("invalid authorization header. Must start with " + bearerPrefix)
	ErrInvalidAuthorizationToken = errors.New("invalid authorization token")
)

// RoomTokenAuthMiddleware verifies room tokens on REST calls and stores the
// claims in the request context. Requests without a token pass through, the
// handlers decide whether claims are required.
type RoomTokenAuthMiddleware struct {
	verifier auth.TokenVerifier
}

func NewRoomTokenAuthMiddleware(verifier auth.TokenVerifier) *RoomTokenAuthMiddleware {
	return &RoomTokenAuthMiddleware{
		verifier: verifier,
	}
}

func (m *RoomTokenAuthMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	// relay sessions answer bad tokens with a close frame instead
	if r.URL != nil && r.URL.Path == "/ws" {
		next.ServeHTTP(w, r)
		return
	}

	authToken, err := tokenFromRequest(r)
	if err != nil {
		handleError(w, r, http.StatusUnauthorized, err)
		return
	}

	if authToken != "" {
		claims, err := m.verifier.Verify(authToken)
		if err != nil {
			handleError(w, r, http.StatusUnauthorized, ErrInvalidAuthorizationToken, "cause", err)
			return
		}
		r = r.WithContext(WithClaims(r.Context(), claims))
	}

	next.ServeHTTP(w, r)
}

func tokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader != "" {
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", ErrMissingAuthorization
		}
		return authHeader[len(bearerPrefix):], nil
	}
	// attempt to find from request params
	return r.FormValue(accessTokenParam), nil
}

func GetClaims(ctx context.Context) *auth.RoomClaims {
	claims, ok := ctx.Value(claimsKey{}).(*auth.RoomClaims)
	if !ok {
		return nil
	}
	return claims
}

func WithClaims(ctx context.Context, claims *auth.RoomClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func SetAuthorizationToken(r *http.Request, token string) {
	r.Header.Set(authorizationHeader, bearerPrefix+token)
}

// EnsureRoomPermission checks that the caller holds a token for roomID.
func EnsureRoomPermission(ctx context.Context, roomID string) (*auth.RoomClaims, error) {
	claims := GetClaims(ctx)
	if claims == nil {
		return nil, ErrMissingAuthorization
	}
	if claims.RoomID != roomID {
		return nil, ErrPermissionDenied
	}
	return claims, nil
}
