// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Claims are what fleetvisor puts in its tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for subject, valid for ttl.  A zero ttl gives
// a token that does not expire.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	s, e := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if e != nil {
		return "", errors.Wrap(e, "failed to sign token")
	}
	return s, nil
}

// tokenOf finds the bearer token of a request.  Browsers cannot set
// headers on a websocket upgrade, so the query is tried as well.
func tokenOf(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get(TokenParam)
}

// VerifyToken checks the signature and expiry of a token.
func VerifyToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	_, e := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if e != nil {
		return nil, e
	}
	return claims, nil
}

// RequireToken returns middleware that rejects requests without a valid
// token signed with secret.
func RequireToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenOf(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, e := VerifyToken(secret, token); e != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
