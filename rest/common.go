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

	"github.com/gdamore/fleetvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// TokenParam is the query parameter that may carry the bearer token,
	// for clients that cannot set headers on a websocket upgrade.
	TokenParam = "token"
)

var ok struct{}

// CommandRequest is the body of POST /instances/{id}/command.
type CommandRequest struct {
	Line string `json:"line"`
}

// ConsoleInfo is the body of GET /instances/{id}/console.
type ConsoleInfo struct {
	Lines []fleetvisor.ConsoleLine `json:"lines"`
	Next  int64                    `json:"next"`
}

// InitResult is the body of POST /instances/{id}/initialize.  Started is
// false when an initialization was already running.
type InitResult struct {
	Started bool `json:"started"`
}

// Error is the body of every failed request.  Code is the HTTP status,
// Reason the stable error code.
type Error struct {
	Code    int                  `json:"code"`
	Reason  string               `json:"reason"`
	Message string               `json:"message"`
	Current *fleetvisor.Resource `json:"current,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// statusOf maps a registry error code to an HTTP status.
func statusOf(reason string) int {
	switch reason {
	case "not_found":
		return http.StatusNotFound
	case "already_running", "not_running", "invalid_state", "conflict":
		return http.StatusConflict
	case "bad_request":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
