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

package fleetvisor

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound       = errors.New("Instance not found")
	ErrAlreadyRunning = errors.New("Process is already running")
	ErrNotRunning     = errors.New("Process is not running")
	ErrInvalidState   = errors.New("Invalid instance state")
	ErrConflict       = errors.New("Revision conflict")
	ErrBadMetadata    = errors.New("Bad instance metadata")
	ErrBadLaunch      = errors.New("Bad launch parameters")
	ErrOutsideRoot    = errors.New("Path is outside the managed root")
	ErrNoResource     = errors.New("Unknown resource")
	ErrNoAssets       = errors.New("No assets for instance type")
	ErrChecksum       = errors.New("Asset checksum mismatch")
)

// ConflictError is returned when a revisioned write presents a stale
// revision.  It carries the current value so that the caller can re-apply.
type ConflictError struct {
	Name    string
	Current Resource
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s is at %s", ErrConflict, e.Name,
		e.Current.Revision)
}

// Cause lets errors.Cause unwrap a conflict to ErrConflict.
func (e *ConflictError) Cause() error {
	return ErrConflict
}

// Unwrap supports errors.Is from the standard library.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ErrorCode maps an error returned by the core onto a stable code that
// transports can hand to clients.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	switch errors.Cause(err) {
	case ErrNotFound, ErrNoResource:
		return "not_found"
	case ErrAlreadyRunning:
		return "already_running"
	case ErrNotRunning:
		return "not_running"
	case ErrInvalidState:
		return "invalid_state"
	case ErrConflict:
		return "conflict"
	case ErrBadMetadata, ErrBadLaunch, ErrOutsideRoot:
		return "bad_request"
	}
	return "internal"
}
