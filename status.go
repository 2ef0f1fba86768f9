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
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an Instance.
type Status int

const (
	Offline Status = iota
	Starting
	Online
	Stopping
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "offline"
	case Starting:
		return "starting"
	case Online:
		return "online"
	case Stopping:
		return "stopping"
	}
	return "invalid"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if e := json.Unmarshal(b, &str); e != nil {
		return e
	}
	for _, c := range []Status{Offline, Starting, Online, Stopping} {
		if c.String() == str {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", str)
}

// canTransition reports whether from -> to is a legal edge.  The only
// edges are Offline->Starting->Online->Stopping->Offline, plus the
// failure/force edges Starting->Offline and Stopping->Offline.
func canTransition(from, to Status) bool {
	switch from {
	case Offline:
		return to == Starting
	case Starting:
		return to == Online || to == Offline
	case Online:
		return to == Stopping
	case Stopping:
		return to == Offline
	}
	return false
}

// InitState is the state of background initialization, which is
// orthogonal to Status.
type InitState string

const (
	InitIdle        InitState = "idle"
	InitDownloading InitState = "downloading"
	InitReady       InitState = "ready"
	InitError       InitState = "error"
)

// InitStatus describes the progress of a background initialization.
// TotalBytes and Percent are only set when the sizes are known.
type InitStatus struct {
	State         InitState `json:"state"`
	Stage         string    `json:"stage,omitempty"`
	FileName      string    `json:"fileName,omitempty"`
	BytesReceived int64     `json:"bytesReceived"`
	TotalBytes    *int64    `json:"totalBytes,omitempty"`
	Percent       *float64  `json:"percent,omitempty"`
	Message       string    `json:"message,omitempty"`
	Updated       time.Time `json:"updated"`
}

// Terminal reports whether the initialization has finished.
func (s InitStatus) Terminal() bool {
	return s.State == InitReady || s.State == InitError
}
